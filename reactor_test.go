package gaio

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// echoProtocol is the teacher-style minimal protocol: echo whatever
// arrives back to the peer. Grounded on aio_test.go's echoServer, adapted
// to the Protocol/Reactor API in place of gaio's original proactor calls.
type echoProtocol struct {
	BaseProtocol
	r *Reactor
}

func (p *echoProtocol) OnData(id UUID) {
	buf := make([]byte, 4096)
	fd := id.FD()
	n, err := unix.Read(fd, buf)
	if err != nil || n == 0 {
		return
	}
	p.r.Write2(id, MemoryPacket(append([]byte(nil), buf[:n]...), nil, false))
}

func (p *echoProtocol) Ping(id UUID) {
	p.r.Write2(id, MemoryPacket([]byte{0}, nil, false))
}

// newLoopbackReactor creates a Reactor and a bound TCP listener on an
// ephemeral port, returning the reactor (already running in a goroutine)
// and the port.
func newLoopbackReactor(t *testing.T) (*Reactor, int) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 1
	r, err := NewReactor(cfg)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	t.Cleanup(r.Stop)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // we only wanted the port; Listen below rebinds it ourselves

	_, err = Listen(r, ListenConfig{
		Address: "127.0.0.1",
		Port:    strconv.Itoa(port),
	}, func(id UUID) Protocol { return &echoProtocol{r: r} })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go r.Run()
	return r, port
}

// TestEcho exercises scenario S1 end to end against the real poller: client
// connects over a loopback TCP socket, sends "hi\n", server echoes it back.
// Grounded on aio_test.go's echoServer scenario; epoll/kqueue are ordinary
// kernel syscalls available in any CI environment, so this runs unskipped.
func TestEcho(t *testing.T) {
	_, port := newLoopbackReactor(t)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hi\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if got := string(buf[:n]); got != "hi\n" {
		t.Fatalf("expected echo of %q, got %q", "hi\n", got)
	}
}

// TestUUIDAliasingSafety exercises spec §8 property 1 directly against
// ConnTable without any socket I/O: a stale uuid must never resolve after
// its slot is recycled, even once the fd number is reused.
func TestUUIDAliasingSafety(t *testing.T) {
	table := NewConnTable(16)

	id1, err := table.Register(5, nil, DefaultHooks(), 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	table.FinishClose(5)

	if _, ok := table.Resolve(id1); ok {
		t.Fatalf("expected id1 to be stale after close")
	}

	id2, err := table.Register(5, nil, DefaultHooks(), 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct uuids across generations, got same: %v", id1)
	}
	if _, ok := table.Resolve(id1); ok {
		t.Fatalf("old uuid must remain stale after fd reuse")
	}
	if _, ok := table.Resolve(id2); !ok {
		t.Fatalf("new uuid must resolve")
	}
}

// TestReservedUUIDsAlwaysInvalid covers the two reserved sentinels from
// spec §4.2.
func TestReservedUUIDsAlwaysInvalid(t *testing.T) {
	table := NewConnTable(4)
	if _, ok := table.Resolve(InvalidUUID); ok {
		t.Fatalf("-1 must never resolve")
	}
	if _, ok := table.Resolve(uuidZero); ok {
		t.Fatalf("0 must never resolve")
	}
}

// TestLockExclusion exercises spec §8 property 2 at the lockState level:
// TASK and WRITE are independent, but within one class only one holder
// succeeds at a time.
func TestLockExclusion(t *testing.T) {
	var l lockState

	if !l.TryLock(LockTask) {
		t.Fatalf("expected first TASK lock to succeed")
	}
	if l.TryLock(LockTask) {
		t.Fatalf("expected second TASK lock to fail while held")
	}
	if !l.TryLock(LockWrite) {
		t.Fatalf("expected WRITE lock to succeed concurrently with TASK")
	}
	l.Unlock(LockTask)
	if !l.TryLock(LockTask) {
		t.Fatalf("expected TASK lock to succeed after unlock")
	}
}

// TestTimerRunEvery exercises scenario S6 / spec §8 property 7.
func TestTimerRunEvery(t *testing.T) {
	wheel := NewTimerWheel()
	var ticks int
	done := make(chan struct{})

	wheel.RunEvery(10, 3, func() { ticks++ }, func() { close(done) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-wheel.C():
			wheel.Fire()
		case <-done:
			if ticks != 3 {
				t.Fatalf("expected 3 ticks, got %d", ticks)
			}
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatalf("timer never finished, ticks=%d", ticks)
}
