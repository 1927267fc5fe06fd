//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package gaio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements Poller over kqueue, using EV_CLEAR for edge
// semantics equivalent to epoll's EPOLLET (spec §4.1). Grounded on the
// pack's poller_darwin.go (joeycumines-go-utilpkg) and
// kqueue_poller_bsd.go (SeleniaProject-Orizon).
type kqueuePoller struct {
	kq int

	mu      sync.Mutex
	watched map[int]struct{}
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: kq, watched: make(map[int]struct{})}, nil
}

func (p *kqueuePoller) Watch(fd int, read, write bool) error {
	changes := make([]unix.Kevent_t, 0, 2)
	readFlags := unix.EV_ADD | unix.EV_CLEAR
	if !read {
		readFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{
		Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: uint16(readFlags),
	})
	writeFlags := unix.EV_ADD | unix.EV_CLEAR
	if !write {
		writeFlags = unix.EV_DELETE
	}
	changes = append(changes, unix.Kevent_t{
		Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: uint16(writeFlags),
	})

	p.mu.Lock()
	p.watched[fd] = struct{}{}
	p.mu.Unlock()

	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Unwatch(fd int) error {
	p.mu.Lock()
	delete(p.watched, fd)
	p.mu.Unlock()

	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	// Errors here commonly mean the filter was never registered; kqueue
	// has no bulk "remove whatever exists" op, so both are attempted and
	// failures ignored the way the teacher's releaseConn tolerates a
	// closed fd disappearing from the poller automatically.
	unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) Wait(events []ReadyEvent, timeoutMillis int) (int, error) {
	raw := make([]unix.Kevent_t, len(events))
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * 1_000_000)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	merged := make(map[int]*ReadyEvent, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		re, ok := merged[fd]
		if !ok {
			re = &ReadyEvent{Fd: fd}
			merged[fd] = re
			order = append(order, fd)
		}
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			re.Readable = true
		case unix.EVFILT_WRITE:
			re.Writable = true
		}
	}
	count := 0
	for _, fd := range order {
		if count >= len(events) {
			break
		}
		events[count] = *merged[fd]
		count++
	}
	return count, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
