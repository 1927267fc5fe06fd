package gaio

import (
	"sync"
	"sync/atomic"
)

// UUID is an opaque connection identifier composed of (fd, generation).
// It stays valid for the lifetime of exactly one connection occupying one
// slot; once the slot's generation advances, the old UUID resolves as
// stale forever (spec §3, property 1).
type UUID int64

const (
	// InvalidUUID and uuidZero are permanently invalid per spec §4.2.
	InvalidUUID UUID = -1
	uuidZero    UUID = 0
)

// FD extracts the file descriptor half of the UUID, mirroring facil.io's
// fio_uuid2fd macro.
func (u UUID) FD() int {
	return int(int64(u) >> 8)
}

func (u UUID) generation() uint8 {
	return uint8(int64(u) & 0xff)
}

func makeUUID(fd int, generation uint8) UUID {
	return UUID(int64(fd)<<8 | int64(generation))
}

// connSlot is the fixed-capacity per-fd record described in spec §3.
// It is mutated only by code holding the appropriate lock (protocol.go);
// the table itself only guards generation/state transitions.
type connSlot struct {
	mu sync.Mutex // guards generation/state transitions only, not protocol data

	generation uint8
	state      slotState

	fd       int
	protocol Protocol
	locks    lockState

	timeoutSeconds  int
	lastActivity    int64 // unix seconds
	hooks           RWHooks
	peerAddress     string
	writeQueue      writeQueue
	markedForClose  bool
	shutdownDelayed bool
}

type slotState uint8

const (
	stateEmpty slotState = iota
	stateOpen
	stateClosing
	stateSuspended
)

// ConnTable is the connection table (C2): a fixed-capacity array indexed by
// fd, each slot carrying a generation counter that forms the stable half of
// the UUID scheme.
type ConnTable struct {
	slots    []connSlot
	capacity int
	count    int64 // atomic: number of open slots, for diagnostics
}

// NewConnTable allocates a table sized for capacity distinct file
// descriptors, as facil.io does with FIO_MAX_SOCK_CAPACITY.
func NewConnTable(capacity int) *ConnTable {
	return &ConnTable{
		slots:    make([]connSlot, capacity),
		capacity: capacity,
	}
}

// Register installs protocol p on fd, bumping the slot's generation, and
// returns the UUID by which it must thereafter be addressed.
func (t *ConnTable) Register(fd int, p Protocol, hooks RWHooks, timeoutSeconds int) (UUID, error) {
	if fd < 0 || fd >= t.capacity {
		return InvalidUUID, ErrCapacity
	}
	slot := &t.slots[fd]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.generation++
	slot.fd = fd
	slot.protocol = p
	slot.hooks = hooks
	slot.timeoutSeconds = timeoutSeconds
	slot.state = stateOpen
	slot.markedForClose = false
	slot.shutdownDelayed = false
	slot.writeQueue = writeQueue{}
	slot.locks = lockState{}

	atomic.AddInt64(&t.count, 1)
	return makeUUID(fd, slot.generation), nil
}

// Resolve splits id into (fd, generation) and returns the slot only if the
// generations still match; otherwise the second return is false and the
// UUID must be treated as stale (spec §3 invariant, property 1).
func (t *ConnTable) Resolve(id UUID) (*connSlot, bool) {
	if id == InvalidUUID || id == uuidZero {
		return nil, false
	}
	fd := id.FD()
	if fd < 0 || fd >= t.capacity {
		return nil, false
	}
	slot := &t.slots[fd]
	slot.mu.Lock()
	ok := slot.state != stateEmpty && slot.generation == id.generation()
	slot.mu.Unlock()
	if !ok {
		return nil, false
	}
	return slot, true
}

// BeginClose transitions the slot to closing state. Returns false if the
// uuid was already stale.
func (t *ConnTable) BeginClose(id UUID, force bool) (*connSlot, bool) {
	slot, ok := t.Resolve(id)
	if !ok {
		return nil, false
	}
	slot.mu.Lock()
	if slot.state == stateEmpty {
		slot.mu.Unlock()
		return nil, false
	}
	slot.state = stateClosing
	slot.markedForClose = true
	slot.mu.Unlock()
	return slot, true
}

// FinishClose bumps the generation again so any UUID pointing at this slot,
// including the one just closed, can never alias a future occupant (spec
// §4.2's "so post-close uuids cannot alias to the next open").
func (t *ConnTable) FinishClose(fd int) {
	slot := &t.slots[fd]
	slot.mu.Lock()
	slot.generation++
	slot.state = stateEmpty
	slot.protocol = nil
	slot.mu.Unlock()
	atomic.AddInt64(&t.count, -1)
}

// SetPeerAddress caches the stringified remote address for id (spec §3's
// peer_address field), called once at accept/connect time since the
// underlying getpeername syscall result never changes for the life of a
// connection.
func (t *ConnTable) SetPeerAddress(id UUID, addr string) {
	slot, ok := t.Resolve(id)
	if !ok {
		return
	}
	slot.mu.Lock()
	slot.peerAddress = addr
	slot.mu.Unlock()
}

// PeerAddress returns id's cached remote address, if any.
func (t *ConnTable) PeerAddress(id UUID) (string, bool) {
	slot, ok := t.Resolve(id)
	if !ok {
		return "", false
	}
	slot.mu.Lock()
	addr := slot.peerAddress
	slot.mu.Unlock()
	return addr, addr != ""
}

// FDUUID returns the currently-valid UUID for an open fd, if any. This is
// the inverse of UUID.FD, grounded on facil.io's fio_fd2uuid.
func (t *ConnTable) FDUUID(fd int) (UUID, bool) {
	if fd < 0 || fd >= t.capacity {
		return InvalidUUID, false
	}
	slot := &t.slots[fd]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state == stateEmpty {
		return InvalidUUID, false
	}
	return makeUUID(fd, slot.generation), true
}

// OpenCount returns the number of currently registered slots.
func (t *ConnTable) OpenCount() int64 {
	return atomic.LoadInt64(&t.count)
}

// ForEachOpen invokes fn for every currently open slot's UUID. Used by
// Reactor.FlushAll and the shutdown sweep (spec §4.7, §9 fio_flush_all).
func (t *ConnTable) ForEachOpen(fn func(id UUID)) {
	for fd := 0; fd < t.capacity; fd++ {
		slot := &t.slots[fd]
		slot.mu.Lock()
		open := slot.state == stateOpen || slot.state == stateClosing || slot.state == stateSuspended
		var id UUID
		if open {
			id = makeUUID(fd, slot.generation)
		}
		slot.mu.Unlock()
		if open {
			fn(id)
		}
	}
}
