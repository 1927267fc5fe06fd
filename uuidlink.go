package gaio

import "sync"

// linkEntry is one (object, on-close callback) pair on a connection's
// intrusive close-link list (spec §3, §4.10).
type linkEntry struct {
	obj     any
	onClose func(any)
}

// linkTable holds every connection's uuid-link list, keyed by fd since a
// UUID's fd half is stable across the link's lifetime and cheaper to key
// on than the full generational UUID.
type linkTable struct {
	mu    sync.Mutex
	links map[int][]*linkEntry
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[int][]*linkEntry)}
}

// link appends (obj, onClose) to id's list. It is guarded by the
// linkTable's own mutex, not by the connection's STATE lock.
func (t *linkTable) link(id UUID, obj any, onClose func(any)) {
	fd := id.FD()
	t.mu.Lock()
	t.links[fd] = append(t.links[fd], &linkEntry{obj: obj, onClose: onClose})
	t.mu.Unlock()
}

// unlink removes the first entry matching obj by equality, returning
// whether one was found (distinct not-found vs invalid-uuid per spec §7).
func (t *linkTable) unlink(id UUID, obj any) bool {
	fd := id.FD()
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.links[fd]
	for i, e := range entries {
		if e.obj == obj {
			t.links[fd] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// fireClose runs every link for id's fd in reverse order, then clears the
// list; called by Reactor.finalizeClose before the protocol's OnClose
// (spec §4.10).
func (t *linkTable) fireClose(id UUID) {
	fd := id.FD()
	t.mu.Lock()
	entries := t.links[fd]
	delete(t.links, fd)
	t.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].onClose(entries[i].obj)
	}
}
