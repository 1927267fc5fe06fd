package gaio

// ReadyEvent reports readiness for one file descriptor from one Wait
// batch. No ordering between events in a batch is guaranteed (spec §4.1).
type ReadyEvent struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller abstracts the platform readiness-notification primitive (C1).
// Implementations must run edge-triggered: the reactor promises to fully
// drain a socket on each notification and to re-register interest when a
// queued write blocks (spec §4.1).
type Poller interface {
	// Watch arms interest in fd for the given directions. Calling Watch
	// again for an already-watched fd updates the interest set.
	Watch(fd int, read, write bool) error

	// Unwatch removes fd from the poller entirely.
	Unwatch(fd int) error

	// Wait blocks up to timeoutMillis (negative blocks indefinitely, 0
	// returns immediately) and fills events, returning how many were
	// populated. Spurious wakeups (n == 0, err == nil) are tolerated.
	Wait(events []ReadyEvent, timeoutMillis int) (int, error)

	// Close releases the underlying poller resource.
	Close() error
}
