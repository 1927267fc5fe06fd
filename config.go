package gaio

import "time"

// Config holds every tunable of a Reactor. Fields are named explicitly
// rather than via functional options, matching the struct-literal
// configuration idiom facil.io's own macros expand to (spec §9).
type Config struct {
	// MaxSockCapacity bounds the connection table; registering a fd at or
	// above this index fails with ErrCapacity. Default mirrors facil.io's
	// FIO_MAX_SOCK_CAPACITY.
	MaxSockCapacity int

	// Workers is the number of sibling worker processes forked by the
	// Supervisor. 0 or 1 collapses root and worker into a single process.
	Workers int

	// Threads is the number of goroutines draining the deferred task queue
	// per worker process.
	Threads int

	// BlockSize is the maximum chunk size read from a packet per flush
	// iteration (spec §4.4 step 2).
	BlockSize int

	// ShutdownGuard bounds how long a graceful close will wait for the
	// write queue to drain before forcing the socket closed.
	ShutdownGuard time.Duration

	// ThrottleMin/ThrottleMax bound the progressive sleep a worker takes
	// when it finds no work (spec §4.6).
	ThrottleMin time.Duration
	ThrottleMax time.Duration

	// TaskQueueDepth bounds the deferred task channel; beyond this, defer
	// calls return ErrQueueFull.
	TaskQueueDepth int
}

// DefaultConfig returns the constants facil.io itself ships with.
func DefaultConfig() Config {
	return Config{
		MaxSockCapacity: 131072, // FIO_MAX_SOCK_CAPACITY
		Workers:         1,
		Threads:         4,
		BlockSize:       64 * 1024,
		ShutdownGuard:   8 * time.Second,
		ThrottleMin:     1 * time.Millisecond,
		ThrottleMax:     64 * time.Millisecond,
		TaskQueueDepth:  65536,
	}
}
