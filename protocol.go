package gaio

import "sync/atomic"

// Protocol is the handler capability set a caller installs on a
// connection. Exactly one callback per LockClass runs at a time per
// connection (spec §4.3); callbacks receive a UUID, never a slot pointer,
// so a stale callback becomes a no-op instead of touching freed state.
type Protocol interface {
	OnData(id UUID)
	OnReady(id UUID)
	// OnShutdown returns 0 to close now, 1-254 to delay closure by that
	// many seconds (from the moment this call returns), or 255 to be
	// force-closed in ShutdownSweep's final pass, which runs once every
	// connection's OnShutdown has returned (the other connections' closes
	// are not waited for).
	OnShutdown(id UUID) uint8
	OnClose(id UUID)
	Ping(id UUID)
}

// BaseProtocol supplies no-op defaults so callers can embed it and
// override only the callbacks they need, the same way facil.io lets
// protocol structs leave fields null.
type BaseProtocol struct{}

func (BaseProtocol) OnData(UUID)           {}
func (BaseProtocol) OnReady(UUID)          {}
func (BaseProtocol) OnShutdown(UUID) uint8 { return 0 }
func (BaseProtocol) OnClose(UUID)          {}
func (BaseProtocol) Ping(UUID)             {}

// LockClass identifies one of the three per-connection spinlocks.
type LockClass int

const (
	LockTask LockClass = iota
	LockWrite
	LockState
)

// lockState holds the three independent, non-blocking spinlocks described
// in spec §4.3. They are plain CAS bits: acquisition never blocks, and a
// busy lock is the caller's cue to reschedule via the task queue rather
// than spin.
type lockState struct {
	task  int32
	write int32
	state int32
}

func (l *lockState) bit(class LockClass) *int32 {
	switch class {
	case LockTask:
		return &l.task
	case LockWrite:
		return &l.write
	default:
		return &l.state
	}
}

// TryLock attempts to acquire class without blocking. false means busy;
// the caller must requeue the work rather than spin (spec §4.3).
func (l *lockState) TryLock(class LockClass) bool {
	return atomic.CompareAndSwapInt32(l.bit(class), 0, 1)
}

// Unlock releases class. Calling Unlock without a matching successful
// TryLock is a caller bug; there is no owner tracking by design, matching
// facil.io's bare spinlock bit.
func (l *lockState) Unlock(class LockClass) {
	atomic.StoreInt32(l.bit(class), 0)
}

// TryLockState is the out-of-band short-read path described in spec §4.3
// for fio_protocol_try_lock: it never blocks TASK or WRITE progress.
func (s *connSlot) TryLockState() bool {
	return s.locks.TryLock(LockState)
}

// UnlockState releases the STATE lock acquired by TryLockState.
func (s *connSlot) UnlockState() {
	s.locks.Unlock(LockState)
}

// Attach swaps the slot's protocol under the TASK lock. Callers are
// expected to already hold LockTask (e.g. from within OnData); see
// DESIGN.md's Open Question decision on re-attaching mid-callback.
func (s *connSlot) Attach(p Protocol) {
	s.protocol = p
}
