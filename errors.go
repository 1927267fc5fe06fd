package gaio

import "errors"

// Sentinel errors for the error kinds in spec §7. Callers should compare with
// errors.Is; CodeError additionally carries the uuid that produced the error.
var (
	ErrInvalidUUID = errors.New("gaio: uuid stale or never valid")
	ErrWouldBlock  = errors.New("gaio: operation would block")
	ErrQueueFull   = errors.New("gaio: task queue is full")
	ErrIOFatal     = errors.New("gaio: fatal io error")
	ErrAllocFail   = errors.New("gaio: allocation failed")
	ErrNotFound    = errors.New("gaio: object not linked")

	ErrWatcherClosed = errors.New("gaio: reactor closed")
	ErrEmptyBuffer   = errors.New("gaio: empty buffer")
	ErrCapacity      = errors.New("gaio: descriptor exceeds capacity")
)

// CodeError wraps one of the sentinel errors above with the UUID that
// triggered it, so logs and fallbacks can identify the connection without
// a second resolve.
type CodeError struct {
	UUID UUID
	Err  error
}

func (e *CodeError) Error() string {
	return e.Err.Error()
}

func (e *CodeError) Unwrap() error {
	return e.Err
}

func newCodeError(id UUID, err error) *CodeError {
	return &CodeError{UUID: id, Err: err}
}
