package gaio

import "golang.org/x/sys/unix"

// RWHooks is the replaceable read/write/close trait described in spec
// §4.5 and §1 (the TLS layer is treated as an external collaborator
// implementing this same triple). Flush reports bytes still buffered
// inside the hook itself (e.g. a TLS record in flight); 0 when unused.
type RWHooks struct {
	Read  func(fd int, buf []byte) (int, error)
	Write func(fd int, buf []byte) (int, error)
	Close func(fd int) error
	Flush func() int

	// Udata is opaque user data threaded through to the hook functions by
	// closure capture; kept here only so callers can find it back without
	// a second map.
	Udata any

	// isDefault is set only by DefaultHooks. writer.go consults it (never
	// Udata, which a caller is free to leave nil on its own custom hooks)
	// to decide whether sendfile may bypass the hook triple for file
	// packets; any installed custom hook (e.g. TLS) must go through Write.
	isDefault bool
}

// DefaultHooks returns the direct-syscall hook triple that every
// connection gets unless a caller installs its own (e.g. TLS). Per spec
// §4.5, installed hooks must never call back into the core or they will
// deadlock the WRITE lock; the defaults obviously don't.
func DefaultHooks() RWHooks {
	return RWHooks{
		Read: func(fd int, buf []byte) (int, error) {
			n, err := unix.Read(fd, buf)
			return n, err
		},
		Write: func(fd int, buf []byte) (int, error) {
			n, err := unix.Write(fd, buf)
			return n, err
		},
		Close: func(fd int) error {
			return unix.Close(fd)
		},
		Flush:     func() int { return 0 },
		isDefault: true,
	}
}

// isWouldBlock reports whether err is the transient EAGAIN/EWOULDBLOCK
// condition that should stop a flush/read attempt without treating the
// connection as failed.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isRetryable(err error) bool {
	return err == unix.EINTR
}
