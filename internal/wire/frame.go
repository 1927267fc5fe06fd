// Package wire implements the cluster IPC frame format of spec §6: the
// little-endian header exchanged between root and worker processes over
// the full-mesh of sibling pipes/unix sockets.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Reserved negative filter values identify control frames rather than
// application pub/sub or typed-IPC payloads (spec §6).
const (
	FilterSubscribe   int32 = -1
	FilterUnsubscribe int32 = -2
	FilterShutdown    int32 = -3
	FilterPing        int32 = -4
)

const (
	flagJSON    byte = 1 << 0
	flagPattern byte = 1 << 1

	headerSize = 24 // bytes 0..23, see spec §6 table
)

// Scope mirrors spec §4.9's fan-out scopes on the wire. It is redeclared
// here rather than imported from the gaio package (which imports wire) to
// avoid an import cycle; cluster.go converts gaio.Scope to it in publish
// (wireScope), and handleFrame compares the decoded wire.Scope directly.
type Scope byte

const (
	ScopeProcess Scope = iota
	ScopeCluster
	ScopeSiblings
	ScopeRoot
)

// ErrFrameTooLarge guards against a corrupt length prefix turning into an
// unbounded allocation.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// MaxFrameSize bounds a single frame's channel+payload size.
const MaxFrameSize = 64 << 20

// Frame is the decoded form of one cluster IPC message (spec §6).
type Frame struct {
	Filter  int32
	Channel []byte
	Payload []byte
	IsJSON  bool
	Pattern bool
	Scope   Scope
}

// Encode serializes f per spec §6's exact byte layout:
//
//	0   4   total message length (excluding this field)
//	4   4   filter
//	8   4   channel length
//	12  4   payload length
//	16  1   flags
//	17  1   scope
//	18  6   reserved, zero
//	24  …   channel bytes, then payload bytes
func Encode(f Frame) []byte {
	body := headerSize - 4 + len(f.Channel) + len(f.Payload)
	buf := make([]byte, 4+body)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(body))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Filter))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(f.Channel)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(f.Payload)))

	var flags byte
	if f.IsJSON {
		flags |= flagJSON
	}
	if f.Pattern {
		flags |= flagPattern
	}
	buf[16] = flags
	buf[17] = byte(f.Scope)
	// buf[18:24] reserved, left zero.

	copy(buf[headerSize:], f.Channel)
	copy(buf[headerSize+len(f.Channel):], f.Payload)
	return buf
}

// ReadFrame reads exactly one frame from r, blocking until the full
// header and body have arrived.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < headerSize-4 || int64(bodyLen) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	rest := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, err
	}

	filter := int32(binary.LittleEndian.Uint32(rest[0:4]))
	chLen := binary.LittleEndian.Uint32(rest[4:8])
	plLen := binary.LittleEndian.Uint32(rest[8:12])
	flags := rest[12]
	scope := Scope(rest[13])

	payloadStart := headerSize - 4
	if uint64(payloadStart)+uint64(chLen)+uint64(plLen) > uint64(len(rest)) {
		return Frame{}, ErrFrameTooLarge
	}

	channel := rest[payloadStart : payloadStart+int(chLen)]
	payload := rest[payloadStart+int(chLen) : payloadStart+int(chLen)+int(plLen)]

	return Frame{
		Filter:  filter,
		Channel: channel,
		Payload: payload,
		IsJSON:  flags&flagJSON != 0,
		Pattern: flags&flagPattern != 0,
		Scope:   scope,
	}, nil
}

// WriteFrame encodes and writes f to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
