package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip exercises the exact byte layout of spec §6.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Filter:  0,
		Channel: []byte("chan"),
		Payload: []byte("hello"),
		IsJSON:  true,
		Pattern: false,
		Scope:   ScopeRoot,
	}
	buf := Encode(f)

	// total length field excludes itself: 20 (header minus length field) + 4 (chan) + 5 (payload)
	require.EqualValues(t, 20+4+5, uint32FromLE(buf[0:4]))
	require.EqualValues(t, 0, int32FromLE(buf[4:8]))
	require.EqualValues(t, 4, uint32FromLE(buf[8:12]))
	require.EqualValues(t, 5, uint32FromLE(buf[12:16]))
	require.Equal(t, byte(flagJSON), buf[16]&flagJSON)
	require.Equal(t, byte(ScopeRoot), buf[17])

	got, err := ReadFrame(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, f.Filter, got.Filter)
	require.Equal(t, f.Channel, got.Channel)
	require.Equal(t, f.Payload, got.Payload)
	require.True(t, got.IsJSON)
	require.False(t, got.Pattern)
	require.Equal(t, ScopeRoot, got.Scope)
}

// TestControlFrameFilters covers the reserved negative filter values.
func TestControlFrameFilters(t *testing.T) {
	require.EqualValues(t, -1, FilterSubscribe)
	require.EqualValues(t, -2, FilterUnsubscribe)
	require.EqualValues(t, -3, FilterShutdown)
	require.EqualValues(t, -4, FilterPing)
}

func uint32FromLE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func int32FromLE(b []byte) int32 {
	return int32(uint32FromLE(b))
}
