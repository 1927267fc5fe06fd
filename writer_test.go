package gaio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriteQueueFIFOWithUrgent exercises spec §8 property 3 / scenario
// S3: urgent packets insert at the head, everything else stays FIFO.
func TestWriteQueueFIFOWithUrgent(t *testing.T) {
	var q writeQueue

	a := MemoryPacket([]byte("AAAA"), nil, false)
	b := MemoryPacket([]byte("BB"), nil, true)
	c := MemoryPacket([]byte("CCCC"), nil, false)

	q.push(&a)
	q.push(&b)
	q.push(&c)

	require.Equal(t, 3, q.Len())

	var order []string
	for e := q.list.Front(); e != nil; e = e.Next() {
		order = append(order, string(e.Value.(*Packet).data))
	}
	require.Equal(t, []string{"BB", "AAAA", "CCCC"}, order)
}

// TestWriteQueuePopFrontResetsOffset checks that popping the head resets
// curOffset so the next packet starts clean.
func TestWriteQueuePopFrontResetsOffset(t *testing.T) {
	var q writeQueue
	a := MemoryPacket([]byte("hello"), nil, false)
	q.push(&a)
	q.curOffset = 5
	q.popFront()
	require.Equal(t, 0, q.Len())
	require.EqualValues(t, 0, q.curOffset)
}

// TestPendingReflectsQueueDepth exercises the back-pressure accounting
// feeding OnReady (spec §4.4).
func TestPendingReflectsQueueDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	r, err := NewReactor(cfg)
	require.NoError(t, err)
	defer r.Stop()

	require.Equal(t, 0, r.Pending(InvalidUUID))

	id, err := r.table.Register(5, nil, DefaultHooks(), 0)
	require.NoError(t, err)
	slot, ok := r.table.Resolve(id)
	require.True(t, ok)
	a := MemoryPacket([]byte("a"), nil, false)
	b := MemoryPacket([]byte("b"), nil, false)
	slot.writeQueue.push(&a)
	slot.writeQueue.push(&b)
	require.Equal(t, 2, r.Pending(id))
}
