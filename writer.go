package gaio

import (
	"container/list"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Packet is a tagged variant on the write queue: either a memory buffer or
// a file region, per spec §3. Exactly one of the two payload fields is
// meaningful, selected by isFile.
type Packet struct {
	isFile bool

	// memory packet fields
	data    []byte
	dealloc func([]byte)

	// file packet fields
	file   *os.File
	closer func(*os.File) error

	offset int64
	length int64
	urgent bool
}

// MemoryPacket builds a Packet carrying an in-memory buffer. dealloc may
// be nil if the caller owns the buffer's lifetime independently.
func MemoryPacket(data []byte, dealloc func([]byte), urgent bool) Packet {
	return Packet{data: data, dealloc: dealloc, length: int64(len(data)), urgent: urgent}
}

// FilePacket builds a Packet that streams length bytes from f starting at
// offset, using sendfile where the installed hooks are the defaults.
// closer runs once the packet has been fully sent or on connection close.
func FilePacket(f *os.File, offset, length int64, closer func(*os.File) error, urgent bool) Packet {
	return Packet{isFile: true, file: f, offset: offset, length: length, closer: closer, urgent: urgent}
}

// writeQueue is the doubly-linked per-connection FIFO of packets, mutated
// only under STATE when enqueuing and under WRITE when flushing (spec
// §4.4). Packets are consumed strictly in FIFO order modulo urgent
// head-insertion; a partially written head packet blocks the rest.
type writeQueue struct {
	list list.List // of *Packet

	// curOffset tracks how many bytes of the head packet have already been sent,
	// kept outside Packet so a packet can be requeued without mutation
	// races with the enqueue side.
	curOffset int64
}

func (q *writeQueue) Len() int { return q.list.Len() }

func (q *writeQueue) push(p *Packet) {
	if p.urgent {
		q.list.PushFront(p)
	} else {
		q.list.PushBack(p)
	}
}

func (q *writeQueue) front() *Packet {
	e := q.list.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Packet)
}

func (q *writeQueue) popFront() {
	q.list.Remove(q.list.Front())
	q.curOffset = 0
}

// Write2 enqueues pk on the connection's write queue (C4's sole public
// surface per spec §4.4) and posts a flush task if the connection wasn't
// already writable-pending. Enqueue happens under STATE so flush (WRITE)
// and enqueue (any caller) never race on the list itself.
func (r *Reactor) Write2(id UUID, pk Packet) error {
	slot, ok := r.table.Resolve(id)
	if !ok {
		return newCodeError(id, ErrInvalidUUID)
	}

	if !slot.TryLockState() {
		// STATE is only ever held briefly; spin once more before giving up
		// to queue-full, matching the non-blocking discipline of spec §4.3.
		if !slot.TryLockState() {
			return newCodeError(id, ErrQueueFull)
		}
	}
	wasEmpty := slot.writeQueue.Len() == 0
	slot.writeQueue.push(&pk)
	slot.UnlockState()

	if wasEmpty {
		r.poller.Watch(slot.fd, true, true)
		r.scheduleFlush(id)
	}
	return nil
}

// Pending reports the number of packets still queued for id, feeding
// back-pressure decisions in OnReady (spec §4.4).
func (r *Reactor) Pending(id UUID) int {
	slot, ok := r.table.Resolve(id)
	if !ok {
		return 0
	}
	slot.TryLockState()
	n := slot.writeQueue.Len()
	slot.UnlockState()
	return n
}

// flush drains as much of id's write queue as the socket will currently
// accept, implementing the four-step algorithm of spec §4.4. It must run
// under the WRITE lock; callers use deferIOTask(LockWrite, ...) to arrange
// that rather than calling flush directly.
func (r *Reactor) flush(id UUID) {
	slot, ok := r.table.Resolve(id)
	if !ok {
		return
	}

	buf := make([]byte, r.cfg.BlockSize)
	for {
		slot.TryLockState()
		pk := slot.writeQueue.front()
		empty := pk == nil
		slot.UnlockState()

		if empty {
			if slot.state == stateClosing {
				r.finalizeClose(id)
			}
			break
		}

		n, err := r.writeChunk(slot, pk, buf)
		if err != nil {
			if isWouldBlock(err) {
				r.poller.Watch(slot.fd, true, true)
				return
			}
			r.forceCloseFatal(id)
			return
		}

		slot.TryLockState()
		slot.writeQueue.curOffset += int64(n)
		done := slot.writeQueue.curOffset >= pk.length
		if done {
			slot.writeQueue.popFront()
		}
		slot.UnlockState()

		if done {
			if pk.isFile {
				if pk.closer != nil {
					pk.closer(pk.file)
				}
			} else if pk.dealloc != nil {
				pk.dealloc(pk.data)
			}
		}
		if n == 0 {
			break
		}
	}

	slot.TryLockState()
	finallyEmpty := slot.writeQueue.Len() == 0
	if finallyEmpty && slot.state == stateSuspended {
		// the queue drained: lift Suspend so OnData is posted again
		slot.state = stateOpen
	}
	slot.UnlockState()
	if finallyEmpty {
		if slot.state == stateClosing {
			r.finalizeClose(id)
			return
		}
		if p := slot.protocol; p != nil {
			p.OnReady(id)
		}
	}
}

// writeChunk computes and sends one chunk (up to BlockSize bytes) of the
// head packet, per spec §4.4 step 2-3.
func (r *Reactor) writeChunk(slot *connSlot, pk *Packet, scratch []byte) (int, error) {
	sent := slot.writeQueue.curOffset

	if pk.isFile {
		remaining := pk.length - sent
		if remaining <= 0 {
			return 0, nil
		}
		chunk := int64(len(scratch))
		if remaining < chunk {
			chunk = remaining
		}
		if slot.hooks.isDefault {
			// default hooks: prefer sendfile so the payload never
			// round-trips through userspace (spec §4.4 step 2).
			off := pk.offset + sent
			n, err := unix.Sendfile(slot.fd, int(pk.file.Fd()), &off, int(chunk))
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		n, err := pk.file.ReadAt(scratch[:chunk], pk.offset+sent)
		if err != nil && err != io.EOF {
			return 0, err
		}
		return r.writeRaw(slot, scratch[:n])
	}

	remaining := int64(len(pk.data)) - sent
	if remaining <= 0 {
		return 0, nil
	}
	chunk := remaining
	if chunk > int64(len(scratch)) {
		chunk = int64(len(scratch))
	}
	return r.writeRaw(slot, pk.data[sent:sent+chunk])
}

func (r *Reactor) writeRaw(slot *connSlot, b []byte) (int, error) {
	write := slot.hooks.Write
	if write == nil {
		write = DefaultHooks().Write
	}
	for {
		n, err := write(slot.fd, b)
		if err != nil && isRetryable(err) {
			continue
		}
		return n, err
	}
}

// Suspend disables posting of OnData for id until the write queue drains
// to empty (spec §4.4's back-pressure mechanism).
func (r *Reactor) Suspend(id UUID) {
	if slot, ok := r.table.Resolve(id); ok {
		slot.TryLockState()
		slot.state = stateSuspended
		slot.UnlockState()
	}
}
