package gaio

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one scheduled firing, kept on a min-heap keyed by
// deadline exactly like the teacher's timedHeap, generalized from
// per-IO-operation deadlines to repeating application timers.
type timerEntry struct {
	deadline       time.Time
	intervalMillis int
	repetitions    int // 0 means forever
	firesRemaining int
	task           func()
	onFinish       func()
	cancelled      bool
	index          int // heap index, maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TimerWheel is the repeating-timer half of C6: a sorted structure keyed
// by absolute deadline, whose earliest entry arms the channel returned by
// C. The reactor's run loop checks that channel between poller waits; the
// wait itself is bounded by the fixed pollTimeoutMillis, not by the
// earliest deadline, so a timer may fire up to that long late.
type TimerWheel struct {
	mu    sync.Mutex
	heap  timerHeap
	timer *time.Timer
}

// NewTimerWheel creates an empty wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{timer: time.NewTimer(time.Hour)}
}

// RunEvery schedules task to run every intervalMillis for repetitions
// times (0 means forever), followed by exactly one call to onFinish
// (spec §8 property 7, scenario S6). It returns a cancel handle: setting
// the flag it controls causes the next firing to stop.
func (w *TimerWheel) RunEvery(intervalMillis, repetitions int, task func(), onFinish func()) *timerEntry {
	e := &timerEntry{
		deadline:       time.Now().Add(time.Duration(intervalMillis) * time.Millisecond),
		intervalMillis: intervalMillis,
		repetitions:    repetitions,
		firesRemaining: repetitions,
		task:           task,
		onFinish:       onFinish,
	}
	w.mu.Lock()
	heap.Push(&w.heap, e)
	w.rearmLocked()
	w.mu.Unlock()
	return e
}

// Cancel marks e so it no longer fires; any in-flight firing still
// completes, but onFinish is still guaranteed exactly once (spec §5).
func (e *timerEntry) Cancel() {
	e.cancelled = true
}

func (w *TimerWheel) rearmLocked() {
	if w.heap.Len() == 0 {
		w.timer.Stop()
		return
	}
	d := time.Until(w.heap[0].deadline)
	if d < 0 {
		d = 0
	}
	w.timer.Reset(d)
}

// C returns the channel workers select on to know when to call Fire.
func (w *TimerWheel) C() <-chan time.Time {
	return w.timer.C
}

// Fire runs every expired entry, rescheduling repeating ones and calling
// onFinish for entries that have exhausted their repetitions or were
// cancelled. Must be called from the single goroutine that owns this
// wheel's timer channel (the reactor's run loop).
func (w *TimerWheel) Fire() {
	now := time.Now()
	var due []*timerEntry

	w.mu.Lock()
	for w.heap.Len() > 0 && !w.heap[0].deadline.After(now) {
		e := heap.Pop(&w.heap).(*timerEntry)
		due = append(due, e)
	}
	w.rearmLocked()
	w.mu.Unlock()

	for _, e := range due {
		if e.cancelled {
			if e.onFinish != nil {
				e.onFinish()
			}
			continue
		}

		e.task()

		if e.repetitions != 0 {
			e.firesRemaining--
			if e.firesRemaining <= 0 {
				if e.onFinish != nil {
					e.onFinish()
				}
				continue
			}
		}

		e.deadline = now.Add(time.Duration(e.intervalMillis) * time.Millisecond)
		w.mu.Lock()
		heap.Push(&w.heap, e)
		w.rearmLocked()
		w.mu.Unlock()
	}
}

// Shutdown fires onFinish exactly once for every still-pending timer,
// matching scenario S6's "ticks indefinitely until the worker shuts down,
// after which done(ctx) fires exactly once."
func (w *TimerWheel) Shutdown() {
	w.mu.Lock()
	pending := make([]*timerEntry, w.heap.Len())
	copy(pending, w.heap)
	w.heap = w.heap[:0]
	w.mu.Unlock()

	for _, e := range pending {
		if e.onFinish != nil {
			e.onFinish()
		}
	}
}
