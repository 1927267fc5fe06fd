// Package gaio implements a single-host, multi-worker evented I/O
// reactor: a readiness-poller-driven dispatcher that serializes protocol
// callbacks per connection under a tri-level lock, schedules buffered
// writes (including zero-copy file sends) under back-pressure, and
// carries all work through a deferred task queue and timer wheel.
package gaio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reactor is the top-level object wiring the poller (C1), connection
// table (C2), write scheduler (C4) and task/timer queue (C6) into one
// running event loop. One Reactor corresponds to one worker process in
// spec §4.7's terminology; Supervisor (supervisor.go) manages a fleet of
// them across fork boundaries.
type Reactor struct {
	cfg    Config
	table  *ConnTable
	poller Poller
	tasks  *TaskQueue
	timers *TimerWheel
	links  *linkTable
	pubsub *PubSub

	tick int64 // unix seconds of the most recent poller return, for ping accounting

	shuttingDown int32
	closeOnce    sync.Once
	stopped      chan struct{}
}

// NewReactor builds a Reactor from cfg, creating the platform poller and
// wiring the task queue's drainers back to the connection table's
// resolver.
func NewReactor(cfg Config) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:     cfg,
		table:   NewConnTable(cfg.MaxSockCapacity),
		poller:  p,
		tasks:   NewTaskQueue(cfg),
		timers:  NewTimerWheel(),
		links:   newLinkTable(),
		stopped: make(chan struct{}),
	}
	r.pubsub = NewPubSub(r)
	r.tasks.runWorkers(r.table.Resolve)
	return r, nil
}

// Register attaches protocol p to an already-accepted/connected fd,
// installing hooks (or DefaultHooks if hooks is the zero value) and
// returns the UUID by which the connection is addressed from now on
// (spec §4.2).
func (r *Reactor) Register(fd int, p Protocol, hooks RWHooks, timeoutSeconds int) (UUID, error) {
	if hooks.Write == nil {
		hooks = DefaultHooks()
	}
	id, err := r.table.Register(fd, p, hooks, timeoutSeconds)
	if err != nil {
		return InvalidUUID, err
	}
	if err := r.poller.Watch(fd, true, false); err != nil {
		r.table.FinishClose(fd)
		return InvalidUUID, err
	}
	r.touchLocked(id)
	return id, nil
}

// touchLocked stamps last_activity with the current tick, used both on
// register and by Touch.
func (r *Reactor) touchLocked(id UUID) {
	slot, ok := r.table.Resolve(id)
	if !ok {
		return
	}
	atomic.StoreInt64(&slot.lastActivity, atomic.LoadInt64(&r.tick))
}

// PeerAddress returns id's cached remote address, populated at accept
// (Listen) or connect (Dial) time (spec §3).
func (r *Reactor) PeerAddress(id UUID) (string, bool) {
	return r.table.PeerAddress(id)
}

// Touch resets id's inactivity timeout, per spec §8 property 8: after
// Touch, Ping will not fire for at least timeoutSeconds absent further
// activity.
func (r *Reactor) Touch(id UUID) error {
	if _, ok := r.table.Resolve(id); !ok {
		return newCodeError(id, ErrInvalidUUID)
	}
	r.touchLocked(id)
	return nil
}

// Close begins a graceful close: the write queue is allowed to drain
// (spec §4.4's graceful close / §8 property 4) before OnClose runs and
// the descriptor is released.
func (r *Reactor) Close(id UUID) error {
	slot, ok := r.table.BeginClose(id, false)
	if !ok {
		return newCodeError(id, ErrInvalidUUID)
	}
	if slot.writeQueue.Len() == 0 {
		r.finalizeClose(id)
	} else {
		time.AfterFunc(r.cfg.ShutdownGuard, func() {
			r.forceCloseIfStillOpen(id)
		})
	}
	return nil
}

// ForceClose bypasses draining entirely (spec §4.2's force_close).
func (r *Reactor) ForceClose(id UUID) error {
	if _, ok := r.table.BeginClose(id, true); !ok {
		return newCodeError(id, ErrInvalidUUID)
	}
	r.finalizeClose(id)
	return nil
}

func (r *Reactor) forceCloseIfStillOpen(id UUID) {
	if _, ok := r.table.Resolve(id); ok {
		r.finalizeClose(id)
	}
}

func (r *Reactor) forceCloseFatal(id UUID) {
	connLogger(id).Debug().Msg("io-fatal, forcing close")
	r.finalizeClose(id)
}

// finalizeClose runs the uuid-link callbacks in reverse order, then
// OnClose, then the hook closer, then bumps the generation so the uuid
// can never alias a future occupant (spec §4.2, §8 property 1).
func (r *Reactor) finalizeClose(id UUID) {
	slot, ok := r.table.Resolve(id)
	if !ok {
		return
	}
	fd := slot.fd
	p := slot.protocol
	hooks := slot.hooks

	r.poller.Unwatch(fd)
	r.links.fireClose(id)
	if p != nil {
		p.OnClose(id)
	}
	if hooks.Close != nil {
		hooks.Close(fd)
	}
	r.table.FinishClose(fd)
}

// scheduleFlush posts a flush task under the WRITE lock for id, deferring
// via the task queue rather than flushing inline (spec §4.4/§2).
func (r *Reactor) scheduleFlush(id UUID) {
	r.tasks.deferIOTask(id, LockWrite, r.flush, nil)
}

// scheduleOnData posts the on_data callback under the TASK lock.
func (r *Reactor) scheduleOnData(id UUID) {
	r.tasks.deferIOTask(id, LockTask, func(id UUID) {
		slot, ok := r.table.Resolve(id)
		if !ok || slot.state == stateSuspended {
			return
		}
		if p := slot.protocol; p != nil {
			r.touchLocked(id)
			p.OnData(id)
		}
	}, nil)
}

// Defer runs fn unconditionally through the deferred task queue (spec
// §3's free task).
func (r *Reactor) Defer(fn func()) error {
	return r.tasks.Defer(fn)
}

// RunEvery schedules a repeating timer (spec §4.6/§8 property 7).
func (r *Reactor) RunEvery(intervalMillis, repetitions int, taskFn func(), onFinish func()) *timerEntry {
	return r.timers.RunEvery(intervalMillis, repetitions, taskFn, onFinish)
}

// LinkUUID appends (obj, onClose) to id's intrusive close-link list (C10).
func (r *Reactor) LinkUUID(id UUID, obj any, onClose func(any)) error {
	if _, ok := r.table.Resolve(id); !ok {
		return newCodeError(id, ErrInvalidUUID)
	}
	r.links.link(id, obj, onClose)
	return nil
}

// UnlinkUUID removes the first link matching obj by equality.
func (r *Reactor) UnlinkUUID(id UUID, obj any) error {
	if _, ok := r.table.Resolve(id); !ok {
		return newCodeError(id, ErrInvalidUUID)
	}
	if !r.links.unlink(id, obj) {
		return newCodeError(id, ErrNotFound)
	}
	return nil
}

// ShutdownSweep runs OnShutdown under the TASK lock for every open
// connection and schedules its close according to the return value (spec
// §9's resolved Open Question, DESIGN.md decision 1): 0 closes
// immediately, 1-254 delays the close by that many seconds measured from
// OnShutdown's return, and 255 defers the connection to a final pass that
// force-closes it once every connection's OnShutdown has returned. That
// pass does not wait for the graceful closes (0) or the delayed closes
// (1-254) of the other connections to finish. Each
// connection's callback is routed through deferIOTask rather than a busy
// spin, so a held TASK lock falls back to requeueBusy's capped backoff
// like every other IO task in the reactor (spec §9: never spin).
func (r *Reactor) ShutdownSweep() {
	var deferred255 []UUID
	var mu sync.Mutex

	var wg sync.WaitGroup
	r.table.ForEachOpen(func(id UUID) {
		wg.Add(1)
		err := r.tasks.deferIOTask(id, LockTask, func(id UUID) {
			defer wg.Done()
			slot, ok := r.table.Resolve(id)
			if !ok || slot.protocol == nil {
				return
			}
			result := slot.protocol.OnShutdown(id)

			switch {
			case result == 0:
				r.Close(id)
			case result == 255:
				mu.Lock()
				deferred255 = append(deferred255, id)
				mu.Unlock()
			default:
				time.AfterFunc(time.Duration(result)*time.Second, func() {
					r.ForceClose(id)
				})
			}
		}, func() { wg.Done() })
		if err != nil {
			wg.Done()
		}
	})
	wg.Wait()

	for _, id := range deferred255 {
		r.ForceClose(id)
	}
}

// FlushAll loops the connection table invoking flush on every slot with
// a non-empty write queue, grounded on facil.io's fio_flush_all (spec
// §9 supplement).
func (r *Reactor) FlushAll() {
	r.table.ForEachOpen(func(id UUID) {
		slot, ok := r.table.Resolve(id)
		if ok && slot.writeQueue.Len() > 0 {
			r.scheduleFlush(id)
		}
	})
}

// Run starts the reactor's poller loop on the calling goroutine. It
// returns when Stop is called. Readable fds are dispatched as on_data
// tasks, writable fds as flush tasks, and ping timeouts are swept once
// per poller wakeup (spec §2's control-flow summary).
func (r *Reactor) Run() {
	events := make([]ReadyEvent, 1024)
	for {
		select {
		case <-r.stopped:
			return
		default:
		}

		select {
		case <-r.timers.C():
			r.timers.Fire()
		default:
		}

		n, err := r.poller.Wait(events, pollTimeoutMillis)
		atomic.StoreInt64(&r.tick, time.Now().Unix())
		if err != nil {
			Logger.Error().Err(err).Msg("poller wait failed")
			continue
		}
		for i := 0; i < n; i++ {
			e := events[i]
			id, ok := r.table.FDUUID(e.Fd)
			if !ok {
				continue
			}
			if e.Readable {
				r.scheduleOnData(id)
			}
			if e.Writable {
				r.scheduleFlush(id)
			}
		}
		r.sweepTimeouts()
	}
}

// pollTimeoutMillis bounds how long one Wait call blocks, so the timer
// wheel and the ping sweep stay responsive even with no socket traffic.
const pollTimeoutMillis = 50

// sweepTimeouts fires Ping for every connection whose last_activity is
// older than its configured timeout (spec §3 timeout field, §8 property 8).
func (r *Reactor) sweepTimeouts() {
	now := atomic.LoadInt64(&r.tick)
	r.table.ForEachOpen(func(id UUID) {
		slot, ok := r.table.Resolve(id)
		if !ok || slot.timeoutSeconds <= 0 {
			return
		}
		last := atomic.LoadInt64(&slot.lastActivity)
		if now-last < int64(slot.timeoutSeconds) {
			return
		}
		atomic.StoreInt64(&slot.lastActivity, now)
		r.tasks.deferIOTask(id, LockWrite, func(id UUID) {
			if s, ok := r.table.Resolve(id); ok && s.protocol != nil {
				s.protocol.Ping(id)
			}
		}, nil)
	})
}

// Stop halts Run and drains the task queue's workers.
func (r *Reactor) Stop() {
	r.closeOnce.Do(func() {
		atomic.StoreInt32(&r.shuttingDown, 1)
		close(r.stopped)
		r.timers.Shutdown()
		r.tasks.Close()
		r.poller.Close()
	})
}
