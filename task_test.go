package gaio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDeferRunsFreeTask covers the unconditional free-task path of
// spec §3/§4.6.
func TestDeferRunsFreeTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	q := NewTaskQueue(cfg)
	table := NewConnTable(4)
	q.runWorkers(table.Resolve)
	defer q.Close()

	done := make(chan struct{})
	require.NoError(t, q.Defer(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("free task never ran")
	}
}

// TestDeferIOTaskFallbackOnStaleUUID covers spec §4.6's "on stale, run
// the supplied fallback" contract, grounded on scenario S5.
func TestDeferIOTaskFallbackOnStaleUUID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	q := NewTaskQueue(cfg)
	table := NewConnTable(4)
	q.runWorkers(table.Resolve)
	defer q.Close()

	ranIO := make(chan struct{})
	ranFallback := make(chan struct{})

	err := q.deferIOTask(InvalidUUID, LockTask, func(UUID) { close(ranIO) }, func() { close(ranFallback) })
	require.NoError(t, err)

	select {
	case <-ranFallback:
	case <-time.After(time.Second):
		t.Fatal("fallback never ran for stale uuid")
	}
	select {
	case <-ranIO:
		t.Fatal("io task body must not run for a stale uuid")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestDeferIOTaskSerializesPerConnection is a lightweight check of spec
// §8 property 2: two IO tasks requiring the same lock class for the same
// uuid never run concurrently.
func TestDeferIOTaskSerializesPerConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 4
	q := NewTaskQueue(cfg)
	table := NewConnTable(4)
	id, err := table.Register(1, nil, DefaultHooks(), 0)
	require.NoError(t, err)
	q.runWorkers(table.Resolve)
	defer q.Close()

	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		q.deferIOTask(id, LockTask, func(UUID) {
			mu.Lock()
			running++
			if running > maxConcurrent {
				maxConcurrent = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			wg.Done()
		}, func() { wg.Done() })
	}
	wg.Wait()

	require.Equal(t, 1, maxConcurrent)
}
