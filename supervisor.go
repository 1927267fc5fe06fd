package gaio

import (
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
)

// LifecycleTag names one of the fixed points in the root/worker lifecycle
// of spec §4.7. Callbacks registered at a tag run in reverse registration
// order when that tag fires.
type LifecycleTag int

const (
	TagInitialize LifecycleTag = iota
	TagPreStart
	TagBeforeFork
	TagAfterFork
	TagInChild
	TagOnStart
	TagOnShutdown
	TagOnFinish
	TagAtExit
	TagOnParentCrush
	TagOnChildCrush
)

// Supervisor forks Config.Workers worker processes from one root,
// respawning any that exit non-zero until shutdown is requested (spec
// §4.7). A Workers count of 0 or 1 collapses root and worker into the
// calling process with no respawn.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	callbacks map[LifecycleTag][]func()

	shutdown chan struct{}
	workerFn func() int // re-invoked in each forked child; returns its exit code
}

// NewSupervisor builds a supervisor that will run workerFn in each
// forked worker process.
func NewSupervisor(cfg Config, workerFn func() int) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		callbacks: make(map[LifecycleTag][]func()),
		shutdown:  make(chan struct{}),
		workerFn:  workerFn,
	}
}

// On registers fn to run when tag fires. Multiple registrations at the
// same tag run in reverse registration order (spec §4.7).
func (s *Supervisor) On(tag LifecycleTag, fn func()) {
	s.mu.Lock()
	s.callbacks[tag] = append(s.callbacks[tag], fn)
	s.mu.Unlock()
}

func (s *Supervisor) fire(tag LifecycleTag) {
	s.mu.Lock()
	cbs := append([]func(){}, s.callbacks[tag]...)
	s.mu.Unlock()
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i]()
	}
}

// workerEnv is the sentinel environment variable a re-exec'd worker
// process checks to know it should run workerFn instead of Start's own
// root logic, the common Go idiom for a self-forking daemon (grounded on
// the re-exec/env-sentinel idiom in Ankit-Kulkarni-go-experiments's
// graceful_restarts/SocketHandoff, generalized to fork+respawn).
const workerEnv = "GAIO_WORKER_INDEX"

// Start runs the full lifecycle: INITIALIZE, PRE_START, BEFORE_FORK,
// fork, AFTER_FORK (both), IN_CHILD (child only) / ON_START (workers),
// then blocks the root watching for shutdown signals and respawning
// dead workers, finally firing ON_SHUTDOWN, ON_FINISH, AT_EXIT.
func (s *Supervisor) Start() int {
	s.fire(TagInitialize)
	s.fire(TagPreStart)

	if idx, isWorker := workerIndex(); isWorker {
		// The worker process is itself the forked child: AFTER_FORK must
		// fire here too, not just on root's side (spec §4.7).
		s.fire(TagAfterFork)
		s.fire(TagInChild)
		s.fire(TagOnStart)
		code := s.workerFn()
		_ = idx
		s.fire(TagOnShutdown)
		s.fire(TagOnFinish)
		s.fire(TagAtExit)
		return code
	}

	if s.cfg.Workers <= 1 {
		s.fire(TagOnStart)
		code := s.workerFn()
		s.fire(TagOnShutdown)
		s.fire(TagOnFinish)
		s.fire(TagAtExit)
		return code
	}

	return s.runRoot()
}

func workerIndex() (int, bool) {
	v := os.Getenv(workerEnv)
	if v == "" {
		return 0, false
	}
	idx := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		idx = idx*10 + int(c-'0')
	}
	return idx, true
}

// runRoot forks Config.Workers children (re-exec'ing the same binary with
// workerEnv set), installs SIGINT/SIGTERM handlers, and respawns any
// child that exits non-zero until shutdown is requested (spec §4.7).
func (s *Supervisor) runRoot() int {
	s.fire(TagBeforeFork)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(s.shutdown)
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.superviseWorker(i, &wg)
	}

	s.fire(TagAfterFork)
	<-s.shutdown
	wg.Wait()

	s.fire(TagOnShutdown)
	s.fire(TagOnFinish)
	s.fire(TagAtExit)
	return 0
}

// superviseWorker launches worker index i and respawns it on non-zero
// exit until s.shutdown closes (spec §4.7's "worker that exits non-zero
// is respawned by root until the shutdown flag is set").
func (s *Supervisor) superviseWorker(i int, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		cmd := s.buildWorkerCmd(i)
		if err := cmd.Start(); err != nil {
			Logger.Error().Err(err).Int("worker", i).Msg("failed to spawn worker")
			return
		}
		err := cmd.Wait()

		select {
		case <-s.shutdown:
			return
		default:
		}

		if err == nil {
			// clean exit before shutdown was requested: treat as
			// ON_PARENT_CRUSH-adjacent and stop respawning this slot.
			return
		}
		s.fire(TagOnChildCrush)
		// loop: respawn
	}
}

func (s *Supervisor) buildWorkerCmd(i int) *exec.Cmd {
	self, _ := os.Executable()
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), workerEnvAssignment(i))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func workerEnvAssignment(i int) string {
	return workerEnv + "=" + strconv.Itoa(i)
}

// Shutdown requests a graceful stop as if SIGTERM had been received.
func (s *Supervisor) Shutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// ParentAlive reports whether the process that forked this worker is
// still running, used by a worker's own watchdog goroutine to detect
// ON_PARENT_CRUSH (spec §4.7).
func ParentAlive() bool {
	return os.Getppid() != 1
}
