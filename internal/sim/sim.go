package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/hw"
	"github.com/e7canasta/ksched/internal/kern"
	"github.com/e7canasta/ksched/internal/process"
	"github.com/e7canasta/ksched/internal/synch"
	"github.com/e7canasta/ksched/internal/trace"
)

// Errors returned by the simulator.
var (
	ErrAlreadyRunning   = errors.New("sim: already running")
	ErrUnknownThread    = errors.New("sim: unknown thread")
	ErrKernelThread     = errors.New("sim: operation needs a process thread")
	ErrCommandQueueFull = errors.New("sim: command queue full")
)

// Simulator runs configured threads on a simulated SoC: a tick timer, one
// interrupt controller and one scheduler per core.
type Simulator struct {
	cfg   *config.Config
	runID string

	timer  *hw.Timer
	ic     *hw.Controller
	cpu    *hw.CPU
	bus    trace.Bus
	domain *kern.Domain

	allCores uint64
	cores    []*coreRunner

	processes  []*process.Process
	locks      []*synch.LightLock
	lockByName map[string]*synch.LightLock
	sleepers   synch.SleepQueue

	// Immutable after New.
	tasks    []*task
	byName   map[string]*task
	byThread map[*kern.Thread]*task

	// ctl orders Run's start and stop against Do.
	ctl      sync.Mutex
	requests chan request
	running  atomic.Bool
}

// New builds the SoC described by cfg, boots every core and starts every
// configured thread. Nothing executes until Step or Run is called.
func New(cfg *config.Config) (*Simulator, error) {
	n := cfg.Scheduler.Cores
	ic, err := hw.NewController(n)
	if err != nil {
		return nil, fmt.Errorf("failed to create interrupt controller: %w", err)
	}

	s := &Simulator{
		cfg:        cfg,
		runID:      uuid.New().String(),
		timer:      hw.NewTimer(),
		ic:         ic,
		cpu:        hw.NewCPU(),
		bus:        trace.New(),
		allCores:   uint64(kern.AllCores(n)),
		lockByName: make(map[string]*synch.LightLock),
		byName:     make(map[string]*task),
		byThread:   make(map[*kern.Thread]*task),
		requests:   make(chan request, 16),
	}

	s.domain, err = kern.NewDomain(kern.Options{
		NumCores:   n,
		CoreMap:    cfg.Scheduler.CoreMap,
		DebugMode:  cfg.Scheduler.DebugMode,
		Logger:     slog.Default().With("component", "kern"),
		Timer:      s.timer,
		Interrupts: ic,
		CPU:        s.cpu,
		Events:     s.bus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduling domain: %w", err)
	}

	if err := s.boot(); err != nil {
		return nil, err
	}

	slog.Info("simulator ready",
		"run_id", s.runID,
		"cores", n,
		"threads", len(s.tasks),
		"locks", len(s.locks),
	)
	return s, nil
}

// boot initializes every core, then creates and starts the threads.
func (s *Simulator) boot() error {
	for core := int32(0); core < s.domain.NumCores(); core++ {
		sched := s.domain.Core(core)
		idle, err := s.domain.NewIdleThread(core)
		if err != nil {
			return err
		}
		if err := sched.Initialize(idle); err != nil {
			return fmt.Errorf("failed to initialize core %d: %w", core, err)
		}

		cr := &coreRunner{s: s, sched: sched}
		s.cores = append(s.cores, cr)
		if err := s.ic.BindHandler(core, hw.TimerInterruptVector, hw.TimerInterruptPriority, cr); err != nil {
			return fmt.Errorf("failed to bind timer on core %d: %w", core, err)
		}
	}
	if err := s.ic.BindHandler(0, hw.ControlInterruptVector, hw.ControlInterruptPriority, controlVector{s}); err != nil {
		return fmt.Errorf("failed to bind control vector: %w", err)
	}
	for _, cr := range s.cores {
		cr.sched.Activate()
	}

	for _, lc := range s.cfg.Locks {
		l := synch.NewLightLock(lc.Name, lc.Key)
		s.locks = append(s.locks, l)
		s.lockByName[lc.Name] = l
	}

	boot := s.domain.Core(0)
	for _, pc := range s.cfg.Processes {
		var owner kern.Process
		var proc *process.Process
		if !pc.Kernel {
			proc = process.New(pc.Name, pc.CoreMask)
			s.processes = append(s.processes, proc)
			owner = proc
		}

		for _, tc := range pc.Threads {
			th, err := s.domain.NewThread(kern.ThreadParams{
				Name:         tc.Name,
				Process:      owner,
				Priority:     tc.Priority,
				IdealCore:    tc.IdealCore,
				AffinityMask: tc.AffinityMask,
				TLSAddress:   0x10000 * uint64(len(s.tasks)+1),
			})
			if err != nil {
				return fmt.Errorf("failed to create thread %q: %w", tc.Name, err)
			}
			t := &task{name: tc.Name, process: pc.Name, proc: proc, thread: th, cfg: tc}
			s.tasks = append(s.tasks, t)
			s.byName[tc.Name] = t
			s.byThread[th] = t
		}
	}

	for _, t := range s.tasks {
		if err := t.thread.Run(boot); err != nil {
			return fmt.Errorf("failed to start thread %q: %w", t.name, err)
		}
	}
	return nil
}

// RunID identifies this simulator instance.
func (s *Simulator) RunID() string { return s.runID }

// Bus returns the scheduling event bus.
func (s *Simulator) Bus() trace.Bus { return s.bus }

// Domain returns the scheduling domain.
func (s *Simulator) Domain() *kern.Domain { return s.domain }

// Tick returns the current tick.
func (s *Simulator) Tick() int64 { return s.timer.Tick() }

// IsRunning reports whether Run is active.
func (s *Simulator) IsRunning() bool { return s.running.Load() }

// Thread returns the kernel thread of a configured thread.
func (s *Simulator) Thread(name string) (*kern.Thread, bool) {
	t, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return t.thread, true
}

// Lock returns a configured lock.
func (s *Simulator) Lock(name string) (*synch.LightLock, bool) {
	l, ok := s.lockByName[name]
	return l, ok
}

// Step advances the clock one tick and delivers every interrupt that
// follows from it on the calling goroutine. It must not be used while Run
// is active.
func (s *Simulator) Step() int64 {
	now := s.timer.Advance(1)
	s.ic.RaiseVector(s.allCores, hw.TimerInterruptVector)
	s.deliver()
	return now
}

// deliver dispatches interrupts on every core until none are pending.
func (s *Simulator) deliver() {
	for {
		handled := 0
		for core := int32(0); core < s.domain.NumCores(); core++ {
			handled += s.ic.Dispatch(core)
		}
		if handled == 0 {
			return
		}
	}
}

// Run drives the simulator in real time until ctx is cancelled: one
// goroutine per core dispatching its interrupts and one clock goroutine
// raising the timer every tick interval.
func (s *Simulator) Run(ctx context.Context) error {
	s.ctl.Lock()
	if s.running.Load() {
		s.ctl.Unlock()
		return ErrAlreadyRunning
	}
	s.running.Store(true)
	s.ctl.Unlock()
	defer s.stop()

	interval := time.Duration(s.cfg.Scheduler.TickIntervalMS) * time.Millisecond
	slog.Info("simulator running", "run_id", s.runID, "tick_interval", interval)

	g, ctx := errgroup.WithContext(ctx)
	for core := int32(0); core < s.domain.NumCores(); core++ {
		g.Go(func() error {
			return s.runCore(ctx, core)
		})
	}
	g.Go(func() error {
		return s.runClock(ctx, interval)
	})

	err := g.Wait()
	slog.Info("simulator stopped", "run_id", s.runID, "tick", s.timer.Tick())
	return err
}

// stop leaves Run mode. Requests queued before the switch run here on the
// calling goroutine.
func (s *Simulator) stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.running.Store(false)
	s.drainRequests()
}

func (s *Simulator) runCore(ctx context.Context, core int32) error {
	wake := s.ic.Wake(core)
	for {
		s.ic.Dispatch(core)
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

func (s *Simulator) runClock(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.timer.Advance(1)
			s.ic.RaiseVector(s.allCores, hw.TimerInterruptVector)
		}
	}
}

// Close releases the event bus.
func (s *Simulator) Close() error {
	return s.bus.Close()
}
