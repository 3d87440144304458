package sim

import (
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/kern"
	"github.com/e7canasta/ksched/internal/process"
)

// task is a configured thread and the position in its program. Only the
// core currently running the thread executes it; pc and remaining are
// atomics because status readers and a core that picks the thread up next
// may observe them concurrently.
type task struct {
	name    string
	process string
	proc    *process.Process // nil for kernel threads
	thread  *kern.Thread
	cfg     config.ThreadConfig

	pc        atomic.Int32
	remaining atomic.Int64 // compute ticks left, 0 when not started
	finalized atomic.Bool
}

// advance moves past the instruction at pc. It is a no-op if another core
// already did.
func (t *task) advance(pc int32) {
	t.remaining.Store(0)
	next := pc + 1
	if int(next) >= len(t.cfg.Program) && t.cfg.Loop {
		next = 0
	}
	t.pc.CompareAndSwap(pc, next)
}

func (t *task) op() string {
	pc := int(t.pc.Load())
	if pc >= len(t.cfg.Program) {
		return ""
	}
	return t.cfg.Program[pc].Op
}

// coreRunner handles the timer interrupt of one core.
type coreRunner struct {
	s     *Simulator
	sched *kern.Scheduler

	// Touched only from the core's own dispatch.
	last  *kern.Thread
	slice int64
	idle  atomic.Uint64
	busy  atomic.Uint64
}

// HandleInterrupt runs one tick on the core.
func (cr *coreRunner) HandleInterrupt(core int32) {
	s := cr.s
	c := cr.sched

	// A switch deferred while the winner was still running elsewhere is
	// retried on every tick.
	c.Reschedule()

	if core == 0 {
		s.sleepers.WakeExpired(c, s.timer.Tick())
		s.finalizeExited(c)
	}

	cur := c.CurrentThread()
	t := s.byThread[cur]
	if t == nil {
		cr.idle.Add(1)
		cr.last = nil
		return
	}
	cr.busy.Add(1)
	if cur != cr.last {
		cr.last = cur
		cr.slice = 0
	}

	s.execute(c, t)

	if c.CurrentThread() != cur {
		return
	}
	cr.slice++
	if cr.slice >= s.cfg.Scheduler.QuantumTicks {
		cr.slice = 0
		sl := c.Lock()
		s.domain.RotateScheduledQueue(core, cur.Priority())
		sl.Unlock()
	}
}

// execute runs one tick of t's program on c. Scheduler calls that may
// switch the thread away come last.
func (s *Simulator) execute(c *kern.Scheduler, t *task) {
	th := t.thread
	sl := c.Lock()
	terminating := th.IsTerminationRequested()
	sl.Unlock()
	if c.CurrentThread() != th {
		return
	}
	if terminating {
		s.exit(c, t)
		return
	}

	pc := t.pc.Load()
	if int(pc) >= len(t.cfg.Program) {
		s.exit(c, t)
		return
	}
	in := t.cfg.Program[pc]

	switch in.Op {
	case config.OpCompute:
		left := t.remaining.Load()
		if left == 0 {
			left = in.Ticks
		}
		left--
		if left == 0 {
			t.advance(pc)
		} else {
			t.remaining.Store(left)
		}

	case config.OpYield:
		t.advance(pc)
		c.YieldWithoutCoreMigration()

	case config.OpYieldMigrate:
		t.advance(pc)
		c.YieldWithCoreMigration()

	case config.OpYieldAny:
		t.advance(pc)
		c.YieldToAnyThread()

	case config.OpLock:
		l := s.lockByName[in.Lock]
		// A thread woken by a handoff already owns the lock.
		if l.Owner() == th || l.Lock(c, th) {
			t.advance(pc)
		}

	case config.OpUnlock:
		t.advance(pc)
		if err := s.lockByName[in.Lock].Unlock(c, th); err != nil {
			slog.Warn("program released a lock it does not hold",
				"thread", t.name,
				"lock", in.Lock,
				"error", err,
			)
		}

	case config.OpSleep:
		t.advance(pc)
		s.sleepers.Sleep(c, th, s.timer.Tick()+in.Ticks)

	case config.OpSetPriority:
		t.advance(pc)
		if err := th.SetBasePriority(c, in.Priority); err != nil {
			slog.Warn("program priority change failed", "thread", t.name, "error", err)
		}

	case config.OpExit:
		s.exit(c, t)
	}
}

// exit releases every lock t holds and terminates it.
func (s *Simulator) exit(c *kern.Scheduler, t *task) {
	th := t.thread
	for _, l := range s.locks {
		if l.Owner() == th {
			if err := l.Unlock(c, th); err != nil {
				slog.Warn("failed to release lock on exit", "thread", t.name, "lock", l.Name(), "error", err)
			}
		}
	}
	slog.Debug("thread exiting", "thread", t.name, "tick", s.timer.Tick())
	th.Exit(c)
}

// finalizeExited releases terminated threads no core runs anymore.
func (s *Simulator) finalizeExited(c *kern.Scheduler) {
	sl := c.Lock()
	defer sl.Unlock()

	for _, t := range s.tasks {
		if t.finalized.Load() || t.thread.State() != kern.StateTerminated {
			continue
		}
		if err := s.domain.FinalizeThread(c, t.thread); err != nil {
			continue // still current somewhere
		}
		t.finalized.Store(true)
		slog.Info("thread finalized",
			"thread", t.name,
			"cpu_time", t.thread.TotalCPUTime(),
		)
	}
}
