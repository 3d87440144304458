package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/ksched/internal/hw"
	"github.com/e7canasta/ksched/internal/kern"
)

// commandTimeout bounds how long a command waits for core 0.
const commandTimeout = 5 * time.Second

type request struct {
	fn   func(c *kern.Scheduler) error
	done chan error
}

// controlVector executes queued commands on core 0.
type controlVector struct {
	s *Simulator
}

func (v controlVector) HandleInterrupt(core int32) {
	c := v.s.domain.Core(core)
	for {
		select {
		case req := <-v.s.requests:
			req.done <- req.fn(c)
		default:
			return
		}
	}
}

// Do runs fn as a kernel operation on core 0. While Run is active the
// request is delivered through core 0's control interrupt; otherwise fn
// runs on the calling goroutine, which must then be the one calling Step.
// A request queued while Run is stopping still runs before Run returns.
func (s *Simulator) Do(ctx context.Context, fn func(c *kern.Scheduler) error) error {
	s.ctl.Lock()
	if !s.running.Load() {
		defer s.ctl.Unlock()
		err := fn(s.domain.Core(0))
		s.deliver()
		return err
	}

	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.requests <- req:
	default:
		s.ctl.Unlock()
		return ErrCommandQueueFull
	}
	s.ic.RaiseVector(1, hw.ControlInterruptVector)
	s.ctl.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainRequests runs every queued request on core 0. Run calls it once the
// core goroutines are gone.
func (s *Simulator) drainRequests() {
	controlVector{s}.HandleInterrupt(0)
	s.deliver()
}

func (s *Simulator) lookup(name string) (*task, error) {
	t, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("thread %q: %w", name, ErrUnknownThread)
	}
	return t, nil
}

// command looks up a thread and runs fn for it on core 0.
func (s *Simulator) command(name string, fn func(c *kern.Scheduler, t *task) error) error {
	t, err := s.lookup(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return s.Do(ctx, func(c *kern.Scheduler) error {
		return fn(c, t)
	})
}

// SuspendThread requests a Thread suspension.
func (s *Simulator) SuspendThread(name string) error {
	slog.Info("suspending thread", "thread", name)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		t.thread.RequestSuspend(c, kern.SuspendThread)
		return nil
	})
}

// ResumeThread clears a Thread suspension.
func (s *Simulator) ResumeThread(name string) error {
	slog.Info("resuming thread", "thread", name)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		t.thread.Resume(c, kern.SuspendThread)
		return nil
	})
}

// SetPriority changes a thread's base priority.
func (s *Simulator) SetPriority(name string, priority int32) error {
	slog.Info("setting thread priority", "thread", name, "priority", priority)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		return t.thread.SetBasePriority(c, priority)
	})
}

// SetCoreMask changes a thread's virtual ideal core and affinity.
func (s *Simulator) SetCoreMask(name string, idealCore int32, mask uint64) error {
	slog.Info("setting thread core mask", "thread", name, "ideal_core", idealCore, "mask", mask)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		return t.thread.SetCoreMaskFor(c, nil, idealCore, mask)
	})
}

// TerminateThread requests termination and returns the resulting state.
func (s *Simulator) TerminateThread(name string) (string, error) {
	slog.Info("terminating thread", "thread", name)
	var state kern.State
	err := s.command(name, func(c *kern.Scheduler, t *task) error {
		state = t.thread.RequestTerminate(c)
		return nil
	})
	if err != nil {
		return "", err
	}
	return state.String(), nil
}

// PinThread pins a process thread to a physical core.
func (s *Simulator) PinThread(name string, core int32) error {
	slog.Info("pinning thread", "thread", name, "core", core)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		if t.proc == nil {
			return fmt.Errorf("pin %q: %w", name, ErrKernelThread)
		}
		return t.proc.PinThread(c, t.thread, core)
	})
}

// UnpinThread undoes PinThread.
func (s *Simulator) UnpinThread(name string) error {
	slog.Info("unpinning thread", "thread", name)
	return s.command(name, func(c *kern.Scheduler, t *task) error {
		if t.proc == nil {
			return fmt.Errorf("unpin %q: %w", name, ErrKernelThread)
		}
		return t.proc.UnpinThread(c, t.thread)
	})
}
