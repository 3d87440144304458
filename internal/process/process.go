// Package process implements the process collaborator of the scheduler:
// the scheduled-count cookie used by yields, per-core pinned threads, the
// exception thread and CPU time accounting.
package process

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/kern"
)

// Errors returned by pinning operations.
var (
	ErrAlreadyPinned = errors.New("process: thread or core already pinned")
	ErrNotPinned     = errors.New("process: thread is not pinned")
	ErrForeignThread = errors.New("process: thread belongs to another process")
)

// RunningThread is what a core last reported running for the process.
type RunningThread struct {
	Thread      *kern.Thread
	IdleCount   uint64
	SwitchCount uint64
}

// Process owns user threads. The scheduler calls it with its lock held, so
// its own mutex is always taken last and never held across a scheduler
// call.
type Process struct {
	name     string
	coreMask uint64

	scheduledCount atomic.Int64
	cpuTime        atomic.Int64

	mu        sync.Mutex
	pinned    [kern.MaxCores]*kern.Thread
	exception *kern.Thread
	running   [kern.MaxCores]RunningThread
}

// New creates a process allowed to run on the virtual cores in coreMask.
func New(name string, coreMask uint64) *Process {
	return &Process{name: name, coreMask: coreMask}
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// CoreMask returns the virtual cores the process may use.
func (p *Process) CoreMask() uint64 { return p.coreMask }

// IncrementScheduledCount bumps the yield cookie.
func (p *Process) IncrementScheduledCount() { p.scheduledCount.Add(1) }

// ScheduledCount returns the yield cookie.
func (p *Process) ScheduledCount() int64 { return p.scheduledCount.Load() }

// AddCPUTime charges ticks to the process.
func (p *Process) AddCPUTime(ticks int64) { p.cpuTime.Add(ticks) }

// CPUTime returns the ticks charged so far.
func (p *Process) CPUTime() int64 { return p.cpuTime.Load() }

// PinnedThread returns the thread pinned to core, if any.
func (p *Process) PinnedThread(core int32) *kern.Thread {
	if core < 0 || core >= kern.MaxCores {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[core]
}

// ExceptionThread returns the thread handling the process' exceptions.
func (p *Process) ExceptionThread() *kern.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exception
}

// SetExceptionThread designates t, or clears the designation with nil.
func (p *Process) SetExceptionThread(t *kern.Thread) error {
	if t != nil && t.Process() != kern.Process(p) {
		return fmt.Errorf("process %q: exception thread %s: %w", p.name, t, ErrForeignThread)
	}
	p.mu.Lock()
	p.exception = t
	p.mu.Unlock()
	return nil
}

// SetRunningThread records what core switched to.
func (p *Process) SetRunningThread(core int32, t *kern.Thread, idleCount, switchCount uint64) {
	if core < 0 || core >= kern.MaxCores {
		return
	}
	p.mu.Lock()
	p.running[core] = RunningThread{Thread: t, IdleCount: idleCount, SwitchCount: switchCount}
	p.mu.Unlock()
}

// RunningThread returns what core last reported for the process.
func (p *Process) RunningThread(core int32) RunningThread {
	if core < 0 || core >= kern.MaxCores {
		return RunningThread{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[core]
}

// PinThread pins t to the physical core for debugging. c is the calling
// core. At most one thread of a process is pinned per core.
func (p *Process) PinThread(c *kern.Scheduler, t *kern.Thread, core int32) error {
	if t.Process() != kern.Process(p) {
		return fmt.Errorf("process %q: pin %s: %w", p.name, t, ErrForeignThread)
	}
	if core < 0 || core >= c.Domain().NumCores() {
		return fmt.Errorf("process %q: pin %s to core %d: %w", p.name, t, core, kern.ErrInvalidCoreID)
	}

	sl := c.Lock()
	defer sl.Unlock()

	if t.IsPinned() || p.PinnedThread(core) != nil {
		return fmt.Errorf("process %q: pin %s to core %d: %w", p.name, t, core, ErrAlreadyPinned)
	}
	if t.State() == kern.StateTerminated {
		return fmt.Errorf("process %q: pin %s: %w", p.name, t, kern.ErrInvalidState)
	}

	p.mu.Lock()
	p.pinned[core] = t
	p.mu.Unlock()
	t.Pin(core)
	return nil
}

// PinCurrentThread pins the thread running on c to c's core.
func (p *Process) PinCurrentThread(c *kern.Scheduler) (*kern.Thread, error) {
	t := c.CurrentThread()
	if err := p.PinThread(c, t, c.CoreID()); err != nil {
		return nil, err
	}
	return t, nil
}

// UnpinThread undoes PinThread.
func (p *Process) UnpinThread(c *kern.Scheduler, t *kern.Thread) error {
	sl := c.Lock()
	defer sl.Unlock()

	p.mu.Lock()
	core := int32(-1)
	for i, pt := range p.pinned {
		if pt == t {
			core = int32(i)
			break
		}
	}
	if core < 0 {
		p.mu.Unlock()
		return fmt.Errorf("process %q: unpin %s: %w", p.name, t, ErrNotPinned)
	}
	p.pinned[core] = nil
	p.mu.Unlock()

	t.Unpin()
	return nil
}
