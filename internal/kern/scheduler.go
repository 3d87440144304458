package kern

import (
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/trace"
)

// Scheduler is the per-core scheduler. Its exported operations are invoked
// from the core it belongs to.
type Scheduler struct {
	d      *Domain
	coreID int32

	idleThread    *Thread
	currentThread atomic.Pointer[Thread]
	prevThread    atomic.Pointer[Thread]

	needsScheduling atomic.Bool
	active          atomic.Bool
	disableDispatch atomic.Int32

	// Protected by the domain mutex.
	highestPriorityThread *Thread
	switchCount           uint64
	idleCount             uint64
	shouldCountIdle       bool
	lastContextSwitchTime int64
}

// Initialize installs the core's idle thread as its current thread and
// binds the scheduler interrupt. It is called once per core during boot.
func (s *Scheduler) Initialize(idle *Thread) error {
	if idle == nil || !idle.isIdle() || idle.activeCore != s.coreID {
		return fmt.Errorf("kern: core %d needs its own idle thread: %w", s.coreID, ErrInvalidState)
	}

	s.d.mu.Lock()
	s.idleThread = idle
	s.currentThread.Store(idle)
	idle.currentCore = s.coreID
	s.lastContextSwitchTime = s.d.timer.Tick()
	s.d.mu.Unlock()

	if err := s.d.ic.BindHandler(s.coreID, SchedulerInterruptVector, SchedulerInterruptPriority, s); err != nil {
		return fmt.Errorf("kern: bind scheduler interrupt on core %d: %w", s.coreID, err)
	}
	return nil
}

// Activate starts dispatching on the core.
func (s *Scheduler) Activate() {
	s.d.mu.Lock()
	s.shouldCountIdle = s.d.debug
	s.d.mu.Unlock()

	s.active.Store(true)
	s.disableDispatch.Add(1)
	s.rescheduleCurrentCore()
}

// HandleInterrupt is the scheduler vector's handler. It only enters the
// dispatcher, and only when dispatch is enabled on the core.
func (s *Scheduler) HandleInterrupt(core int32) {
	if core != s.coreID {
		s.d.abort("scheduler interrupt delivered to the wrong core", core, nil)
	}
	s.Reschedule()
}

// Reschedule switches to the core's highest-priority thread if a recompute
// changed it. It is the trap-return path and does nothing while the core is
// inactive or has dispatch disabled.
func (s *Scheduler) Reschedule() {
	if !s.active.Load() || s.disableDispatch.Load() != 0 {
		return
	}
	if s.needsScheduling.Load() {
		s.schedule()
	}
}

func (s *Scheduler) disableScheduling() {
	s.disableDispatch.Add(1)
}

func (s *Scheduler) enableScheduling(cores uint64) {
	if s.disableDispatch.Load() < 1 {
		s.d.abort("dispatch enabled more often than disabled", s.coreID, nil)
	}
	s.rescheduleOtherCores(cores)
	if s.disableDispatch.Load() > 1 {
		s.disableDispatch.Add(-1)
		return
	}
	s.rescheduleCurrentCore()
}

func (s *Scheduler) rescheduleOtherCores(cores uint64) {
	mask := cores &^ (1 << uint(s.coreID))
	if mask == 0 {
		return
	}
	if s.d.events != nil {
		e := trace.NewEvent(trace.KindReschedule, s.d.timer.Tick(), s.coreID)
		e.CoreMask = mask
		s.d.events.Publish(e)
	}
	s.d.ic.RaiseOnCore(mask)
}

func (s *Scheduler) rescheduleCurrentCore() {
	s.disableDispatch.Add(-1)
	if s.active.Load() && s.needsScheduling.Load() {
		s.schedule()
	}
}

// schedule switches to the highest-priority thread. When that thread is
// still current on another core, the core runs idle until that core lets
// go of it and keeps needsScheduling set so the next Reschedule retries.
func (s *Scheduler) schedule() {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()

	s.needsScheduling.Store(false)
	next := s.highestPriorityThread
	if next != nil && next.currentCore != s.coreID {
		if other := d.Core(next.currentCore); other != nil && other.currentThread.Load() == next {
			d.log.Debug("thread still running on another core, deferring switch",
				"core", s.coreID,
				"thread", next.id,
				"running_on", next.currentCore,
			)
			s.needsScheduling.Store(true)
			next = nil
		}
	}
	s.switchThreadLocked(next)
}

// CoreID returns the physical core id.
func (s *Scheduler) CoreID() int32 { return s.coreID }

// Domain returns the owning domain.
func (s *Scheduler) Domain() *Domain { return s.d }

// IdleThread returns the core's idle thread.
func (s *Scheduler) IdleThread() *Thread { return s.idleThread }

// CurrentThread returns the thread executing on the core.
func (s *Scheduler) CurrentThread() *Thread { return s.currentThread.Load() }

// PreviousThread returns the thread that ran before the last switch, if it
// has not been cleared.
func (s *Scheduler) PreviousThread() *Thread { return s.prevThread.Load() }

// NeedsScheduling reports whether a recompute changed the core's winner
// and the core has not switched yet.
func (s *Scheduler) NeedsScheduling() bool { return s.needsScheduling.Load() }

// IsActive reports whether Activate was called.
func (s *Scheduler) IsActive() bool { return s.active.Load() }

// HighestPriorityThread returns the winner of the last recompute, nil when
// the core should idle. Lock held.
func (s *Scheduler) HighestPriorityThread() *Thread { return s.highestPriorityThread }

// SwitchCount returns the number of context switches. Lock held.
func (s *Scheduler) SwitchCount() uint64 { return s.switchCount }

// IdleCount returns how often the core was selected to idle. Lock held.
func (s *Scheduler) IdleCount() uint64 { return s.idleCount }
