package kern

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/pqueue"
	"github.com/e7canasta/ksched/internal/trace"
)

// Options configures a Domain.
type Options struct {
	// NumCores is the number of physical cores, 1..MaxCores.
	NumCores int

	// CoreMap translates virtual core ids to physical ones. Nil is the
	// identity map.
	CoreMap []int32

	// DebugMode enables idle accounting reported through
	// Process.SetRunningThread.
	DebugMode bool

	Logger     *slog.Logger
	Timer      Timer
	Interrupts InterruptController

	// CPU performs the architectural part of a switch. Optional.
	CPU CPU

	// Events receives scheduling trace events. Optional.
	Events EventSink
}

// Domain is one scheduling domain: the global scheduler lock, the
// update-needed flag, the run queue and the per-core schedulers.
type Domain struct {
	log      *slog.Logger
	timer    Timer
	ic       InterruptController
	cpu      CPU
	events   EventSink
	debug    bool
	numCores int32
	coreMap  [MaxCores]int32

	mu        sync.Mutex
	owner     atomic.Pointer[Scheduler]
	lockCount int32

	// Protected by mu.
	updateNeeded bool
	queue        *pqueue.Queue[*Thread]

	cores  [MaxCores]*Scheduler
	nextID atomic.Uint64
}

// NewDomain creates a domain with one Scheduler per core. The schedulers
// must still be initialized and activated.
func NewDomain(opts Options) (*Domain, error) {
	if opts.NumCores < 1 || opts.NumCores > MaxCores {
		return nil, fmt.Errorf("kern: num cores %d out of range [1,%d]: %w", opts.NumCores, MaxCores, ErrInvalidCoreID)
	}
	if opts.Timer == nil {
		return nil, fmt.Errorf("kern: timer is required")
	}
	if opts.Interrupts == nil {
		return nil, fmt.Errorf("kern: interrupt controller is required")
	}

	d := &Domain{
		log:      opts.Logger,
		timer:    opts.Timer,
		ic:       opts.Interrupts,
		cpu:      opts.CPU,
		events:   opts.Events,
		debug:    opts.DebugMode,
		numCores: int32(opts.NumCores),
		queue:    pqueue.New[*Thread](),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.cpu == nil {
		d.cpu = nopCPU{}
	}

	if opts.CoreMap == nil {
		for i := int32(0); i < d.numCores; i++ {
			d.coreMap[i] = i
		}
	} else {
		if len(opts.CoreMap) != opts.NumCores {
			return nil, fmt.Errorf("kern: core map has %d entries, want %d", len(opts.CoreMap), opts.NumCores)
		}
		var seen AffinityMask
		for i, phys := range opts.CoreMap {
			if phys < 0 || phys >= d.numCores || seen.Has(phys) {
				return nil, fmt.Errorf("kern: core map entry %d (%d) is not a permutation: %w", i, phys, ErrInvalidCoreID)
			}
			seen.Set(phys, true)
			d.coreMap[i] = phys
		}
	}

	for i := int32(0); i < d.numCores; i++ {
		d.cores[i] = &Scheduler{d: d, coreID: i}
	}
	return d, nil
}

// NumCores returns the number of physical cores.
func (d *Domain) NumCores() int32 { return d.numCores }

// Core returns the scheduler of a physical core, or nil.
func (d *Domain) Core(core int32) *Scheduler {
	if core < 0 || core >= d.numCores {
		return nil
	}
	return d.cores[core]
}

// PhysicalCore translates a virtual core id.
func (d *Domain) PhysicalCore(virtual int32) int32 {
	if virtual < 0 || virtual >= d.numCores {
		return NoCore
	}
	return d.coreMap[virtual]
}

func (d *Domain) physicalMask(virtual uint64) AffinityMask {
	var mask AffinityMask
	for core := int32(0); core < d.numCores; core++ {
		if virtual&(1<<uint(core)) != 0 {
			mask.Set(d.coreMap[core], true)
		}
	}
	return mask
}

// NewThread creates a thread in the Initialized state. It touches no
// shared scheduler state and may be called with or without the lock.
func (d *Domain) NewThread(p ThreadParams) (*Thread, error) {
	if p.Priority < HighestThreadPriority || p.Priority > LowestThreadPriority {
		return nil, fmt.Errorf("kern: thread %q priority %d: %w", p.Name, p.Priority, ErrInvalidPriority)
	}
	if p.IdealCore < 0 || p.IdealCore >= d.numCores {
		return nil, fmt.Errorf("kern: thread %q ideal core %d: %w", p.Name, p.IdealCore, ErrInvalidCoreID)
	}
	mask := p.AffinityMask
	if mask == 0 {
		mask = 1 << uint(p.IdealCore)
	}
	allowed := uint64(AllCores(int(d.numCores)))
	if p.Process != nil {
		allowed &= p.Process.CoreMask()
	}
	if mask&^allowed != 0 {
		return nil, fmt.Errorf("kern: thread %q affinity %#x outside %#x: %w", p.Name, mask, allowed, ErrInvalidCoreID)
	}
	if mask&(1<<uint(p.IdealCore)) == 0 {
		return nil, fmt.Errorf("kern: thread %q: %w", p.Name, ErrInvalidCombination)
	}

	phys := d.coreMap[p.IdealCore]
	t := &Thread{
		d:                 d,
		id:                d.nextID.Add(1),
		name:              p.Name,
		process:           p.Process,
		handle:            pqueue.NilHandle,
		priority:          p.Priority,
		basePriority:      p.Priority,
		physicalAffinity:  d.physicalMask(mask),
		virtualAffinity:   AffinityMask(mask),
		physicalIdealCore: phys,
		virtualIdealCore:  p.IdealCore,
		activeCore:        phys,
		currentCore:       phys,
		state:             StateInitialized,
		tlsAddress:        p.TLSAddress,
	}
	if t.name == "" {
		t.name = "thread"
	}
	t.yieldScheduleCount = -1
	if p.Process != nil {
		t.suspendAllowed = StateSuspendFlagMask
	} else {
		t.suspendAllowed = StateSuspendFlagMask &^ (StateDebugSuspended | StateBacktraceSuspended)
	}
	return t, nil
}

// NewIdleThread creates the idle thread of core. It is runnable, pinned to
// core and never enters the run queue.
func (d *Domain) NewIdleThread(core int32) (*Thread, error) {
	if core < 0 || core >= d.numCores {
		return nil, fmt.Errorf("kern: idle thread core %d: %w", core, ErrInvalidCoreID)
	}
	t := &Thread{
		d:                 d,
		id:                d.nextID.Add(1),
		name:              fmt.Sprintf("idle%d", core),
		handle:            pqueue.NilHandle,
		priority:          IdleThreadPriority,
		basePriority:      IdleThreadPriority,
		physicalAffinity:  1 << uint(core),
		virtualAffinity:   1 << uint(core),
		physicalIdealCore: core,
		virtualIdealCore:  core,
		activeCore:        core,
		currentCore:       core,
		state:             StateRunnable,
	}
	t.yieldScheduleCount = -1
	return t, nil
}

// FinalizeThread releases a terminated thread: it is cleared from every
// core's previous-thread slot and its queue links are returned. c is the
// calling core.
func (d *Domain) FinalizeThread(c *Scheduler, t *Thread) error {
	sl := c.Lock()
	defer sl.Unlock()

	if t.State() != StateTerminated {
		return fmt.Errorf("kern: finalize %s in state %s: %w", t, t.state, ErrInvalidState)
	}
	for core := int32(0); core < d.numCores; core++ {
		if d.cores[core].currentThread.Load() == t {
			return fmt.Errorf("kern: finalize %s still running on core %d: %w", t, core, ErrInvalidState)
		}
	}
	d.ClearPreviousThread(t)
	if t.handle != pqueue.NilHandle {
		d.queue.Unregister(t.handle)
		t.handle = pqueue.NilHandle
	}
	return nil
}

// ClearPreviousThread atomically clears t from every core's previous-thread
// slot. It must be called with the lock held before t is destroyed.
func (d *Domain) ClearPreviousThread(t *Thread) {
	d.assertLocked("ClearPreviousThread", t)
	for core := int32(0); core < d.numCores; core++ {
		d.cores[core].prevThread.CompareAndSwap(t, nil)
	}
}

// SetSchedulerUpdateNeeded marks the queue dirty so the next outermost
// unlock recomputes every core.
func (d *Domain) SetSchedulerUpdateNeeded() {
	d.updateNeeded = true
}

// IsSchedulerUpdateNeeded reports the update-needed flag. Lock held.
func (d *Domain) IsSchedulerUpdateNeeded() bool {
	return d.updateNeeded
}

func (d *Domain) incrementScheduledCount(t *Thread) {
	if t.process != nil {
		t.process.IncrementScheduledCount()
	}
}

// OnThreadStateChanged reconciles the run queue after t's raw state
// changed from old. Lock held.
func (d *Domain) OnThreadStateChanged(t *Thread, old State) {
	d.assertLocked("OnThreadStateChanged", t)

	cur := t.state
	if cur == old {
		return
	}

	switch {
	case old == StateRunnable:
		d.queue.Remove(t)
		d.incrementScheduledCount(t)
		d.SetSchedulerUpdateNeeded()
	case cur == StateRunnable:
		if t.handle == pqueue.NilHandle {
			t.handle = d.queue.Register(t)
		}
		d.queue.PushBack(t)
		d.incrementScheduledCount(t)
		d.SetSchedulerUpdateNeeded()
	}

	if d.events != nil {
		e := trace.NewEvent(trace.KindState, d.timer.Tick(), t.activeCore)
		e.ThreadID = t.id
		e.Priority = t.priority
		e.State = cur.String()
		d.events.Publish(e)
	}
}

// OnThreadPriorityChanged relinks a runnable t after its priority changed
// from old. Lock held.
func (d *Domain) OnThreadPriorityChanged(t *Thread, old int32) {
	d.assertLocked("OnThreadPriorityChanged", t)

	if t.state == StateRunnable {
		d.queue.ChangePriority(old, d.isRunning(t), t)
		d.incrementScheduledCount(t)
		d.SetSchedulerUpdateNeeded()
	}

	if d.events != nil {
		e := trace.NewEvent(trace.KindPriority, d.timer.Tick(), t.activeCore)
		e.ThreadID = t.id
		e.Priority = t.priority
		e.OldPriority = old
		d.events.Publish(e)
	}
}

// OnThreadAffinityMaskChanged relinks a runnable t after its affinity mask
// or active core changed from oldMask/oldCore. Lock held.
func (d *Domain) OnThreadAffinityMaskChanged(t *Thread, oldMask AffinityMask, oldCore int32) {
	d.assertLocked("OnThreadAffinityMaskChanged", t)

	if t.state == StateRunnable {
		d.queue.ChangeAffinityMask(oldCore, uint64(oldMask), t)
		d.incrementScheduledCount(t)
		d.SetSchedulerUpdateNeeded()
	}
}

// isRunning reports whether t is the current thread of the core it last
// ran on.
func (d *Domain) isRunning(t *Thread) bool {
	c := d.Core(t.currentCore)
	return c != nil && c.currentThread.Load() == t
}

// Queued reports whether t is linked in the run queue on core.
func (d *Domain) Queued(t *Thread, core int32) bool {
	return d.queue.Linked(t, core)
}

func (d *Domain) emit(e trace.Event) {
	if d.events != nil {
		d.events.Publish(e)
	}
}

type nopCPU struct{}

func (nopCPU) SwitchProcess(prev, next Process)             {}
func (nopCPU) SetThreadLocalRegion(core int32, addr uint64) {}
