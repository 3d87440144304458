package kern

import (
	"fmt"

	"github.com/e7canasta/ksched/internal/pqueue"
)

// Thread is one schedulable execution context.
//
// Fields other than the queue links are mutated only while the domain's
// scheduler lock is held. Accessors do not lock; callers that are not the
// thread's own core must hold the lock for a consistent view.
type Thread struct {
	d       *Domain
	id      uint64
	name    string
	process Process
	handle  pqueue.Handle

	priority                 int32
	basePriority             int32
	priorityInheritanceCount int32

	physicalAffinity  AffinityMask
	virtualAffinity   AffinityMask
	physicalIdealCore int32
	virtualIdealCore  int32
	activeCore        int32
	currentCore       int32

	// Saved while core migration is disabled (pinning).
	originalPhysicalAffinity  AffinityMask
	originalPhysicalIdealCore int32
	coreMigrationDisables     int32
	pinned                    bool

	state                State
	suspendRequested     State
	suspendAllowed       State
	terminationRequested bool

	waitQueue        WaitQueue
	waitResult       error
	waiters          []*Thread // sorted by priority, FIFO within a level
	numKernelWaiters int32
	lockOwner        *Thread
	addressKey       uint64
	kernelAddressKey bool
	pinnedWaiters    []*Thread

	cpuTime            [MaxCores]int64
	cpuTimeTotal       int64
	lastScheduledTick  int64
	yieldScheduleCount int64
	tlsAddress         uint64
}

// ThreadParams describes a thread to create.
type ThreadParams struct {
	Name string

	// Process owns the thread; nil creates a kernel thread.
	Process Process

	Priority int32

	// IdealCore is a virtual core id.
	IdealCore int32

	// AffinityMask is a virtual core mask. Zero means only IdealCore.
	AffinityMask uint64

	TLSAddress uint64
}

// ID returns the thread's unique id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the name given at creation.
func (t *Thread) Name() string { return t.name }

// Process returns the owning process, nil for kernel threads.
func (t *Thread) Process() Process { return t.process }

// IsKernel reports whether the thread has no owning process.
func (t *Thread) IsKernel() bool { return t.process == nil }

func (t *Thread) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// QueueHandle returns the thread's link row in the run queue.
func (t *Thread) QueueHandle() pqueue.Handle { return t.handle }

// Priority returns the effective (possibly inherited) priority.
func (t *Thread) Priority() int32 { return t.priority }

// ActiveCore returns the core the thread is assigned to, or NoCore.
func (t *Thread) ActiveCore() int32 { return t.activeCore }

// AffinityMask returns the physical affinity mask.
func (t *Thread) AffinityMask() uint64 { return uint64(t.physicalAffinity) }

func (t *Thread) BasePriority() int32             { return t.basePriority }
func (t *Thread) PriorityInheritanceCount() int32 { return t.priorityInheritanceCount }
func (t *Thread) PhysicalAffinity() AffinityMask  { return t.physicalAffinity }
func (t *Thread) VirtualAffinity() AffinityMask   { return t.virtualAffinity }
func (t *Thread) IdealCore() int32                { return t.physicalIdealCore }
func (t *Thread) VirtualIdealCore() int32         { return t.virtualIdealCore }
func (t *Thread) CurrentCore() int32              { return t.currentCore }

// RawState returns the base state combined with the effective suspend flags.
func (t *Thread) RawState() State { return t.state }

// State returns the base state with suspend flags masked off.
func (t *Thread) State() State { return t.state.Base() }

// IsSuspended reports whether an allowed suspension is requested.
func (t *Thread) IsSuspended() bool { return t.suspendFlags() != 0 }

// IsSuspendRequested reports whether any suspension is requested, allowed
// or not.
func (t *Thread) IsSuspendRequested() bool { return t.suspendRequested != 0 }

func (t *Thread) IsTerminationRequested() bool { return t.terminationRequested }
func (t *Thread) IsPinned() bool               { return t.pinned }

// WaitResult returns the result stored by the last EndWait or CancelWait.
func (t *Thread) WaitResult() error { return t.waitResult }

// LockOwner returns the thread owning the lock t is blocked on.
func (t *Thread) LockOwner() *Thread { return t.lockOwner }

func (t *Thread) NumKernelWaiters() int32 { return t.numKernelWaiters }

// Waiters returns the threads blocked on locks t owns, highest priority
// first.
func (t *Thread) Waiters() []*Thread {
	out := make([]*Thread, len(t.waiters))
	copy(out, t.waiters)
	return out
}

// CPUTime returns the ticks t ran on core.
func (t *Thread) CPUTime(core int32) int64 {
	if core < 0 || core >= MaxCores {
		return 0
	}
	return t.cpuTime[core]
}

func (t *Thread) TotalCPUTime() int64       { return t.cpuTimeTotal }
func (t *Thread) LastScheduledTick() int64  { return t.lastScheduledTick }
func (t *Thread) YieldScheduleCount() int64 { return t.yieldScheduleCount }
func (t *Thread) TLSAddress() uint64        { return t.tlsAddress }

func (t *Thread) suspendFlags() State {
	return t.suspendAllowed & t.suspendRequested
}

func (t *Thread) addCPUTime(core int32, ticks int64) {
	t.cpuTime[core] += ticks
	t.cpuTimeTotal += ticks
}

func (t *Thread) isIdle() bool {
	return t.priority == IdleThreadPriority
}
