package kern

import "github.com/e7canasta/ksched/internal/trace"

// Timer is the hardware tick counter. It must be monotonic and cheap to read
// from any core.
type Timer interface {
	Tick() int64
}

// InterruptHandler is bound to an interrupt vector on one core.
type InterruptHandler interface {
	HandleInterrupt(core int32)
}

// InterruptController delivers the scheduler's cross-core notifications.
type InterruptController interface {
	BindHandler(core int32, vector, priority int, h InterruptHandler) error
	RaiseOnCore(coreMask uint64)
}

// Process is the owning process of user threads. The scheduler calls it;
// implementations must never call back into the scheduler.
type Process interface {
	PinnedThread(core int32) *Thread
	ExceptionThread() *Thread
	IncrementScheduledCount()
	ScheduledCount() int64
	SetRunningThread(core int32, t *Thread, idleCount, switchCount uint64)
	AddCPUTime(ticks int64)

	// CoreMask is the set of virtual cores threads of the process may use.
	CoreMask() uint64
}

// CPU performs the architectural part of a context switch.
type CPU interface {
	// SwitchProcess is invoked only when the owning process changes.
	SwitchProcess(prev, next Process)
	SetThreadLocalRegion(core int32, addr uint64)
}

// EventSink receives scheduling trace events. Publish must not block.
type EventSink interface {
	Publish(e trace.Event)
}

// WaitQueue is whatever a waiting thread is blocked on.
type WaitQueue interface {
	EndWait(t *Thread, result error)
	CancelWait(t *Thread, result error)
}
