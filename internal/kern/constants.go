package kern

import "github.com/e7canasta/ksched/internal/pqueue"

// Priorities. Lower values run first.
const (
	HighestThreadPriority int32 = pqueue.HighestPriority
	LowestThreadPriority  int32 = pqueue.LowestPriority
	IdleThreadPriority    int32 = LowestThreadPriority + 1

	// Threads at a priority numerically below this are never pulled off the
	// core they occupy by load balancing.
	HighestCoreMigrationAllowedPriority int32 = 2

	// PriorityInheritanceCountMax bounds how many lock owners a single
	// priority change is propagated through.
	PriorityInheritanceCountMax int32 = 10

	// TerminatingThreadPriority is given to threads whose termination was
	// requested so that they run ahead of every user priority.
	TerminatingThreadPriority int32 = 15
)

// MaxCores is the largest supported core count.
const MaxCores = pqueue.MaxCores

// Ideal core sentinels accepted by SetCoreMask.
const (
	IdealCoreDontCare int32 = -1
	IdealCoreNoUpdate int32 = -3
)

// NoCore is the active core of a thread without core preference.
const NoCore int32 = -1

// Scheduler interrupt binding.
const (
	SchedulerInterruptVector   = 2
	SchedulerInterruptPriority = 0
)
