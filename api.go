package ksched

import (
	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/hw"
	"github.com/e7canasta/ksched/internal/kern"
	"github.com/e7canasta/ksched/internal/process"
	"github.com/e7canasta/ksched/internal/sim"
	"github.com/e7canasta/ksched/internal/synch"
	"github.com/e7canasta/ksched/internal/trace"
)

// Public API - Re-export internal types as stable contract

// Domain is the global scheduling state shared by every core.
type Domain = kern.Domain

// Options configures a Domain.
type Options = kern.Options

// Scheduler is the scheduler of one core.
type Scheduler = kern.Scheduler

// ScopedLock is a held scheduler lock; Unlock releases it.
type ScopedLock = kern.ScopedLock

// Thread is a schedulable thread.
type Thread = kern.Thread

// ThreadParams describes a thread to create.
type ThreadParams = kern.ThreadParams

// State is a thread's raw state: base state plus suspend flags.
type State = kern.State

const (
	StateInitialized = kern.StateInitialized
	StateWaiting     = kern.StateWaiting
	StateRunnable    = kern.StateRunnable
	StateTerminated  = kern.StateTerminated
)

// SuspendType names the subsystem requesting a suspension.
type SuspendType = kern.SuspendType

const (
	SuspendProcess   = kern.SuspendProcess
	SuspendThread    = kern.SuspendThread
	SuspendDebug     = kern.SuspendDebug
	SuspendBacktrace = kern.SuspendBacktrace
	SuspendInit      = kern.SuspendInit
)

// AffinityMask is a set of physical cores.
type AffinityMask = kern.AffinityMask

// Priority limits and core constants
const (
	MaxCores                            = kern.MaxCores
	HighestThreadPriority               = kern.HighestThreadPriority
	LowestThreadPriority                = kern.LowestThreadPriority
	IdleThreadPriority                  = kern.IdleThreadPriority
	HighestCoreMigrationAllowedPriority = kern.HighestCoreMigrationAllowedPriority
	PriorityInheritanceCountMax         = kern.PriorityInheritanceCountMax
	TerminatingThreadPriority           = kern.TerminatingThreadPriority
	IdealCoreDontCare                   = kern.IdealCoreDontCare
	IdealCoreNoUpdate                   = kern.IdealCoreNoUpdate
	NoCore                              = kern.NoCore
)

// Collaborator interfaces consumed by a Domain
type (
	Timer               = kern.Timer
	InterruptController = kern.InterruptController
	InterruptHandler    = kern.InterruptHandler
	Process             = kern.Process
	CPU                 = kern.CPU
	EventSink           = kern.EventSink
	WaitQueue           = kern.WaitQueue
)

// ThreadQueue is a WaitQueue with no bookkeeping of its own.
type ThreadQueue = kern.ThreadQueue

// CoreStatus and ThreadStatus are point-in-time snapshots.
type (
	CoreStatus   = kern.CoreStatus
	ThreadStatus = kern.ThreadStatus
)

// InvariantError is the panic value of a violated scheduler invariant.
type InvariantError = kern.InvariantError

// Simulated hardware and kernel collaborators
type (
	HardwareTimer       = hw.Timer
	InterruptDispatcher = hw.Controller
	CPURecorder         = hw.CPU
	SimProcess          = process.Process
	LightLock           = synch.LightLock
	SleepQueue          = synch.SleepQueue
	ConditionQueue      = synch.WaitQueue
)

// Scheduling trace events
type (
	Event              = trace.Event
	EventKind          = trace.Kind
	EventBus           = trace.Bus
	BusStats           = trace.BusStats
	SubscriberPriority = trace.SubscriberPriority
)

// Simulator runs configured thread programs on a simulated SoC.
type Simulator = sim.Simulator

// Config is the simulator configuration.
type Config = config.Config

// Public API errors - Re-export internal errors as stable contract
var (
	ErrInvalidCoreID        = kern.ErrInvalidCoreID
	ErrInvalidCombination   = kern.ErrInvalidCombination
	ErrInvalidPriority      = kern.ErrInvalidPriority
	ErrTerminationRequested = kern.ErrTerminationRequested
	ErrInvalidState         = kern.ErrInvalidState
	ErrNotRunnable          = kern.ErrNotRunnable
	ErrCancelled            = kern.ErrCancelled
	ErrTimedOut             = kern.ErrTimedOut

	ErrNotOwner       = synch.ErrNotOwner
	ErrAlreadyPinned  = process.ErrAlreadyPinned
	ErrNotPinned      = process.ErrNotPinned
	ErrForeignThread  = process.ErrForeignThread
	ErrUnknownThread  = sim.ErrUnknownThread
	ErrKernelThread   = sim.ErrKernelThread
	ErrAlreadyRunning = sim.ErrAlreadyRunning
)
