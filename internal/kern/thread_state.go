package kern

import "strings"

// State is a thread's raw state: a base state in the low bits combined with
// suspend flags above SuspendShift.
type State uint16

const (
	StateInitialized State = 0
	StateWaiting     State = 1
	StateRunnable    State = 2
	StateTerminated  State = 3

	SuspendShift = 4
	StateMask    State = (1 << SuspendShift) - 1
)

// SuspendType names the subsystem requesting a suspension.
type SuspendType int

const (
	SuspendProcess SuspendType = iota
	SuspendThread
	SuspendDebug
	SuspendBacktrace
	SuspendInit

	suspendTypeCount
)

// Suspend flags as they appear in the raw state.
const (
	StateProcessSuspended   State = 1 << (SuspendShift + int(SuspendProcess))
	StateThreadSuspended    State = 1 << (SuspendShift + int(SuspendThread))
	StateDebugSuspended     State = 1 << (SuspendShift + int(SuspendDebug))
	StateBacktraceSuspended State = 1 << (SuspendShift + int(SuspendBacktrace))
	StateInitSuspended      State = 1 << (SuspendShift + int(SuspendInit))

	StateSuspendFlagMask = StateProcessSuspended | StateThreadSuspended | StateDebugSuspended |
		StateBacktraceSuspended | StateInitSuspended
)

// Flag returns the raw-state bit for the suspend type.
func (s SuspendType) Flag() State {
	return 1 << (SuspendShift + int(s))
}

func (s SuspendType) String() string {
	switch s {
	case SuspendProcess:
		return "process"
	case SuspendThread:
		return "thread"
	case SuspendDebug:
		return "debug"
	case SuspendBacktrace:
		return "backtrace"
	case SuspendInit:
		return "init"
	default:
		return "unknown"
	}
}

// ParseSuspendType maps a name produced by String back to its type.
func ParseSuspendType(name string) (SuspendType, bool) {
	for s := SuspendProcess; s < suspendTypeCount; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// Base returns the state with suspend flags masked off.
func (s State) Base() State {
	return s & StateMask
}

func (s State) String() string {
	var base string
	switch s.Base() {
	case StateInitialized:
		base = "initialized"
	case StateWaiting:
		base = "waiting"
	case StateRunnable:
		base = "runnable"
	case StateTerminated:
		base = "terminated"
	default:
		base = "unknown"
	}
	if s&StateSuspendFlagMask == 0 {
		return base
	}
	var flags []string
	for t := SuspendProcess; t < suspendTypeCount; t++ {
		if s&t.Flag() != 0 {
			flags = append(flags, t.String())
		}
	}
	return base + "+suspended(" + strings.Join(flags, ",") + ")"
}
