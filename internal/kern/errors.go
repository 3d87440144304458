package kern

import (
	"errors"
	"fmt"
)

// Errors returned to collaborators. They are always returned before any
// scheduler state is modified.
var (
	ErrInvalidCoreID        = errors.New("kern: invalid core id")
	ErrInvalidCombination   = errors.New("kern: ideal core is not in affinity mask")
	ErrInvalidPriority      = errors.New("kern: invalid priority")
	ErrTerminationRequested = errors.New("kern: termination requested")
	ErrInvalidState         = errors.New("kern: invalid thread state")
	ErrNotRunnable          = errors.New("kern: thread is not runnable")

	// Wait results.
	ErrCancelled = errors.New("kern: wait cancelled")
	ErrTimedOut  = errors.New("kern: wait timed out")
)

// InvariantError is the panic value raised when the scheduler detects that
// one of its structural invariants no longer holds.
type InvariantError struct {
	Reason   string
	Core     int32
	ThreadID uint64
	Priority int32
	State    State
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("kern: invariant violated: %s (core=%d thread=%d priority=%d state=%s)",
		e.Reason, e.Core, e.ThreadID, e.Priority, e.State)
}

// abort logs the breach and panics. t may be nil.
func (d *Domain) abort(reason string, core int32, t *Thread) {
	err := &InvariantError{Reason: reason, Core: core, Priority: -1}
	if t != nil {
		err.ThreadID = t.id
		err.Priority = t.priority
		err.State = t.state
	}
	d.log.Error("scheduler invariant violated",
		"reason", reason,
		"core", core,
		"thread", err.ThreadID,
		"priority", err.Priority,
		"state", err.State.String(),
	)
	panic(err)
}

// assertLocked aborts when the scheduler lock is not held.
func (d *Domain) assertLocked(what string, t *Thread) {
	if d.owner.Load() == nil {
		d.abort(what+" requires the scheduler lock", NoCore, t)
	}
}
