package pqueue

import "fmt"

// MaxCores is the number of cores a queue can track. Affinity masks are
// uint64 bitmaps but the target SoC never has more than four cores.
const MaxCores = 4

// Handle identifies a member's link row in the queue's side table.
// A member obtains it from Register and must hand it back through
// Unregister once it is no longer schedulable.
type Handle int32

// NilHandle marks the absence of a neighbour (list head/tail) or an
// unregistered member.
const NilHandle Handle = -1

// Member is the contract a schedulable object satisfies to be threaded into
// the per-core scheduled and suggested lists.
type Member interface {
	comparable
	fmt.Stringer

	// QueueHandle returns the handle obtained from Register.
	QueueHandle() Handle

	// Priority returns the current effective priority.
	Priority() int32

	// ActiveCore returns the core the member is assigned to, or a negative
	// value when it has no core preference.
	ActiveCore() int32

	// AffinityMask returns the bitmap of cores the member may run on.
	AffinityMask() uint64
}

// ContractError describes a structural misuse of the queue, such as linking
// a member that is already linked on a core. It is always raised as a panic:
// the queue cannot continue once its lists are inconsistent.
type ContractError struct {
	Op       string
	Core     int32
	Priority int32
	Member   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("pqueue: %s violates queue contract (core=%d priority=%d member=%s)",
		e.Op, e.Core, e.Priority, e.Member)
}

// link is one per-core node of a member. A member sits on at most one list
// per core (scheduled on its active core, suggested elsewhere), so the
// scheduled and suggested lists share the same node.
type link struct {
	prev   Handle
	next   Handle
	linked bool
}

type row [MaxCores]link

func newRow() row {
	var r row
	for i := range r {
		r[i] = link{prev: NilHandle, next: NilHandle}
	}
	return r
}
