package pqueue

import "math/bits"

// Queue is the scheduler's run queue. Every runnable member is linked into
// the scheduled list of its active core and into the suggested list of
// every other core in its affinity mask, at its current priority.
//
// Links are not stored in the members themselves: each member owns a Handle
// into the queue's side table, obtained from Register.
//
// Queue performs no locking; callers serialize access.
type Queue[M Member] struct {
	t         table[M]
	scheduled levelQueue[M]
	suggested levelQueue[M]
}

// New creates an empty queue.
func New[M Member]() *Queue[M] {
	q := &Queue[M]{}
	q.scheduled.init(&q.t, "scheduled")
	q.suggested.init(&q.t, "suggested")
	return q
}

// Register allocates a link row for m and returns its handle.
func (q *Queue[M]) Register(m M) Handle {
	var h Handle
	if n := len(q.t.free); n > 0 {
		h = q.t.free[n-1]
		q.t.free = q.t.free[:n-1]
		q.t.members[h] = m
		q.t.rows[h] = newRow()
	} else {
		h = Handle(len(q.t.members))
		q.t.members = append(q.t.members, m)
		q.t.rows = append(q.t.rows, newRow())
	}
	return h
}

// Unregister releases h. The member must not be linked on any core.
func (q *Queue[M]) Unregister(h Handle) {
	if h == NilHandle || int(h) >= len(q.t.rows) {
		panic(&ContractError{Op: "Unregister", Core: -1, Priority: -1, Member: "<invalid handle>"})
	}
	for core := int32(0); core < MaxCores; core++ {
		if q.t.rows[h][core].linked {
			panic(&ContractError{Op: "Unregister", Core: core, Priority: -1, Member: q.t.members[h].String()})
		}
	}
	var zero M
	q.t.members[h] = zero
	q.t.free = append(q.t.free, h)
}

// Linked reports whether m is linked on core, in either list.
func (q *Queue[M]) Linked(m M, core int32) bool {
	h := m.QueueHandle()
	if h == NilHandle || int(h) >= len(q.t.rows) || !IsValidCore(core) {
		return false
	}
	return q.t.rows[h][core].linked
}

// GetScheduledFront returns the best member scheduled on core.
func (q *Queue[M]) GetScheduledFront(core int32) M {
	return q.scheduled.front(core)
}

// GetScheduledFrontAt returns the first member scheduled on core at priority.
func (q *Queue[M]) GetScheduledFrontAt(core, priority int32) M {
	return q.scheduled.frontAt(priority, core)
}

// GetSuggestedFront returns the best member suggested for core.
func (q *Queue[M]) GetSuggestedFront(core int32) M {
	return q.suggested.front(core)
}

// GetSuggestedFrontAt returns the first member suggested for core at priority.
func (q *Queue[M]) GetSuggestedFrontAt(core, priority int32) M {
	return q.suggested.frontAt(priority, core)
}

// GetScheduledNext returns the member scheduled on core after m.
func (q *Queue[M]) GetScheduledNext(core int32, m M) M {
	return q.scheduled.next(core, m)
}

// GetSuggestedNext returns the member suggested for core after m.
func (q *Queue[M]) GetSuggestedNext(core int32, m M) M {
	return q.suggested.next(core, m)
}

// GetSamePriorityNext returns the member after m on core without leaving
// m's priority level.
func (q *Queue[M]) GetSamePriorityNext(core int32, m M) M {
	return q.t.member(q.t.rows[m.QueueHandle()][core].next)
}

// PushBack links m at the back of its priority level.
func (q *Queue[M]) PushBack(m M) {
	q.pushBack(m.Priority(), m)
}

// Remove unlinks m from every core.
func (q *Queue[M]) Remove(m M) {
	q.remove(m.Priority(), m)
}

// MoveToScheduledFront moves m to the front of its level on its active core.
func (q *Queue[M]) MoveToScheduledFront(m M) {
	q.scheduled.moveToFront(m.Priority(), m.ActiveCore(), m)
}

// MoveToScheduledBack moves m to the back of its level on its active core
// and returns the member now at the front of that level.
func (q *Queue[M]) MoveToScheduledBack(m M) M {
	return q.scheduled.moveToBack(m.Priority(), m.ActiveCore(), m)
}

// ChangePriority relinks m after its priority changed from prevPriority.
// A running member goes to the front of its new level so it keeps running.
func (q *Queue[M]) ChangePriority(prevPriority int32, isRunning bool, m M) {
	newPriority := m.Priority()
	q.remove(prevPriority, m)
	if isRunning {
		q.pushFront(newPriority, m)
	} else {
		q.pushBack(newPriority, m)
	}
}

// ChangeAffinityMask relinks m after its affinity mask and/or active core
// changed from prevAffinity/prevCore.
func (q *Queue[M]) ChangeAffinityMask(prevCore int32, prevAffinity uint64, m M) {
	priority := m.Priority()
	newAffinity := m.AffinityMask()
	newCore := m.ActiveCore()

	for core := int32(0); core < MaxCores; core++ {
		if prevAffinity&(1<<uint(core)) != 0 {
			if core == prevCore {
				q.scheduled.remove(priority, core, m)
			} else {
				q.suggested.remove(priority, core, m)
			}
		}
	}

	for core := int32(0); core < MaxCores; core++ {
		if newAffinity&(1<<uint(core)) != 0 {
			if core == newCore {
				q.scheduled.pushBack(priority, core, m)
			} else {
				q.suggested.pushBack(priority, core, m)
			}
		}
	}
}

// ChangeCore moves m from the scheduled list of prevCore to the scheduled
// list of its (already updated) active core. Either side may be negative.
func (q *Queue[M]) ChangeCore(prevCore int32, m M, toFront bool) {
	newCore := m.ActiveCore()
	priority := m.Priority()
	if prevCore == newCore {
		return
	}

	if prevCore >= 0 {
		q.scheduled.remove(priority, prevCore, m)
	}

	if newCore >= 0 {
		q.suggested.remove(priority, newCore, m)
		if toFront {
			q.scheduled.pushFront(priority, newCore, m)
		} else {
			q.scheduled.pushBack(priority, newCore, m)
		}
	}

	if prevCore >= 0 {
		q.suggested.pushBack(priority, prevCore, m)
	}
}

func (q *Queue[M]) pushBack(priority int32, m M) {
	affinity := m.AffinityMask()
	if core := m.ActiveCore(); core >= 0 {
		q.scheduled.pushBack(priority, core, m)
		affinity &^= 1 << uint(core)
	}
	for affinity != 0 {
		q.suggested.pushBack(priority, nextCore(&affinity), m)
	}
}

func (q *Queue[M]) pushFront(priority int32, m M) {
	affinity := m.AffinityMask()
	if core := m.ActiveCore(); core >= 0 {
		q.scheduled.pushFront(priority, core, m)
		affinity &^= 1 << uint(core)
	}
	// Suggestions always go to the back, even when scheduling to the front.
	for affinity != 0 {
		q.suggested.pushBack(priority, nextCore(&affinity), m)
	}
}

func (q *Queue[M]) remove(priority int32, m M) {
	affinity := m.AffinityMask()
	if core := m.ActiveCore(); core >= 0 {
		q.scheduled.remove(priority, core, m)
		affinity &^= 1 << uint(core)
	}
	for affinity != 0 {
		q.suggested.remove(priority, nextCore(&affinity), m)
	}
}

// nextCore pops the lowest set bit of affinity.
func nextCore(affinity *uint64) int32 {
	core := int32(bits.TrailingZeros64(*affinity))
	*affinity &^= 1 << uint(core)
	return core
}
