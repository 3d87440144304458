package pqueue

import "math/bits"

// Priority range. Lower numbers run first. LowestPriority+1 is accepted by
// every operation and ignored; it is reserved for idle threads, which never
// enter the lists.
const (
	HighestPriority int32 = 0
	LowestPriority  int32 = 63
	NumPriority           = int(LowestPriority-HighestPriority) + 1
)

// IsValidCore reports whether core indexes a per-core list.
func IsValidCore(core int32) bool {
	return 0 <= core && core < MaxCores
}

// IsValidPriority reports whether priority is accepted by the queue.
func IsValidPriority(priority int32) bool {
	return HighestPriority <= priority && priority <= LowestPriority+1
}

// table is the side table holding every registered member and its link row.
type table[M Member] struct {
	members []M
	rows    []row
	free    []Handle
}

func (t *table[M]) member(h Handle) M {
	if h == NilHandle {
		var zero M
		return zero
	}
	return t.members[h]
}

// perCoreQueue is one priority level: an independent doubly linked list per
// core whose roots hold head (next) and tail (prev).
type perCoreQueue struct {
	root [MaxCores]link
}

func (q *perCoreQueue) init() {
	for i := range q.root {
		q.root[i] = link{prev: NilHandle, next: NilHandle}
	}
}

func (q *perCoreQueue) node(rows []row, core int32, h Handle) *link {
	if h == NilHandle {
		return &q.root[core]
	}
	return &rows[h][core]
}

// pushBack links h at the tail and reports whether the list was empty.
func (q *perCoreQueue) pushBack(rows []row, core int32, h Handle) bool {
	tail := q.root[core].prev
	tailNode := q.node(rows, core, tail)

	e := &rows[h][core]
	e.prev, e.next, e.linked = tail, NilHandle, true
	tailNode.next = h
	q.root[core].prev = h

	return tail == NilHandle
}

// pushFront links h at the head and reports whether the list was empty.
func (q *perCoreQueue) pushFront(rows []row, core int32, h Handle) bool {
	head := q.root[core].next
	headNode := q.node(rows, core, head)

	e := &rows[h][core]
	e.prev, e.next, e.linked = NilHandle, head, true
	headNode.prev = h
	q.root[core].next = h

	return head == NilHandle
}

// remove unlinks h and reports whether the list became empty.
func (q *perCoreQueue) remove(rows []row, core int32, h Handle) bool {
	e := &rows[h][core]
	prevNode := q.node(rows, core, e.prev)
	nextNode := q.node(rows, core, e.next)

	prevNode.next = e.next
	nextNode.prev = e.prev
	e.prev, e.next, e.linked = NilHandle, NilHandle, false

	return q.root[core].next == NilHandle
}

func (q *perCoreQueue) front(core int32) Handle {
	return q.root[core].next
}

// levelQueue is a multi-level queue: one perCoreQueue per priority plus a
// bitmap per core of the non-empty levels.
type levelQueue[M Member] struct {
	t         *table[M]
	name      string
	queues    [NumPriority]perCoreQueue
	available [MaxCores]uint64
}

func (l *levelQueue[M]) init(t *table[M], name string) {
	l.t = t
	l.name = name
	for i := range l.queues {
		l.queues[i].init()
	}
}

func (l *levelQueue[M]) check(op string, priority, core int32, m M) {
	if !IsValidCore(core) || !IsValidPriority(priority) {
		panic(&ContractError{Op: l.name + "." + op, Core: core, Priority: priority, Member: m.String()})
	}
}

func (l *levelQueue[M]) link(op string, priority, core int32, m M, wantLinked bool) Handle {
	l.check(op, priority, core, m)
	h := m.QueueHandle()
	if h == NilHandle || int(h) >= len(l.t.rows) || l.t.rows[h][core].linked != wantLinked {
		panic(&ContractError{Op: l.name + "." + op, Core: core, Priority: priority, Member: m.String()})
	}
	return h
}

func (l *levelQueue[M]) pushBack(priority, core int32, m M) {
	if priority > LowestPriority {
		l.check("PushBack", priority, core, m)
		return
	}
	h := l.link("PushBack", priority, core, m, false)
	if l.queues[priority].pushBack(l.t.rows, core, h) {
		l.available[core] |= 1 << uint(priority)
	}
}

func (l *levelQueue[M]) pushFront(priority, core int32, m M) {
	if priority > LowestPriority {
		l.check("PushFront", priority, core, m)
		return
	}
	h := l.link("PushFront", priority, core, m, false)
	if l.queues[priority].pushFront(l.t.rows, core, h) {
		l.available[core] |= 1 << uint(priority)
	}
}

func (l *levelQueue[M]) remove(priority, core int32, m M) {
	if priority > LowestPriority {
		l.check("Remove", priority, core, m)
		return
	}
	h := l.link("Remove", priority, core, m, true)
	if l.queues[priority].remove(l.t.rows, core, h) {
		l.available[core] &^= 1 << uint(priority)
	}
}

func (l *levelQueue[M]) front(core int32) M {
	priority := int32(bits.TrailingZeros64(l.available[core]))
	if priority <= LowestPriority {
		return l.t.member(l.queues[priority].front(core))
	}
	var zero M
	return zero
}

func (l *levelQueue[M]) frontAt(priority, core int32) M {
	if priority <= LowestPriority {
		return l.t.member(l.queues[priority].front(core))
	}
	var zero M
	return zero
}

// next returns the member after m on core, continuing into the next
// non-empty lower-precedence level once m's level is exhausted.
func (l *levelQueue[M]) next(core int32, m M) M {
	h := l.t.rows[m.QueueHandle()][core].next
	if h == NilHandle {
		priority := nextSet(l.available[core], m.Priority())
		if priority <= LowestPriority {
			h = l.queues[priority].front(core)
		}
	}
	return l.t.member(h)
}

func (l *levelQueue[M]) moveToFront(priority, core int32, m M) {
	if priority > LowestPriority {
		return
	}
	h := l.link("MoveToFront", priority, core, m, true)
	l.queues[priority].remove(l.t.rows, core, h)
	l.queues[priority].pushFront(l.t.rows, core, h)
}

func (l *levelQueue[M]) moveToBack(priority, core int32, m M) M {
	if priority > LowestPriority {
		var zero M
		return zero
	}
	h := l.link("MoveToBack", priority, core, m, true)
	l.queues[priority].remove(l.t.rows, core, h)
	l.queues[priority].pushBack(l.t.rows, core, h)
	return l.t.member(l.queues[priority].front(core))
}

// nextSet returns the lowest set bit strictly above priority, or 64.
func nextSet(set uint64, priority int32) int32 {
	mask := (uint64(2) << uint(priority)) - 1
	return int32(bits.TrailingZeros64(set &^ mask))
}
