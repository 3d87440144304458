package synch

import "github.com/e7canasta/ksched/internal/kern"

// WaitQueue blocks threads until they are signalled, waking them in FIFO
// order.
type WaitQueue struct {
	// Protected by the scheduler lock.
	waiters []*kern.Thread
}

// Wait blocks t, the thread running on c.
func (q *WaitQueue) Wait(c *kern.Scheduler, t *kern.Thread) {
	sl := c.Lock()
	defer sl.Unlock()

	q.waiters = append(q.waiters, t)
	t.BeginWait(q)
}

// Signal wakes the longest waiting thread and reports whether there was
// one.
func (q *WaitQueue) Signal(c *kern.Scheduler) bool {
	sl := c.Lock()
	defer sl.Unlock()

	if len(q.waiters) == 0 {
		return false
	}
	t := q.waiters[0]
	q.waiters = q.waiters[1:]
	t.EndWait(c, nil)
	return true
}

// Broadcast wakes every waiting thread and returns how many it woke.
func (q *WaitQueue) Broadcast(c *kern.Scheduler) int {
	sl := c.Lock()
	defer sl.Unlock()

	waiters := q.waiters
	q.waiters = nil
	for _, t := range waiters {
		t.EndWait(c, nil)
	}
	return len(waiters)
}

// Len returns the number of waiting threads.
func (q *WaitQueue) Len(c *kern.Scheduler) int {
	sl := c.Lock()
	defer sl.Unlock()
	return len(q.waiters)
}

// EndWait implements kern.WaitQueue.
func (q *WaitQueue) EndWait(t *kern.Thread, result error) {
	q.remove(t)
	kern.ThreadQueue{}.EndWait(t, result)
}

// CancelWait implements kern.WaitQueue.
func (q *WaitQueue) CancelWait(t *kern.Thread, result error) {
	q.remove(t)
	kern.ThreadQueue{}.CancelWait(t, result)
}

func (q *WaitQueue) remove(t *kern.Thread) {
	for i, w := range q.waiters {
		if w == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
