package synch

import (
	"sort"

	"github.com/e7canasta/ksched/internal/kern"
)

type sleeper struct {
	thread   *kern.Thread
	deadline int64
}

// SleepQueue holds threads until a tick deadline. Expired sleepers are
// resumed with kern.ErrTimedOut.
type SleepQueue struct {
	// Protected by the scheduler lock. Sorted by deadline, FIFO for equal
	// deadlines.
	sleepers []sleeper
}

// Sleep blocks t, the thread running on c, until deadline.
func (q *SleepQueue) Sleep(c *kern.Scheduler, t *kern.Thread, deadline int64) {
	sl := c.Lock()
	defer sl.Unlock()

	i := sort.Search(len(q.sleepers), func(i int) bool {
		return q.sleepers[i].deadline > deadline
	})
	q.sleepers = append(q.sleepers, sleeper{})
	copy(q.sleepers[i+1:], q.sleepers[i:])
	q.sleepers[i] = sleeper{thread: t, deadline: deadline}
	t.BeginWait(q)
}

// WakeExpired resumes every sleeper whose deadline is at or before now and
// returns how many it woke.
func (q *SleepQueue) WakeExpired(c *kern.Scheduler, now int64) int {
	sl := c.Lock()
	defer sl.Unlock()

	n := 0
	for len(q.sleepers) > 0 && q.sleepers[0].deadline <= now {
		t := q.sleepers[0].thread
		q.sleepers = q.sleepers[1:]
		t.EndWait(c, kern.ErrTimedOut)
		n++
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (q *SleepQueue) NextDeadline(c *kern.Scheduler) (int64, bool) {
	sl := c.Lock()
	defer sl.Unlock()

	if len(q.sleepers) == 0 {
		return 0, false
	}
	return q.sleepers[0].deadline, true
}

// Len returns the number of sleeping threads.
func (q *SleepQueue) Len(c *kern.Scheduler) int {
	sl := c.Lock()
	defer sl.Unlock()
	return len(q.sleepers)
}

// EndWait implements kern.WaitQueue.
func (q *SleepQueue) EndWait(t *kern.Thread, result error) {
	q.remove(t)
	kern.ThreadQueue{}.EndWait(t, result)
}

// CancelWait implements kern.WaitQueue.
func (q *SleepQueue) CancelWait(t *kern.Thread, result error) {
	q.remove(t)
	kern.ThreadQueue{}.CancelWait(t, result)
}

func (q *SleepQueue) remove(t *kern.Thread) {
	for i, s := range q.sleepers {
		if s.thread == t {
			q.sleepers = append(q.sleepers[:i], q.sleepers[i+1:]...)
			return
		}
	}
}
