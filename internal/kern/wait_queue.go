package kern

// ThreadQueue is the basic WaitQueue: ending or cancelling a wait stores the
// result and makes the thread runnable again. Wait queues of
// synchronization objects embed it and extend CancelWait.
type ThreadQueue struct{}

// EndWait resumes t with result. Lock held.
func (ThreadQueue) EndWait(t *Thread, result error) {
	t.d.assertLocked("EndWait", t)
	t.waitResult = result
	t.setState(StateRunnable)
	t.waitQueue = nil
}

// CancelWait resumes t with result. Lock held.
func (q ThreadQueue) CancelWait(t *Thread, result error) {
	q.EndWait(t, result)
}

// pinnedWaitQueue parks threads until owner is unpinned.
type pinnedWaitQueue struct {
	ThreadQueue
	owner *Thread
}

func (q *pinnedWaitQueue) CancelWait(t *Thread, result error) {
	ws := q.owner.pinnedWaiters
	for i, w := range ws {
		if w == t {
			q.owner.pinnedWaiters = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	q.ThreadQueue.CancelWait(t, result)
}
