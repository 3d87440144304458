package synch

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/kern"
)

// ErrNotOwner is returned when a thread releases a lock it does not hold.
var ErrNotOwner = errors.New("synch: lock not held by thread")

// LightLock is a kernel mutex. Waiters are queued on the owner through the
// scheduler's waiter relation, so the owner inherits the priority of its
// best waiter. Release hands the lock directly to that waiter.
type LightLock struct {
	name  string
	key   uint64
	owner atomic.Pointer[kern.Thread]
}

// NewLightLock creates a lock identified by key. Keys must be unique among
// the locks a thread can wait on.
func NewLightLock(name string, key uint64) *LightLock {
	return &LightLock{name: name, key: key}
}

// Name returns the lock name.
func (l *LightLock) Name() string { return l.name }

// Key returns the address key waiters are registered under.
func (l *LightLock) Key() uint64 { return l.key }

// Owner returns the holder, or nil.
func (l *LightLock) Owner() *kern.Thread { return l.owner.Load() }

// Lock acquires l for t, the thread running on c. It reports whether the
// lock was taken immediately; otherwise t now waits and owns the lock when
// it runs again.
func (l *LightLock) Lock(c *kern.Scheduler, t *kern.Thread) bool {
	sl := c.Lock()
	defer sl.Unlock()

	owner := l.owner.Load()
	if owner == nil {
		l.owner.Store(t)
		return true
	}
	if owner == t {
		return true
	}

	t.SetAddressKey(l.key, true)
	owner.AddWaiter(t)
	t.BeginWait(&lockWaitQueue{lock: l})

	// A suspended owner must still run long enough to release the lock.
	if owner.IsSuspended() {
		owner.ContinueIfHasKernelWaiters()
	}
	return false
}

// TryLock acquires l for t only if it is free.
func (l *LightLock) TryLock(c *kern.Scheduler, t *kern.Thread) bool {
	sl := c.Lock()
	defer sl.Unlock()

	return l.owner.CompareAndSwap(nil, t) || l.owner.Load() == t
}

// Unlock releases l held by t and hands it to the best waiter, if any.
func (l *LightLock) Unlock(c *kern.Scheduler, t *kern.Thread) error {
	sl := c.Lock()
	defer sl.Unlock()

	if l.owner.Load() != t {
		return fmt.Errorf("synch: unlock %q by %s: %w", l.name, t, ErrNotOwner)
	}

	next, _ := t.RemoveWaiterByKey(l.key)
	l.owner.Store(next)
	if next != nil {
		next.EndWait(c, nil)
	}

	// Suspensions held back while t had kernel waiters apply now.
	t.TrySuspend()
	return nil
}

// lockWaitQueue is what a thread blocked on a LightLock waits on.
type lockWaitQueue struct {
	kern.ThreadQueue
	lock *LightLock
}

// CancelWait withdraws t from its owner's waiters before resuming it.
func (q *lockWaitQueue) CancelWait(t *kern.Thread, result error) {
	if owner := t.LockOwner(); owner != nil {
		owner.RemoveWaiter(t)
	}
	q.ThreadQueue.CancelWait(t, result)
}
