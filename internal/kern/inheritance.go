package kern

// AddWaiter records w as blocked on a lock t owns and lets t inherit w's
// priority. Lock held.
func (t *Thread) AddWaiter(w *Thread) {
	t.d.assertLocked("AddWaiter", w)
	t.addWaiterImpl(w)
	t.RestorePriority()
}

// RemoveWaiter drops w from t's waiters and re-derives t's priority. Lock
// held.
func (t *Thread) RemoveWaiter(w *Thread) {
	t.d.assertLocked("RemoveWaiter", w)
	t.removeWaiterImpl(w)
	t.RestorePriority()
}

// RemoveWaiterByKey hands the lock identified by key over to its best
// waiter. The remaining waiters for key move to the new owner. It returns
// the new owner, nil if there was no waiter, and how many threads waited.
// Lock held.
func (t *Thread) RemoveWaiterByKey(key uint64) (*Thread, int) {
	t.d.assertLocked("RemoveWaiterByKey", t)

	var (
		next  *Thread
		count int
	)
	kept := t.waiters[:0]
	var moved []*Thread
	for _, w := range t.waiters {
		if w.addressKey != key {
			kept = append(kept, w)
			continue
		}
		count++
		if w.kernelAddressKey {
			t.dropKernelWaiter(w)
		}
		if next == nil {
			next = w
			w.lockOwner = nil
		} else {
			moved = append(moved, w)
		}
	}
	for i := len(kept); i < len(t.waiters); i++ {
		t.waiters[i] = nil
	}
	t.waiters = kept

	if next == nil {
		return nil, 0
	}
	for _, w := range moved {
		next.addWaiterImpl(w)
	}
	t.RestorePriority()
	next.RestorePriority()
	return next, count
}

func (t *Thread) addWaiterImpl(w *Thread) {
	i := 0
	for i < len(t.waiters) && t.waiters[i].priority <= w.priority {
		i++
	}
	if w.kernelAddressKey {
		t.numKernelWaiters++
		t.d.SetSchedulerUpdateNeeded()
	}
	t.waiters = append(t.waiters, nil)
	copy(t.waiters[i+1:], t.waiters[i:])
	t.waiters[i] = w
	w.lockOwner = t
}

func (t *Thread) removeWaiterImpl(w *Thread) {
	i := 0
	for i < len(t.waiters) && t.waiters[i] != w {
		i++
	}
	if i == len(t.waiters) {
		t.d.abort("remove of a thread that is not a waiter", t.activeCore, w)
	}
	if w.kernelAddressKey {
		t.dropKernelWaiter(w)
	}
	copy(t.waiters[i:], t.waiters[i+1:])
	t.waiters[len(t.waiters)-1] = nil
	t.waiters = t.waiters[:len(t.waiters)-1]
	w.lockOwner = nil
}

func (t *Thread) dropKernelWaiter(w *Thread) {
	if t.numKernelWaiters <= 0 {
		t.d.abort("kernel waiter count underflow", t.activeCore, w)
	}
	t.numKernelWaiters--
	t.d.SetSchedulerUpdateNeeded()
}

// RestorePriority sets t's effective priority to the better of its base
// priority and its best waiter's, then carries the change along the chain
// of lock owners. At most PriorityInheritanceCountMax threads are updated
// per call; each records the hop at which it was updated. Lock held.
func (t *Thread) RestorePriority() {
	d := t.d
	d.assertLocked("RestorePriority", t)

	for hop := int32(0); t != nil; hop++ {
		if hop >= PriorityInheritanceCountMax {
			d.log.Debug("priority inheritance chain truncated",
				"thread", t.id,
				"hops", hop,
			)
			return
		}

		priority := t.basePriority
		if len(t.waiters) > 0 {
			priority = min(priority, t.waiters[0].priority)
		}
		if priority == t.priority {
			return
		}

		// Keep the owner's waiter list sorted across the change.
		owner := t.lockOwner
		if owner != nil {
			owner.removeWaiterImpl(t)
		}
		old := t.priority
		t.priority = priority
		t.priorityInheritanceCount = hop
		if owner != nil {
			owner.addWaiterImpl(t)
		}
		d.OnThreadPriorityChanged(t, old)

		t = owner
	}
}
