package kern

import "fmt"

// setState replaces the base state, keeping the suspend flags. Lock held.
func (t *Thread) setState(state State) {
	old := t.state
	t.state = (old &^ StateMask) | (state & StateMask)
	if t.state != old {
		t.d.OnThreadStateChanged(t, old)
	}
}

// updateState folds the effective suspend flags into the raw state.
func (t *Thread) updateState() {
	old := t.state
	t.state = t.suspendFlags() | (old & StateMask)
	if t.state != old {
		t.d.OnThreadStateChanged(t, old)
	}
}

// Run starts an Initialized thread. c is the calling core.
func (t *Thread) Run(c *Scheduler) error {
	sl := c.Lock()
	defer sl.Unlock()

	if t.terminationRequested {
		return ErrTerminationRequested
	}
	if cur := c.currentThread.Load(); cur != nil && cur.terminationRequested {
		return ErrTerminationRequested
	}
	if t.State() != StateInitialized {
		return fmt.Errorf("kern: run %s in state %s: %w", t, t.state, ErrInvalidState)
	}

	if t.process != nil && t.IsSuspended() {
		t.updateState()
	}
	t.setState(StateRunnable)
	return nil
}

// Exit terminates the calling thread. Every suspension is disallowed so the
// thread cannot be held back on its way out.
func (t *Thread) Exit(c *Scheduler) {
	sl := c.Lock()
	defer sl.Unlock()

	t.suspendAllowed = 0
	t.updateState()
	t.setState(StateTerminated)
	t.d.log.Debug("thread exited", "thread", t.id, "core", c.coreID)
}

// RequestTerminate asks t to terminate and returns its state afterwards. An
// Initialized thread terminates immediately; a waiting one has its wait
// cancelled with ErrTerminationRequested.
func (t *Thread) RequestTerminate(c *Scheduler) State {
	sl := c.Lock()
	defer sl.Unlock()

	if t.terminationRequested {
		return t.State()
	}
	t.terminationRequested = true

	if t.State() == StateInitialized {
		t.priority = TerminatingThreadPriority
		t.basePriority = TerminatingThreadPriority
		t.setState(StateTerminated)
		return t.State()
	}

	if t.IsSuspended() {
		t.suspendAllowed = 0
		t.updateState()
	}

	t.increaseBasePriority(TerminatingThreadPriority)

	if t.state == StateWaiting && t.waitQueue != nil {
		t.waitQueue.CancelWait(t, ErrTerminationRequested)
	}
	return t.State()
}

func (t *Thread) increaseBasePriority(priority int32) {
	if t.basePriority > priority {
		t.basePriority = priority
		t.RestorePriority()
	}
}

// RequestSuspend records a suspension request of kind and applies it unless
// t holds a kernel lock others are waiting on.
func (t *Thread) RequestSuspend(c *Scheduler, kind SuspendType) {
	sl := c.Lock()
	defer sl.Unlock()

	t.suspendRequested |= kind.Flag()
	t.TrySuspend()
}

// Resume clears a suspension request of kind.
func (t *Thread) Resume(c *Scheduler, kind SuspendType) {
	sl := c.Lock()
	defer sl.Unlock()

	t.suspendRequested &^= kind.Flag()
	t.updateState()
}

// SetSuspendAllowed allows or disallows suspensions of kind.
func (t *Thread) SetSuspendAllowed(c *Scheduler, kind SuspendType, allowed bool) {
	sl := c.Lock()
	defer sl.Unlock()

	if allowed {
		t.suspendAllowed |= kind.Flag()
	} else {
		t.suspendAllowed &^= kind.Flag()
	}
	t.updateState()
}

// TrySuspend applies pending suspensions unless t has kernel waiters. Lock
// held.
func (t *Thread) TrySuspend() {
	t.d.assertLocked("TrySuspend", t)
	if !t.IsSuspendRequested() || t.numKernelWaiters > 0 {
		return
	}
	t.updateState()
}

// Continue clears the suspend flags from the raw state without dropping the
// requests. Lock held.
func (t *Thread) Continue() {
	t.d.assertLocked("Continue", t)
	old := t.state
	t.state = old & StateMask
	if t.state != old {
		t.d.OnThreadStateChanged(t, old)
	}
}

// ContinueIfHasKernelWaiters lets a suspended t run long enough to release
// kernel locks others are blocked on. Lock held.
func (t *Thread) ContinueIfHasKernelWaiters() {
	if t.numKernelWaiters > 0 {
		t.Continue()
	}
}

// SetBasePriority changes t's base priority and re-derives its effective
// priority.
func (t *Thread) SetBasePriority(c *Scheduler, priority int32) error {
	if priority < HighestThreadPriority || priority > LowestThreadPriority {
		return fmt.Errorf("kern: set priority %d on %s: %w", priority, t, ErrInvalidPriority)
	}

	sl := c.Lock()
	defer sl.Unlock()

	if t.terminationRequested && priority >= TerminatingThreadPriority {
		priority = TerminatingThreadPriority
	}
	t.basePriority = priority
	t.RestorePriority()
	return nil
}

// SetCoreMask changes t's virtual ideal core and affinity mask. The request
// is validated before anything is changed. While t is pinned, the new
// values are saved for Unpin; if t is running outside the new mask, the
// thread running on c waits until t is unpinned.
func (t *Thread) SetCoreMask(c *Scheduler, idealCore int32, mask uint64) error {
	return t.SetCoreMaskFor(c, c.currentThread.Load(), idealCore, mask)
}

// SetCoreMaskFor is SetCoreMask on behalf of caller, the thread that waits
// for the unpin. A nil caller never waits; requests that do not come from
// a thread, such as an operator's, pass nil.
func (t *Thread) SetCoreMaskFor(c *Scheduler, caller *Thread, idealCore int32, mask uint64) error {
	d := t.d

	allowed := uint64(AllCores(int(d.numCores)))
	if t.process != nil {
		allowed &= t.process.CoreMask()
	}
	if mask == 0 {
		return fmt.Errorf("kern: empty core mask for %s: %w", t, ErrInvalidCombination)
	}
	if mask&^allowed != 0 {
		return fmt.Errorf("kern: core mask %#x outside %#x for %s: %w", mask, allowed, t, ErrInvalidCoreID)
	}
	switch {
	case idealCore == IdealCoreDontCare || idealCore == IdealCoreNoUpdate:
	case idealCore < 0 || idealCore >= d.numCores:
		return fmt.Errorf("kern: ideal core %d for %s: %w", idealCore, t, ErrInvalidCoreID)
	case mask&(1<<uint(idealCore)) == 0:
		return fmt.Errorf("kern: ideal core %d not in %#x: %w", idealCore, mask, ErrInvalidCombination)
	}

	sl := c.Lock()
	defer sl.Unlock()

	if idealCore == IdealCoreNoUpdate {
		idealCore = t.virtualIdealCore
		if idealCore >= 0 && mask&(1<<uint(idealCore)) == 0 {
			return fmt.Errorf("kern: kept ideal core %d not in %#x: %w", idealCore, mask, ErrInvalidCombination)
		}
	} else {
		t.virtualIdealCore = idealCore
	}
	t.virtualAffinity = AffinityMask(mask)

	physIdeal := idealCore
	if physIdeal >= 0 {
		physIdeal = d.coreMap[physIdeal]
	}
	physMask := d.physicalMask(mask)

	if t.coreMigrationDisables == 0 {
		oldMask := t.physicalAffinity
		t.physicalIdealCore = physIdeal
		t.physicalAffinity = physMask
		if physMask != oldMask {
			oldCore := t.activeCore
			if oldCore >= 0 && !physMask.Has(oldCore) {
				if physIdeal >= 0 {
					t.activeCore = physIdeal
				} else {
					t.activeCore = physMask.Highest()
				}
			}
			d.OnThreadAffinityMaskChanged(t, oldMask, oldCore)
		}
	} else {
		t.originalPhysicalIdealCore = physIdeal
		t.originalPhysicalAffinity = physMask
	}

	if t.terminationRequested {
		return nil
	}
	for core := int32(0); core < d.numCores; core++ {
		if d.cores[core].currentThread.Load() != t {
			continue
		}
		if !physMask.Has(core) && t.pinned {
			if caller == nil || caller == t || caller.isIdle() {
				break
			}
			if caller.terminationRequested {
				return ErrTerminationRequested
			}
			t.pinnedWaiters = append(t.pinnedWaiters, caller)
			caller.BeginWait(&pinnedWaitQueue{owner: t})
		}
		break
	}
	return nil
}

// BeginWait blocks t on q. Lock held.
func (t *Thread) BeginWait(q WaitQueue) {
	t.d.assertLocked("BeginWait", t)
	t.setState(StateWaiting)
	t.waitQueue = q
}

// EndWait completes t's wait with result. It does nothing unless t is
// waiting.
func (t *Thread) EndWait(c *Scheduler, result error) {
	sl := c.Lock()
	defer sl.Unlock()

	if t.State() == StateWaiting && t.waitQueue != nil {
		t.waitQueue.EndWait(t, result)
	}
}

// CancelWait aborts t's wait with result. Cancelling a thread that is not
// waiting is a no-op.
func (t *Thread) CancelWait(c *Scheduler, result error) {
	sl := c.Lock()
	defer sl.Unlock()

	if t.State() == StateWaiting && t.waitQueue != nil {
		t.waitQueue.CancelWait(t, result)
	}
}

// Pin binds t to core for debugging: its affinity is narrowed to core,
// core migration is disabled and Thread suspension is disallowed. Lock
// held.
func (t *Thread) Pin(core int32) {
	d := t.d
	d.assertLocked("Pin", t)
	if core < 0 || core >= d.numCores {
		d.abort("pin to invalid core", core, t)
	}
	if t.coreMigrationDisables != 0 {
		d.abort("pin with core migration already disabled", core, t)
	}

	t.pinned = true
	t.coreMigrationDisables++
	t.originalPhysicalIdealCore = t.physicalIdealCore
	t.originalPhysicalAffinity = t.physicalAffinity

	oldCore := t.activeCore
	t.activeCore = core
	t.physicalIdealCore = core
	t.physicalAffinity = 1 << uint(core)
	if oldCore != core || t.physicalAffinity != t.originalPhysicalAffinity {
		d.OnThreadAffinityMaskChanged(t, t.originalPhysicalAffinity, oldCore)
	}

	t.suspendAllowed &^= SuspendThread.Flag()
	t.updateState()
}

// Unpin restores the affinity saved by Pin, allows Thread suspension again
// and wakes the threads that waited for the unpin. Lock held.
func (t *Thread) Unpin() {
	d := t.d
	d.assertLocked("Unpin", t)
	if !t.pinned || t.coreMigrationDisables != 1 {
		d.abort("unpin of a thread that is not pinned", t.activeCore, t)
	}

	t.pinned = false
	t.coreMigrationDisables--

	oldMask := t.physicalAffinity
	t.physicalIdealCore = t.originalPhysicalIdealCore
	t.physicalAffinity = t.originalPhysicalAffinity
	if t.physicalAffinity != oldMask {
		oldCore := t.activeCore
		if !t.physicalAffinity.Has(oldCore) {
			if t.physicalIdealCore >= 0 {
				t.activeCore = t.physicalIdealCore
			} else {
				t.activeCore = t.physicalAffinity.Highest()
			}
		}
		d.OnThreadAffinityMaskChanged(t, oldMask, oldCore)
	}

	if !t.terminationRequested {
		t.suspendAllowed |= SuspendThread.Flag()
		t.updateState()
	}

	waiters := t.pinnedWaiters
	t.pinnedWaiters = nil
	for _, w := range waiters {
		if w.State() == StateWaiting && w.waitQueue != nil {
			w.waitQueue.EndWait(w, nil)
		}
	}
}

// SetAddressKey records the key of the lock t is about to wait on. Kernel
// keys count toward the owner's kernel waiters. Lock held.
func (t *Thread) SetAddressKey(key uint64, kernel bool) {
	t.addressKey = key
	t.kernelAddressKey = kernel
}

// AddressKey returns the key set by SetAddressKey.
func (t *Thread) AddressKey() uint64 { return t.addressKey }
