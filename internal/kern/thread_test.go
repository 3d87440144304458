package kern

import (
	"errors"
	"testing"
)

// TestNewThreadValidation verifies creation parameters are checked before
// anything is allocated.
func TestNewThreadValidation(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b01)

	tests := []struct {
		name   string
		params ThreadParams
		want   error
	}{
		{"priority too low", ThreadParams{Process: p, Priority: 64}, ErrInvalidPriority},
		{"negative priority", ThreadParams{Process: p, Priority: -1}, ErrInvalidPriority},
		{"ideal out of range", ThreadParams{Process: p, Priority: 30, IdealCore: 2}, ErrInvalidCoreID},
		{"mask outside process", ThreadParams{Process: p, Priority: 30, AffinityMask: 0b11}, ErrInvalidCoreID},
		{"ideal not in mask", ThreadParams{Priority: 30, IdealCore: 0, AffinityMask: 0b10}, ErrInvalidCombination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.d.NewThread(tt.params); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	th, err := env.d.NewThread(ThreadParams{Priority: 30, IdealCore: 1})
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	if th.AffinityMask() != 0b10 {
		t.Errorf("Expected mask of the ideal core only, got %#x", th.AffinityMask())
	}
	if th.State() != StateInitialized || !th.IsKernel() {
		t.Errorf("Expected initialized kernel thread, got %s kernel=%v", th.State(), th.IsKernel())
	}
}

// TestRunErrors verifies Run only starts initialized threads.
func TestRunErrors(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	a := env.spawn(t, p, "a", 30, 0, 0)
	if err := a.Run(c); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}

	b := env.newThread(t, p, "b", 30, 0, 0)
	if st := b.RequestTerminate(c); st != StateTerminated {
		t.Fatalf("Expected initialized thread to terminate at once, got %s", st)
	}
	if err := b.Run(c); !errors.Is(err, ErrTerminationRequested) {
		t.Errorf("Expected ErrTerminationRequested, got %v", err)
	}
	if b.Priority() != TerminatingThreadPriority {
		t.Errorf("Expected terminating priority, got %d", b.Priority())
	}
}

// TestRunWhileCallerTerminating verifies a dying thread cannot start
// others.
func TestRunWhileCallerTerminating(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	a := env.spawn(t, p, "a", 30, 0, 0)
	a.RequestTerminate(c)
	if cur := c.CurrentThread(); cur != a {
		t.Fatalf("Expected a still running, got %s", cur)
	}

	b := env.newThread(t, p, "b", 30, 0, 0)
	if err := b.Run(c); !errors.Is(err, ErrTerminationRequested) {
		t.Errorf("Expected ErrTerminationRequested, got %v", err)
	}
	if b.State() != StateInitialized {
		t.Errorf("Expected b untouched, got %s", b.State())
	}
}

// TestRunSuspendedProcessThread verifies a thread whose process is
// suspended starts suspended.
func TestRunSuspendedProcessThread(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.newThread(t, p, "th", 30, 0, 0)
	th.RequestSuspend(c, SuspendProcess)
	if err := th.Run(c); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if th.RawState() != StateRunnable|StateProcessSuspended {
		t.Errorf("Expected runnable+suspended, got %s", th.RawState())
	}
	if cur := c.CurrentThread(); cur != c.IdleThread() {
		t.Errorf("Expected idle, got %s", cur)
	}
	checkMembership(t, env.d, th)

	th.Resume(c, SuspendProcess)
	if cur := c.CurrentThread(); cur != th {
		t.Errorf("Expected th after resume, got %s", cur)
	}
}

// TestSuspendResume verifies suspension removes a thread from scheduling
// until every request is cleared.
func TestSuspendResume(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0)
	th.RequestSuspend(c, SuspendThread)
	th.RequestSuspend(c, SuspendDebug)

	if !th.IsSuspended() {
		t.Fatal("Expected suspended")
	}
	if got := th.RawState().String(); got != "runnable+suspended(thread,debug)" {
		t.Errorf("Unexpected state string %q", got)
	}
	if cur := c.CurrentThread(); cur != c.IdleThread() {
		t.Fatalf("Expected idle, got %s", cur)
	}

	th.Resume(c, SuspendThread)
	if !th.IsSuspended() {
		t.Error("Expected debug suspension to remain")
	}

	th.Resume(c, SuspendDebug)
	if th.IsSuspended() {
		t.Error("Expected no suspension left")
	}
	if cur := c.CurrentThread(); cur != th {
		t.Errorf("Expected th running again, got %s", cur)
	}
	checkMembership(t, env.d, th)
}

// TestKernelThreadIgnoresDebugSuspend verifies debug suspension is not
// allowed on kernel threads.
func TestKernelThreadIgnoresDebugSuspend(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.core0()

	k := env.spawn(t, nil, "k", 30, 0, 0)
	k.RequestSuspend(c, SuspendDebug)

	if !k.IsSuspendRequested() {
		t.Error("Expected request to be recorded")
	}
	if k.IsSuspended() {
		t.Error("Kernel thread must not be debug suspended")
	}
	if cur := c.CurrentThread(); cur != k {
		t.Errorf("Expected k running, got %s", cur)
	}

	k.SetSuspendAllowed(c, SuspendDebug, true)
	if !k.IsSuspended() {
		t.Error("Expected suspension once allowed")
	}
}

// TestSuspendDeferredWhileHoldingKernelLock verifies a thread other threads
// wait on through a kernel lock is not suspended until it releases it.
func TestSuspendDeferredWhileHoldingKernelLock(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	owner := env.spawn(t, p, "owner", 30, 0, 0)
	w := env.newThread(t, p, "w", 20, 0, 0)

	const key = 0x4000
	sl := c.Lock()
	w.SetAddressKey(key, true)
	owner.AddWaiter(w)
	sl.Unlock()

	owner.RequestSuspend(c, SuspendThread)
	if owner.IsSuspended() {
		t.Fatal("Expected suspension to be deferred")
	}

	sl = c.Lock()
	owner.RemoveWaiterByKey(key)
	owner.TrySuspend()
	sl.Unlock()

	if !owner.IsSuspended() {
		t.Error("Expected suspension after releasing the lock")
	}
	if cur := c.CurrentThread(); cur != c.IdleThread() {
		t.Errorf("Expected idle, got %s", cur)
	}
}

// TestContinueIfHasKernelWaiters verifies a suspended owner runs again to
// release a kernel lock.
func TestContinueIfHasKernelWaiters(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	owner := env.spawn(t, p, "owner", 30, 0, 0)
	owner.RequestSuspend(c, SuspendThread)
	w := env.newThread(t, p, "w", 20, 0, 0)

	sl := c.Lock()
	owner.ContinueIfHasKernelWaiters()
	if owner.RawState() != StateRunnable|StateThreadSuspended {
		t.Errorf("Expected no continue without kernel waiters, got %s", owner.RawState())
	}
	w.SetAddressKey(0x5000, true)
	owner.AddWaiter(w)
	owner.ContinueIfHasKernelWaiters()
	sl.Unlock()

	if owner.RawState() != StateRunnable {
		t.Errorf("Expected owner runnable, got %s", owner.RawState())
	}
	if !owner.IsSuspendRequested() {
		t.Error("Expected the request to survive continue")
	}
	if cur := c.CurrentThread(); cur != owner {
		t.Errorf("Expected owner running, got %s", cur)
	}
}

// TestRequestTerminateCancelsWait verifies a waiting thread is woken with
// ErrTerminationRequested and boosted.
func TestRequestTerminateCancelsWait(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0)
	sl := c.Lock()
	th.BeginWait(ThreadQueue{})
	sl.Unlock()

	if st := th.RequestTerminate(c); st != StateRunnable {
		t.Fatalf("Expected runnable after terminate request, got %s", st)
	}
	if !errors.Is(th.WaitResult(), ErrTerminationRequested) {
		t.Errorf("Expected ErrTerminationRequested, got %v", th.WaitResult())
	}
	if th.Priority() != TerminatingThreadPriority {
		t.Errorf("Expected priority %d, got %d", TerminatingThreadPriority, th.Priority())
	}
	if err := th.SetBasePriority(c, 40); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	if th.Priority() != TerminatingThreadPriority {
		t.Errorf("Expected terminating thread not to lose its boost, got %d", th.Priority())
	}
	checkMembership(t, env.d, th)
}

// TestRequestTerminateOverridesSuspension verifies a suspended thread is
// released so it can exit.
func TestRequestTerminateOverridesSuspension(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0)
	th.RequestSuspend(c, SuspendThread)
	th.RequestTerminate(c)

	if th.IsSuspended() {
		t.Error("Expected suspension lifted")
	}
	if cur := c.CurrentThread(); cur != th {
		t.Errorf("Expected th running to exit, got %s", cur)
	}
}

// TestCancelWaitIsIdempotent verifies cancelling a thread that no longer
// waits changes nothing.
func TestCancelWaitIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0)
	sl := c.Lock()
	th.BeginWait(ThreadQueue{})
	sl.Unlock()

	th.CancelWait(c, ErrCancelled)
	if th.State() != StateRunnable {
		t.Fatalf("Expected runnable, got %s", th.State())
	}
	th.CancelWait(c, ErrTimedOut)
	if !errors.Is(th.WaitResult(), ErrCancelled) {
		t.Errorf("Expected first result to stick, got %v", th.WaitResult())
	}
	th.EndWait(c, ErrTimedOut)
	if !errors.Is(th.WaitResult(), ErrCancelled) {
		t.Errorf("Expected EndWait on a runnable thread to be ignored, got %v", th.WaitResult())
	}
}

// TestSetCoreMaskValidation verifies bad masks are rejected untouched.
func TestSetCoreMaskValidation(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b11)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0b01)

	tests := []struct {
		name  string
		ideal int32
		mask  uint64
		want  error
	}{
		{"empty mask", 0, 0, ErrInvalidCombination},
		{"mask beyond cores", 0, 0b101, ErrInvalidCoreID},
		{"ideal out of range", 3, 0b11, ErrInvalidCoreID},
		{"ideal not in mask", 1, 0b01, ErrInvalidCombination},
		{"kept ideal not in mask", IdealCoreNoUpdate, 0b10, ErrInvalidCombination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := th.SetCoreMask(c, tt.ideal, tt.mask); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if th.AffinityMask() != 0b01 || th.IdealCore() != 0 {
		t.Errorf("Expected thread untouched, got mask %#x ideal %d", th.AffinityMask(), th.IdealCore())
	}
}

// TestSetCoreMaskMovesThread verifies a thread leaves a core dropped from
// its mask.
func TestSetCoreMaskMovesThread(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b11)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0b01)
	if err := th.SetCoreMask(c, 1, 0b10); err != nil {
		t.Fatalf("SetCoreMask failed: %v", err)
	}

	if th.ActiveCore() != 1 {
		t.Errorf("Expected active core 1, got %d", th.ActiveCore())
	}
	if cur := c.CurrentThread(); cur != c.IdleThread() {
		t.Errorf("Expected core 0 idle, got %s", cur)
	}
	env.ic.deliver()
	if cur := env.d.Core(1).CurrentThread(); cur != th {
		t.Errorf("Expected core 1 to run th, got %s", cur)
	}
	checkMembership(t, env.d, th)

	if err := th.SetCoreMask(c, IdealCoreDontCare, 0b11); err != nil {
		t.Fatalf("SetCoreMask failed: %v", err)
	}
	if th.VirtualIdealCore() != IdealCoreDontCare {
		t.Errorf("Expected no ideal core, got %d", th.VirtualIdealCore())
	}
	if th.ActiveCore() != 1 {
		t.Errorf("Expected to stay on core 1, got %d", th.ActiveCore())
	}
	checkMembership(t, env.d, th)
}

// TestCoreMapTranslatesVirtualCores verifies virtual ids are mapped to
// physical cores.
func TestCoreMapTranslatesVirtualCores(t *testing.T) {
	env := newTestEnvWithMap(t, 2, []int32{1, 0})
	p := newFakeProcess(0b11)

	th := env.spawn(t, p, "th", 30, 0, 0b01)

	if th.VirtualIdealCore() != 0 || th.IdealCore() != 1 {
		t.Errorf("Expected virtual 0 physical 1, got %d/%d", th.VirtualIdealCore(), th.IdealCore())
	}
	if th.AffinityMask() != 0b10 || th.VirtualAffinity() != 0b01 {
		t.Errorf("Expected physical 0b10 virtual 0b01, got %#x/%#x", th.AffinityMask(), th.VirtualAffinity())
	}
	if cur := env.d.Core(1).CurrentThread(); cur != th {
		t.Errorf("Expected physical core 1 to run th, got %s", cur)
	}
	if env.d.PhysicalCore(1) != 0 || env.d.PhysicalCore(2) != NoCore {
		t.Error("Unexpected core map translation")
	}
}

// TestPinNarrowsAffinity verifies pinning moves a thread to one core,
// blocks thread suspension and is undone by Unpin.
func TestPinNarrowsAffinity(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b11)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0b11)

	sl := c.Lock()
	th.Pin(1)
	sl.Unlock()
	env.ic.deliver()

	if !th.IsPinned() || th.AffinityMask() != 0b10 || th.ActiveCore() != 1 {
		t.Fatalf("Expected pinned to core 1, got pinned=%v mask=%#x core=%d",
			th.IsPinned(), th.AffinityMask(), th.ActiveCore())
	}
	if cur := env.d.Core(1).CurrentThread(); cur != th {
		t.Errorf("Expected core 1 to run th, got %s", cur)
	}
	checkMembership(t, env.d, th)

	th.RequestSuspend(c, SuspendThread)
	if th.IsSuspended() {
		t.Error("Pinned thread must not be thread suspended")
	}

	sl = c.Lock()
	th.Unpin()
	sl.Unlock()

	if th.IsPinned() || th.AffinityMask() != 0b11 {
		t.Errorf("Expected affinity restored, got pinned=%v mask=%#x", th.IsPinned(), th.AffinityMask())
	}
	if !th.IsSuspended() {
		t.Error("Expected pending suspension to apply after unpin")
	}
	checkMembership(t, env.d, th)
}

// TestPinTwicePanics verifies pinning is not nested.
func TestPinTwicePanics(t *testing.T) {
	env := newTestEnv(t, 1)
	p := newFakeProcess(0b1)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 0, 0)
	sl := c.Lock()
	defer sl.Unlock()

	th.Pin(0)
	expectInvariantPanic(t, func() { th.Pin(0) })
}

// TestSetCoreMaskWaitsForUnpin verifies a caller that moves a pinned,
// running thread off its core waits until the thread is unpinned.
func TestSetCoreMaskWaitsForUnpin(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b11)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 1, 0b11)
	caller := env.spawn(t, p, "caller", 20, 0, 0b01)

	sl := c.Lock()
	th.Pin(1)
	sl.Unlock()
	env.ic.deliver()
	if cur := env.d.Core(1).CurrentThread(); cur != th {
		t.Fatalf("Expected core 1 to run th, got %s", cur)
	}

	if err := th.SetCoreMask(c, 0, 0b01); err != nil {
		t.Fatalf("SetCoreMask failed: %v", err)
	}
	if caller.State() != StateWaiting {
		t.Fatalf("Expected caller to wait for unpin, got %s", caller.State())
	}
	if th.AffinityMask() != 0b10 {
		t.Errorf("Expected pinned mask kept, got %#x", th.AffinityMask())
	}

	sl = c.Lock()
	th.Unpin()
	sl.Unlock()

	if caller.State() != StateRunnable {
		t.Errorf("Expected caller woken, got %s", caller.State())
	}
	if th.AffinityMask() != 0b01 || th.ActiveCore() != 0 {
		t.Errorf("Expected saved mask applied, got mask %#x core %d", th.AffinityMask(), th.ActiveCore())
	}
	checkMembership(t, env.d, th, caller)
	checkWinners(t, env)
}

// TestSetCoreMaskWithoutCallerDoesNotWait verifies a request made on behalf
// of no thread saves the mask for Unpin and leaves the core's running thread
// alone.
func TestSetCoreMaskWithoutCallerDoesNotWait(t *testing.T) {
	env := newTestEnv(t, 2)
	p := newFakeProcess(0b11)
	c := env.core0()

	th := env.spawn(t, p, "th", 30, 1, 0b11)
	bystander := env.spawn(t, p, "bystander", 20, 0, 0b01)

	sl := c.Lock()
	th.Pin(1)
	sl.Unlock()
	env.ic.deliver()
	if cur := c.CurrentThread(); cur != bystander {
		t.Fatalf("Expected core 0 to run bystander, got %s", cur)
	}

	if err := th.SetCoreMaskFor(c, nil, 0, 0b01); err != nil {
		t.Fatalf("SetCoreMaskFor failed: %v", err)
	}
	env.ic.deliver()

	if bystander.State() != StateRunnable {
		t.Fatalf("Expected bystander runnable, got %s", bystander.State())
	}
	if cur := c.CurrentThread(); cur != bystander {
		t.Errorf("Expected core 0 to keep bystander, got %s", cur)
	}
	if th.AffinityMask() != 0b10 {
		t.Errorf("Expected pinned mask kept, got %#x", th.AffinityMask())
	}
	if len(th.pinnedWaiters) != 0 {
		t.Errorf("Expected no pinned waiters, got %d", len(th.pinnedWaiters))
	}

	sl = c.Lock()
	th.Unpin()
	sl.Unlock()

	if th.AffinityMask() != 0b01 || th.ActiveCore() != 0 {
		t.Errorf("Expected saved mask applied, got mask %#x core %d", th.AffinityMask(), th.ActiveCore())
	}
	checkMembership(t, env.d, th, bystander)
	checkWinners(t, env)
}

// TestPinnedThreadSubstitution verifies a process's pinned thread takes
// the core from its other threads.
func TestPinnedThreadSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(p *fakeProcess, top, pinned *Thread)
		wantTop  bool
		wantIdle bool
	}{
		{"pinned runs", func(p *fakeProcess, top, pinned *Thread) {}, false, false},
		{"exception thread keeps core", func(p *fakeProcess, top, pinned *Thread) { p.exception = top }, true, false},
		{"kernel waiters keep core", func(p *fakeProcess, top, pinned *Thread) { top.numKernelWaiters = 1 }, true, false},
		{"blocked pinned idles", func(p *fakeProcess, top, pinned *Thread) { pinned.BeginWait(ThreadQueue{}) }, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1)
			p := newFakeProcess(0b1)
			c := env.core0()

			top := env.spawn(t, p, "top", 20, 0, 0)
			pinned := env.spawn(t, p, "pinned", 30, 0, 0)

			sl := c.Lock()
			tt.setup(p, top, pinned)
			p.pinned[0] = pinned
			env.d.SetSchedulerUpdateNeeded()
			sl.Unlock()

			var want *Thread
			switch {
			case tt.wantTop:
				want = top
			case !tt.wantIdle:
				want = pinned
			}
			if h := env.highest(0); h != want {
				t.Errorf("Expected winner %s, got %s", want, h)
			}
		})
	}
}
