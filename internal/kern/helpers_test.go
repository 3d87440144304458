package kern

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/e7canasta/ksched/internal/trace"
)

type fakeTimer struct {
	tick atomic.Int64
}

func (f *fakeTimer) Tick() int64 {
	return f.tick.Load()
}

func (f *fakeTimer) advance(n int64) {
	f.tick.Add(n)
}

type fakeInterrupts struct {
	handlers [MaxCores]InterruptHandler
	pending  [MaxCores]bool
	raised   []uint64
}

func (f *fakeInterrupts) BindHandler(core int32, vector, priority int, h InterruptHandler) error {
	if f.handlers[core] != nil {
		return errors.New("vector already bound")
	}
	f.handlers[core] = h
	return nil
}

func (f *fakeInterrupts) RaiseOnCore(mask uint64) {
	f.raised = append(f.raised, mask)
	for core := 0; core < MaxCores; core++ {
		if mask&(1<<uint(core)) != 0 {
			f.pending[core] = true
		}
	}
}

// deliver runs the handler of every core with a pending interrupt.
func (f *fakeInterrupts) deliver() {
	for core := int32(0); core < MaxCores; core++ {
		if f.pending[core] {
			f.pending[core] = false
			f.handlers[core].HandleInterrupt(core)
		}
	}
}

type fakeCPU struct {
	switches [][2]Process
	tls      [MaxCores]uint64
}

func (f *fakeCPU) SwitchProcess(prev, next Process) {
	f.switches = append(f.switches, [2]Process{prev, next})
}

func (f *fakeCPU) SetThreadLocalRegion(core int32, addr uint64) {
	f.tls[core] = addr
}

type fakeProcess struct {
	mask      uint64
	scheduled atomic.Int64
	cpuTime   int64
	pinned    [MaxCores]*Thread
	exception *Thread
	running   [MaxCores]*Thread
}

func newFakeProcess(mask uint64) *fakeProcess {
	return &fakeProcess{mask: mask}
}

func (p *fakeProcess) PinnedThread(core int32) *Thread { return p.pinned[core] }
func (p *fakeProcess) ExceptionThread() *Thread        { return p.exception }
func (p *fakeProcess) IncrementScheduledCount()        { p.scheduled.Add(1) }
func (p *fakeProcess) ScheduledCount() int64           { return p.scheduled.Load() }
func (p *fakeProcess) AddCPUTime(ticks int64)          { p.cpuTime += ticks }
func (p *fakeProcess) CoreMask() uint64                { return p.mask }

func (p *fakeProcess) SetRunningThread(core int32, t *Thread, idleCount, switchCount uint64) {
	p.running[core] = t
}

type recordingSink struct {
	mu     sync.Mutex
	events []trace.Event
}

func (r *recordingSink) Publish(e trace.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) kinds(kind trace.Kind) []trace.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []trace.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	d      *Domain
	timer  *fakeTimer
	ic     *fakeInterrupts
	cpu    *fakeCPU
	events *recordingSink
}

func newTestEnv(t *testing.T, cores int) *testEnv {
	t.Helper()
	return newTestEnvWithMap(t, cores, nil)
}

// newTestEnvWithMap builds an activated domain whose virtual core i maps to
// physical core coreMap[i].
func newTestEnvWithMap(t *testing.T, cores int, coreMap []int32) *testEnv {
	t.Helper()
	env := &testEnv{
		timer:  &fakeTimer{},
		ic:     &fakeInterrupts{},
		cpu:    &fakeCPU{},
		events: &recordingSink{},
	}
	d, err := NewDomain(Options{
		NumCores:   cores,
		CoreMap:    coreMap,
		DebugMode:  true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Timer:      env.timer,
		Interrupts: env.ic,
		CPU:        env.cpu,
		Events:     env.events,
	})
	if err != nil {
		t.Fatalf("NewDomain failed: %v", err)
	}
	env.d = d

	for core := int32(0); core < d.NumCores(); core++ {
		idle, err := d.NewIdleThread(core)
		if err != nil {
			t.Fatalf("NewIdleThread(%d) failed: %v", core, err)
		}
		if err := d.Core(core).Initialize(idle); err != nil {
			t.Fatalf("Initialize(%d) failed: %v", core, err)
		}
		d.Core(core).Activate()
	}
	return env
}

// core0 is the calling context used by most tests.
func (env *testEnv) core0() *Scheduler { return env.d.Core(0) }

func (env *testEnv) newThread(t *testing.T, p Process, name string, priority, ideal int32, mask uint64) *Thread {
	t.Helper()
	th, err := env.d.NewThread(ThreadParams{
		Name:         name,
		Process:      p,
		Priority:     priority,
		IdealCore:    ideal,
		AffinityMask: mask,
		TLSAddress:   0x1000 * uint64(priority+1),
	})
	if err != nil {
		t.Fatalf("NewThread(%s) failed: %v", name, err)
	}
	return th
}

// spawn creates and runs a thread, then delivers scheduler interrupts.
func (env *testEnv) spawn(t *testing.T, p Process, name string, priority, ideal int32, mask uint64) *Thread {
	t.Helper()
	th := env.newThread(t, p, name, priority, ideal, mask)
	if err := th.Run(env.core0()); err != nil {
		t.Fatalf("Run(%s) failed: %v", name, err)
	}
	env.ic.deliver()
	return th
}

// highest returns the recompute winner of core.
func (env *testEnv) highest(core int32) *Thread {
	env.d.mu.Lock()
	defer env.d.mu.Unlock()
	return env.d.cores[core].highestPriorityThread
}

// checkMembership asserts that a thread is queued on exactly the cores of
// its affinity mask, and only while it is runnable.
func checkMembership(t *testing.T, d *Domain, threads ...*Thread) {
	t.Helper()
	for _, th := range threads {
		for core := int32(0); core < d.NumCores(); core++ {
			want := th.RawState() == StateRunnable && th.PhysicalAffinity().Has(core)
			if got := d.Queued(th, core); got != want {
				t.Errorf("%s (state %s) queued on core %d = %v, want %v", th, th.RawState(), core, got, want)
			}
		}
	}
}

// checkWinners asserts every core's winner is nil or runnable.
func checkWinners(t *testing.T, env *testEnv) {
	t.Helper()
	for core := int32(0); core < env.d.NumCores(); core++ {
		if h := env.highest(core); h != nil && h.RawState() != StateRunnable {
			t.Errorf("Core %d winner %s is %s, want runnable", core, h, h.RawState())
		}
	}
}

func expectInvariantPanic(t *testing.T, fn func()) *InvariantError {
	t.Helper()
	var got *InvariantError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("Expected panic")
			}
			err, ok := r.(*InvariantError)
			if !ok {
				t.Fatalf("Expected *InvariantError, got %T: %v", r, r)
			}
			got = err
		}()
		fn()
	}()
	return got
}
