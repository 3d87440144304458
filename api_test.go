package ksched_test

import (
	"errors"
	"testing"

	"github.com/e7canasta/ksched"
)

// bootDomain builds a domain with simulated collaborators and active cores.
func bootDomain(t *testing.T, cores int) (*ksched.Domain, *ksched.InterruptDispatcher) {
	t.Helper()
	ic, err := ksched.NewInterruptController(cores)
	if err != nil {
		t.Fatalf("NewInterruptController() should succeed: %v", err)
	}
	d, err := ksched.NewDomain(ksched.Options{
		NumCores:   cores,
		Timer:      ksched.NewTimer(),
		Interrupts: ic,
		Events:     ksched.NewEventBus(),
	})
	if err != nil {
		t.Fatalf("NewDomain() should succeed: %v", err)
	}
	for core := int32(0); core < int32(cores); core++ {
		idle, err := d.NewIdleThread(core)
		if err != nil {
			t.Fatalf("NewIdleThread() should succeed: %v", err)
		}
		if err := d.Core(core).Initialize(idle); err != nil {
			t.Fatalf("Initialize() should succeed: %v", err)
		}
	}
	for core := int32(0); core < int32(cores); core++ {
		d.Core(core).Activate()
	}
	return d, ic
}

func TestPublicAPI_NewDomain(t *testing.T) {
	_, err := ksched.NewDomain(ksched.Options{NumCores: ksched.MaxCores + 1})
	if err == nil {
		t.Error("NewDomain() should reject too many cores")
	}

	d, _ := bootDomain(t, 2)
	if d.NumCores() != 2 {
		t.Errorf("NumCores() should be 2, got %d", d.NumCores())
	}
	if ksched.AllCores(2) != 0b11 {
		t.Errorf("AllCores(2) should be 0b11, got %#b", ksched.AllCores(2))
	}
}

func TestPublicAPI_RunAndPreempt(t *testing.T) {
	d, _ := bootDomain(t, 1)
	c := d.Core(0)
	p := ksched.NewProcess("app", 0b1)

	low, err := d.NewThread(ksched.ThreadParams{Name: "low", Process: p, Priority: 40})
	if err != nil {
		t.Fatalf("NewThread() should succeed: %v", err)
	}
	high, _ := d.NewThread(ksched.ThreadParams{Name: "high", Process: p, Priority: 10})

	if err := low.Run(c); err != nil {
		t.Fatalf("Run() should succeed: %v", err)
	}
	if c.CurrentThread() != low {
		t.Fatalf("low should run, got %s", c.CurrentThread())
	}
	if err := high.Run(c); err != nil {
		t.Fatalf("Run() should succeed: %v", err)
	}
	if c.CurrentThread() != high {
		t.Errorf("high should preempt low, got %s", c.CurrentThread())
	}
	if err := high.Run(c); !errors.Is(err, ksched.ErrInvalidState) {
		t.Errorf("second Run() should return ErrInvalidState, got %v", err)
	}
	if err := high.SetBasePriority(c, ksched.IdleThreadPriority); !errors.Is(err, ksched.ErrInvalidPriority) {
		t.Errorf("idle priority should return ErrInvalidPriority, got %v", err)
	}
}

func TestPublicAPI_LightLock(t *testing.T) {
	d, _ := bootDomain(t, 1)
	c := d.Core(0)
	p := ksched.NewProcess("app", 0b1)

	owner, _ := d.NewThread(ksched.ThreadParams{Name: "owner", Process: p, Priority: 40})
	owner.Run(c)
	l := ksched.NewLightLock("l", 0x1000)
	if !l.Lock(c, owner) {
		t.Fatal("Lock() on a free lock should succeed")
	}

	waiter, _ := d.NewThread(ksched.ThreadParams{Name: "waiter", Process: p, Priority: 10})
	waiter.Run(c)
	if l.Lock(c, waiter) {
		t.Fatal("Lock() on a held lock should block")
	}
	if owner.Priority() != 10 {
		t.Errorf("owner should inherit priority 10, got %d", owner.Priority())
	}

	if err := l.Unlock(c, waiter); !errors.Is(err, ksched.ErrNotOwner) {
		t.Errorf("Unlock() by non-owner should return ErrNotOwner, got %v", err)
	}
	if err := l.Unlock(c, owner); err != nil {
		t.Fatalf("Unlock() should succeed: %v", err)
	}
	if l.Owner() != waiter || c.CurrentThread() != waiter {
		t.Errorf("lock and core should pass to waiter, got %s/%s", l.Owner(), c.CurrentThread())
	}
}

func TestPublicAPI_Simulator(t *testing.T) {
	cfg, err := ksched.LoadConfig("config/kschedd.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should accept the shipped config: %v", err)
	}
	s, err := ksched.NewSimulator(cfg)
	if err != nil {
		t.Fatalf("NewSimulator() should succeed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 200; i++ {
		s.Step()
	}
	st := s.Status()
	if st.Tick != 200 {
		t.Errorf("Status().Tick should be 200, got %d", st.Tick)
	}
	if len(st.Cores) != 4 || len(st.Threads) != 4 {
		t.Errorf("expected 4 cores and 4 threads, got %d/%d", len(st.Cores), len(st.Threads))
	}
	if err := s.SuspendThread("missing"); !errors.Is(err, ksched.ErrUnknownThread) {
		t.Errorf("unknown thread should return ErrUnknownThread, got %v", err)
	}
}
