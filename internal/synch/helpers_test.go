package synch

import (
	"io"
	"log/slog"
	"testing"

	"github.com/e7canasta/ksched/internal/hw"
	"github.com/e7canasta/ksched/internal/kern"
	"github.com/e7canasta/ksched/internal/process"
)

type testEnv struct {
	d     *kern.Domain
	ic    *hw.Controller
	timer *hw.Timer
	p     *process.Process
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ic, err := hw.NewController(1)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	timer := hw.NewTimer()
	d, err := kern.NewDomain(kern.Options{
		NumCores:   1,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Timer:      timer,
		Interrupts: ic,
	})
	if err != nil {
		t.Fatalf("NewDomain failed: %v", err)
	}
	idle, err := d.NewIdleThread(0)
	if err != nil {
		t.Fatalf("NewIdleThread failed: %v", err)
	}
	if err := d.Core(0).Initialize(idle); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	d.Core(0).Activate()
	return &testEnv{d: d, ic: ic, timer: timer, p: process.New("test", 0b1)}
}

func (env *testEnv) core() *kern.Scheduler { return env.d.Core(0) }

func (env *testEnv) spawn(t *testing.T, name string, priority int32) *kern.Thread {
	t.Helper()
	th, err := env.d.NewThread(kern.ThreadParams{Name: name, Process: env.p, Priority: priority})
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	if err := th.Run(env.core()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return th
}

func (env *testEnv) expectRunning(t *testing.T, want *kern.Thread) {
	t.Helper()
	if cur := env.core().CurrentThread(); cur != want {
		t.Fatalf("Expected %s running, got %s", want, cur)
	}
}
