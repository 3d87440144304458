package sim

import (
	"testing"

	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/kern"
)

func newSim(t *testing.T, yaml string) *Simulator {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *Simulator) mustThread(t *testing.T, name string) *kern.Thread {
	t.Helper()
	th, ok := s.Thread(name)
	if !ok {
		t.Fatalf("Expected thread %q", name)
	}
	return th
}

// stepUntil steps until cond holds and returns the number of steps taken.
func stepUntil(t *testing.T, s *Simulator, max int, cond func() bool) int {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return i
		}
		s.Step()
	}
	if !cond() {
		t.Fatalf("Condition not reached after %d steps", max)
	}
	return max
}

func running(s *Simulator, core int32) string {
	return s.Domain().Core(core).CurrentThread().Name()
}
