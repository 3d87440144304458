package sim

import "github.com/e7canasta/ksched/internal/kern"

// ThreadStatus is a thread's scheduler view plus its program position.
type ThreadStatus struct {
	kern.ThreadStatus
	Process   string `json:"process,omitempty"`
	PC        int32  `json:"pc"`
	Op        string `json:"op,omitempty"`
	Finalized bool   `json:"finalized"`
}

// CoreStats counts how the core spent its ticks.
type CoreStats struct {
	kern.CoreStatus
	IdleTicks uint64 `json:"idle_ticks"`
	BusyTicks uint64 `json:"busy_ticks"`
	Raised    uint64 `json:"interrupts_raised"`
}

// ProcessStatus summarizes one process.
type ProcessStatus struct {
	Name           string `json:"name"`
	CPUTime        int64  `json:"cpu_time"`
	ScheduledCount int64  `json:"scheduled_count"`
}

// Status is a point-in-time view of the simulator.
type Status struct {
	RunID           string          `json:"run_id"`
	Tick            int64           `json:"tick"`
	Running         bool            `json:"running"`
	ProcessSwitches uint64          `json:"process_switches"`
	Cores           []CoreStats     `json:"cores"`
	Threads         []ThreadStatus  `json:"threads"`
	Processes       []ProcessStatus `json:"processes"`
}

// Status collects the simulator state. It must not be called from a core
// handler while the scheduler lock is held.
func (s *Simulator) Status() Status {
	st := Status{
		RunID:           s.runID,
		Tick:            s.timer.Tick(),
		Running:         s.running.Load(),
		ProcessSwitches: s.cpu.ProcessSwitches(),
	}

	for _, cs := range s.domain.CoreStatus() {
		cr := s.cores[cs.Core]
		st.Cores = append(st.Cores, CoreStats{
			CoreStatus: cs,
			IdleTicks:  cr.idle.Load(),
			BusyTicks:  cr.busy.Load(),
			Raised:     s.ic.Raised(cs.Core),
		})
	}

	for _, t := range s.tasks {
		st.Threads = append(st.Threads, ThreadStatus{
			ThreadStatus: s.domain.ThreadStatus(t.thread),
			Process:      t.process,
			PC:           t.pc.Load(),
			Op:           t.op(),
			Finalized:    t.finalized.Load(),
		})
	}

	for _, p := range s.processes {
		st.Processes = append(st.Processes, ProcessStatus{
			Name:           p.Name(),
			CPUTime:        p.CPUTime(),
			ScheduledCount: p.ScheduledCount(),
		})
	}
	return st
}

// StatusMap is Status in the shape the control plane answers with.
func (s *Simulator) StatusMap() map[string]interface{} {
	st := s.Status()
	alive := 0
	for _, t := range st.Threads {
		if !t.Finalized {
			alive++
		}
	}
	return map[string]interface{}{
		"run_id":           st.RunID,
		"tick":             st.Tick,
		"running":          st.Running,
		"threads_alive":    alive,
		"process_switches": st.ProcessSwitches,
		"cores":            st.Cores,
		"threads":          st.Threads,
		"processes":        st.Processes,
	}
}
