package kern

// CoreStatus is a point-in-time view of one core.
type CoreStatus struct {
	Core            int32  `json:"core"`
	Active          bool   `json:"active"`
	CurrentThread   uint64 `json:"current_thread"`
	CurrentName     string `json:"current_name"`
	HighestThread   uint64 `json:"highest_thread,omitempty"`
	PrevThread      uint64 `json:"prev_thread,omitempty"`
	SwitchCount     uint64 `json:"switch_count"`
	IdleCount       uint64 `json:"idle_count"`
	NeedsScheduling bool   `json:"needs_scheduling"`
}

// ThreadStatus is a point-in-time view of one thread.
type ThreadStatus struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	Priority     int32  `json:"priority"`
	BasePriority int32  `json:"base_priority"`
	State        string `json:"state"`
	ActiveCore   int32  `json:"active_core"`
	CurrentCore  int32  `json:"current_core"`
	AffinityMask uint64 `json:"affinity_mask"`
	CPUTime      int64  `json:"cpu_time"`
	Pinned       bool   `json:"pinned"`
	LockOwner    uint64 `json:"lock_owner,omitempty"`
	Waiters      int    `json:"waiters"`
}

// CoreStatus returns a view of every core. It takes the domain mutex and
// must not be called while holding the scheduler lock.
func (d *Domain) CoreStatus() []CoreStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CoreStatus, 0, d.numCores)
	for core := int32(0); core < d.numCores; core++ {
		s := d.cores[core]
		st := CoreStatus{
			Core:            core,
			Active:          s.active.Load(),
			SwitchCount:     s.switchCount,
			IdleCount:       s.idleCount,
			NeedsScheduling: s.needsScheduling.Load(),
		}
		if cur := s.currentThread.Load(); cur != nil {
			st.CurrentThread = cur.id
			st.CurrentName = cur.name
		}
		if s.highestPriorityThread != nil {
			st.HighestThread = s.highestPriorityThread.id
		}
		if prev := s.prevThread.Load(); prev != nil {
			st.PrevThread = prev.id
		}
		out = append(out, st)
	}
	return out
}

// ThreadStatus returns a view of t. Same locking rule as CoreStatus.
func (d *Domain) ThreadStatus(t *Thread) ThreadStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := ThreadStatus{
		ID:           t.id,
		Name:         t.name,
		Priority:     t.priority,
		BasePriority: t.basePriority,
		State:        t.state.String(),
		ActiveCore:   t.activeCore,
		CurrentCore:  t.currentCore,
		AffinityMask: uint64(t.physicalAffinity),
		CPUTime:      t.cpuTimeTotal,
		Pinned:       t.pinned,
		Waiters:      len(t.waiters),
	}
	if t.lockOwner != nil {
		st.LockOwner = t.lockOwner.id
	}
	return st
}
