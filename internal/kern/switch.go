package kern

import "github.com/e7canasta/ksched/internal/trace"

// SwitchThread makes next the core's current thread; nil selects the idle
// thread. The caller must not hold the scheduler lock, and next must not be
// current on another core.
func (s *Scheduler) SwitchThread(next *Thread) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.switchThreadLocked(next)
}

func (s *Scheduler) switchThreadLocked(next *Thread) {
	d := s.d
	if next == nil {
		next = s.idleThread
	}

	cur := s.currentThread.Load()
	if next == cur {
		next.currentCore = s.coreID
		return
	}
	if next.currentCore != s.coreID {
		if other := d.Core(next.currentCore); other != nil && other.currentThread.Load() == next {
			d.abort("switch to a thread running on another core", s.coreID, next)
		}
		next.currentCore = s.coreID
	}

	tick := d.timer.Tick()
	elapsed := tick - s.lastContextSwitchTime
	cur.addCPUTime(s.coreID, elapsed)
	curProcess := cur.process
	if curProcess != nil {
		curProcess.AddCPUTime(elapsed)
	}
	s.lastContextSwitchTime = tick

	if curProcess != nil {
		if !cur.terminationRequested && cur.activeCore == s.coreID {
			s.prevThread.Store(cur)
		} else {
			s.prevThread.Store(nil)
		}
	}

	if next.process != curProcess {
		d.cpu.SwitchProcess(curProcess, next.process)
	}

	s.currentThread.Store(next)
	s.switchCount++
	d.cpu.SetThreadLocalRegion(s.coreID, next.tlsAddress)

	d.log.Debug("context switch",
		"core", s.coreID,
		"from", cur.id,
		"to", next.id,
		"elapsed", elapsed,
	)
	if d.events != nil {
		e := trace.NewEvent(trace.KindSwitch, tick, s.coreID)
		e.ThreadID = next.id
		e.PrevThreadID = cur.id
		e.Priority = next.priority
		d.events.Publish(e)
	}
}
