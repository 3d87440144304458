package kern

// yieldShortCircuit reports whether nothing can have changed since cur's
// last yield that found nothing to do.
func yieldShortCircuit(cur *Thread) bool {
	return cur.process != nil && cur.yieldScheduleCount == cur.process.ScheduledCount()
}

func recordYieldCookie(cur *Thread) {
	if cur.process != nil {
		cur.yieldScheduleCount = cur.process.ScheduledCount()
	}
}

// YieldWithoutCoreMigration moves the core's current thread to the back of
// its priority level on its own core.
func (s *Scheduler) YieldWithoutCoreMigration() {
	cur := s.currentThread.Load()
	if cur == nil || cur.isIdle() || yieldShortCircuit(cur) {
		return
	}
	d := s.d

	sl := s.Lock()
	defer sl.Unlock()

	if cur.state != StateRunnable || cur.activeCore < 0 {
		return
	}
	next := d.queue.MoveToScheduledBack(cur)
	d.incrementScheduledCount(cur)

	if next != cur {
		d.SetSchedulerUpdateNeeded()
	} else {
		recordYieldCookie(cur)
	}
}

// YieldWithCoreMigration yields like YieldWithoutCoreMigration and also
// pulls in a suggested thread that deserves the core more than whatever
// would run next locally.
func (s *Scheduler) YieldWithCoreMigration() {
	cur := s.currentThread.Load()
	if cur == nil || cur.isIdle() || yieldShortCircuit(cur) {
		return
	}
	d := s.d

	sl := s.Lock()
	defer sl.Unlock()

	core := cur.activeCore
	if cur.state != StateRunnable || core < 0 {
		return
	}

	next := d.queue.MoveToScheduledBack(cur)
	d.incrementScheduledCount(cur)

	recheck := false
	suggested := d.queue.GetSuggestedFront(core)
	for suggested != nil {
		from := suggested.activeCore
		var running *Thread
		if from >= 0 {
			running = d.cores[from].highestPriorityThread
		}
		if running != suggested {
			// Prefer the local next thread over worse suggestions, and over
			// equal ones that have waited less.
			if suggested.priority > cur.priority ||
				(suggested.priority == cur.priority && next != cur && next.lastScheduledTick < suggested.lastScheduledTick) {
				suggested = nil
				break
			}
			if running == nil || running.priority >= HighestCoreMigrationAllowedPriority {
				d.migrate(suggested, core, true)
				d.incrementScheduledCount(suggested)
				break
			}
			recheck = true
		}
		suggested = d.queue.GetSuggestedNext(core, suggested)
	}

	switch {
	case suggested != nil || next != cur:
		d.SetSchedulerUpdateNeeded()
	case !recheck:
		recordYieldCookie(cur)
	}
}

// YieldToAnyThread gives up the current thread's core assignment and lets
// the core pick any suggested thread.
func (s *Scheduler) YieldToAnyThread() {
	cur := s.currentThread.Load()
	if cur == nil || cur.isIdle() || yieldShortCircuit(cur) {
		return
	}
	d := s.d

	sl := s.Lock()
	defer sl.Unlock()

	core := cur.activeCore
	if cur.state != StateRunnable || core < 0 {
		return
	}

	cur.activeCore = NoCore
	d.queue.ChangeCore(core, cur, false)
	d.incrementScheduledCount(cur)

	if d.queue.GetScheduledFront(core) != nil {
		d.SetSchedulerUpdateNeeded()
		return
	}

	suggested := d.queue.GetSuggestedFront(core)
	for suggested != nil {
		from := suggested.activeCore
		var top *Thread
		if from >= 0 {
			top = d.queue.GetScheduledFront(from)
		}
		if top != suggested {
			if top == nil || top.priority >= HighestCoreMigrationAllowedPriority {
				d.migrate(suggested, core, false)
				d.incrementScheduledCount(suggested)
			}
			break
		}
		suggested = d.queue.GetSuggestedNext(core, suggested)
	}

	if suggested != cur {
		d.SetSchedulerUpdateNeeded()
	} else {
		recordYieldCookie(cur)
	}
}
