package kern

import "github.com/e7canasta/ksched/internal/trace"

func (d *Domain) updateHighestPriorityThreads() uint64 {
	if !d.updateNeeded {
		return 0
	}
	return d.updateHighestPriorityThreadsImpl()
}

// updateHighestPriorityThreadsImpl selects the winner of every core, pulls
// work onto idle cores and returns the mask of cores whose winner changed.
// It runs with the domain mutex held, once per outermost unlock.
func (d *Domain) updateHighestPriorityThreadsImpl() uint64 {
	d.updateNeeded = false

	var (
		notify    uint64
		idle      uint64
		topByCore [MaxCores]*Thread
	)

	for core := int32(0); core < d.numCores; core++ {
		top := d.queue.GetScheduledFront(core)
		if top != nil {
			top = d.pinnedSubstitute(core, top)
		} else {
			idle |= 1 << uint(core)
		}
		topByCore[core] = top
		notify |= d.cores[core].updateHighestPriorityThread(top)
	}

	for idle != 0 {
		core := AffinityMask(idle).lowest()
		idle &^= 1 << uint(core)

		suggested := d.queue.GetSuggestedFront(core)
		if suggested == nil {
			continue
		}

		var candidates []int32
		for suggested != nil {
			from := suggested.activeCore
			var top *Thread
			if from >= 0 {
				top = topByCore[from]
			}
			if top != suggested {
				if top != nil && top.priority < HighestCoreMigrationAllowedPriority {
					break
				}
				d.migrate(suggested, core, false)
				topByCore[core] = suggested
				notify |= d.cores[core].updateHighestPriorityThread(suggested)
				break
			}
			candidates = append(candidates, from)
			suggested = d.queue.GetSuggestedNext(core, suggested)
		}

		// Every suggestion is its own core's winner: move a winner here if
		// its core has a runner-up to fall back on. First candidate wins.
		if suggested == nil {
			for _, candidate := range candidates {
				winner := topByCore[candidate]
				runnerUp := d.queue.GetScheduledNext(candidate, winner)
				if runnerUp == nil {
					continue
				}
				topByCore[candidate] = runnerUp
				notify |= d.cores[candidate].updateHighestPriorityThread(runnerUp)

				d.migrate(winner, core, false)
				topByCore[core] = winner
				notify |= d.cores[core].updateHighestPriorityThread(winner)
				break
			}
		}
	}

	return notify
}

// pinnedSubstitute applies debug pinning: when top's process has a
// different thread pinned to core, that thread runs instead, unless top
// holds a kernel lock others wait on or handles the process's exceptions.
// A pinned thread that is not runnable leaves the core idle.
func (d *Domain) pinnedSubstitute(core int32, top *Thread) *Thread {
	p := top.process
	if p == nil {
		return top
	}
	pinned := p.PinnedThread(core)
	if pinned == nil || pinned == top {
		return top
	}
	if top.numKernelWaiters != 0 || top == p.ExceptionThread() {
		return top
	}
	if pinned.state == StateRunnable {
		return pinned
	}
	return nil
}

// updateHighestPriorityThread records highest as the core's winner and
// returns the core's bit if it changed.
func (s *Scheduler) updateHighestPriorityThread(highest *Thread) uint64 {
	prev := s.highestPriorityThread
	if prev == highest {
		return 0
	}
	if prev != nil {
		s.d.incrementScheduledCount(prev)
		prev.lastScheduledTick = s.d.timer.Tick()
	}
	if s.shouldCountIdle {
		if highest != nil {
			if p := highest.process; p != nil {
				p.SetRunningThread(s.coreID, highest, s.idleCount, s.switchCount)
			}
		} else {
			s.idleCount++
		}
	}
	s.highestPriorityThread = highest
	s.needsScheduling.Store(true)
	return 1 << uint(s.coreID)
}

// migrate assigns t to core and moves it onto core's scheduled list.
func (d *Domain) migrate(t *Thread, core int32, toFront bool) {
	from := t.activeCore
	t.activeCore = core
	d.queue.ChangeCore(from, t, toFront)

	d.log.Debug("thread migrated",
		"thread", t.id,
		"from", from,
		"to", core,
		"priority", t.priority,
	)
	if d.events != nil {
		e := trace.NewEvent(trace.KindMigrate, d.timer.Tick(), core)
		e.ThreadID = t.id
		e.FromCore = from
		e.Priority = t.priority
		d.events.Publish(e)
	}
}

// RotateScheduledQueue moves the front thread of core's priority level to
// the back, then tries to pull a suggested thread of the same priority, and
// failing that of a better priority, onto core. It is called on quantum
// expiry with the lock held by the expiring core.
func (d *Domain) RotateScheduledQueue(core, priority int32) {
	d.assertLocked("RotateScheduledQueue", nil)
	if core < 0 || core >= d.numCores {
		d.abort("rotate on invalid core", core, nil)
	}
	caller := d.owner.Load().currentThread.Load()

	top := d.queue.GetScheduledFrontAt(core, priority)
	var next *Thread
	if top != nil {
		next = d.queue.MoveToScheduledBack(top)
		if next != top {
			d.incrementScheduledCount(top)
			d.incrementScheduledCount(next)
		}
	}

	// Same-priority suggestions.
	suggested := d.queue.GetSuggestedFrontAt(core, priority)
	for suggested != nil {
		from := suggested.activeCore
		var topOnFrom *Thread
		if from >= 0 {
			topOnFrom = d.queue.GetScheduledFront(from)
		}
		if topOnFrom != suggested {
			// A rotated-in thread that waited longer beats the suggestion.
			if top != next && next != nil && next.lastScheduledTick < suggested.lastScheduledTick {
				break
			}
			if topOnFrom == nil || topOnFrom.priority >= HighestCoreMigrationAllowedPriority {
				d.migrate(suggested, core, true)
				d.incrementScheduledCount(suggested)
				break
			}
		}
		suggested = d.queue.GetSamePriorityNext(core, suggested)
	}

	// Better-priority suggestions, if the best local choice is no better
	// than the rotated level.
	best := d.queue.GetScheduledFront(core)
	if best != nil && best == caller {
		best = d.queue.GetScheduledNext(core, best)
	}
	if best != nil && best.priority >= priority {
		suggested := d.queue.GetSuggestedFront(core)
		for suggested != nil {
			if suggested.priority >= best.priority {
				break
			}
			from := suggested.activeCore
			var topOnFrom *Thread
			if from >= 0 {
				topOnFrom = d.queue.GetScheduledFront(from)
			}
			if topOnFrom != suggested {
				if topOnFrom == nil || topOnFrom.priority >= HighestCoreMigrationAllowedPriority {
					d.migrate(suggested, core, true)
					d.incrementScheduledCount(suggested)
					break
				}
			}
			suggested = d.queue.GetSuggestedNext(core, suggested)
		}
	}

	d.SetSchedulerUpdateNeeded()
}
