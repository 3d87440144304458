package kern

// ScopedLock is a held scheduler lock. Unlock must be called exactly once;
// the outermost Unlock recomputes every core if an update is needed and
// notifies the cores whose highest-priority thread changed.
type ScopedLock struct {
	s        *Scheduler
	released bool
}

// Lock acquires the domain's scheduler lock on behalf of core s. The lock
// is reentrant for the same core and disables dispatch on it until the
// outermost Unlock.
func (s *Scheduler) Lock() *ScopedLock {
	s.d.lock(s)
	return &ScopedLock{s: s}
}

// Unlock releases one level of the lock.
func (l *ScopedLock) Unlock() {
	if l.released {
		l.s.d.abort("scheduler lock guard released twice", l.s.coreID, nil)
	}
	l.released = true
	l.s.d.unlock(l.s)
}

// IsLockedBy reports whether core s holds the scheduler lock.
func (d *Domain) IsLockedBy(s *Scheduler) bool {
	return d.owner.Load() == s
}

func (d *Domain) lock(s *Scheduler) {
	if d.owner.Load() == s {
		d.lockCount++
		return
	}
	s.disableScheduling()
	d.mu.Lock()
	d.owner.Store(s)
	d.lockCount = 1
}

func (d *Domain) unlock(s *Scheduler) {
	if d.owner.Load() != s {
		d.abort("scheduler lock released by a core that does not hold it", s.coreID, nil)
	}
	d.lockCount--
	if d.lockCount > 0 {
		return
	}

	d.owner.Store(nil)
	cores := d.updateHighestPriorityThreads()
	d.mu.Unlock()

	s.enableScheduling(cores)
}
