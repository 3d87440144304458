package hw

import "sync/atomic"

// Timer is a monotonic tick counter shared by every core.
type Timer struct {
	tick atomic.Int64
}

// NewTimer returns a timer starting at tick 0.
func NewTimer() *Timer {
	return &Timer{}
}

// Tick returns the current tick.
func (t *Timer) Tick() int64 {
	return t.tick.Load()
}

// Advance moves the timer forward by n ticks and returns the new tick.
// Negative n is ignored.
func (t *Timer) Advance(n int64) int64 {
	if n <= 0 {
		return t.tick.Load()
	}
	return t.tick.Add(n)
}
