// Package ksched is a symmetric multi-core thread scheduler engine with a
// simulated SoC to drive it.
//
// # Overview
//
// A Domain owns one Scheduler per physical core and a per-core priority
// queue of threads. Priorities run from 0 (highest) to 63. Every core has a
// scheduled list of threads it may run and a suggested list of threads that
// could migrate to it. After any change the domain recomputes the best
// thread of every core and raises a scheduler interrupt on the cores whose
// choice changed.
//
// # The Scheduler Lock
//
// All state changes happen under one reentrant lock owned by a core:
//
//	sl := core.Lock()
//	t.SetBasePriority(core, 20)
//	t.Resume(core, ksched.SuspendThread)
//	sl.Unlock() // recompute once, then reschedule
//
// Nested Lock calls from the same core only count. The outermost Unlock
// recomputes the highest priority thread per core, interrupts the other
// cores that need to switch and switches the calling core directly. A
// Scheduler must only be used from the goroutine that plays that core.
//
// # Collaborators
//
// The engine consumes a Timer, an InterruptController, an optional CPU and
// the Process of each thread. The package provides simulated versions of
// all of them:
//
//	timer := ksched.NewTimer()
//	ic, _ := ksched.NewInterruptController(2)
//	d, _ := ksched.NewDomain(ksched.Options{
//	    NumCores:   2,
//	    Timer:      timer,
//	    Interrupts: ic,
//	    Events:     ksched.NewEventBus(),
//	})
//
// # Priority Inheritance
//
// A thread blocked on a lock is queued as a waiter of the owner, and the
// owner runs at the best priority of its waiters. LightLock implements a
// kernel mutex on top of this:
//
//	l := ksched.NewLightLock("fs", 0x1000)
//	if !l.Lock(core, t) {
//	    // t waits; it owns l when it runs again
//	}
//	l.Unlock(core, t)
//
// # Simulator
//
// Simulator builds a domain from a YAML configuration whose threads run
// small programs (compute, yield, lock, sleep and so on). Step advances one
// tick deterministically; Run drives every core from its own goroutine in
// real time.
//
//	cfg, _ := ksched.LoadConfig("config/kschedd.yaml")
//	s, _ := ksched.NewSimulator(cfg)
//	for i := 0; i < 100; i++ {
//	    s.Step()
//	}
//	fmt.Println(s.Status().Threads)
//
// # Errors
//
// Operations report rejected requests with the sentinel errors of this
// package, wrapped with context; use errors.Is. A violated scheduler
// invariant panics with an *InvariantError.
package ksched
