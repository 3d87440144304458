// Package synch provides the kernel synchronization objects threads block
// on: a priority-inheriting LightLock, a FIFO WaitQueue and a SleepQueue
// of timed waits.
//
// Every operation takes the calling core's scheduler. State is protected
// by the scheduler lock, which each operation acquires itself.
package synch
