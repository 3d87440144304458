package hw

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/kern"
)

// CPU records the architectural side of context switches: address space
// changes and the thread-local region of each core.
type CPU struct {
	processSwitches atomic.Uint64

	mu  sync.Mutex
	tls [kern.MaxCores]uint64
}

// NewCPU returns a CPU recorder.
func NewCPU() *CPU {
	return &CPU{}
}

// SwitchProcess counts an address space switch.
func (c *CPU) SwitchProcess(prev, next kern.Process) {
	c.processSwitches.Add(1)
}

// SetThreadLocalRegion records addr as core's thread-local region.
func (c *CPU) SetThreadLocalRegion(core int32, addr uint64) {
	if core < 0 || core >= kern.MaxCores {
		return
	}
	c.mu.Lock()
	c.tls[core] = addr
	c.mu.Unlock()
}

// ThreadLocalRegion returns the region last installed on core.
func (c *CPU) ThreadLocalRegion(core int32) uint64 {
	if core < 0 || core >= kern.MaxCores {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tls[core]
}

// ProcessSwitches returns how many address space switches happened.
func (c *CPU) ProcessSwitches() uint64 {
	return c.processSwitches.Load()
}
