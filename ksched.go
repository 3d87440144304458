package ksched

import (
	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/hw"
	"github.com/e7canasta/ksched/internal/kern"
	"github.com/e7canasta/ksched/internal/process"
	"github.com/e7canasta/ksched/internal/sim"
	"github.com/e7canasta/ksched/internal/synch"
	"github.com/e7canasta/ksched/internal/trace"
)

// NewDomain creates a scheduling domain. Every core must then be given an
// idle thread with Initialize and started with Activate.
func NewDomain(opts Options) (*Domain, error) {
	return kern.NewDomain(opts)
}

// AllCores returns the mask of the first n cores.
func AllCores(n int) AffinityMask {
	return kern.AllCores(n)
}

// NewTimer returns a tick counter starting at 0.
func NewTimer() *HardwareTimer {
	return hw.NewTimer()
}

// NewInterruptController returns a per-core interrupt controller.
func NewInterruptController(numCores int) (*InterruptDispatcher, error) {
	return hw.NewController(numCores)
}

// NewProcess returns a process allowed on the virtual cores in coreMask.
func NewProcess(name string, coreMask uint64) *SimProcess {
	return process.New(name, coreMask)
}

// NewLightLock returns a priority-inheriting kernel lock.
func NewLightLock(name string, key uint64) *LightLock {
	return synch.NewLightLock(name, key)
}

// NewEventBus returns an event bus that can be passed as Options.Events.
func NewEventBus() EventBus {
	return trace.New()
}

// LoadConfig reads and validates a simulator configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewSimulator builds a simulator from cfg.
func NewSimulator(cfg *Config) (*Simulator, error) {
	return sim.New(cfg)
}
