package hw

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/ksched/internal/kern"
)

// Interrupt vectors used by the simulator besides the scheduler's own.
const (
	TimerInterruptVector   = 1
	ControlInterruptVector = 3

	TimerInterruptPriority   = 2
	ControlInterruptPriority = 1

	maxVectors = 64
)

// Errors returned by the controller.
var (
	ErrInvalidCore   = errors.New("hw: invalid core")
	ErrInvalidVector = errors.New("hw: invalid interrupt vector")
	ErrVectorBound   = errors.New("hw: vector already bound")
	ErrNilHandler    = errors.New("hw: nil interrupt handler")
)

type binding struct {
	vector   int
	priority int
	handler  kern.InterruptHandler
}

// Controller is a per-core interrupt controller. Raising sets a pending bit
// and wakes the core; the core's own goroutine drains its pending vectors
// with Dispatch.
type Controller struct {
	numCores int32

	mu       sync.RWMutex
	bindings [kern.MaxCores][]binding // sorted by priority, then vector

	pending [kern.MaxCores]atomic.Uint64
	raised  [kern.MaxCores]atomic.Uint64
	wake    [kern.MaxCores]chan struct{}
}

// NewController creates a controller for numCores cores.
func NewController(numCores int) (*Controller, error) {
	if numCores < 1 || numCores > kern.MaxCores {
		return nil, fmt.Errorf("hw: %d cores: %w", numCores, ErrInvalidCore)
	}
	c := &Controller{numCores: int32(numCores)}
	for i := range c.wake {
		c.wake[i] = make(chan struct{}, 1)
	}
	return c, nil
}

func (c *Controller) validCore(core int32) bool {
	return core >= 0 && core < c.numCores
}

// BindHandler binds h to vector on core. Lower priority values are
// dispatched first.
func (c *Controller) BindHandler(core int32, vector, priority int, h kern.InterruptHandler) error {
	if !c.validCore(core) {
		return fmt.Errorf("hw: bind vector %d on core %d: %w", vector, core, ErrInvalidCore)
	}
	if vector < 0 || vector >= maxVectors {
		return fmt.Errorf("hw: bind vector %d: %w", vector, ErrInvalidVector)
	}
	if h == nil {
		return ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.bindings[core] {
		if b.vector == vector {
			return fmt.Errorf("hw: vector %d on core %d: %w", vector, core, ErrVectorBound)
		}
	}
	bs := append(c.bindings[core], binding{vector: vector, priority: priority, handler: h})
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].priority != bs[j].priority {
			return bs[i].priority < bs[j].priority
		}
		return bs[i].vector < bs[j].vector
	})
	c.bindings[core] = bs
	return nil
}

// RaiseOnCore raises the scheduler vector on every core in coreMask.
func (c *Controller) RaiseOnCore(coreMask uint64) {
	c.RaiseVector(coreMask, kern.SchedulerInterruptVector)
}

// RaiseVector marks vector pending on every core in coreMask. Cores outside
// the controller are ignored. It never blocks.
func (c *Controller) RaiseVector(coreMask uint64, vector int) {
	if vector < 0 || vector >= maxVectors {
		return
	}
	for core := int32(0); core < c.numCores; core++ {
		if coreMask&(1<<uint(core)) == 0 {
			continue
		}
		c.pending[core].Or(1 << uint(vector))
		c.raised[core].Add(1)
		select {
		case c.wake[core] <- struct{}{}:
		default:
		}
	}
}

// Wake returns the channel signalled when an interrupt is raised on core.
func (c *Controller) Wake(core int32) <-chan struct{} {
	return c.wake[core]
}

// Pending reports whether core has undelivered interrupts.
func (c *Controller) Pending(core int32) bool {
	return c.validCore(core) && c.pending[core].Load() != 0
}

// Raised returns how many interrupts were raised on core.
func (c *Controller) Raised(core int32) uint64 {
	if !c.validCore(core) {
		return 0
	}
	return c.raised[core].Load()
}

// Dispatch delivers every pending vector of core in priority order and
// returns how many handlers ran. It must be called from the core's own
// goroutine. Vectors raised by a handler stay pending for the next call.
func (c *Controller) Dispatch(core int32) int {
	if !c.validCore(core) {
		return 0
	}
	pending := c.pending[core].Swap(0)
	if pending == 0 {
		return 0
	}

	c.mu.RLock()
	bs := c.bindings[core]
	c.mu.RUnlock()

	handled := 0
	for _, b := range bs {
		if pending&(1<<uint(b.vector)) == 0 {
			continue
		}
		b.handler.HandleInterrupt(core)
		handled++
	}
	return handled
}
