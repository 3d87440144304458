package trace

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Errors returned by the bus.
var (
	ErrBusClosed          = errors.New("trace: bus is closed")
	ErrSubscriberExists   = errors.New("trace: subscriber already exists")
	ErrSubscriberNotFound = errors.New("trace: subscriber not found")
	ErrNilChannel         = errors.New("trace: nil channel provided")
)

// Kind identifies what a scheduling event describes.
type Kind string

const (
	// KindSwitch: a core switched from PrevThreadID to ThreadID.
	KindSwitch Kind = "switch"
	// KindMigrate: ThreadID moved from FromCore to Core.
	KindMigrate Kind = "migrate"
	// KindReschedule: a scheduler interrupt was raised for CoreMask.
	KindReschedule Kind = "reschedule"
	// KindPriority: ThreadID's effective priority changed from OldPriority.
	KindPriority Kind = "priority"
	// KindState: ThreadID's raw state changed to State.
	KindState Kind = "state"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindSwitch, KindMigrate, KindReschedule, KindPriority, KindState}

// Event is one scheduling decision. Fields not meaningful for a kind are zero.
type Event struct {
	Kind         Kind   `json:"kind" msgpack:"kind"`
	TraceID      string `json:"trace_id" msgpack:"trace_id"`
	Seq          uint64 `json:"seq" msgpack:"seq"`
	Tick         int64  `json:"tick" msgpack:"tick"`
	Core         int32  `json:"core" msgpack:"core"`
	FromCore     int32  `json:"from_core,omitempty" msgpack:"from_core,omitempty"`
	ThreadID     uint64 `json:"thread_id,omitempty" msgpack:"thread_id,omitempty"`
	PrevThreadID uint64 `json:"prev_thread_id,omitempty" msgpack:"prev_thread_id,omitempty"`
	Priority     int32  `json:"priority,omitempty" msgpack:"priority,omitempty"`
	OldPriority  int32  `json:"old_priority,omitempty" msgpack:"old_priority,omitempty"`
	State        string `json:"state,omitempty" msgpack:"state,omitempty"`
	CoreMask     uint64 `json:"core_mask,omitempty" msgpack:"core_mask,omitempty"`
}

// Trace ids are the process's epoch followed by a sequence number, so
// stamping an event costs one atomic add under the scheduler lock.
var (
	epoch    = uuid.NewString()
	eventSeq atomic.Uint64
)

// NewEvent returns an event of the given kind stamped with the next trace id.
func NewEvent(kind Kind, tick int64, core int32) Event {
	seq := eventSeq.Add(1)
	return Event{
		Kind:    kind,
		TraceID: epoch + "-" + strconv.FormatUint(seq, 10),
		Seq:     seq,
		Tick:    tick,
		Core:    core,
	}
}

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	// DropNew drops incoming events while the subscriber's channel is full.
	DropNew DropPolicy = iota
	// DropOld keeps only the latest event, replacing older ones.
	DropOld
)

// SubscriberPriority orders delivery under load: higher priorities are
// served first during Publish.
type SubscriberPriority int

const (
	PriorityBestEffort SubscriberPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p SubscriberPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// HealthStatus summarizes a subscriber's drop rate.
type HealthStatus int

const (
	HealthUnknown   HealthStatus = iota // no traffic yet, or unknown subscriber
	HealthHealthy                       // < 50% dropped
	HealthDegraded                      // 50-90% dropped
	HealthSaturated                     // > 90% dropped
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthSaturated:
		return "saturated"
	default:
		return "unknown"
	}
}

// Receiver gives latest-only access to events for DropOld subscribers.
type Receiver interface {
	// Receive blocks until an event newer than the last one received is
	// available, or the receiver is closed (ok=false).
	Receive() (e Event, ok bool)
	// TryReceive returns the latest event without blocking.
	TryReceive() (Event, bool)
	Close()
}

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Priority SubscriberPriority
	Policy   DropPolicy
	Sent     uint64
	Dropped  uint64
}

// BusStats is a snapshot of global and per-subscriber delivery.
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// Bus fans scheduling events out to subscribers without ever blocking the
// publisher.
type Bus interface {
	Subscribe(id string, ch chan<- Event) error
	SubscribeWithPriority(id string, ch chan<- Event, priority SubscriberPriority) error
	SubscribeLatest(id string) (Receiver, error)
	Unsubscribe(id string) error
	Publish(e Event)
	Stats() BusStats
	GetHealth(id string) HealthStatus
	Close() error
}
