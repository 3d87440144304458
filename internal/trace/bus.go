package trace

import (
	"sort"
	"sync"
	"sync/atomic"
)

type subscriber struct {
	id       string
	policy   DropPolicy
	priority SubscriberPriority

	// DropNew
	ch chan<- Event

	// DropOld
	latest *latestHolder

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	// Delivery order, rebuilt lazily after Subscribe/Unsubscribe.
	order      []*subscriber
	orderDirty bool

	totalPublished atomic.Uint64
}

// New creates an event bus.
func New() Bus {
	return &bus{
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers a channel with PriorityNormal and DropNew policy.
func (b *bus) Subscribe(id string, ch chan<- Event) error {
	return b.SubscribeWithPriority(id, ch, PriorityNormal)
}

// SubscribeWithPriority registers a channel with DropNew policy.
func (b *bus) SubscribeWithPriority(id string, ch chan<- Event, priority SubscriberPriority) error {
	if ch == nil {
		return ErrNilChannel
	}
	return b.add(&subscriber{id: id, policy: DropNew, priority: priority, ch: ch})
}

// SubscribeLatest registers a latest-only receiver (DropOld policy).
func (b *bus) SubscribeLatest(id string) (Receiver, error) {
	s := &subscriber{id: id, policy: DropOld, priority: PriorityNormal, latest: newLatestHolder()}
	if err := b.add(s); err != nil {
		return nil, err
	}
	return s.latest, nil
}

func (b *bus) add(s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[s.id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[s.id] = s
	b.orderDirty = true
	return nil
}

// Unsubscribe removes a subscriber. Latest-only receivers are closed.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}
	delete(b.subscribers, id)
	b.orderDirty = true
	return nil
}

// Publish delivers e to every subscriber, critical subscribers first.
// It never blocks; events published after Close are discarded.
func (b *bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	if b.orderDirty {
		b.mu.RUnlock()
		b.rebuildOrder()
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return
		}
	}
	defer b.mu.RUnlock()

	b.totalPublished.Add(1)

	for _, s := range b.order {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- e:
				s.sent.Add(1)
			default:
				s.dropped.Add(1)
			}
		case DropOld:
			s.latest.Set(e)
			s.sent.Add(1)
		}
	}
}

func (b *bus) rebuildOrder() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.orderDirty {
		return
	}
	order := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		order = append(order, s)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].priority != order[j].priority {
			return order[i].priority > order[j].priority
		}
		return order[i].id < order[j].id
	})
	b.order = order
	b.orderDirty = false
}

// Stats returns a snapshot of delivery counters.
func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		sent, dropped := s.sent.Load(), s.dropped.Load()
		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Subscribers[id] = SubscriberStats{
			Priority: s.priority,
			Policy:   s.policy,
			Sent:     sent,
			Dropped:  dropped,
		}
	}
	return result
}

// GetHealth classifies a subscriber by its drop rate.
func (b *bus) GetHealth(id string) HealthStatus {
	b.mu.RLock()
	s, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return HealthUnknown
	}

	sent, dropped := s.sent.Load(), s.dropped.Load()
	total := sent + dropped
	if total == 0 {
		return HealthUnknown
	}
	rate := float64(dropped) / float64(total)
	switch {
	case rate > 0.9:
		return HealthSaturated
	case rate >= 0.5:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Close stops delivery. Subscriber channels are left open; latest-only
// receivers are closed. Close is idempotent.
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
	b.order = nil
	return nil
}

// latestHolder keeps the most recent event for a DropOld subscriber.
type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	event  Event
	seq    uint64
	read   uint64
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *latestHolder) Set(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.event = e
	h.seq++
	h.cond.Broadcast()
}

func (h *latestHolder) Receive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for h.seq == h.read && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Event{}, false
	}
	h.read = h.seq
	return h.event, true
}

func (h *latestHolder) TryReceive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seq == 0 {
		return Event{}, false
	}
	h.read = h.seq
	return h.event, true
}

func (h *latestHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
