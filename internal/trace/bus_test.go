package trace

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func switchEvent(tick int64) Event {
	e := NewEvent(KindSwitch, tick, 0)
	e.ThreadID = uint64(tick)
	return e
}

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 10)
	if err := bus.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	e := switchEvent(1)
	bus.Publish(e)

	select {
	case received := <-ch:
		if received.Tick != e.Tick || received.TraceID != e.TraceID {
			t.Errorf("Expected event %+v, got %+v", e, received)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNewEventStampsTraceID verifies every event gets its own trace id.
func TestNewEventStampsTraceID(t *testing.T) {
	a := NewEvent(KindMigrate, 5, 1)
	b := NewEvent(KindMigrate, 5, 1)

	if a.TraceID == "" {
		t.Fatal("Expected a trace id")
	}
	if a.TraceID == b.TraceID {
		t.Errorf("Expected distinct trace ids, both were %s", a.TraceID)
	}
	if a.Kind != KindMigrate || a.Tick != 5 || a.Core != 1 {
		t.Errorf("Unexpected event fields: %+v", a)
	}
}

// TestTraceIDsShareEpochAndIncrease verifies concurrent events get unique
// ids built from one epoch and a sequence that grows per caller.
func TestTraceIDsShareEpochAndIncrease(t *testing.T) {
	const workers, perWorker = 8, 200

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for i := 0; i < perWorker; i++ {
				e := NewEvent(KindState, int64(i), 0)
				if e.Seq <= last {
					t.Errorf("Expected increasing seq, got %d after %d", e.Seq, last)
				}
				last = e.Seq
				mu.Lock()
				seen[e.TraceID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d unique trace ids, got %d", workers*perWorker, len(seen))
	}
	e := NewEvent(KindSwitch, 0, 0)
	want := epoch + "-" + strconv.FormatUint(e.Seq, 10)
	if e.TraceID != want {
		t.Errorf("Expected trace id %s, got %s", want, e.TraceID)
	}
	for id := range seen {
		if !strings.HasPrefix(id, epoch+"-") {
			t.Fatalf("Expected epoch prefix on %s", id)
		}
	}
}

// TestNonBlockingPublish verifies Publish never blocks.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	bus.Subscribe("slow", ch)

	done := make(chan bool)
	go func() {
		bus.Publish(switchEvent(1))
		bus.Publish(switchEvent(2)) // buffer full, dropped
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	received := <-ch
	if received.Tick != 1 {
		t.Errorf("Expected tick 1, got %d", received.Tick)
	}

	sub := bus.Stats().Subscribers["slow"]
	if sub.Sent != 1 {
		t.Errorf("Expected 1 sent, got %d", sub.Sent)
	}
	if sub.Dropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", sub.Dropped)
	}
}

// TestStatsConservation verifies sent + dropped == published × subscribers.
func TestStatsConservation(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Subscribe("emitter", make(chan Event, 10))
	bus.Subscribe("recorder", make(chan Event, 1))
	bus.Subscribe("status", make(chan Event, 10))

	for i := int64(1); i <= 5; i++ {
		bus.Publish(switchEvent(i))
	}

	stats := bus.Stats()
	if stats.TotalPublished != 5 {
		t.Errorf("Expected 5 published, got %d", stats.TotalPublished)
	}
	expected := stats.TotalPublished * uint64(len(stats.Subscribers))
	if stats.TotalSent+stats.TotalDropped != expected {
		t.Errorf("Conservation law violated: %d sent + %d dropped != %d",
			stats.TotalSent, stats.TotalDropped, expected)
	}
	if stats.Subscribers["recorder"].Dropped != 4 {
		t.Errorf("Expected recorder to drop 4, got %d", stats.Subscribers["recorder"].Dropped)
	}
}

// TestSubscribeErrors verifies duplicate ids and nil channels are rejected.
func TestSubscribeErrors(t *testing.T) {
	bus := New()
	defer bus.Close()

	if err := bus.Subscribe("test", make(chan Event, 1)); err != nil {
		t.Fatalf("First subscribe failed: %v", err)
	}
	if err := bus.Subscribe("test", make(chan Event, 1)); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if _, err := bus.SubscribeLatest("test"); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists for latest receiver, got %v", err)
	}
	if err := bus.Subscribe("nil", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	if err := bus.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}
}

// TestUnsubscribe verifies an unsubscribed channel receives nothing.
func TestUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Event, 1)
	bus.Subscribe("test", ch)
	if err := bus.Unsubscribe("test"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	bus.Publish(switchEvent(1))

	select {
	case <-ch:
		t.Error("Received event after unsubscribe")
	default:
	}
	if n := len(bus.Stats().Subscribers); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}
}

// TestPriorityOrdering verifies critical subscribers are served first and
// that the default priority is normal.
func TestPriorityOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	critical := make(chan Event, 10)
	bestEffort := make(chan Event, 1)
	b.SubscribeWithPriority("critical", critical, PriorityCritical)
	b.SubscribeWithPriority("best-effort", bestEffort, PriorityBestEffort)
	b.Subscribe("normal", make(chan Event, 20))

	for i := int64(0); i < 20; i++ {
		b.Publish(switchEvent(i))
	}

	stats := b.Stats()
	c, be := stats.Subscribers["critical"], stats.Subscribers["best-effort"]
	if c.Sent <= be.Sent {
		t.Errorf("Expected critical to receive more events. Critical: %d, BestEffort: %d", c.Sent, be.Sent)
	}
	if be.Dropped <= c.Dropped {
		t.Errorf("Expected best-effort to drop more. Critical: %d, BestEffort: %d", c.Dropped, be.Dropped)
	}
	if stats.Subscribers["normal"].Priority != PriorityNormal {
		t.Errorf("Expected default priority normal, got %s", stats.Subscribers["normal"].Priority)
	}
}

// TestHealth verifies the drop-rate classification.
func TestHealth(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("healthy", make(chan Event, 100))
	b.Subscribe("degraded", make(chan Event, 5))
	b.Subscribe("saturated", make(chan Event, 0))

	if h := b.GetHealth("healthy"); h != HealthUnknown {
		t.Errorf("Expected unknown before traffic, got %s", h)
	}

	for i := int64(0); i < 10; i++ {
		b.Publish(switchEvent(i))
	}

	tests := []struct {
		id   string
		want HealthStatus
	}{
		{"healthy", HealthHealthy},
		{"degraded", HealthDegraded},
		{"saturated", HealthSaturated},
		{"missing", HealthUnknown},
	}
	for _, tt := range tests {
		if got := b.GetHealth(tt.id); got != tt.want {
			t.Errorf("GetHealth(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

// TestLatestReceiverKeepsNewest verifies DropOld semantics.
func TestLatestReceiverKeepsNewest(t *testing.T) {
	b := New()
	defer b.Close()

	r, err := b.SubscribeLatest("status")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	if _, ok := r.TryReceive(); ok {
		t.Fatal("Expected no event before publish")
	}

	for i := int64(1); i <= 3; i++ {
		b.Publish(switchEvent(i))
	}

	e, ok := r.Receive()
	if !ok {
		t.Fatal("Receive returned closed")
	}
	if e.Tick != 3 {
		t.Errorf("Expected latest tick 3, got %d", e.Tick)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := r.Receive(); ok {
			t.Error("Expected Receive to report closed")
		}
	}()
	b.Unsubscribe("status")

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Receive did not unblock on unsubscribe")
	}
}

// TestConcurrentPublish verifies thread safety with multiple publishers.
func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("test", make(chan Event, 1000))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(NewEvent(KindSwitch, int64(j), int32(core)))
			}
		}(i)
	}
	wg.Wait()

	stats := b.Stats()
	if stats.TotalPublished != 400 {
		t.Errorf("Expected 400 published, got %d", stats.TotalPublished)
	}
	sub := stats.Subscribers["test"]
	if sub.Sent+sub.Dropped != 400 {
		t.Errorf("Expected 400 total (sent+dropped), got %d", sub.Sent+sub.Dropped)
	}
}

// TestClosedBus verifies behavior after Close.
func TestClosedBus(t *testing.T) {
	b := New()
	b.Subscribe("test", make(chan Event, 1))

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	if err := b.Subscribe("new", make(chan Event, 1)); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if err := b.Unsubscribe("test"); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}

	// Late events from cores still running are discarded.
	b.Publish(switchEvent(1))
	if p := b.Stats().TotalPublished; p != 0 {
		t.Errorf("Expected 0 published, got %d", p)
	}
}
