package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/ksched/internal/config"
	"github.com/e7canasta/ksched/internal/trace"
)

// SubscriberID is the emitter's id on the trace bus.
const SubscriberID = "mqtt-emitter"

var errNotConnected = errors.New("mqtt not connected")

// MQTTEmitter publishes scheduling events to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	// publish sends one payload; replaced in tests.
	publish func(topic string, qos byte, payload []byte) error

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	e := &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
	e.publish = e.clientPublish
	return e
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.MQTT.Broker)
	opts.SetClientID(e.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.MQTT.ClientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	if err := ctx.Err(); err != nil {
		return err
	}
	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run forwards events from the bus until ctx is cancelled. Events the
// emitter cannot keep up with are dropped by the bus.
func (e *MQTTEmitter) Run(ctx context.Context, bus trace.Bus) error {
	ch := make(chan trace.Event, 256)
	if err := bus.SubscribeWithPriority(SubscriberID, ch, trace.PriorityBestEffort); err != nil {
		return fmt.Errorf("subscribe to trace bus: %w", err)
	}
	defer func() {
		if err := bus.Unsubscribe(SubscriberID); err != nil && !errors.Is(err, trace.ErrBusClosed) {
			slog.Warn("failed to unsubscribe emitter", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			if err := e.Publish(ev); err != nil {
				slog.Debug("event not published", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Publish publishes an event to <events topic>/<kind>
func (e *MQTTEmitter) Publish(ev trace.Event) error {
	if !e.isConnected() {
		e.countError()
		return errNotConnected
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Events, ev.Kind)
	qos := e.getQoS(string(ev.Kind))

	payload, err := Encode(e.cfg.MQTT.PayloadFormat, ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := e.publish(topic, qos, payload); err != nil {
		e.countError()
		return err
	}

	// Update stats
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// PublishStatus publishes a status document
func (e *MQTTEmitter) PublishStatus(payload []byte) error {
	if !e.isConnected() {
		return errNotConnected
	}

	topic := e.cfg.MQTT.Topics.Status
	if err := e.publish(topic, e.getQoS("status"), payload); err != nil {
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Encode marshals an event in the configured payload format
func Encode(format string, ev trace.Event) ([]byte, error) {
	switch format {
	case config.FormatMsgpack:
		return msgpack.Marshal(ev)
	case config.FormatJSON, "":
		return json.Marshal(ev)
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

func (e *MQTTEmitter) clientPublish(topic string, qos byte, payload []byte) error {
	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// isConnected returns connection status
func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// getQoS returns the QoS level for a given event kind or topic name
func (e *MQTTEmitter) getQoS(name string) byte {
	if qos, ok := e.cfg.MQTT.QoS[name]; ok {
		return qos
	}
	return 0 // default QoS 0
}
