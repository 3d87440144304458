package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/ksched/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands. Threads are
// addressed by their configured name.
type CommandCallbacks struct {
	OnGetStatus       func() map[string]interface{}
	OnSuspendThread   func(thread string) error
	OnResumeThread    func(thread string) error
	OnSetPriority     func(thread string, priority int32) error
	OnSetCoreMask     func(thread string, idealCore int32, mask uint64) error
	OnTerminateThread func(thread string) (state string, err error)
	OnPinThread       func(thread string, core int32) error
	OnUnpinThread     func(thread string) error
	OnShutdown        func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	// respond publishes a response payload; replaced in tests.
	respond       func(payload []byte) error
	shutdownDelay time.Duration

	mu        sync.RWMutex
	handled   uint64
	failed    uint64
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	h := &Handler{
		cfg:           cfg,
		client:        client,
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		shutdownDelay: 500 * time.Millisecond,
	}
	h.respond = h.publishResponse
	return h
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	// Process commands
	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.WaitTimeout(2 * time.Second)
	}

	close(h.commands)

	slog.Info("control plane handler stopped")
	return nil
}

// Stats returns how many commands were handled and how many failed.
func (h *Handler) Stats() (handled, failed uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handled, h.failed
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	// Send to processing channel
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "suspend_thread":
		if h.callbacks.OnSuspendThread != nil {
			thread, ok := stringParam(cmd.Params, "thread")
			if !ok {
				resp.invalidParam("thread", "string")
			} else if err := h.callbacks.OnSuspendThread(thread); err != nil {
				resp.fail(err)
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"thread":    thread,
					"suspended": true,
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "resume_thread":
		if h.callbacks.OnResumeThread != nil {
			thread, ok := stringParam(cmd.Params, "thread")
			if !ok {
				resp.invalidParam("thread", "string")
			} else if err := h.callbacks.OnResumeThread(thread); err != nil {
				resp.fail(err)
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"thread":    thread,
					"suspended": false,
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "set_priority":
		if h.callbacks.OnSetPriority != nil {
			thread, okThread := stringParam(cmd.Params, "thread")
			priority, okPriority := intParam(cmd.Params, "priority")
			switch {
			case !okThread:
				resp.invalidParam("thread", "string")
			case !okPriority:
				resp.invalidParam("priority", "integer")
			default:
				if err := h.callbacks.OnSetPriority(thread, int32(priority)); err != nil {
					resp.fail(err)
				} else {
					resp.Status = "success"
					resp.Data = map[string]interface{}{
						"thread":   thread,
						"priority": priority,
					}
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "set_core_mask":
		if h.callbacks.OnSetCoreMask != nil {
			thread, okThread := stringParam(cmd.Params, "thread")
			ideal, okIdeal := intParam(cmd.Params, "ideal_core")
			mask, okMask := intParam(cmd.Params, "affinity_mask")
			switch {
			case !okThread:
				resp.invalidParam("thread", "string")
			case !okIdeal:
				resp.invalidParam("ideal_core", "integer")
			case !okMask || mask <= 0:
				resp.invalidParam("affinity_mask", "positive integer")
			default:
				if err := h.callbacks.OnSetCoreMask(thread, int32(ideal), uint64(mask)); err != nil {
					resp.fail(err)
				} else {
					resp.Status = "success"
					resp.Data = map[string]interface{}{
						"thread":        thread,
						"ideal_core":    ideal,
						"affinity_mask": mask,
					}
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "terminate_thread":
		if h.callbacks.OnTerminateThread != nil {
			thread, ok := stringParam(cmd.Params, "thread")
			if !ok {
				resp.invalidParam("thread", "string")
			} else if state, err := h.callbacks.OnTerminateThread(thread); err != nil {
				resp.fail(err)
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"thread": thread,
					"state":  state,
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "pin_thread":
		if h.callbacks.OnPinThread != nil {
			thread, okThread := stringParam(cmd.Params, "thread")
			core, okCore := intParam(cmd.Params, "core")
			switch {
			case !okThread:
				resp.invalidParam("thread", "string")
			case !okCore:
				resp.invalidParam("core", "integer")
			default:
				if err := h.callbacks.OnPinThread(thread, int32(core)); err != nil {
					resp.fail(err)
				} else {
					resp.Status = "success"
					resp.Data = map[string]interface{}{
						"thread": thread,
						"core":   core,
						"pinned": true,
					}
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "unpin_thread":
		if h.callbacks.OnUnpinThread != nil {
			thread, ok := stringParam(cmd.Params, "thread")
			if !ok {
				resp.invalidParam("thread", "string")
			} else if err := h.callbacks.OnUnpinThread(thread); err != nil {
				resp.fail(err)
			} else {
				resp.Status = "success"
				resp.Data = map[string]interface{}{
					"thread": thread,
					"pinned": false,
				}
			}
		} else {
			resp.notImplemented(cmd.Command)
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
				"message":            "graceful shutdown in progress",
			}
			// Send response BEFORE triggering shutdown
			h.sendResponse(resp)

			go func() {
				time.Sleep(h.shutdownDelay)
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return
		}
		resp.notImplemented(cmd.Command)

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes a response to the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	h.mu.Lock()
	h.handled++
	if resp.Status == "error" {
		h.failed++
	}
	h.mu.Unlock()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.respond(payload); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) publishResponse(payload []byte) error {
	topic := h.cfg.MQTT.Topics.Status
	qos := h.cfg.MQTT.QoS["status"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("response publish timeout")
	}
	return token.Error()
}

func (r *Response) fail(err error) {
	r.Status = "error"
	r.Error = err.Error()
}

func (r *Response) notImplemented(command string) {
	r.Status = "error"
	r.Error = fmt.Sprintf("%s not implemented", command)
}

func (r *Response) invalidParam(name, want string) {
	r.Status = "error"
	r.Error = fmt.Sprintf("missing or invalid '%s' parameter (expected %s)", name, want)
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok && s != ""
}

// intParam accepts JSON numbers that hold an integer.
func intParam(params map[string]interface{}, key string) (int64, bool) {
	f, ok := params[key].(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}
