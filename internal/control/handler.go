// Package control is the MQTT control plane: remote recording commands and a
// retained is-recording state topic.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command names accepted on the control topic.
const (
	CmdGetStatus      = "get_status"
	CmdPrepare        = "prepare"
	CmdStartRecording = "start_recording"
	CmdStopRecording  = "stop_recording"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Client is the subset of mqtt.Client the control plane uses.
type Client interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Topics are the control plane topics.
type Topics struct {
	Control  string
	Response string
	State    string
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus      func() any
	OnPrepare        func(ctx context.Context) error
	OnStartRecording func() error
	// OnStopRecording returns the delivered file path.
	OnStopRecording func(ctx context.Context) (string, error)
}

// Handler handles control plane commands
type Handler struct {
	topics    Topics
	qos       byte
	client    Client
	callbacks CommandCallbacks
	timeout   time.Duration
	codec     Codec
	commands  chan Command

	mu      sync.RWMutex
	stopped bool
	handled sync.WaitGroup
}

// NewHandler creates a new control plane handler. timeout bounds commands
// that block (prepare, stop).
func NewHandler(client Client, topics Topics, qos byte, timeout time.Duration, callbacks CommandCallbacks) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("control: client is required")
	}
	if topics.Control == "" || topics.Response == "" {
		return nil, fmt.Errorf("control: control and response topics are required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		topics:    topics,
		qos:       qos,
		client:    client,
		callbacks: callbacks,
		timeout:   timeout,
		codec:     jsonCodec{},
		commands:  make(chan Command, 10),
	}, nil
}

// SetCodec selects the payload encoding. Call before Start.
func (h *Handler) SetCodec(c Codec) {
	if c != nil {
		h.codec = c
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// done or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("control: subscribing to control plane",
		"topic", h.topics.Control,
		"qos", h.qos,
		"encoding", h.codec.Name(),
	)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.handled.Add(1)
	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the command in flight. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	h.handled.Wait()
	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := h.codec.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err, "encoding", h.codec.Name())
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid " + h.codec.Name() + " payload",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	defer h.handled.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(ctx, cmd))
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}
	notImplemented := func() Response {
		return fail(fmt.Errorf("%s not implemented", cmd.Command))
	}

	switch cmd.Command {
	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			return notImplemented()
		}
		resp.Status = "success"
		resp.Data = map[string]any{"status": h.callbacks.OnGetStatus()}

	case CmdPrepare:
		if h.callbacks.OnPrepare == nil {
			return notImplemented()
		}
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := h.callbacks.OnPrepare(cctx); err != nil {
			return fail(err)
		}
		resp.Status = "success"

	case CmdStartRecording:
		if h.callbacks.OnStartRecording == nil {
			return notImplemented()
		}
		if err := h.callbacks.OnStartRecording(); err != nil {
			return fail(err)
		}
		resp.Status = "recording"
		resp.Data = map[string]any{"recording": true}

	case CmdStopRecording:
		if h.callbacks.OnStopRecording == nil {
			return notImplemented()
		}
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		path, err := h.callbacks.OnStopRecording(cctx)
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{"recording": false, "path": path}

	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Command))
	}
	return resp
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := h.codec.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.topics.Response, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control: response publish timeout", "command", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: response publish failed", "command", resp.CommandAck, "error", err)
	}
}
