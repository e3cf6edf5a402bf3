package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/hdr-capture/internal/observable"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes and lets tests inject control messages.
type fakeClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []published
	notify    chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler), notify: make(chan struct{}, 64)}
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	c.mu.Unlock()
	c.notify <- struct{}{}
	return &fakeToken{}
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb := c.handlers[topic]
	c.mu.Unlock()
	if cb != nil {
		cb(nil, &fakeMessage{topic: topic, payload: payload})
	}
}

func (c *fakeClient) waitPublish(t *testing.T) published {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

var testTopics = Topics{Control: "hdrcap/control/cam", Response: "hdrcap/response/cam", State: "hdrcap/state/cam"}

func TestHandlerCommands(t *testing.T) {
	var recording bool
	callbacks := CommandCallbacks{
		OnGetStatus: func() any { return map[string]any{"state": "running"} },
		OnPrepare:   func(ctx context.Context) error { return nil },
		OnStartRecording: func() error {
			if recording {
				return errors.New("already recording")
			}
			recording = true
			return nil
		},
		OnStopRecording: func(ctx context.Context) (string, error) {
			recording = false
			return "/library/clip.mp4", nil
		},
	}

	client := newFakeClient()
	h, err := NewHandler(client, testTopics, 1, time.Second, callbacks)
	if err != nil {
		t.Fatalf("NewHandler() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.Stop()

	tests := []struct {
		name       string
		payload    string
		wantAck    string
		wantStatus string
		wantError  bool
	}{
		{"status", `{"command":"get_status"}`, CmdGetStatus, "success", false},
		{"prepare", `{"command":"prepare"}`, CmdPrepare, "success", false},
		{"start", `{"command":"start_recording"}`, CmdStartRecording, "recording", false},
		{"start twice", `{"command":"start_recording"}`, CmdStartRecording, "error", true},
		{"stop", `{"command":"stop_recording"}`, CmdStopRecording, "success", false},
		{"unknown", `{"command":"reboot"}`, "reboot", "error", true},
		{"invalid json", `{not json`, "unknown", "error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.deliver(testTopics.Control, []byte(tt.payload))
			msg := client.waitPublish(t)

			if msg.topic != testTopics.Response {
				t.Errorf("published to %q, want response topic", msg.topic)
			}
			var resp Response
			if err := json.Unmarshal(msg.payload, &resp); err != nil {
				t.Fatalf("response not JSON: %v", err)
			}
			if resp.CommandAck != tt.wantAck || resp.Status != tt.wantStatus {
				t.Errorf("response = %+v, want ack %q status %q", resp, tt.wantAck, tt.wantStatus)
			}
			if (resp.Error != "") != tt.wantError {
				t.Errorf("error = %q, want error %v", resp.Error, tt.wantError)
			}
			if resp.Timestamp == "" {
				t.Error("response has no timestamp")
			}
		})
	}
}

func TestHandlerStopIsIdempotent(t *testing.T) {
	client := newFakeClient()
	h, err := NewHandler(client, testTopics, 0, 0, CommandCallbacks{})
	if err != nil {
		t.Fatalf("NewHandler() failed: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	_ = h.Stop()
	_ = h.Stop()

	// Messages after Stop are dropped without panicking
	h.messageHandler(nil, &fakeMessage{topic: testTopics.Control, payload: []byte(`{"command":"get_status"}`)})
}

func TestNewHandlerValidation(t *testing.T) {
	if _, err := NewHandler(nil, testTopics, 0, 0, CommandCallbacks{}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewHandler(newFakeClient(), Topics{Control: "c"}, 0, 0, CommandCallbacks{}); err == nil {
		t.Error("expected error for missing response topic")
	}
}

func TestAnnouncerPublishesRetainedState(t *testing.T) {
	client := newFakeClient()
	flag := observable.New(false)
	a, err := NewAnnouncer(client, testTopics.State, 1, flag)
	if err != nil {
		t.Fatalf("NewAnnouncer() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	first := client.waitPublish(t)
	flag.Store(true)
	second := client.waitPublish(t)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() returned %v", err)
	}

	for i, msg := range []published{first, second} {
		var st RecordingState
		if err := json.Unmarshal(msg.payload, &st); err != nil {
			t.Fatalf("payload %d not JSON: %v", i, err)
		}
		if !msg.retained || msg.topic != testTopics.State {
			t.Errorf("message %d: retained=%v topic=%q", i, msg.retained, msg.topic)
		}
		if st.Recording != (i == 1) {
			t.Errorf("message %d: recording = %v", i, st.Recording)
		}
	}
	if a.Published() != 2 {
		t.Errorf("Published() = %d, want 2", a.Published())
	}
	t.Logf("✅ announced %d state changes", a.Published())
}

func TestHandlerMsgpackEncoding(t *testing.T) {
	codec, err := CodecFor(EncodingMsgpack)
	if err != nil {
		t.Fatalf("CodecFor() failed: %v", err)
	}

	client := newFakeClient()
	h, err := NewHandler(client, testTopics, 1, time.Second, CommandCallbacks{
		OnStopRecording: func(ctx context.Context) (string, error) { return "/library/clip.mp4", nil },
	})
	if err != nil {
		t.Fatalf("NewHandler() failed: %v", err)
	}
	h.SetCodec(codec)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer h.Stop()

	payload, err := codec.Marshal(Command{Command: CmdStopRecording})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	client.deliver(testTopics.Control, payload)
	msg := client.waitPublish(t)

	var resp Response
	if err := codec.Unmarshal(msg.payload, &resp); err != nil {
		t.Fatalf("response not msgpack: %v", err)
	}
	if resp.CommandAck != CmdStopRecording || resp.Status != "success" || resp.Data["path"] != "/library/clip.mp4" {
		t.Errorf("response = %+v", resp)
	}
	if json.Valid(msg.payload) {
		t.Error("msgpack response is also valid JSON")
	}
	t.Logf("✅ msgpack response %d bytes", len(msg.payload))
}

func TestCodecFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", EncodingJSON, false},
		{"json", EncodingJSON, false},
		{"msgpack", EncodingMsgpack, false},
		{"protobuf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := CodecFor(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CodecFor(%q) error = %v", tt.name, err)
			}
			if err == nil && c.Name() != tt.want {
				t.Errorf("CodecFor(%q) = %s, want %s", tt.name, c.Name(), tt.want)
			}
		})
	}
}
