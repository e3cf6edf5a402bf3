package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/hdr-capture/internal/observable"
)

// RecordingState is the retained payload on the state topic.
type RecordingState struct {
	Recording bool   `json:"recording"`
	Timestamp string `json:"timestamp"`
}

// Announcer mirrors an is-recording flag onto a retained MQTT topic.
type Announcer struct {
	client Client
	topic  string
	qos    byte
	flag   *observable.Value[bool]
	codec  Codec

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewAnnouncer creates an announcer for flag.
func NewAnnouncer(client Client, topic string, qos byte, flag *observable.Value[bool]) (*Announcer, error) {
	if client == nil || flag == nil {
		return nil, fmt.Errorf("control: client and flag are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("control: state topic is required")
	}
	return &Announcer{client: client, topic: topic, qos: qos, flag: flag, codec: jsonCodec{}}, nil
}

// SetCodec selects the payload encoding. Call before Run.
func (a *Announcer) SetCodec(c Codec) {
	if c != nil {
		a.codec = c
	}
}

// Run publishes the current value, then every change, until ctx is done.
func (a *Announcer) Run(ctx context.Context) error {
	v, version, _ := a.flag.Snapshot()
	for {
		a.publish(v)

		var err error
		v, version, err = a.flag.Wait(ctx, version)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Published returns the number of state messages sent.
func (a *Announcer) Published() uint64 { return a.published.Load() }

func (a *Announcer) publish(recording bool) {
	payload, err := a.codec.Marshal(RecordingState{
		Recording: recording,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	token := a.client.Publish(a.topic, a.qos, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		a.failed.Add(1)
		slog.Warn("control: state publish timeout", "topic", a.topic)
		return
	}
	if err := token.Error(); err != nil {
		a.failed.Add(1)
		slog.Error("control: state publish failed", "topic", a.topic, "error", err)
		return
	}
	a.published.Add(1)
	slog.Debug("control: recording state published", "topic", a.topic, "recording", recording)
}
