package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	hdrcapture "github.com/e7canasta/hdr-capture"
	"github.com/e7canasta/hdr-capture/internal/control"
	"github.com/e7canasta/hdr-capture/internal/server"
)

const commandTimeout = 10 * time.Second

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Prepare the camera and serve recording control until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), opts)
		},
	}
}

func runService(parent context.Context, opts *globalOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	slog.Info("starting hdr-capture",
		"config", opts.configPath,
		"backend", cfg.Device.Backend,
		"device", cfg.Device.ID,
		"size", cfg.VideoSize().String(),
		"fps", cfg.Video.FPS,
		"bitrate", humanize.SI(float64(cfg.Video.BitRate), "bps"),
		"rotation", cfg.Render.RotationDegrees,
	)

	backends, err := newBackends(cfg)
	if err != nil {
		slog.Error("failed to create backend", "error", err)
		return err
	}
	rec, err := hdrcapture.New(cfg, backends)
	if err != nil {
		slog.Error("failed to create recorder", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rec.Prepare(ctx); err != nil {
		slog.Error("failed to prepare pipeline", "error", err)
		_ = rec.Close(context.Background())
		return err
	}

	var wg conc.WaitGroup

	if cfg.HTTP.Enabled {
		srv, err := server.New(cfg.ServerConfig(), rec.Pipeline())
		if err != nil {
			_ = rec.Close(context.Background())
			return err
		}
		wg.Go(func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				slog.Error("http server failed", "error", err)
				stop()
			}
		})
	}

	var (
		client  mqtt.Client
		handler *control.Handler
	)
	if cfg.MQTT.Broker != "" {
		client, handler, err = startControl(ctx, cfg, rec, &wg)
		if err != nil {
			// The recorder stays usable over HTTP.
			slog.Warn("mqtt control plane unavailable", "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if handler != nil {
		if err := handler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rec.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	wg.Wait()
	if client != nil {
		client.Disconnect(250)
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}
	slog.Info("hdr-capture stopped successfully")
	return nil
}

func startControl(ctx context.Context, cfg *hdrcapture.Config, rec *hdrcapture.Recorder, wg *conc.WaitGroup) (mqtt.Client, *control.Handler, error) {
	codec, err := control.CodecFor(cfg.MQTT.Encoding)
	if err != nil {
		return nil, nil, err
	}
	client, err := control.Connect(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID)
	if err != nil {
		return nil, nil, err
	}

	topics := control.Topics{
		Control:  cfg.MQTT.Topics.Control,
		Response: cfg.MQTT.Topics.Response,
		State:    cfg.MQTT.Topics.State,
	}
	handler, err := control.NewHandler(client, topics, cfg.MQTT.QoS, commandTimeout, control.CommandCallbacks{
		OnGetStatus:      func() any { return rec.Status() },
		OnPrepare:        rec.Prepare,
		OnStartRecording: rec.StartRecording,
		OnStopRecording: func(ctx context.Context) (string, error) {
			res, err := rec.StopRecording(ctx)
			return res.Path, err
		},
	})
	if err != nil {
		client.Disconnect(0)
		return nil, nil, err
	}
	handler.SetCodec(codec)
	if err := handler.Start(ctx); err != nil {
		client.Disconnect(0)
		return nil, nil, fmt.Errorf("start control handler: %w", err)
	}

	announcer, err := control.NewAnnouncer(client, topics.State, cfg.MQTT.QoS, rec.Recording())
	if err != nil {
		_ = handler.Stop()
		client.Disconnect(0)
		return nil, nil, err
	}
	announcer.SetCodec(codec)
	wg.Go(func() {
		if err := announcer.Run(ctx); err != nil {
			slog.Warn("recording state announcer stopped", "error", err)
		}
	})
	return client, handler, nil
}
