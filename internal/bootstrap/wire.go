package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"barlink/internal/camera"
	"barlink/internal/config"
	"barlink/internal/decode"
	"barlink/internal/domain"
	"barlink/internal/feed"
	"barlink/internal/keyboard"
	"barlink/internal/ports"
	"barlink/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Dispatcher *usecase.ScanDispatcher
	Hub        *feed.Hub
	// Feed is nil when the feed listener is disabled.
	Feed *feed.Server
	// Evdev is nil unless a hardware scanner device is configured.
	Evdev  *keyboard.EvdevSource
	Config config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink, haptics ports.Haptics) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	return BuildWithConfig(cfg, eventSink, haptics)
}

// BuildWithConfig wires dependencies from an already resolved configuration.
func BuildWithConfig(cfg config.Config, eventSink ports.EventSink, haptics ports.Haptics) (Services, error) {
	formats := cfg.Decode.Formats
	if len(formats) == 0 {
		formats = decode.DefaultFormats
	}
	if _, err := decode.ParseFormats(formats); err != nil {
		return Services{}, fmt.Errorf("invalid decode formats: %w", err)
	}

	hub := feed.NewHub()
	sinks := fanoutSink{hub}
	if eventSink != nil {
		sinks = append(sinks, eventSink)
	}
	if !cfg.Haptics {
		haptics = nil
	}

	engine := decode.NewEngine(decode.Config{
		Formats:    formats,
		HalfSample: cfg.Decode.HalfSample,
		Workers:    cfg.Decode.Workers,
	}, nil)

	dispatcher := usecase.NewScanDispatcher(
		newCameraDevice(cfg.Camera),
		engine,
		sinks,
		haptics,
		usecase.Config{
			Capture: ports.CaptureConfig{
				Device:      cfg.Camera.Device,
				InputFormat: cfg.Camera.InputFormat,
				Width:       cfg.Camera.Width,
				Height:      cfg.Camera.Height,
				FPS:         cfg.Camera.FPS,
			},
			QuietPeriod: cfg.Keyboard.QuietPeriod,
		},
	)

	services := Services{
		Dispatcher: dispatcher,
		Hub:        hub,
		Config:     cfg,
	}
	if cfg.Feed.Addr != "" {
		services.Feed = feed.NewServer(feed.Config{
			Addr:           cfg.Feed.Addr,
			AllowedOrigins: cfg.Feed.AllowedOrigins,
			QueueSize:      cfg.Feed.QueueSize,
		}, hub, dispatcher)
	}
	if cfg.Keyboard.EvdevDevice != "" {
		services.Evdev = keyboard.NewEvdevSource(cfg.Keyboard.EvdevDevice, cfg.Keyboard.EvdevGrab)
	}
	return services, nil
}

// Start brings up the optional feed listener and hardware scanner source.
// A missing scanner device is logged, not fatal; the window-level key path
// keeps working.
func (s Services) Start(ctx context.Context) error {
	if s.Feed != nil {
		if err := s.Feed.Start(ctx); err != nil {
			return err
		}
	}
	if s.Evdev != nil {
		dispatch := func(ev domain.KeyEvent) { s.Dispatcher.KeyPress(ev) }
		if err := s.Evdev.Start(ctx, dispatch); err != nil {
			slog.Warn("bootstrap: hardware scanner unavailable", "device", s.Config.Keyboard.EvdevDevice, "error", err)
		}
	}
	return nil
}

// Shutdown releases every resource Start or the dispatcher acquired.
func (s Services) Shutdown() {
	if s.Evdev != nil {
		_ = s.Evdev.Close()
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Shutdown()
	}
	if s.Feed != nil {
		_ = s.Feed.Close()
	}
}

func newCameraDevice(cfg config.CameraConfig) ports.CameraDevice {
	if cfg.Backend == config.BackendGStreamer {
		return camera.NewGstCapture()
	}
	return camera.NewFFMPEGCapture(cfg.Command)
}
