package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

// GstCapture streams grayscale camera frames through a GStreamer pipeline:
//
//	v4l2src → videoconvert → videoscale → capsfilter(GRAY8) → appsink
type GstCapture struct {
	startTimeout time.Duration
}

func NewGstCapture() *GstCapture {
	return &GstCapture{startTimeout: 3 * time.Second}
}

func (c *GstCapture) Open(ctx context.Context, cfg ports.CaptureConfig) (ports.CameraStream, error) {
	cfg = withCaptureDefaults(cfg)
	if err := checkDeviceNode(cfg); err != nil {
		return nil, err
	}

	gst.Init(nil)

	pipeline, sink, err := buildGstPipeline(cfg)
	if err != nil {
		return nil, err
	}

	stream := &gstStream{
		pipeline: pipeline,
		frames:   make(chan domain.Frame, frameBuffer),
		done:     make(chan struct{}),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return stream.onNewSample(sink, cfg.Width, cfg.Height)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start camera pipeline: %w", err)
	}
	if err := waitForPlaying(ctx, pipeline, c.startTimeout); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, err
	}

	stream.wg.Add(1)
	go stream.monitor()

	slog.Info("camera: gstreamer capture started",
		"device", cfg.Device,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)
	return stream, nil
}

func buildGstPipeline(cfg ports.CaptureConfig) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=GRAY8,width=%d,height=%d,framerate=%d/1",
		cfg.Width, cfg.Height, cfg.FPS,
	)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, videorate, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add camera elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link camera pipeline: %w", err)
	}
	return pipeline, sink, nil
}

// waitForPlaying blocks until the pipeline plays or reports an error.
func waitForPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			detail := gerr.Error() + ": " + gerr.DebugString()
			if category := classifyStderr(detail); category != nil {
				return fmt.Errorf("camera pipeline failed: %w: %s", category, detail)
			}
			return fmt.Errorf("camera pipeline failed: %s", detail)
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return errors.New("camera pipeline did not reach PLAYING state")
}

type gstStream struct {
	pipeline *gst.Pipeline
	frames   chan domain.Frame

	seq     uint64
	dropped uint64
	closed  atomic.Bool

	sendMu   sync.RWMutex
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

func (s *gstStream) Frames() <-chan domain.Frame {
	return s.frames
}

func (s *gstStream) onNewSample(sink *app.Sink, width, height int) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData, err := packGrayRows(data, width, height)
	buffer.Unmap()
	if err != nil {
		slog.Debug("camera: dropped malformed sample", "error", err)
		return gst.FlowOK
	}

	frame := domain.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return gst.FlowEOS
	}
	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
	return gst.FlowOK
}

func (s *gstStream) monitor() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("camera: end of stream received")
			s.closeFrames()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("camera: pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			s.closeFrames()
			return
		}
	}
}

func (s *gstStream) closeFrames() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.frames)
	}
}

func (s *gstStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			s.stopErr = fmt.Errorf("failed to set pipeline to NULL: %w", err)
		}
		s.closeFrames()
		if dropped := atomic.LoadUint64(&s.dropped); dropped > 0 {
			slog.Debug("camera: gstreamer capture dropped frames", "dropped", dropped)
		}
	})
	return s.stopErr
}
