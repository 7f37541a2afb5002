package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

const frameBuffer = 2

// FFMPEGCapture streams grayscale camera frames using ffmpeg.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

func (c *FFMPEGCapture) Open(ctx context.Context, cfg ports.CaptureConfig) (ports.CameraStream, error) {
	cfg = withCaptureDefaults(cfg)

	if err := checkDeviceNode(cfg); err != nil {
		return nil, err
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-framerate", strconv.Itoa(cfg.FPS),
		"-i", cfg.Device,
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if category := classifyStderr(detail); category != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", category, detail)
		}
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail)
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	session := &ffmpegStream{
		stdout:   stdout,
		stderr:   &stderr,
		process:  cmd.Process,
		waitErr:  waitErr,
		frames:   make(chan domain.Frame, frameBuffer),
		readDone: make(chan struct{}),
	}
	go session.readFrames(cfg.Width, cfg.Height)

	slog.Info("camera: ffmpeg capture started",
		"device", cfg.Device,
		"format", cfg.InputFormat,
		"width", cfg.Width,
		"height", cfg.Height,
	)
	return session, nil
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	frames   chan domain.Frame
	readDone chan struct{}
	dropped  uint64

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Frames() <-chan domain.Frame {
	return s.frames
}

func (s *ffmpegStream) readFrames(width, height int) {
	defer close(s.readDone)
	defer close(s.frames)

	var seq uint64
	for {
		buf := make([]byte, width*height)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("camera: ffmpeg frame read ended", "error", err)
			}
			return
		}
		seq++
		frame := domain.Frame{Seq: seq, Timestamp: time.Now(), Width: width, Height: height, Data: buf}

		// Latest frames matter more than complete ones.
		select {
		case s.frames <- frame:
		default:
			s.dropped++
		}
	}
}

func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}
		<-s.readDone

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
		if s.dropped > 0 {
			slog.Debug("camera: ffmpeg capture dropped frames", "dropped", s.dropped)
		}
	})

	return s.stopErr
}

func withCaptureDefaults(cfg ports.CaptureConfig) ports.CaptureConfig {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "v4l2"
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	return cfg
}

// checkDeviceNode surfaces missing or unreadable V4L2 nodes before a capture
// process is spawned.
func checkDeviceNode(cfg ports.CaptureConfig) error {
	if cfg.InputFormat != "v4l2" || !strings.HasPrefix(cfg.Device, "/dev/") {
		return nil
	}
	file, err := os.Open(cfg.Device)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("%w: %s", ErrNoDevice, cfg.Device)
		case errors.Is(err, os.ErrPermission):
			return fmt.Errorf("%w: %s", ErrPermissionDenied, cfg.Device)
		default:
			return fmt.Errorf("failed to open camera device %q: %w", cfg.Device, err)
		}
	}
	return file.Close()
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
