package camera

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

func TestFFMPEGCaptureOpenReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'abcdefghijklmnop'\nsleep 2\n")
	capture := NewFFMPEGCapture(script)

	stream, err := capture.Open(context.Background(), ports.CaptureConfig{
		Device:      "testsrc",
		InputFormat: "lavfi",
		Width:       4,
		Height:      4,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case frame, ok := <-stream.Frames():
		if !ok {
			t.Fatalf("frames channel closed before first frame")
		}
		if frame.Width != 4 || frame.Height != 4 || string(frame.Data) != "abcdefghijklmnop" {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		if frame.Seq != 1 {
			t.Fatalf("expected first sequence number, got %d", frame.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}

	if err := stream.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := stream.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if _, ok := <-stream.Frames(); ok {
		t.Fatalf("expected frames channel to be closed after stop")
	}
}

func TestFFMPEGCaptureOpenEarlyExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'boom' 1>&2\nexit 1\n")
	capture := NewFFMPEGCapture(script)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := capture.Open(ctx, ports.CaptureConfig{Device: "testsrc", InputFormat: "lavfi"})
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if !strings.Contains(err.Error(), "exited before capture started") {
		t.Fatalf("unexpected error: %v", err)
	}
	if ClassifyAccessError(err) != domain.PermissionError {
		t.Fatalf("expected generic failure, got %s", ClassifyAccessError(err))
	}
}

func TestFFMPEGCaptureOpenClassifiesStderr(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "denied.sh", "#!/usr/bin/env bash\necho '/dev/video0: Permission denied' 1>&2\nexit 1\n")
	_, err := NewFFMPEGCapture(script).Open(context.Background(), ports.CaptureConfig{Device: "testsrc", InputFormat: "lavfi"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}

	script = writeScript(t, "missing.sh", "#!/usr/bin/env bash\necho 'Cannot open video device /dev/video9' 1>&2\nexit 1\n")
	_, err = NewFFMPEGCapture(script).Open(context.Background(), ports.CaptureConfig{Device: "testsrc", InputFormat: "lavfi"})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected no-device error, got %v", err)
	}
}

func TestCheckDeviceNodeMissing(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "video9")
	err := checkDeviceNode(ports.CaptureConfig{Device: "/dev/barlink-missing-video", InputFormat: "v4l2"})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected no-device error, got %v", err)
	}
	if err := checkDeviceNode(ports.CaptureConfig{Device: missing, InputFormat: "v4l2"}); err != nil {
		t.Fatalf("non /dev paths are left to the capture tool, got %v", err)
	}
}

func TestNormalizeStopErrExitErrorIsIgnored(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-lc", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
