package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

func TestManagerRequestAccessGrantedReleasesProbe(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{}
	manager := NewManager(device, ports.CaptureConfig{Device: "/dev/video0"})

	if state := manager.State(); state != domain.PermissionUnchecked {
		t.Fatalf("expected unchecked, got %s", state)
	}
	if state := manager.RequestAccess(context.Background()); state != domain.PermissionGranted {
		t.Fatalf("expected granted, got %s", state)
	}
	if device.opened() != 1 || device.stream(0).stopCalls() != 1 {
		t.Fatalf("probe stream must be released immediately")
	}
	if manager.HasStream() {
		t.Fatalf("probe must not be kept as the session stream")
	}
	if manager.Message() != "" {
		t.Fatalf("granted state has no message")
	}
}

func TestManagerFailureStatesAreDistinct(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err     error
		state   domain.PermissionState
		message string
	}{
		{err: fmt.Errorf("open: %w", ErrPermissionDenied), state: domain.PermissionDenied, message: MessageDenied},
		{err: fs.ErrPermission, state: domain.PermissionDenied, message: MessageDenied},
		{err: fmt.Errorf("open: %w", ErrNoDevice), state: domain.PermissionNoDevice, message: MessageNoDevice},
		{err: errors.New("device busy"), state: domain.PermissionError, message: MessageError},
	}

	seen := map[string]domain.PermissionState{}
	for _, tc := range cases {
		manager := NewManager(&fakeDevice{errs: []error{tc.err}}, ports.CaptureConfig{})
		if state := manager.RequestAccess(context.Background()); state != tc.state {
			t.Fatalf("expected %s for %v, got %s", tc.state, tc.err, state)
		}
		if manager.Message() != tc.message {
			t.Fatalf("unexpected message for %s: %q", tc.state, manager.Message())
		}
		if manager.Err() == nil {
			t.Fatalf("expected last error to be kept")
		}
		seen[tc.message] = tc.state
	}
	if len(seen) != 3 {
		t.Fatalf("expected three distinct messages, got %d", len(seen))
	}
}

func TestManagerNeverAutoRetries(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{errs: []error{ErrPermissionDenied}}
	manager := NewManager(device, ports.CaptureConfig{})

	manager.RequestAccess(context.Background())
	if state := manager.RequestAccess(context.Background()); state != domain.PermissionDenied {
		t.Fatalf("expected sticky denied, got %s", state)
	}
	if device.opened() != 1 {
		t.Fatalf("expected a single probe, got %d", device.opened())
	}

	if state := manager.Retry(context.Background()); state != domain.PermissionGranted {
		t.Fatalf("expected granted after retry, got %s", state)
	}
	if device.opened() != 2 {
		t.Fatalf("expected retry to probe again")
	}
	if state := manager.Retry(context.Background()); state != domain.PermissionGranted {
		t.Fatalf("retry from granted must be a no-op, got %s", state)
	}
	if device.opened() != 2 {
		t.Fatalf("retry from granted must not probe")
	}
}

func TestManagerAcquireAndTeardown(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{}
	manager := NewManager(device, ports.CaptureConfig{})

	if _, err := manager.Acquire(context.Background()); !errors.Is(err, ErrNotGranted) {
		t.Fatalf("expected ErrNotGranted, got %v", err)
	}

	manager.RequestAccess(context.Background())
	stream, err := manager.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	again, err := manager.Acquire(context.Background())
	if err != nil || again != stream {
		t.Fatalf("expected the held stream to be reused")
	}

	manager.Teardown()
	manager.Teardown()
	if manager.HasStream() {
		t.Fatalf("expected stream to be released")
	}
	if device.stream(1).stopCalls() != 1 {
		t.Fatalf("expected session stream to be stopped exactly once")
	}
}

func TestManagerTeardownWithoutGrant(t *testing.T) {
	t.Parallel()

	manager := NewManager(&fakeDevice{errs: []error{ErrNoDevice}}, ports.CaptureConfig{})
	manager.Teardown()
	manager.RequestAccess(context.Background())
	manager.Teardown()
	if manager.State() != domain.PermissionNoDevice {
		t.Fatalf("teardown must not change the permission state")
	}
}

func TestManagerProbePanicBecomesErrorState(t *testing.T) {
	t.Parallel()

	manager := NewManager(&fakeDevice{panicOnOpen: true}, ports.CaptureConfig{})
	if state := manager.RequestAccess(context.Background()); state != domain.PermissionError {
		t.Fatalf("expected error state, got %s", state)
	}
}

type fakeDevice struct {
	mu          sync.Mutex
	errs        []error
	streams     []*fakeStream
	calls       int
	panicOnOpen bool
}

func (f *fakeDevice) Open(_ context.Context, _ ports.CaptureConfig) (ports.CameraStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnOpen {
		panic("driver crashed")
	}
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	stream := &fakeStream{frames: make(chan domain.Frame)}
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeDevice) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDevice) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type fakeStream struct {
	mu     sync.Mutex
	frames chan domain.Frame
	stops  int
}

func (f *fakeStream) Frames() <-chan domain.Frame { return f.frames }

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeStream) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}
