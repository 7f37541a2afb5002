package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

var ErrNotGranted = errors.New("camera access has not been granted")

// Manager tracks camera permission for one scan session and owns the
// session's camera stream.
type Manager struct {
	device ports.CameraDevice
	cfg    ports.CaptureConfig

	mu      sync.Mutex
	state   domain.PermissionState
	lastErr error
	stream  ports.CameraStream
}

func NewManager(device ports.CameraDevice, cfg ports.CaptureConfig) *Manager {
	return &Manager{
		device: device,
		cfg:    cfg,
		state:  domain.PermissionUnchecked,
	}
}

// RequestAccess probes the camera and settles the permission state. Failure
// states stick until Retry; they are never re-checked automatically.
func (m *Manager) RequestAccess(ctx context.Context) domain.PermissionState {
	m.mu.Lock()
	if m.state != domain.PermissionUnchecked {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.state = domain.PermissionChecking
	m.mu.Unlock()

	state, err := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.lastErr = err
	if err != nil {
		slog.Warn("camera: access check failed", "state", state, "device", m.cfg.Device, "error", err)
	} else {
		slog.Info("camera: access granted", "device", m.cfg.Device)
	}
	return state
}

// Retry re-runs the access check from a failure state.
func (m *Manager) Retry(ctx context.Context) domain.PermissionState {
	m.mu.Lock()
	if !m.state.IsFailure() {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.state = domain.PermissionUnchecked
	m.lastErr = nil
	m.mu.Unlock()

	return m.RequestAccess(ctx)
}

// Acquire opens the session stream. Only one stream is held at a time.
func (m *Manager) Acquire(ctx context.Context) (ports.CameraStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.PermissionGranted {
		return nil, ErrNotGranted
	}
	if m.stream != nil {
		return m.stream, nil
	}

	stream, err := m.device.Open(ctx, m.cfg)
	if err != nil {
		m.lastErr = err
		return nil, fmt.Errorf("failed to open camera stream: %w", err)
	}
	m.stream = stream
	return stream, nil
}

// Teardown stops the active stream. Safe to call repeatedly and on a
// manager that never reached granted. The stream is released even when
// Stop reports an error.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Stop(); err != nil {
		slog.Warn("camera: stream stop reported an error", "error", err)
		return err
	}
	return nil
}

func (m *Manager) State() domain.PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Message returns the user-facing message for the current state.
func (m *Manager) Message() string {
	return PermissionMessage(m.State())
}

// Err returns the last acquisition failure, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// HasStream reports whether a session stream is currently held.
func (m *Manager) HasStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *Manager) probe(ctx context.Context) (state domain.PermissionState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = domain.PermissionError
			err = fmt.Errorf("camera probe panicked: %v", r)
		}
	}()

	if m.device == nil {
		return domain.PermissionNoDevice, ErrNoDevice
	}

	stream, err := m.device.Open(ctx, m.cfg)
	if err != nil {
		return ClassifyAccessError(err), err
	}
	// The probe only proves access; the session opens its own stream.
	if stopErr := stream.Stop(); stopErr != nil {
		slog.Debug("camera: probe stream stop reported an error", "error", stopErr)
	}
	return domain.PermissionGranted, nil
}
