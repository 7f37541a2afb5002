package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"barlink/internal/camera"
	"barlink/internal/decode"
	"barlink/internal/domain"
	"barlink/internal/keyboard"
	"barlink/internal/ports"
)

var ErrNoActiveSession = errors.New("no active camera session")

// MessagePipelineError is shown when decoding could not start on a granted camera.
const MessagePipelineError = "The scanner could not start on this camera. Close the scanner and open it again."

// MessageCameraLost is shown when the camera stream ends while scanning.
const MessageCameraLost = "The camera stopped sending video. Check the connection and retry."

// DefaultHapticPattern is a single short pulse.
var DefaultHapticPattern = []int{80}

// Config controls scan dispatch behavior.
type Config struct {
	Capture       ports.CaptureConfig
	QuietPeriod   time.Duration
	HapticPattern []int
}

// ScanDispatcher composes the keyboard classifiers, the camera lifecycle and
// the decode engine into one scan event stream.
type ScanDispatcher struct {
	device  ports.CameraDevice
	engine  *decode.Engine
	events  ports.EventSink
	haptics ports.Haptics
	router  *keyboard.Router
	cfg     Config

	// opMu serializes camera lifecycle operations so a new session never
	// opens while the previous teardown is in flight.
	opMu sync.Mutex

	mu      sync.Mutex
	current *scanSession
	scoped  map[string]bool
}

func NewScanDispatcher(
	device ports.CameraDevice,
	engine *decode.Engine,
	events ports.EventSink,
	haptics ports.Haptics,
	cfg Config,
	keyOpts ...keyboard.Option,
) *ScanDispatcher {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = keyboard.DefaultQuietPeriod
	}
	if cfg.HapticPattern == nil {
		cfg.HapticPattern = DefaultHapticPattern
	}
	if engine == nil {
		engine = decode.NewEngine(decode.Config{}, nil)
	}
	d := &ScanDispatcher{
		device:  device,
		engine:  engine,
		events:  events,
		haptics: haptics,
		cfg:     cfg,
		scoped:  make(map[string]bool),
	}
	d.router = keyboard.NewRouter(cfg.QuietPeriod, d.onKeyboardCandidate, keyOpts...)
	return d
}

// OpenCamera starts a new camera session, tearing down any previous one
// first. Permission failures are reported through the returned status and
// events only. A pipeline start failure also returns a wrapped
// decode.ErrPipelineStart.
func (d *ScanDispatcher) OpenCamera(ctx context.Context) (domain.CameraStatus, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	previous := d.current
	d.current = nil
	d.mu.Unlock()
	if previous != nil {
		d.teardown(previous)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &scanSession{
		id:      uuid.NewString(),
		manager: camera.NewManager(d.device, d.cfg.Capture),
		cancel:  cancel,
		state:   domain.SessionStateCheckingAccess,
	}

	d.mu.Lock()
	d.current = session
	d.mu.Unlock()

	slog.Info("dispatcher: camera session opening", "session", session.id, "restarted", previous != nil)
	d.events.SessionStateChanged(session.status())
	d.events.PermissionChanged(domain.PermissionChecking, "")

	return d.activate(sessionCtx, session, session.manager.RequestAccess(sessionCtx))
}

// RetryCamera re-runs the access check after a permission failure. After a
// pipeline failure, or with no session open, it starts a fresh session.
func (d *ScanDispatcher) RetryCamera(ctx context.Context) (domain.CameraStatus, error) {
	d.mu.Lock()
	session := d.current
	d.mu.Unlock()

	if session == nil || session.getState() != domain.SessionStateAccessFailed {
		return d.OpenCamera(ctx)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()
	if !d.isCurrent(session) {
		return domain.CameraStatus{State: domain.SessionStateClosed, Permission: domain.PermissionUnchecked}, ErrNoActiveSession
	}

	slog.Info("dispatcher: retrying camera access", "session", session.id)
	session.setState(domain.SessionStateCheckingAccess, "")
	d.events.SessionStateChanged(session.status())
	d.events.PermissionChanged(domain.PermissionChecking, "")

	sessionCtx, cancel := context.WithCancel(ctx)
	session.stateMu.Lock()
	previousCancel := session.cancel
	session.cancel = cancel
	session.stateMu.Unlock()
	if previousCancel != nil {
		previousCancel()
	}

	return d.activate(sessionCtx, session, session.manager.Retry(sessionCtx))
}

// CloseCamera tears down the open camera session. It returns
// ErrNoActiveSession when nothing is open.
func (d *ScanDispatcher) CloseCamera() error {
	// Unblock a pending access check before waiting for the lifecycle lock.
	d.mu.Lock()
	if d.current != nil {
		d.current.cancelContext()
	}
	d.mu.Unlock()

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	session := d.current
	d.current = nil
	d.mu.Unlock()

	if session == nil {
		return ErrNoActiveSession
	}
	d.teardown(session)
	if session.getState() != domain.SessionStateClosed {
		// The stream already ended and left a pipeline error behind.
		session.setState(domain.SessionStateClosed, "")
	}
	d.events.SessionStateChanged(session.status())
	return nil
}

// KeyPress feeds one window-level key event to the keyboard classifiers.
func (d *ScanDispatcher) KeyPress(ev domain.KeyEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return d.router.Dispatch(ev)
}

// RegisterField mounts a scan-capable field. Scoped fields have their
// pending bursts cleared whenever a camera session ends.
func (d *ScanDispatcher) RegisterField(field string, scoped bool) {
	d.router.Register(field)
	d.mu.Lock()
	if scoped {
		d.scoped[field] = true
	} else {
		delete(d.scoped, field)
	}
	d.mu.Unlock()
}

func (d *ScanDispatcher) UnregisterField(field string) {
	d.router.Unregister(field)
	d.mu.Lock()
	delete(d.scoped, field)
	d.mu.Unlock()
}

func (d *ScanDispatcher) FocusField(field string) {
	d.router.SetFocus(field)
}

// ManualEntry forwards directly edited field text to the host unchanged.
// It bypasses the single-shot guard.
func (d *ScanDispatcher) ManualEntry(field, text string) {
	d.events.Change(field, text)
}

// Fields lists mounted scan-capable fields.
func (d *ScanDispatcher) Fields() []string {
	return d.router.Fields()
}

// Status returns the current camera session snapshot.
func (d *ScanDispatcher) Status() domain.CameraStatus {
	d.mu.Lock()
	session := d.current
	d.mu.Unlock()
	if session == nil {
		return domain.CameraStatus{State: domain.SessionStateClosed, Permission: domain.PermissionUnchecked}
	}
	return session.status()
}

// Shutdown closes the camera session and disposes every classifier.
func (d *ScanDispatcher) Shutdown() {
	if err := d.CloseCamera(); err != nil && !errors.Is(err, ErrNoActiveSession) {
		slog.Warn("dispatcher: camera close during shutdown failed", "error", err)
	}
	d.router.Close()
	d.engine.StopAll()
}

func (d *ScanDispatcher) activate(ctx context.Context, session *scanSession, permission domain.PermissionState) (domain.CameraStatus, error) {
	if ctx.Err() != nil || !d.isCurrent(session) {
		// Closed while the access check was pending.
		_ = session.manager.Teardown()
		return session.status(), nil
	}

	message := camera.PermissionMessage(permission)
	d.events.PermissionChanged(permission, message)

	if permission != domain.PermissionGranted {
		session.setState(domain.SessionStateAccessFailed, message)
		d.events.SessionError(domain.ErrorCodePermission, message)
		d.events.SessionStateChanged(session.status())
		return session.status(), nil
	}

	stream, err := session.manager.Acquire(ctx)
	if err != nil {
		return d.pipelineFailed(session, err)
	}

	target := d.cfg.Capture.Device
	if !session.bindPipeline(target) {
		_ = session.manager.Teardown()
		return session.status(), nil
	}
	if err := d.engine.Start(ctx, target, stream, d.onCameraDetect(session), decode.OnStreamEnd(d.onStreamEnd(ctx, session))); err != nil {
		return d.pipelineFailed(session, err)
	}

	session.setState(domain.SessionStateScanning, "")
	slog.Info("dispatcher: camera session scanning", "session", session.id, "target", target)
	d.events.SessionStateChanged(session.status())
	return session.status(), nil
}

func (d *ScanDispatcher) pipelineFailed(session *scanSession, err error) (domain.CameraStatus, error) {
	session.stateMu.Lock()
	session.pipelineTarget = ""
	session.stateMu.Unlock()
	_ = session.manager.Teardown()

	slog.Warn("dispatcher: decode pipeline failed to start", "session", session.id, "error", err)
	session.setState(domain.SessionStatePipelineError, MessagePipelineError)
	d.events.SessionError(domain.ErrorCodePipelineStart, err.Error())
	d.events.SessionStateChanged(session.status())

	if !errors.Is(err, decode.ErrPipelineStart) {
		err = errors.Join(decode.ErrPipelineStart, err)
	}
	return session.status(), err
}

// teardown releases everything a session holds: listener, decode workers,
// camera stream and scoped keyboard buffers. Safe to call repeatedly.
func (d *ScanDispatcher) teardown(session *scanSession) {
	session.cancelContext()
	target, already := session.markClosed()
	if already {
		return
	}
	if target != "" {
		d.engine.Stop(target)
	}
	if err := session.manager.Teardown(); err != nil {
		d.events.SessionError(domain.ErrorCodeCameraStop, err.Error())
	}

	d.mu.Lock()
	scoped := make([]string, 0, len(d.scoped))
	for field := range d.scoped {
		scoped = append(scoped, field)
	}
	d.mu.Unlock()
	for _, field := range scoped {
		if c, ok := d.router.Get(field); ok {
			c.Reset()
		}
	}

	slog.Info("dispatcher: camera session closed", "session", session.id, "fired", session.fired.Load())
}

func (d *ScanDispatcher) onCameraDetect(session *scanSession) func(domain.ScanCandidate) {
	return func(candidate domain.ScanCandidate) {
		if session.isClosed() {
			return
		}
		if !session.fired.CompareAndSwap(false, true) {
			return
		}
		if d.haptics != nil {
			d.haptics.Vibrate(d.cfg.HapticPattern)
		}
		slog.Info("dispatcher: camera scan delivered", "session", session.id, "format", candidate.Format)
		d.events.Scan(domain.ScanEvent{
			ID:        uuid.NewString(),
			SessionID: session.id,
			Code:      candidate.Code,
			Source:    domain.ScanSourceCamera,
			Format:    candidate.Format,
			Timestamp: candidate.Timestamp,
		})
	}
}

// onStreamEnd turns a camera stream that closed mid-session into a
// pipeline error the user can retry from.
func (d *ScanDispatcher) onStreamEnd(ctx context.Context, session *scanSession) func() {
	return func() {
		if ctx.Err() != nil {
			// Ended because the session is closing.
			return
		}
		d.opMu.Lock()
		defer d.opMu.Unlock()
		if ctx.Err() != nil || !d.isCurrent(session) || session.getState() != domain.SessionStateScanning {
			return
		}

		slog.Warn("dispatcher: camera stream ended while scanning", "session", session.id)
		d.teardown(session)
		session.setState(domain.SessionStatePipelineError, MessageCameraLost)
		d.events.SessionError(domain.ErrorCodeCameraLost, MessageCameraLost)
		d.events.SessionStateChanged(session.status())
	}
}

func (d *ScanDispatcher) onKeyboardCandidate(candidate domain.ScanCandidate) {
	var sessionID string
	d.mu.Lock()
	if d.current != nil {
		sessionID = d.current.id
	}
	d.mu.Unlock()

	slog.Debug("dispatcher: keyboard burst delivered", "field", candidate.Field, "length", len(candidate.Code))
	d.events.Change(candidate.Field, candidate.Code)
	d.events.Scan(domain.ScanEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Code:      candidate.Code,
		Source:    domain.ScanSourceKeyboard,
		Field:     candidate.Field,
		Timestamp: candidate.Timestamp,
	})
	d.events.Ack(candidate.Field)
}

func (d *ScanDispatcher) isCurrent(session *scanSession) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current == session && !session.isClosed()
}
