package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"barlink/internal/bootstrap"
	"barlink/internal/config"
	"barlink/internal/domain"
	"barlink/internal/usecase"
)

const (
	eventScan       = "barlink:scan"
	eventChange     = "barlink:change"
	eventAck        = "barlink:ack"
	eventPermission = "barlink:permission"
	eventSession    = "barlink:session"
	eventError      = "barlink:error"
	eventHaptic     = "barlink:haptic"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	services   bootstrap.Services
	dispatcher *usecase.ScanDispatcher
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, a)
	if err != nil {
		a.bootErr = err
		slog.Error("app: startup failed", "error", err)
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	setLogLevel(services.Config.LogLevel)
	if err := services.Start(ctx); err != nil {
		// The window-level scanner keeps working without the feed.
		slog.Error("app: service start failed", "error", err)
		a.SessionError(domain.ErrorCodeStartup, err.Error())
	}

	a.services = services
	a.cfg = services.Config
	a.dispatcher = services.Dispatcher
	a.SessionStateChanged(a.dispatcher.Status())
}

func (a *App) shutdown(context.Context) {
	if a.dispatcher == nil {
		return
	}
	a.services.Shutdown()
}

// KeyPress forwards a window-level key event. timestampMs is the browser
// event time in Unix milliseconds; zero means now. seq numbers key presses
// from 1 per page load so presses delivered out of order are replayed in
// order; zero skips reordering. It returns true when the key completed a
// scanner burst.
func (a *App) KeyPress(field string, key string, timestampMs int64, seq int64) bool {
	if a.requireReady() != nil {
		return false
	}
	return a.dispatcher.KeyPress(keyEvent(field, key, timestampMs, seq))
}

func keyEvent(field, key string, timestampMs, seq int64) domain.KeyEvent {
	ev := domain.KeyEvent{Field: field, Key: key, Timestamp: time.Now()}
	if timestampMs > 0 {
		ev.Timestamp = time.UnixMilli(timestampMs)
	}
	if seq > 0 {
		ev.Seq = uint64(seq)
	}
	return ev
}

// RegisterField mounts a scan-capable input. Scoped fields drop pending
// keystrokes whenever the camera scanner closes.
func (a *App) RegisterField(field string, scoped bool) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.dispatcher.RegisterField(field, scoped)
	return nil
}

// UnregisterField unmounts a scan-capable input.
func (a *App) UnregisterField(field string) {
	if a.requireReady() != nil {
		return
	}
	a.dispatcher.UnregisterField(field)
}

// FocusField marks the input that receives untargeted keystrokes.
func (a *App) FocusField(field string) {
	if a.requireReady() != nil {
		return
	}
	a.dispatcher.FocusField(field)
}

// ManualEntry passes directly typed field text through to change listeners.
func (a *App) ManualEntry(field string, text string) {
	if a.requireReady() != nil {
		return
	}
	a.dispatcher.ManualEntry(field, text)
}

// OpenCamera opens the camera scanner. Permission and pipeline failures are
// reported in the returned status and as events, never as errors.
func (a *App) OpenCamera() (domain.CameraStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.CameraStatus{}, err
	}
	status, err := a.dispatcher.OpenCamera(a.ctx)
	if err != nil {
		slog.Debug("app: camera open reported an error", "error", err)
	}
	return status, nil
}

// RetryCamera re-runs the camera access check after a failure.
func (a *App) RetryCamera() (domain.CameraStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.CameraStatus{}, err
	}
	status, err := a.dispatcher.RetryCamera(a.ctx)
	if err != nil {
		slog.Debug("app: camera retry reported an error", "error", err)
	}
	return status, nil
}

// CloseCamera closes the camera scanner. Closing twice is not an error.
func (a *App) CloseCamera() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.dispatcher.CloseCamera(); err != nil && !errors.Is(err, usecase.ErrNoActiveSession) {
		return err
	}
	return nil
}

// GetStatus returns the current camera session status.
func (a *App) GetStatus() domain.CameraStatus {
	if a.dispatcher == nil {
		status := domain.CameraStatus{State: domain.SessionStateClosed, Permission: domain.PermissionUnchecked}
		if a.bootErr != nil {
			status.Permission = domain.PermissionError
			status.Message = a.bootErr.Error()
		}
		return status
	}
	return a.dispatcher.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	info := map[string]string{
		"cameraBackend": a.cfg.Camera.Backend,
		"cameraDevice":  a.cfg.Camera.Device,
		"resolution":    fmt.Sprintf("%dx%d@%d", a.cfg.Camera.Width, a.cfg.Camera.Height, a.cfg.Camera.FPS),
		"quietPeriodMs": strconv.FormatInt(a.cfg.Keyboard.QuietPeriod.Milliseconds(), 10),
		"formats":       strings.Join(a.cfg.Decode.Formats, ","),
		"halfSample":    strconv.FormatBool(a.cfg.Decode.HalfSample),
		"feed":          a.cfg.Feed.Addr,
		"scanner":       a.cfg.Keyboard.EvdevDevice,
		"configFile":    a.cfg.Source,
	}
	if a.services.Feed != nil {
		info["feed"] = a.services.Feed.Addr()
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.dispatcher == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// Scan emits a delivered scan to the frontend.
func (a *App) Scan(event domain.ScanEvent) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventScan, event)
}

// Change emits field text for the host form's change handler.
func (a *App) Change(field string, text string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventChange, map[string]string{"field": field, "text": text})
}

// Ack emits the transient burst acknowledgment for a field.
func (a *App) Ack(field string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventAck, map[string]string{"field": field})
}

// PermissionChanged emits camera permission updates.
func (a *App) PermissionChanged(state domain.PermissionState, message string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventPermission, map[string]string{
		"state":   string(state),
		"message": message,
	})
}

// SessionStateChanged emits camera session lifecycle updates.
func (a *App) SessionStateChanged(status domain.CameraStatus) {
	if a.ctx == nil {
		return
	}
	if status.Message == "" {
		status.Message = sessionStateMessage(status.State)
	}
	runtime.EventsEmit(a.ctx, eventSession, status)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// Vibrate asks the frontend for a haptic cue; it is advisory only.
func (a *App) Vibrate(pattern []int) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventHaptic, pattern)
}

func sessionStateMessage(state domain.SessionState) string {
	switch state {
	case domain.SessionStateClosed:
		return "Scanner closed"
	case domain.SessionStateCheckingAccess:
		return "Requesting camera access..."
	case domain.SessionStateScanning:
		return "Point the camera at a barcode"
	case domain.SessionStateAccessFailed:
		return "Camera unavailable"
	case domain.SessionStatePipelineError:
		return usecase.MessagePipelineError
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Camera access failed"
	case domain.ErrorCodePipelineStart:
		return "Scanner could not start"
	case domain.ErrorCodeCameraStop:
		return "Camera stop issue"
	case domain.ErrorCodeCameraLost:
		return "Camera disconnected"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
