package domain

import "time"

// PermissionState models camera access as seen by the lifecycle manager.
type PermissionState string

const (
	PermissionUnchecked PermissionState = "unchecked"
	PermissionChecking  PermissionState = "checking"
	PermissionGranted   PermissionState = "granted"
	PermissionDenied    PermissionState = "denied"
	PermissionNoDevice  PermissionState = "no_device"
	PermissionError     PermissionState = "error"
)

// IsFailure reports whether the state is one of the retry-capable failures.
func (p PermissionState) IsFailure() bool {
	switch p {
	case PermissionDenied, PermissionNoDevice, PermissionError:
		return true
	default:
		return false
	}
}

// ScanSource identifies the input channel a code arrived on.
type ScanSource string

const (
	ScanSourceKeyboard ScanSource = "keyboard"
	ScanSourceCamera   ScanSource = "camera"
)

// ScanCandidate is a raw code produced by the classifier or the decode engine.
type ScanCandidate struct {
	Code      string
	Source    ScanSource
	Field     string
	Format    string
	Timestamp time.Time
}

// ScanEvent is a delivered, normalized scan.
type ScanEvent struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId,omitempty"`
	Code      string     `json:"code"`
	Source    ScanSource `json:"source"`
	Field     string     `json:"field,omitempty"`
	Format    string     `json:"format,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// SessionState models the camera scanning session lifecycle.
type SessionState string

const (
	SessionStateClosed         SessionState = "closed"
	SessionStateCheckingAccess SessionState = "checking_access"
	SessionStateScanning       SessionState = "scanning"
	SessionStateAccessFailed   SessionState = "access_failed"
	SessionStatePipelineError  SessionState = "pipeline_error"
)

// ErrorCode identifies backend errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodePermission    ErrorCode = "permission"
	ErrorCodePipelineStart ErrorCode = "pipeline_start"
	ErrorCodeCameraStop    ErrorCode = "camera_stop"
	ErrorCodeCameraLost    ErrorCode = "camera_lost"
)

// CameraStatus summarizes the current camera session.
type CameraStatus struct {
	SessionID  string          `json:"sessionId,omitempty"`
	State      SessionState    `json:"state"`
	Permission PermissionState `json:"permission"`
	Active     bool            `json:"active"`
	Fired      bool            `json:"fired"`
	Message    string          `json:"message,omitempty"`
}

// KeyEvent is one key press observed at the window level.
// Key follows the DOM KeyboardEvent.key convention: printable keys are a
// single character, named keys ("Enter", "Shift", "ArrowUp") are longer.
type KeyEvent struct {
	Field     string    `json:"field,omitempty"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	// Seq numbers events from hosts that may deliver them out of order.
	// Zero means the event is already in order.
	Seq uint64 `json:"seq,omitempty"`
}

// KeyEnter terminates a burst.
const KeyEnter = "Enter"

// Frame is a single grayscale video frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
}
