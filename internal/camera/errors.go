package camera

import (
	"errors"
	"io/fs"
	"strings"

	"barlink/internal/domain"
)

var (
	// ErrPermissionDenied marks an acquisition refused by the OS or the user.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoDevice marks an acquisition with no camera hardware present.
	ErrNoDevice = errors.New("no camera device found")
)

const (
	MessageDenied   = "Camera access was denied. Allow camera access for this application and try again."
	MessageNoDevice = "No camera was found. Connect a camera and try again."
	MessageError    = "The camera could not be started. Close other applications using it and try again."
)

// ClassifyAccessError maps an acquisition failure onto a failure state.
func ClassifyAccessError(err error) domain.PermissionState {
	switch {
	case err == nil:
		return domain.PermissionGranted
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return domain.PermissionDenied
	case errors.Is(err, ErrNoDevice), errors.Is(err, fs.ErrNotExist):
		return domain.PermissionNoDevice
	default:
		return domain.PermissionError
	}
}

// PermissionMessage returns the user-facing message for a permission state.
func PermissionMessage(state domain.PermissionState) string {
	switch state {
	case domain.PermissionDenied:
		return MessageDenied
	case domain.PermissionNoDevice:
		return MessageNoDevice
	case domain.PermissionError:
		return MessageError
	case domain.PermissionChecking:
		return "Requesting camera access..."
	default:
		return ""
	}
}

// classifyStderr recognizes capture tool diagnostics for the common access
// failures.
func classifyStderr(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "not authorized"):
		return ErrPermissionDenied
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "no such device"),
		strings.Contains(lower, "cannot open video device"),
		strings.Contains(lower, "could not find"):
		return ErrNoDevice
	default:
		return nil
	}
}
