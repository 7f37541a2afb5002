package ports

import (
	"context"

	"barlink/internal/domain"
)

// CaptureConfig describes how the camera should be captured.
type CaptureConfig struct {
	Device      string
	InputFormat string
	Width       int
	Height      int
	FPS         int
}

// CameraStream is a live capture of grayscale frames.
type CameraStream interface {
	Frames() <-chan domain.Frame
	Stop() error
}

// CameraDevice opens camera capture streams.
type CameraDevice interface {
	Open(ctx context.Context, cfg CaptureConfig) (CameraStream, error)
}

// FrameDecoder locates and decodes a barcode within one frame.
// It returns ("", "", nil) when no barcode is present.
type FrameDecoder interface {
	Decode(frame domain.Frame) (code string, format string, err error)
}

// Haptics triggers an advisory vibration cue.
type Haptics interface {
	Vibrate(pattern []int)
}

// EventSink emits backend state/events to host forms.
type EventSink interface {
	Scan(event domain.ScanEvent)
	Change(field string, text string)
	Ack(field string)
	PermissionChanged(state domain.PermissionState, message string)
	SessionStateChanged(status domain.CameraStatus)
	SessionError(code domain.ErrorCode, detail string)
}
