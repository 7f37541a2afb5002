package bootstrap

import (
	"barlink/internal/domain"
	"barlink/internal/ports"
)

// fanoutSink forwards every event to each sink in order.
type fanoutSink []ports.EventSink

func (f fanoutSink) Scan(event domain.ScanEvent) {
	for _, sink := range f {
		sink.Scan(event)
	}
}

func (f fanoutSink) Change(field string, text string) {
	for _, sink := range f {
		sink.Change(field, text)
	}
}

func (f fanoutSink) Ack(field string) {
	for _, sink := range f {
		sink.Ack(field)
	}
}

func (f fanoutSink) PermissionChanged(state domain.PermissionState, message string) {
	for _, sink := range f {
		sink.PermissionChanged(state, message)
	}
}

func (f fanoutSink) SessionStateChanged(status domain.CameraStatus) {
	for _, sink := range f {
		sink.SessionStateChanged(status)
	}
}

func (f fanoutSink) SessionError(code domain.ErrorCode, detail string) {
	for _, sink := range f {
		sink.SessionError(code, detail)
	}
}
