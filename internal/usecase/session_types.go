package usecase

import (
	"sync"
	"sync/atomic"

	"barlink/internal/camera"
	"barlink/internal/domain"
)

// scanSession is one open camera scanning interaction.
type scanSession struct {
	id      string
	manager *camera.Manager
	cancel  func()

	// fired flips once, on the first delivered camera detection.
	fired atomic.Bool

	stateMu        sync.Mutex
	state          domain.SessionState
	closed         bool
	pipelineTarget string
	message        string
}

func (s *scanSession) setState(state domain.SessionState, message string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
	s.message = message
}

func (s *scanSession) getState() domain.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *scanSession) markClosed() (target string, already bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return "", true
	}
	s.closed = true
	s.state = domain.SessionStateClosed
	target = s.pipelineTarget
	s.pipelineTarget = ""
	return target, false
}

func (s *scanSession) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// bindPipeline records the pipeline target unless the session closed first.
func (s *scanSession) bindPipeline(target string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return false
	}
	s.pipelineTarget = target
	return true
}

func (s *scanSession) status() domain.CameraStatus {
	s.stateMu.Lock()
	state, message := s.state, s.message
	s.stateMu.Unlock()

	permission := s.manager.State()
	if message == "" {
		message = camera.PermissionMessage(permission)
	}
	return domain.CameraStatus{
		SessionID:  s.id,
		State:      state,
		Permission: permission,
		Active:     state == domain.SessionStateScanning,
		Fired:      s.fired.Load(),
		Message:    message,
	}
}

func (s *scanSession) cancelContext() {
	s.stateMu.Lock()
	cancel := s.cancel
	s.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
