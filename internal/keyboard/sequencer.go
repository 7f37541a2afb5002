package keyboard

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"barlink/internal/domain"
)

// sequencer restores the submission order of numbered key events. Hosts that
// deliver each key on its own goroutine stamp events with a Seq starting at 1;
// events that arrive ahead of a missing predecessor are held until it shows
// up, or until wait elapses and the gap is skipped.
type sequencer struct {
	wait      time.Duration
	afterFunc AfterFunc
	deliver   func(domain.KeyEvent) bool

	mu       sync.Mutex
	next     uint64
	held     map[uint64]domain.KeyEvent
	ready    []domain.KeyEvent
	draining bool
	timer    Timer
	gen      uint64
}

func newSequencer(wait time.Duration, after AfterFunc, deliver func(domain.KeyEvent) bool) *sequencer {
	return &sequencer{
		wait:      wait,
		afterFunc: after,
		deliver:   deliver,
		next:      1,
		held:      make(map[uint64]domain.KeyEvent),
	}
}

// submit queues ev and delivers every event that is now in order. It
// returns true when a delivery made by this call completed a burst.
func (s *sequencer) submit(ev domain.KeyEvent) bool {
	s.mu.Lock()
	switch {
	case ev.Seq == 1 && s.next > 1:
		// Host restarted its numbering.
		s.held = make(map[uint64]domain.KeyEvent)
		s.next = 1
	case ev.Seq < s.next:
		s.mu.Unlock()
		slog.Debug("keyboard: dropped stale key event", "seq", ev.Seq, "next", s.next)
		return false
	}
	s.held[ev.Seq] = ev
	s.promoteLocked()
	return s.drainLocked()
}

// pending reports how many events wait on a missing predecessor.
func (s *sequencer) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *sequencer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = make(map[uint64]domain.KeyEvent)
	s.stopTimerLocked()
}

func (s *sequencer) promoteLocked() {
	for {
		ev, ok := s.held[s.next]
		if !ok {
			break
		}
		delete(s.held, s.next)
		s.ready = append(s.ready, ev)
		s.next++
	}

	s.stopTimerLocked()
	if len(s.held) > 0 {
		gen := s.gen
		s.timer = s.afterFunc(s.wait, func() { s.skipGap(gen) })
	}
}

func (s *sequencer) skipGap(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || len(s.held) == 0 {
		s.mu.Unlock()
		return
	}
	seqs := make([]uint64, 0, len(s.held))
	for seq := range s.held {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	slog.Debug("keyboard: skipping missing key events", "from", s.next, "to", seqs[0])
	s.next = seqs[0]
	s.promoteLocked()
	s.drainLocked()
}

// drainLocked is entered with mu held and returns with it released. Only one
// caller delivers at a time so ready events reach the router in order.
func (s *sequencer) drainLocked() bool {
	if s.draining {
		s.mu.Unlock()
		return false
	}
	s.draining = true

	completed := false
	for len(s.ready) > 0 {
		batch := s.ready
		s.ready = nil
		s.mu.Unlock()
		for _, ev := range batch {
			if s.deliver(ev) {
				completed = true
			}
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
	return completed
}

func (s *sequencer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
