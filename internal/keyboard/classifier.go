package keyboard

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"barlink/internal/domain"
)

// DefaultQuietPeriod is the longest gap tolerated between two keystrokes of
// one scanner burst.
const DefaultQuietPeriod = 100 * time.Millisecond

// State is the classifier's burst state.
type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateDisposed     State = "disposed"
)

// Timer is the subset of *time.Timer the classifier relies on.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

// Option customizes a Classifier.
type Option func(*Classifier)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(after AfterFunc) Option {
	return func(c *Classifier) {
		if after != nil {
			c.afterFunc = after
		}
	}
}

// WithClock replaces the time source used for keystroke timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

type keystroke struct {
	char rune
	at   time.Time
}

// Classifier decides whether keystrokes for one field form a scanner burst.
//
// Printable keys accumulate while each arrives within the quiet period of the
// previous one. Enter flushes the buffer as a keyboard ScanCandidate. A quiet
// period without input discards the buffer.
type Classifier struct {
	field     string
	quiet     time.Duration
	emit      func(domain.ScanCandidate)
	afterFunc AfterFunc
	now       func() time.Time

	mu    sync.Mutex
	state State
	buf   []keystroke
	timer Timer
	gen   uint64
}

// NewClassifier builds a classifier for one scan-capable field.
func NewClassifier(field string, quiet time.Duration, emit func(domain.ScanCandidate), opts ...Option) *Classifier {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	c := &Classifier{
		field: field,
		quiet: quiet,
		emit:  emit,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:   time.Now,
		state: StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Field returns the field this classifier is scoped to.
func (c *Classifier) Field() string {
	return c.field
}

// HandleKey feeds one key event. It returns true when the event completed a
// burst and a candidate was emitted.
func (c *Classifier) HandleKey(ev domain.KeyEvent) bool {
	at := ev.Timestamp
	if at.IsZero() {
		at = c.now()
	}

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return false
	}

	if ev.Key == domain.KeyEnter {
		if len(c.buf) == 0 {
			c.mu.Unlock()
			return false
		}
		if at.Sub(c.buf[len(c.buf)-1].at) > c.quiet {
			c.clearLocked()
			c.mu.Unlock()
			return false
		}
		code := strings.TrimSpace(c.textLocked())
		// Cleared before the callback runs so re-entrant key events start fresh.
		c.clearLocked()
		c.mu.Unlock()

		if code == "" {
			return false
		}
		if c.emit != nil {
			c.emit(domain.ScanCandidate{
				Code:      code,
				Source:    domain.ScanSourceKeyboard,
				Field:     c.field,
				Timestamp: at,
			})
		}
		return true
	}

	char, ok := printable(ev.Key)
	if !ok {
		c.mu.Unlock()
		return false
	}

	if n := len(c.buf); n > 0 && at.Sub(c.buf[n-1].at) > c.quiet {
		c.clearLocked()
	}

	c.buf = append(c.buf, keystroke{char: char, at: at})
	c.state = StateAccumulating
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = c.afterFunc(c.quiet, func() { c.expire(gen) })
	c.mu.Unlock()
	return false
}

// Buffered returns the characters currently accumulated.
func (c *Classifier) Buffered() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textLocked()
}

// State returns the current burst state.
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset discards the buffer and cancels the pending quiet timer.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return
	}
	c.clearLocked()
}

// Dispose resets the classifier and ignores all further input.
func (c *Classifier) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.state = StateDisposed
}

func (c *Classifier) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateAccumulating {
		return
	}
	c.buf = c.buf[:0]
	c.timer = nil
	c.state = StateIdle
}

func (c *Classifier) clearLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.buf = c.buf[:0]
	if c.state != StateDisposed {
		c.state = StateIdle
	}
}

func (c *Classifier) textLocked() string {
	var b strings.Builder
	for _, k := range c.buf {
		b.WriteRune(k.char)
	}
	return b.String()
}

func printable(key string) (rune, bool) {
	if utf8.RuneCountInString(key) != 1 {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(key)
	if r == utf8.RuneError || !unicode.IsPrint(r) {
		return 0, false
	}
	return r, true
}
