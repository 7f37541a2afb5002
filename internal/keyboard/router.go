package keyboard

import (
	"sync"
	"time"

	"barlink/internal/domain"
)

// Router is the window-level key listener. It fans key events out to the
// classifier owning the target field so concurrently mounted fields never
// share a buffer.
type Router struct {
	quiet time.Duration
	emit  func(domain.ScanCandidate)
	opts  []Option
	seq   *sequencer

	mu          sync.Mutex
	classifiers map[string]*Classifier
	order       []string
	focus       string
}

func NewRouter(quiet time.Duration, emit func(domain.ScanCandidate), opts ...Option) *Router {
	r := &Router{
		quiet:       quiet,
		emit:        emit,
		opts:        opts,
		classifiers: make(map[string]*Classifier),
	}
	// Options are resolved once so the sequencer shares the classifiers' timers.
	resolved := NewClassifier("", quiet, nil, opts...)
	r.seq = newSequencer(resolved.quiet, resolved.afterFunc, r.route)
	return r
}

// Register mounts a field. Registering an already mounted field returns the
// existing classifier.
func (r *Router) Register(field string) *Classifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.classifiers[field]; ok {
		return c
	}
	c := NewClassifier(field, r.quiet, r.emit, r.opts...)
	r.classifiers[field] = c
	r.order = append(r.order, field)
	return c
}

// Unregister unmounts a field and disposes its classifier.
func (r *Router) Unregister(field string) {
	r.mu.Lock()
	c, ok := r.classifiers[field]
	if ok {
		delete(r.classifiers, field)
		for i, name := range r.order {
			if name == field {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.focus == field {
			r.focus = ""
		}
	}
	r.mu.Unlock()

	if ok {
		c.Dispose()
	}
}

// SetFocus marks the field that receives untargeted key events.
func (r *Router) SetFocus(field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classifiers[field]; ok {
		r.focus = field
	}
}

// Dispatch routes one key event. Events naming a mounted field go to it;
// anything else goes to the focused field, or the first mounted one.
// Numbered events are put back in Seq order first.
func (r *Router) Dispatch(ev domain.KeyEvent) bool {
	if ev.Seq > 0 {
		return r.seq.submit(ev)
	}
	return r.route(ev)
}

func (r *Router) route(ev domain.KeyEvent) bool {
	c := r.target(ev.Field)
	if c == nil {
		return false
	}
	return c.HandleKey(ev)
}

// Get returns the classifier for a mounted field.
func (r *Router) Get(field string) (*Classifier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classifiers[field]
	return c, ok
}

// Fields lists mounted fields in registration order.
func (r *Router) Fields() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Close disposes every mounted classifier.
func (r *Router) Close() {
	r.mu.Lock()
	classifiers := r.classifiers
	r.classifiers = make(map[string]*Classifier)
	r.order = nil
	r.focus = ""
	r.mu.Unlock()

	r.seq.reset()
	for _, c := range classifiers {
		c.Dispose()
	}
}

func (r *Router) target(field string) *Classifier {
	r.mu.Lock()
	defer r.mu.Unlock()

	if field != "" {
		if c, ok := r.classifiers[field]; ok {
			return c
		}
	}
	if r.focus != "" {
		return r.classifiers[r.focus]
	}
	if len(r.order) > 0 {
		return r.classifiers[r.order[0]]
	}
	return nil
}
