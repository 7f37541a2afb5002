package keyboard

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"barlink/internal/domain"
)

func numberedBurst(code string, base time.Time, gap time.Duration) []domain.KeyEvent {
	events := make([]domain.KeyEvent, 0, len(code)+1)
	for i, char := range code {
		events = append(events, domain.KeyEvent{
			Key:       string(char),
			Timestamp: base.Add(time.Duration(i) * gap),
			Seq:       uint64(i + 1),
		})
	}
	return append(events, domain.KeyEvent{
		Key:       domain.KeyEnter,
		Timestamp: base.Add(time.Duration(len(code)) * gap),
		Seq:       uint64(len(code) + 1),
	})
}

func TestRouterReordersLateFinalDigit(t *testing.T) {
	t.Parallel()

	rec := &candidateRecorder{}
	router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc((&fakeTimers{}).after))
	router.Register("sku")

	events := numberedBurst("7501234567890", time.Unix(1700000000, 0), 20*time.Millisecond)
	last := len(events) - 1
	events[last-1], events[last] = events[last], events[last-1]

	completed := false
	for _, ev := range events {
		if router.Dispatch(ev) {
			completed = true
		}
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0].Code != "7501234567890" {
		t.Fatalf("expected one full code, got %+v", got)
	}
	if !completed {
		t.Fatalf("expected the call that filled the gap to report the burst")
	}
}

func TestRouterConcurrentBurstDeliversOneCode(t *testing.T) {
	t.Parallel()

	const code = "7501234567890"
	base := time.Unix(1700000000, 0)
	for run := 0; run < 200; run++ {
		rec := &candidateRecorder{}
		router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc((&fakeTimers{}).after))
		router.Register("sku")

		events := numberedBurst(code, base, 20*time.Millisecond)
		rand.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, ev := range events {
			wg.Add(1)
			go func(ev domain.KeyEvent) {
				defer wg.Done()
				<-start
				router.Dispatch(ev)
			}(ev)
		}
		close(start)
		wg.Wait()

		got := rec.snapshot()
		if len(got) != 1 || got[0].Code != code {
			t.Fatalf("run %d: expected one %q, got %+v", run, code, got)
		}
		c, _ := router.Get("sku")
		if c.Buffered() != "" {
			t.Fatalf("run %d: expected empty buffer, got %q", run, c.Buffered())
		}
	}
}

func TestRouterSkipsMissingKeyAfterWait(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	rec := &candidateRecorder{}
	router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc(timers.after))
	router.Register("sku")
	base := time.Unix(1700000000, 0)

	router.Dispatch(domain.KeyEvent{Key: "4", Timestamp: base, Seq: 1})
	router.Dispatch(domain.KeyEvent{Key: "2", Timestamp: base.Add(20 * time.Millisecond), Seq: 3})

	c, _ := router.Get("sku")
	if c.Buffered() != "4" || router.seq.pending() != 1 {
		t.Fatalf("expected seq 3 to be held, buffer=%q pending=%d", c.Buffered(), router.seq.pending())
	}

	// Timer 0 is the classifier's quiet timer, timer 1 the gap timer.
	timers.get(1).fn()
	if c.Buffered() != "42" || router.seq.pending() != 0 {
		t.Fatalf("expected held key after the gap, buffer=%q pending=%d", c.Buffered(), router.seq.pending())
	}

	router.Dispatch(domain.KeyEvent{Key: domain.KeyEnter, Timestamp: base.Add(40 * time.Millisecond), Seq: 4})
	got := rec.snapshot()
	if len(got) != 1 || got[0].Code != "42" {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	// Late arrival of the skipped key is stale.
	if router.Dispatch(domain.KeyEvent{Key: "9", Timestamp: base.Add(50 * time.Millisecond), Seq: 2}) {
		t.Fatalf("stale key must not complete a burst")
	}
	if c.Buffered() != "" {
		t.Fatalf("stale key must be dropped, got %q", c.Buffered())
	}
}

func TestRouterSequenceRestartsAtOne(t *testing.T) {
	t.Parallel()

	rec := &candidateRecorder{}
	router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc((&fakeTimers{}).after))
	router.Register("sku")

	base := time.Unix(1700000000, 0)
	for _, ev := range numberedBurst("11", base, 10*time.Millisecond) {
		router.Dispatch(ev)
	}
	for _, ev := range numberedBurst("22", base.Add(time.Second), 10*time.Millisecond) {
		router.Dispatch(ev)
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0].Code != "11" || got[1].Code != "22" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}
