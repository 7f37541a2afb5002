package keyboard

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"barlink/internal/domain"
)

func TestRouterKeepsFieldBuffersApart(t *testing.T) {
	t.Parallel()

	rec := &candidateRecorder{}
	router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc((&fakeTimers{}).after))
	router.Register("purchase")
	router.Register("sale")

	base := time.Unix(1700000000, 0)
	router.Dispatch(domain.KeyEvent{Field: "purchase", Key: "1", Timestamp: base})
	router.Dispatch(domain.KeyEvent{Field: "sale", Key: "9", Timestamp: base.Add(time.Millisecond)})
	router.Dispatch(domain.KeyEvent{Field: "purchase", Key: "2", Timestamp: base.Add(2 * time.Millisecond)})
	router.Dispatch(domain.KeyEvent{Field: "purchase", Key: domain.KeyEnter, Timestamp: base.Add(3 * time.Millisecond)})

	got := rec.snapshot()
	if len(got) != 1 || got[0].Code != "12" || got[0].Field != "purchase" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	sale, ok := router.Get("sale")
	if !ok || sale.Buffered() != "9" {
		t.Fatalf("sale buffer must be untouched")
	}
}

func TestRouterUntargetedEventsFollowFocus(t *testing.T) {
	t.Parallel()

	rec := &candidateRecorder{}
	router := NewRouter(100*time.Millisecond, rec.record, WithAfterFunc((&fakeTimers{}).after))

	if router.Dispatch(domain.KeyEvent{Key: "1"}) {
		t.Fatalf("dispatch without mounted fields must be a no-op")
	}

	router.Register("first")
	router.Register("second")

	router.Dispatch(domain.KeyEvent{Key: "5"})
	first, _ := router.Get("first")
	if first.Buffered() != "5" {
		t.Fatalf("expected first mounted field to receive untargeted keys")
	}

	router.SetFocus("second")
	router.Dispatch(domain.KeyEvent{Key: "6"})
	router.Dispatch(domain.KeyEvent{Key: domain.KeyEnter})

	got := rec.snapshot()
	if len(got) != 1 || got[0].Field != "second" || got[0].Code != "6" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}

func TestRouterUnregisterDisposes(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	router := NewRouter(100*time.Millisecond, nil, WithAfterFunc(timers.after))
	c := router.Register("sku")
	if again := router.Register("sku"); again != c {
		t.Fatalf("expected register to be idempotent")
	}
	router.SetFocus("sku")
	router.Dispatch(domain.KeyEvent{Key: "1"})

	router.Unregister("sku")
	if c.State() != StateDisposed {
		t.Fatalf("expected disposed classifier, got %s", c.State())
	}
	if timers.active() != 0 {
		t.Fatalf("expected pending timer to be cancelled")
	}
	if len(router.Fields()) != 0 {
		t.Fatalf("expected no mounted fields")
	}

	router.Register("a")
	router.Register("b")
	router.Close()
	if len(router.Fields()) != 0 {
		t.Fatalf("expected close to unmount everything")
	}
}

func TestReadKeyEventsDecodesScannerBurst(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	write := func(typ, code uint16, value int32) {
		ev := inputEvent{Sec: 1700000000, Usec: 500, Type: typ, Code: code, Value: value}
		if err := binary.Write(&buf, binary.LittleEndian, ev); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}

	write(evKey, keyLeftShift, keyPress)
	write(evKey, 30, keyPress)
	write(evKey, 30, keyRelease)
	write(evKey, keyLeftShift, keyRelease)
	write(0x04, 4, 458756)
	write(evKey, 2, keyPress)
	write(evKey, 2, keyRelease)
	write(evKey, keyEnter, keyPress)

	var keys []string
	if err := ReadKeyEvents(&buf, func(ev domain.KeyEvent) { keys = append(keys, ev.Key) }); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	want := []string{"A", "1", domain.KeyEnter}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("unexpected keys: %v", keys)
		}
	}
}

func TestKeyName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code  uint16
		shift bool
		want  string
	}{
		{code: 11, want: "0"},
		{code: 11, shift: true, want: ")"},
		{code: 82, want: "0"},
		{code: keyKPEnter, want: domain.KeyEnter},
		{code: 57, want: " "},
		{code: 1, want: "Unidentified"},
	}
	for _, tc := range cases {
		if got := KeyName(tc.code, tc.shift); got != tc.want {
			t.Fatalf("KeyName(%d, %t) = %q, want %q", tc.code, tc.shift, got, tc.want)
		}
	}
}
