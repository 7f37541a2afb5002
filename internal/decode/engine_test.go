package decode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

func TestEngineReportsEveryDetection(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 1}, staticDecoderFactory("123456", "CODE_128"))
	detections := make(chan domain.ScanCandidate, 8)

	if err := engine.Start(context.Background(), "cam", stream, func(c domain.ScanCandidate) { detections <- c }); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer engine.StopAll()

	for i := 0; i < 2; i++ {
		stream.frames <- testFrame(uint64(i + 1))
		select {
		case c := <-detections:
			if c.Code != "123456" || c.Source != domain.ScanSourceCamera || c.Format != "CODE_128" {
				t.Fatalf("unexpected candidate: %+v", c)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for detection %d", i+1)
		}
	}
}

func TestEngineRestartDetachesPreviousPipeline(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 1}, staticDecoderFactory("42", "EAN_8"))

	var mu sync.Mutex
	firstCalls := 0
	if err := engine.Start(context.Background(), "cam", stream, func(domain.ScanCandidate) {
		mu.Lock()
		firstCalls++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	second := make(chan domain.ScanCandidate, 4)
	if err := engine.Start(context.Background(), "cam", stream, func(c domain.ScanCandidate) { second <- c }); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer engine.Stop("cam")

	stream.frames <- testFrame(1)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatalf("expected second listener to receive the detection")
	}

	mu.Lock()
	defer mu.Unlock()
	if firstCalls != 0 {
		t.Fatalf("previous listener must be detached, got %d calls", firstCalls)
	}
}

func TestEngineStopDetachesListener(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 2}, staticDecoderFactory("1", "ITF"))
	calls := make(chan domain.ScanCandidate, 4)

	if err := engine.Start(context.Background(), "cam", stream, func(c domain.ScanCandidate) { calls <- c }); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !engine.Running("cam") {
		t.Fatalf("expected pipeline to be running")
	}
	engine.Stop("cam")
	engine.Stop("cam")
	if engine.Running("cam") {
		t.Fatalf("expected pipeline to be stopped")
	}

	select {
	case stream.frames <- testFrame(1):
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case c := <-calls:
		t.Fatalf("unexpected detection after stop: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineStartFailures(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Config{}, staticDecoderFactory("1", "ITF"))
	if err := engine.Start(context.Background(), "cam", nil, nil); !errors.Is(err, ErrPipelineStart) {
		t.Fatalf("expected ErrPipelineStart for nil stream, got %v", err)
	}
	if err := engine.Start(context.Background(), "cam", &nilFramesStream{}, nil); !errors.Is(err, ErrPipelineStart) {
		t.Fatalf("expected ErrPipelineStart for stream without frames, got %v", err)
	}

	decoderErr := errors.New("bad formats")
	failing := NewEngine(Config{}, func(Config) (ports.FrameDecoder, error) { return nil, decoderErr })
	err := failing.Start(context.Background(), "cam", newFakeStream(), nil)
	if !errors.Is(err, ErrPipelineStart) || !errors.Is(err, decoderErr) {
		t.Fatalf("expected wrapped decoder error, got %v", err)
	}
	if failing.Running("cam") {
		t.Fatalf("failed start must not leave a pipeline bound")
	}
}

func TestEngineEndsWhenStreamCloses(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 1}, staticDecoderFactory("", ""))
	if err := engine.Start(context.Background(), "cam", stream, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	close(stream.frames)

	done := make(chan struct{})
	go func() {
		engine.Stop("cam")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stop did not return after stream closed")
	}
}

func TestEngineReportsStreamEnd(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 1}, staticDecoderFactory("", ""))
	ended := make(chan struct{}, 2)
	onEnd := OnStreamEnd(func() {
		// Stopping from the handler must not deadlock on the pump.
		engine.Stop("cam")
		ended <- struct{}{}
	})
	if err := engine.Start(context.Background(), "cam", stream, nil, onEnd); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	close(stream.frames)

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("expected stream end to be reported")
	}
	if engine.Running("cam") {
		t.Fatalf("expected pipeline to be stopped by the handler")
	}
	select {
	case <-ended:
		t.Fatalf("stream end reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineStopSuppressesStreamEnd(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	engine := NewEngine(Config{Workers: 1}, staticDecoderFactory("", ""))
	ended := make(chan struct{}, 1)
	if err := engine.Start(context.Background(), "cam", stream, nil, OnStreamEnd(func() { ended <- struct{}{} })); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	engine.Stop("cam")
	close(stream.frames)

	select {
	case <-ended:
		t.Fatalf("stopped pipeline must not report stream end")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		configured int
		cpus       int
		want       int
	}{
		{configured: 3, cpus: 16, want: 3},
		{configured: 32, cpus: 16, want: MaxWorkers},
		{configured: 0, cpus: 2, want: 2},
		{configured: 0, cpus: 64, want: MaxWorkers},
		{configured: 0, cpus: 0, want: DefaultWorkers},
		{configured: -1, cpus: 1, want: 1},
	}
	for _, tc := range cases {
		if got := workerCount(tc.configured, tc.cpus); got != tc.want {
			t.Fatalf("workerCount(%d, %d) = %d, want %d", tc.configured, tc.cpus, got, tc.want)
		}
	}
	if got := WorkerCount(0); got < 1 || got > MaxWorkers {
		t.Fatalf("unexpected derived worker count %d", got)
	}
}

func staticDecoderFactory(code, format string) DecoderFactory {
	return func(Config) (ports.FrameDecoder, error) {
		return staticDecoder{code: code, format: format}, nil
	}
}

type staticDecoder struct {
	code   string
	format string
}

func (d staticDecoder) Decode(domain.Frame) (string, string, error) {
	return d.code, d.format, nil
}

type fakeStream struct {
	frames chan domain.Frame
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan domain.Frame)}
}

func (f *fakeStream) Frames() <-chan domain.Frame { return f.frames }
func (f *fakeStream) Stop() error                 { return nil }

type nilFramesStream struct{}

func (nilFramesStream) Frames() <-chan domain.Frame { return nil }
func (nilFramesStream) Stop() error                 { return nil }

func testFrame(seq uint64) domain.Frame {
	return domain.Frame{Seq: seq, Width: 2, Height: 2, Data: []byte{0, 0, 0, 0}}
}
