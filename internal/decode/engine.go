package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"barlink/internal/domain"
	"barlink/internal/ports"
)

const (
	DefaultWorkers = 2
	MaxWorkers     = 4
)

// ErrPipelineStart marks a decode pipeline that could not bind to its stream.
var ErrPipelineStart = errors.New("decode pipeline failed to start")

// Config is fixed for the lifetime of one pipeline.
type Config struct {
	Formats    []string
	HalfSample bool
	Workers    int
}

// DecoderFactory builds one decoder per worker.
type DecoderFactory func(Config) (ports.FrameDecoder, error)

// WorkerCount derives the decode worker count from available CPUs unless
// explicitly configured.
func WorkerCount(configured int) int {
	return workerCount(configured, runtime.NumCPU())
}

func workerCount(configured, cpus int) int {
	n := configured
	if n <= 0 {
		n = cpus
		if n <= 0 {
			n = DefaultWorkers
		}
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Engine drives decode pipelines against camera streams. At most one
// pipeline is bound to a given video target.
type Engine struct {
	cfg        Config
	newDecoder DecoderFactory

	mu        sync.Mutex
	pipelines map[string]*pipeline
}

func NewEngine(cfg Config, newDecoder DecoderFactory) *Engine {
	if len(cfg.Formats) == 0 {
		cfg.Formats = DefaultFormats
	}
	if newDecoder == nil {
		newDecoder = NewZXingDecoder
	}
	return &Engine{
		cfg:        cfg,
		newDecoder: newDecoder,
		pipelines:  make(map[string]*pipeline),
	}
}

// StartOption customizes one pipeline.
type StartOption func(*pipeline)

// OnStreamEnd registers fn to run, on its own goroutine, when the camera
// stream closes while the pipeline is still bound. It does not run after Stop.
func OnStreamEnd(fn func()) StartOption {
	return func(p *pipeline) {
		p.onEnd = fn
	}
}

// Start binds a new pipeline to target. Any pipeline already bound to the
// same target is stopped and detached first.
func (e *Engine) Start(ctx context.Context, target string, stream ports.CameraStream, onDetect func(domain.ScanCandidate), opts ...StartOption) error {
	e.Stop(target)

	if stream == nil || stream.Frames() == nil {
		return fmt.Errorf("%w: no camera stream for %q", ErrPipelineStart, target)
	}

	workers := WorkerCount(e.cfg.Workers)
	decoders := make([]ports.FrameDecoder, 0, workers)
	for i := 0; i < workers; i++ {
		decoder, err := e.newDecoder(e.cfg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPipelineStart, err)
		}
		decoders = append(decoders, decoder)
	}

	p := newPipeline(target, stream, onDetect)
	for _, opt := range opts {
		opt(p)
	}
	p.start(ctx, decoders)

	e.mu.Lock()
	racing := e.pipelines[target]
	e.pipelines[target] = p
	e.mu.Unlock()
	if racing != nil {
		racing.stop()
	}

	slog.Info("decode: pipeline started",
		"target", target,
		"workers", workers,
		"formats", len(e.cfg.Formats),
		"half_sample", e.cfg.HalfSample,
	)
	return nil
}

// Stop detaches the listener and stops the pipeline bound to target.
func (e *Engine) Stop(target string) {
	e.mu.Lock()
	p := e.pipelines[target]
	delete(e.pipelines, target)
	e.mu.Unlock()

	if p != nil {
		p.stop()
	}
}

// StopAll stops every running pipeline.
func (e *Engine) StopAll() {
	e.mu.Lock()
	pipelines := e.pipelines
	e.pipelines = make(map[string]*pipeline)
	e.mu.Unlock()

	for _, p := range pipelines {
		p.stop()
	}
}

// Running reports whether a pipeline is bound to target.
func (e *Engine) Running(target string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pipelines[target]
	return ok
}

// pipeline fans the latest camera frame out to decode workers. Workers
// always pick up the newest frame; frames they could not keep up with are
// dropped.
type pipeline struct {
	target string
	stream ports.CameraStream

	listenerMu sync.RWMutex
	onDetect   func(domain.ScanCandidate)
	onEnd      func()

	mu      sync.Mutex
	cond    *sync.Cond
	latest  *domain.Frame
	closed  bool
	dropped uint64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newPipeline(target string, stream ports.CameraStream, onDetect func(domain.ScanCandidate)) *pipeline {
	p := &pipeline{target: target, stream: stream, onDetect: onDetect}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeline) start(ctx context.Context, decoders []ports.FrameDecoder) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.pump(ctx)
	for _, decoder := range decoders {
		p.wg.Add(1)
		go p.work(decoder)
	}
}

func (p *pipeline) pump(ctx context.Context) {
	defer p.wg.Done()
	defer p.close()

	frames := p.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				slog.Warn("decode: camera stream ended", "target", p.target)
				p.streamEnded()
				return
			}
			p.publish(frame)
		}
	}
}

func (p *pipeline) publish(frame domain.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.latest != nil {
		p.dropped++
	}
	p.latest = &frame
	p.cond.Signal()
}

func (p *pipeline) next() (domain.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.latest == nil && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return domain.Frame{}, false
	}
	frame := *p.latest
	p.latest = nil
	return frame, true
}

func (p *pipeline) close() {
	p.mu.Lock()
	p.closed = true
	p.latest = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *pipeline) work(decoder ports.FrameDecoder) {
	defer p.wg.Done()

	for {
		frame, ok := p.next()
		if !ok {
			return
		}
		code, format, err := decoder.Decode(frame)
		if err != nil {
			slog.Debug("decode: frame rejected", "target", p.target, "seq", frame.Seq, "error", err)
			continue
		}
		if code == "" {
			continue
		}
		p.detect(domain.ScanCandidate{
			Code:      code,
			Source:    domain.ScanSourceCamera,
			Format:    format,
			Timestamp: time.Now(),
		})
	}
}

func (p *pipeline) detect(candidate domain.ScanCandidate) {
	p.listenerMu.RLock()
	onDetect := p.onDetect
	p.listenerMu.RUnlock()
	if onDetect != nil {
		onDetect(candidate)
	}
}

func (p *pipeline) streamEnded() {
	p.listenerMu.RLock()
	onEnd := p.onEnd
	p.listenerMu.RUnlock()
	if onEnd != nil {
		// The handler may call Stop, which waits for this goroutine.
		go onEnd()
	}
}

func (p *pipeline) stop() {
	p.stopOnce.Do(func() {
		p.listenerMu.Lock()
		p.onDetect = nil
		p.onEnd = nil
		p.listenerMu.Unlock()

		if p.cancel != nil {
			p.cancel()
		}
		p.close()
		p.wg.Wait()

		p.mu.Lock()
		dropped := p.dropped
		p.mu.Unlock()
		slog.Info("decode: pipeline stopped", "target", p.target, "dropped_frames", dropped)
	})
}
