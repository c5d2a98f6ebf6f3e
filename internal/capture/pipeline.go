// Package capture acquires the microphone and emits fixed-size float frames.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/logging"
)

// Request is what a Source is asked to open.
type Request struct {
	SampleRate       int
	FrameSize        int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Source opens one mono PCM16LE input stream and pushes raw bytes into sink
// from a single goroutine until the returned Stream is closed.
type Source interface {
	Open(ctx context.Context, req Request, sink func(pcm []byte)) (Stream, error)
}

type Stream interface {
	Close() error
}

// Options configures one capture run.
type Options struct {
	SampleRate int
	FrameSize  int
	OnFrame    func(frame []float32)
	OnLevel    func(percent float64)
}

// Pipeline turns a Source into frames of exactly FrameSize samples.
type Pipeline struct {
	source Source
	logger *zap.Logger
}

// micInUse enforces one active capture per process.
var micInUse atomic.Bool

func NewPipeline(source Source, logger *zap.Logger) *Pipeline {
	return &Pipeline{source: source, logger: logging.OrNop(logger)}
}

// Start acquires the microphone. The returned Handle must be stopped to
// release it.
func (p *Pipeline) Start(ctx context.Context, opts Options) (*Handle, error) {
	if p.source == nil {
		return nil, &Error{Kind: KindDeviceNotFound, Op: "start", Err: errors.New("no capture source configured")}
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = 4096
	}
	if !micInUse.CompareAndSwap(false, true) {
		return nil, &Error{Kind: KindDeviceError, Op: "start", Err: errBusy}
	}

	h := &Handle{
		opts:       opts,
		frameBytes: opts.FrameSize * 2,
		logger:     p.logger,
	}
	stream, err := p.source.Open(ctx, Request{
		SampleRate:       opts.SampleRate,
		FrameSize:        opts.FrameSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, h.write)
	if err != nil {
		micInUse.Store(false)
		return nil, classify("open", err)
	}

	h.mu.Lock()
	h.stream = stream
	h.mu.Unlock()

	p.logger.Info("microphone capture started",
		zap.Int("sample_rate", opts.SampleRate),
		zap.Int("frame_size", opts.FrameSize),
	)
	return h, nil
}

// Handle is one active capture.
type Handle struct {
	opts       Options
	frameBytes int
	logger     *zap.Logger

	mu      sync.Mutex
	stream  Stream
	pending []byte
	stopped bool

	frames atomic.Int64
}

// Stop releases the microphone. Safe to call more than once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	stream := h.stream
	h.stream = nil
	h.pending = nil
	h.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	micInUse.Store(false)
	h.logger.Info("microphone capture stopped", zap.Int64("frames", h.frames.Load()))
	return err
}

// Frames reports how many frames have been emitted.
func (h *Handle) Frames() int64 {
	return h.frames.Load()
}

func (h *Handle) write(pcm []byte) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, pcm...)
	var ready [][]byte
	for len(h.pending) >= h.frameBytes {
		chunk := make([]byte, h.frameBytes)
		copy(chunk, h.pending[:h.frameBytes])
		h.pending = h.pending[h.frameBytes:]
		ready = append(ready, chunk)
	}
	h.mu.Unlock()

	for _, chunk := range ready {
		// frameBytes is even, so decode cannot fail here.
		frame, _ := audio.DecodePCM16(chunk)
		h.frames.Add(1)
		if h.opts.OnFrame != nil {
			h.opts.OnFrame(frame)
		}
		if h.opts.OnLevel != nil {
			h.opts.OnLevel(audio.Level(frame))
		}
	}
}
