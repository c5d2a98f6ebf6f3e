// Package playback plays inbound assistant audio fragments strictly in order.
package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
)

// Device plays one block of mono samples and returns once the output has
// finished with it, or when ctx is cancelled.
type Device interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
}

// Result describes what happened to one fragment.
type Result struct {
	Seq      uint64
	Tier     Tier
	Samples  int
	Duration time.Duration
	Err      error
}

type Options struct {
	SampleRate int
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	// OnResult is called from the playback goroutine after every fragment.
	OnResult func(Result)
	// OnIdle is called when the queue drains.
	OnIdle func()
}

type fragment struct {
	seq  uint64
	data []byte
}

// Sequencer is a FIFO of fragments with at most one playing at a time.
type Sequencer struct {
	device   Device
	decoder  Decoder
	logger   *zap.Logger
	metrics  *observability.Metrics
	onResult func(Result)
	onIdle   func()

	mu      sync.Mutex
	queue   []fragment
	playing bool
	gen     uint64
	seq     uint64
	cancel  context.CancelFunc
}

func NewSequencer(device Device, opts Options) *Sequencer {
	return &Sequencer{
		device:   device,
		decoder:  Decoder{SampleRate: opts.SampleRate},
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		onResult: opts.OnResult,
		onIdle:   opts.OnIdle,
	}
}

// Enqueue appends a fragment and starts playback if the sequencer is idle.
func (s *Sequencer) Enqueue(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.queue = append(s.queue, fragment{seq: s.seq, data: buf})
	s.startLocked()
}

// Flush starts playback of anything still queued. Called when a response ends.
func (s *Sequencer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

// Reset drops every queued fragment and abandons the one playing.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.gen++
	s.queue = nil
	s.playing = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 {
		s.logger.Debug("playback queue reset", zap.Int("dropped", dropped))
	}
}

// Idle reports whether nothing is playing or queued.
func (s *Sequencer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing && len(s.queue) == 0
}

// Pending is the number of fragments waiting behind the current one.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sequencer) startLocked() {
	if s.playing || len(s.queue) == 0 {
		return
	}
	s.playing = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.gen)
}

func (s *Sequencer) run(ctx context.Context, gen uint64) {
	for {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.playing = false
			if s.cancel != nil {
				s.cancel()
				s.cancel = nil
			}
			onIdle := s.onIdle
			s.mu.Unlock()
			if onIdle != nil {
				onIdle()
			}
			return
		}
		next := s.queue[0]
		s.queue[0] = fragment{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		res := s.playOne(ctx, next)
		if ctx.Err() != nil {
			return
		}
		if s.onResult != nil {
			s.onResult(res)
		}
	}
}

func (s *Sequencer) playOne(ctx context.Context, f fragment) Result {
	res := Result{Seq: f.seq}
	samples, tier, err := s.decoder.Decode(f.data)
	res.Tier = tier
	if err != nil {
		res.Err = err
		s.metrics.CountPlayback("skipped_decode", string(tier))
		s.logger.Warn("skipping undecodable audio fragment",
			zap.Uint64("seq", f.seq),
			zap.Int("bytes", len(f.data)),
			zap.Error(err),
		)
		return res
	}
	if len(samples) == 0 {
		s.metrics.CountPlayback("skipped_empty", string(tier))
		return res
	}

	res.Samples = len(samples)
	res.Duration = audio.Duration(len(samples), s.decoder.rate())
	if err := s.device.Play(ctx, samples, s.decoder.rate()); err != nil {
		if ctx.Err() != nil {
			return res
		}
		res.Err = err
		s.metrics.CountPlayback("skipped_device", string(tier))
		s.logger.Warn("audio device failed on fragment", zap.Uint64("seq", f.seq), zap.Error(err))
		return res
	}
	s.metrics.CountPlayback("played", string(tier))
	return res
}
