package playback

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/bankvoice/internal/audio"
)

// DiscardDevice takes as long as the audio would, without an output device.
type DiscardDevice struct{}

func (DiscardDevice) Play(ctx context.Context, samples []float32, sampleRate int) error {
	d := audio.Duration(len(samples), sampleRate)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorder wraps a Device and keeps a PCM16 copy of everything played so it
// can be written out as a WAV file.
type Recorder struct {
	inner Device
	path  string

	mu   sync.Mutex
	pcm  []byte
	rate int
}

func NewRecorder(inner Device, path string) *Recorder {
	return &Recorder{inner: inner, path: path}
}

func (r *Recorder) Play(ctx context.Context, samples []float32, sampleRate int) error {
	r.mu.Lock()
	r.pcm = append(r.pcm, audio.EncodePCM16(samples)...)
	r.rate = sampleRate
	r.mu.Unlock()
	return r.inner.Play(ctx, samples, sampleRate)
}

// Bytes returns a copy of the recorded PCM16.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.pcm...)
}

// Close writes the recording and closes the wrapped device if it can be closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	pcm := r.pcm
	rate := r.rate
	r.mu.Unlock()

	var err error
	if r.path != "" && len(pcm) > 0 {
		err = audio.WriteWAVFile(r.path, pcm, rate)
	}
	if c, ok := r.inner.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
