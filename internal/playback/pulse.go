package playback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"

	"github.com/antoniostano/bankvoice/internal/audio"
)

// PulseDevice plays fragments through a PulseAudio/PipeWire sink, one
// playback stream per fragment. Drain is the "finished" signal.
type PulseDevice struct {
	AppName   string
	MediaName string
	// Latency is the requested stream latency in seconds.
	Latency float64

	mu     sync.Mutex
	client *pulse.Client
}

func (d *PulseDevice) connect() (*pulse.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}
	name := d.AppName
	if name == "" {
		name = "bankvoice"
	}
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(name),
		pulse.ClientApplicationIconName("audio-speakers"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	d.client = client
	return client, nil
}

func (d *PulseDevice) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
}

func (d *PulseDevice) Play(ctx context.Context, samples []float32, sampleRate int) error {
	client, err := d.connect()
	if err != nil {
		return err
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = audio.SampleToInt16(s)
	}

	var (
		pos       int
		cancelled atomic.Bool
	)
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if cancelled.Load() || pos >= len(pcm) {
			return 0, pulse.EndOfData
		}
		n := copy(buf, pcm[pos:])
		pos += n
		if pos >= len(pcm) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	latency := d.Latency
	if latency <= 0 {
		latency = 0.05
	}
	media := d.MediaName
	if media == "" {
		media = "assistant voice"
	}
	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(latency),
		pulse.PlaybackMediaName(media),
	)
	if err != nil {
		d.drop()
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stream.Start()
		stream.Drain()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancelled.Store(true)
		<-done
		return ctx.Err()
	}
	if err := stream.Error(); err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	return nil
}

// Close releases the Pulse connection.
func (d *PulseDevice) Close() error {
	d.drop()
	return nil
}
