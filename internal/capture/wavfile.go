package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"

	"github.com/antoniostano/bankvoice/internal/audio"
)

// WAVSource plays a WAV file into the pipeline as if it were a microphone.
type WAVSource struct {
	Path string
	// Realtime paces chunks at wall-clock speed; otherwise the file is pushed as fast as possible.
	Realtime bool
	// TrailingSilence is appended after the file so server-side VAD sees the end of speech.
	TrailingSilence time.Duration
}

const wavChunk = 20 * time.Millisecond

func (s WAVSource) Open(_ context.Context, req Request, sink func(pcm []byte)) (Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, classify("open", err)
	}
	decoded, format, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, &Error{Kind: KindDeviceError, Op: "decode", Err: fmt.Errorf("decode %s: %w", s.Path, err)}
	}

	target := beep.SampleRate(req.SampleRate)
	streamer := audio.FullScaleWAV(decoded, format)
	if format.SampleRate != target {
		streamer = beep.Resample(4, format.SampleRate, target, streamer)
	}

	ws := &wavStream{
		closer: func() {
			_ = decoded.Close()
			_ = f.Close()
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go ws.run(streamer, target.N(wavChunk), target.N(s.TrailingSilence), s.Realtime, sink)
	return ws, nil
}

type wavStream struct {
	closer    func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (w *wavStream) run(streamer beep.Streamer, chunk, silence int, realtime bool, sink func([]byte)) {
	defer close(w.done)

	var tick <-chan time.Time
	if realtime {
		ticker := time.NewTicker(wavChunk)
		defer ticker.Stop()
		tick = ticker.C
	}
	wait := func() bool {
		if tick == nil {
			select {
			case <-w.stop:
				return false
			default:
				return true
			}
		}
		select {
		case <-w.stop:
			return false
		case <-tick:
			return true
		}
	}

	buf := make([][2]float64, chunk)
	mono := make([]float32, chunk)
	for {
		n, ok := streamer.Stream(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				mono[i] = float32((buf[i][0] + buf[i][1]) / 2)
			}
			sink(audio.EncodePCM16(mono[:n]))
			if !wait() {
				return
			}
		}
		if !ok {
			break
		}
	}

	zero := make([]byte, chunk*2)
	for sent := 0; sent < silence; sent += chunk {
		sink(zero)
		if !wait() {
			return
		}
	}
}

func (w *wavStream) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.closer()
	})
	return nil
}
