package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/bankvoice/internal/audio"
)

type stubSource struct {
	openErr  error
	openCall int
	lastReq  Request
	sink     func([]byte)
	closed   int
}

func (s *stubSource) Open(_ context.Context, req Request, sink func([]byte)) (Stream, error) {
	s.openCall++
	s.lastReq = req
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.sink = sink
	return s, nil
}

func (s *stubSource) Close() error {
	s.closed++
	return nil
}

type frameCollector struct {
	mu     sync.Mutex
	frames [][]float32
	levels []float64
}

func (c *frameCollector) options(frameSize int) Options {
	return Options{
		SampleRate: 24000,
		FrameSize:  frameSize,
		OnFrame: func(f []float32) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.frames = append(c.frames, f)
		},
		OnLevel: func(p float64) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.levels = append(c.levels, p)
		},
	}
}

func (c *frameCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestPipelineEmitsFixedSizeFrames(t *testing.T) {
	src := &stubSource{}
	var got frameCollector
	h, err := NewPipeline(src, nil).Start(context.Background(), got.options(4))
	require.NoError(t, err)
	defer h.Stop()

	require.Equal(t, 24000, src.lastReq.SampleRate)
	require.True(t, src.lastReq.EchoCancellation)
	require.True(t, src.lastReq.NoiseSuppression)
	require.True(t, src.lastReq.AutoGainControl)

	pcm := audio.EncodePCM16([]float32{0.5, -0.5, 0.25, -0.25, 0.1, 0.1, 0.1})
	src.sink(pcm[:3])
	src.sink(pcm[3:])
	require.Equal(t, 1, got.count())
	require.Len(t, got.frames[0], 4)
	require.InDelta(t, 0.5, got.frames[0][0], 1.0/16384)
	require.InDelta(t, -0.25, got.frames[0][3], 1.0/16384)
	require.Len(t, got.levels, 1)
	require.Equal(t, 100.0, got.levels[0])

	src.sink(audio.EncodePCM16([]float32{0.1}))
	require.Equal(t, 2, got.count())
	require.Equal(t, int64(2), h.Frames())
}

func TestPipelineStopIsIdempotentAndSilencesSink(t *testing.T) {
	src := &stubSource{}
	var got frameCollector
	h, err := NewPipeline(src, nil).Start(context.Background(), got.options(2))
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.Equal(t, 1, src.closed)

	src.sink(audio.EncodePCM16([]float32{0.1, 0.2}))
	require.Zero(t, got.count())
}

func TestPipelineIsExclusivePerProcess(t *testing.T) {
	first, err := NewPipeline(&stubSource{}, nil).Start(context.Background(), Options{FrameSize: 2})
	require.NoError(t, err)

	_, err = NewPipeline(&stubSource{}, nil).Start(context.Background(), Options{FrameSize: 2})
	require.ErrorIs(t, err, ErrDeviceError)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindDeviceError, kind)

	require.NoError(t, first.Stop())
	second, err := NewPipeline(&stubSource{}, nil).Start(context.Background(), Options{FrameSize: 2})
	require.NoError(t, err)
	require.NoError(t, second.Stop())
}

func TestPipelinePermissionDeniedReleasesMicrophone(t *testing.T) {
	src := &stubSource{openErr: &Error{Kind: KindPermissionDenied, Op: "open", Err: errors.New("user declined")}}
	_, err := NewPipeline(src, nil).Start(context.Background(), Options{FrameSize: 2})
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.NotErrorIs(t, err, ErrDeviceNotFound)

	h, err := NewPipeline(&stubSource{}, nil).Start(context.Background(), Options{FrameSize: 2})
	require.NoError(t, err)
	require.NoError(t, h.Stop())
}

func TestPipelineWithoutSource(t *testing.T) {
	_, err := NewPipeline(nil, nil).Start(context.Background(), Options{})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{os.ErrPermission, ErrPermissionDenied},
		{errors.New("pulseaudio: access denied"), ErrPermissionDenied},
		{os.ErrNotExist, ErrDeviceNotFound},
		{errors.New("no such entity"), ErrDeviceNotFound},
		{errors.New("connection refused"), ErrDeviceError},
	}
	for _, tc := range cases {
		require.ErrorIs(t, classify("open", tc.err), tc.want, "classify(%v)", tc.err)
	}
}

func TestWAVSourceFeedsPipeline(t *testing.T) {
	samples := make([]float32, 2400)
	for i := range samples {
		samples[i] = 0.25
	}
	path := filepath.Join(t.TempDir(), "question.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.EncodePCM16(samples), 24000))

	var got frameCollector
	h, err := NewPipeline(WAVSource{Path: path}, nil).Start(context.Background(), got.options(480))
	require.NoError(t, err)
	defer h.Stop()

	require.Eventually(t, func() bool { return got.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	require.InDelta(t, 0.25, got.frames[0][0], 0.001)
}

func TestWAVSourceMissingFile(t *testing.T) {
	_, err := NewPipeline(WAVSource{Path: filepath.Join(t.TempDir(), "missing.wav")}, nil).
		Start(context.Background(), Options{FrameSize: 480})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
