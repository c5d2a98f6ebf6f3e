package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/capture"
	"github.com/antoniostano/bankvoice/internal/persona"
	"github.com/antoniostano/bankvoice/internal/playback"
	"github.com/antoniostano/bankvoice/internal/protocol"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/reliability"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// speechSource emits a burst of tone followed by silence, like someone
// asking one question.
type speechSource struct {
	openErr error
	speech  int
	silence int

	mu     sync.Mutex
	opened int
	closed int
}

func (s *speechSource) Open(_ context.Context, req capture.Request, sink func([]byte)) (capture.Stream, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}

	tone := make([]float32, req.FrameSize)
	for i := range tone {
		tone[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(req.SampleRate)))
	}
	loud := audio.EncodePCM16(tone)
	quiet := audio.EncodePCM16(make([]float32, req.FrameSize))

	st := &speechStream{src: s, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(st.done)
		for i := 0; i < s.speech+s.silence; i++ {
			select {
			case <-st.stop:
				return
			case <-time.After(time.Millisecond):
			}
			if i < s.speech {
				sink(loud)
			} else {
				sink(quiet)
			}
		}
	}()
	return st, nil
}

func (s *speechSource) counts() (opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

type speechStream struct {
	src  *speechSource
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *speechStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		s.src.mu.Lock()
		s.src.closed++
		s.src.mu.Unlock()
	})
	return nil
}

type countingDevice struct {
	mu     sync.Mutex
	blocks []int
}

func (d *countingDevice) Play(_ context.Context, samples []float32, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks = append(d.blocks, len(samples))
	return nil
}

func (d *countingDevice) Blocks() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.blocks...)
}

type hostEvents struct {
	mu          sync.Mutex
	transcripts []string
	utterances  []string
	states      []realtime.State
	kinds       []realtime.ErrorKind
	levels      int
}

func (h *hostEvents) callbacks() Callbacks {
	return Callbacks{
		OnTranscript: func(text string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transcripts = append(h.transcripts, text)
		},
		OnBotUtterance: func(text string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.utterances = append(h.utterances, text)
		},
		OnAudioLevel: func(float64) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.levels++
		},
		OnStateChange: func(s realtime.State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
		OnError: func(kind realtime.ErrorKind, _ error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.kinds = append(h.kinds, kind)
		},
	}
}

type hostSnapshot struct {
	transcripts []string
	utterances  []string
	states      []realtime.State
	kinds       []realtime.ErrorKind
	levels      int
}

func (h *hostEvents) snapshot() hostSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostSnapshot{
		transcripts: append([]string(nil), h.transcripts...),
		utterances:  append([]string(nil), h.utterances...),
		states:      append([]realtime.State(nil), h.states...),
		kinds:       append([]realtime.ErrorKind(nil), h.kinds...),
		levels:      h.levels,
	}
}

type fixture struct {
	mgr    *Manager
	dialer *realtime.MockDialer
	source *speechSource
	device *countingDevice
	events *hostEvents
}

func newFixture(t *testing.T, apiKey string, source *speechSource) *fixture {
	t.Helper()
	f := &fixture{
		dialer: realtime.NewMockDialer(),
		source: source,
		device: &countingDevice{},
		events: &hostEvents{},
	}
	player := playback.NewSequencer(f.device, playback.Options{SampleRate: audio.DefaultSampleRate})
	f.mgr = New(Options{
		APIKey: apiKey,
		Settings: Settings{
			VADSensitivity:  SensitivityMedium,
			ResponseDelay:   0.2,
			AudioBufferSize: BufferSmall,
		},
		Session:      realtime.Config{CommitDelay: 30 * time.Millisecond},
		Dialer:       f.dialer,
		Capture:      capture.NewPipeline(source, nil),
		Player:       player,
		Instructions: persona.NewSelector(persona.NewInMemoryStore(persona.Defaults()...), "john_doe"),
		Callbacks:    f.events.callbacks(),
	})
	t.Cleanup(func() { _ = f.mgr.Disconnect() })
	return f
}

func TestConnectWithoutAPIKey(t *testing.T) {
	f := newFixture(t, "  ", &speechSource{})

	err := f.mgr.Connect(context.Background())
	require.ErrorIs(t, err, ErrMissingCredential)
	require.ErrorIs(t, err, realtime.ErrCredential)
	require.Equal(t, reliability.RemedyCheckCredentials, reliability.RemedyFor(err))
	require.Zero(t, f.dialer.Dials())
	require.Equal(t, realtime.StateIdle, f.mgr.State())

	opened, _ := f.source.counts()
	require.Zero(t, opened)

	f.mgr.SetAPIKey("sk-now-set")
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Equal(t, realtime.StateConnected, f.mgr.State())
}

func TestHappyPathConversation(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{speech: 10, silence: 12})

	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Equal(t, realtime.StateConnected, f.mgr.State())
	require.True(t, f.mgr.Status().Audio.Capturing)

	require.Eventually(t, func() bool {
		return len(f.events.snapshot().utterances) == 1 && len(f.device.Blocks()) == 3
	}, waitFor, tick)

	ev := f.events.snapshot()
	require.Equal(t, []string{"What is my account balance?"}, ev.transcripts)
	require.Equal(t, []string{"Your current account balance is $2450.75."}, ev.utterances)
	require.Positive(t, ev.levels)
	require.Equal(t, []int{4800, 4800, 4800}, f.device.Blocks())
	require.Eventually(t, func() bool { return f.mgr.Status().Audio.PlaybackIdle }, waitFor, tick)

	conn := f.dialer.Last()
	require.Equal(t, 1, conn.Count(protocol.TypeInputAudioBufferCommit))
	require.Equal(t, 1, conn.Count(protocol.TypeResponseCreate))

	require.NoError(t, f.mgr.Disconnect())
	require.Equal(t, realtime.StateDisconnected, f.mgr.State())
	require.True(t, conn.Closed())
	require.False(t, f.mgr.Status().Audio.Capturing)
	opened, closed := f.source.counts()
	require.Equal(t, 1, opened)
	require.Equal(t, 1, closed)

	ev = f.events.snapshot()
	require.Equal(t, []realtime.State{
		realtime.StateConnecting, realtime.StateConnected,
		realtime.StateDisconnecting, realtime.StateDisconnected,
	}, ev.states)
	require.Empty(t, ev.kinds)

	require.NoError(t, f.mgr.Disconnect())
}

func TestCapturePermissionDeniedKeepsSession(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{openErr: os.ErrPermission})

	err := f.mgr.Connect(context.Background())
	var partial *PartialConnectError
	require.ErrorAs(t, err, &partial)
	require.ErrorIs(t, err, capture.ErrPermissionDenied)
	require.Equal(t, reliability.RemedyCheckPermissions, reliability.RemedyFor(err))

	require.Equal(t, realtime.StateConnected, f.mgr.State())
	require.False(t, f.mgr.Status().Audio.Capturing)
	require.Equal(t, []realtime.ErrorKind{realtime.KindCapture}, f.events.snapshot().kinds)

	require.NoError(t, f.mgr.Disconnect())
	require.Equal(t, realtime.StateDisconnected, f.mgr.State())
}

func TestConnectIsIdempotentWhileLive(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})

	require.NoError(t, f.mgr.Connect(context.Background()))
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Equal(t, 1, f.dialer.Dials())
	opened, _ := f.source.counts()
	require.Equal(t, 1, opened)
}

func TestSettingsApplyOnNextConnect(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})
	require.NoError(t, f.mgr.Connect(context.Background()))

	high, delay := "high", 2.5
	updated, err := f.mgr.UpdateSettings(SettingsPatch{VADSensitivity: &high, ResponseDelay: &delay})
	require.NoError(t, err)
	require.Equal(t, SensitivityHigh, updated.VADSensitivity)
	require.Equal(t, 1, f.dialer.Last().Count(protocol.TypeSessionUpdate))

	require.NoError(t, f.mgr.Disconnect())
	require.NoError(t, f.mgr.Connect(context.Background()))

	raws := f.dialer.Last().SentRaw(protocol.TypeSessionUpdate)
	require.Len(t, raws, 1)
	var update protocol.SessionUpdate
	require.NoError(t, json.Unmarshal(raws[0], &update))
	require.InDelta(t, 0.7, update.Session.TurnDetection.Threshold, 1e-9)
	require.Equal(t, 2500, update.Session.TurnDetection.SilenceDurationMS)
	require.Contains(t, update.Session.Instructions, "- Name: John Doe")
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})
	before := f.mgr.Settings()

	bad := "loud"
	_, err := f.mgr.UpdateSettings(SettingsPatch{VADSensitivity: &bad})
	require.ErrorIs(t, err, ErrInvalidSettings)

	zero := 0.0
	_, err = f.mgr.UpdateSettings(SettingsPatch{ResponseDelay: &zero})
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.Equal(t, before, f.mgr.Settings())
}

func TestFailedSessionResetOnConnect(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})
	f.dialer.DialErr = errors.New("dial tcp: connection refused")

	require.Error(t, f.mgr.Connect(context.Background()))
	require.Equal(t, realtime.StateFailed, f.mgr.State())

	f.dialer.DialErr = nil
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.Equal(t, realtime.StateConnected, f.mgr.State())
}

func TestConnectionLossReleasesMicrophone(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})
	require.NoError(t, f.mgr.Connect(context.Background()))
	require.True(t, f.mgr.Status().Audio.Capturing)

	f.dialer.Last().Drop()

	require.Eventually(t, func() bool {
		return f.mgr.State() == realtime.StateFailed && !f.mgr.Status().Audio.Capturing
	}, waitFor, tick)
	_, closed := f.source.counts()
	require.Equal(t, 1, closed)
	require.Contains(t, f.events.snapshot().kinds, realtime.KindConnectionLost)

	require.NoError(t, f.mgr.Connect(context.Background()))
	require.True(t, f.mgr.Status().Audio.Capturing)
}

func TestStartAudioStreamingRequiresSession(t *testing.T) {
	f := newFixture(t, "sk-test", &speechSource{})
	require.ErrorIs(t, f.mgr.StartAudioStreaming(context.Background()), realtime.ErrNotConnected)
	opened, _ := f.source.counts()
	require.Zero(t, opened)
}
