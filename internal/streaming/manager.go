// Package streaming composes capture, the realtime session and playback
// into the connect/disconnect surface the host drives.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/capture"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/realtime"
)

var ErrMissingCredential = fmt.Errorf("%w: api key is required", realtime.ErrCredential)

// PartialConnectError means the session is up but the microphone is not.
type PartialConnectError struct {
	Err error
}

func (e *PartialConnectError) Error() string {
	return "connected without audio capture: " + e.Err.Error()
}

func (e *PartialConnectError) Unwrap() error { return e.Err }

// Capturer starts microphone capture; *capture.Pipeline implements it.
type Capturer interface {
	Start(ctx context.Context, opts capture.Options) (*capture.Handle, error)
}

// InstructionSource renders the session prompt at connect time.
type InstructionSource interface {
	Instructions(ctx context.Context, base string) (string, error)
}

// PlaybackStatus is optionally implemented by the player.
type PlaybackStatus interface {
	Idle() bool
	Pending() int
}

// Callbacks are the host-facing notifications.
type Callbacks struct {
	OnTranscript    func(text string)
	OnBotUtterance  func(text string)
	OnAudioLevel    func(percent float64)
	OnStateChange   func(state realtime.State)
	OnSpeechStarted func()
	OnSpeechStopped func()
	OnError         func(kind realtime.ErrorKind, err error)
}

type Options struct {
	APIKey   string
	Settings Settings
	// Session carries the fixed connection parameters (URL, model, timeouts).
	Session      realtime.Config
	Dialer       realtime.Dialer
	Capture      Capturer
	Player       realtime.Player
	Instructions InstructionSource
	Callbacks    Callbacks
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

type Manager struct {
	session      *realtime.Machine
	capture      Capturer
	player       realtime.Player
	instructions InstructionSource
	cb           Callbacks
	logger       *zap.Logger
	base         realtime.Config

	mu       sync.Mutex
	apiKey   string
	settings Settings
	handle   *capture.Handle
	// frameSize is what the live capture was opened with.
	frameSize int

	level atomic.Uint64
}

func New(opts Options) *Manager {
	settings := opts.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	m := &Manager{
		capture:      opts.Capture,
		player:       opts.Player,
		instructions: opts.Instructions,
		cb:           opts.Callbacks,
		logger:       logging.OrNop(opts.Logger),
		base:         opts.Session,
		apiKey:       strings.TrimSpace(opts.APIKey),
		settings:     settings,
	}
	m.session = realtime.NewMachine(realtime.Options{
		Dialer:  opts.Dialer,
		Player:  opts.Player,
		Logger:  m.logger,
		Metrics: opts.Metrics,
		Callbacks: realtime.Callbacks{
			OnStateChange:   opts.Callbacks.OnStateChange,
			OnTranscript:    opts.Callbacks.OnTranscript,
			OnBotUtterance:  opts.Callbacks.OnBotUtterance,
			OnSpeechStarted: opts.Callbacks.OnSpeechStarted,
			OnSpeechStopped: opts.Callbacks.OnSpeechStopped,
			OnError:         opts.Callbacks.OnError,
		},
	})
	return m
}

// Connect opens a session with the current settings and starts capture.
// Calling it while a session is already live is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	apiKey := m.apiKey
	settings := m.settings
	m.mu.Unlock()

	if apiKey == "" {
		return ErrMissingCredential
	}
	if m.session.State() == realtime.StateFailed {
		m.logger.Info("resetting failed session before reconnect")
		m.session.Disconnect()
	}

	cfg, err := m.sessionConfig(ctx, settings)
	if err != nil {
		return err
	}

	if err := m.session.Connect(ctx, apiKey, cfg); err != nil {
		if errors.Is(err, realtime.ErrAlreadyActive) {
			m.logger.Debug("connect ignored: session already active")
			return nil
		}
		return err
	}

	if err := m.StartAudioStreaming(ctx); err != nil {
		m.logger.Warn("connected without microphone", zap.Error(err))
		if m.cb.OnError != nil {
			m.cb.OnError(realtime.KindCapture, err)
		}
		return &PartialConnectError{Err: err}
	}
	return nil
}

func (m *Manager) sessionConfig(ctx context.Context, s Settings) (realtime.Config, error) {
	cfg := m.base
	cfg.VADThreshold = s.VADSensitivity.Threshold()
	cfg.SilenceDuration = s.SilenceDuration()
	if s.Voice != "" {
		cfg.Voice = s.Voice
	}
	if m.instructions != nil {
		text, err := m.instructions.Instructions(ctx, cfg.Instructions)
		if err != nil {
			return realtime.Config{}, fmt.Errorf("load persona context: %w", err)
		}
		cfg.Instructions = text
	}
	return cfg, nil
}

// StartAudioStreaming opens the microphone and feeds frames to the live
// session. It is a no-op while capture is already running.
func (m *Manager) StartAudioStreaming(ctx context.Context) error {
	if m.capture == nil {
		return &capture.Error{Kind: capture.KindDeviceNotFound, Op: "start", Err: errors.New("no capture pipeline configured")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		return nil
	}
	if m.session.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}

	frameSize := m.settings.AudioBufferSize.Frames()
	handle, err := m.capture.Start(ctx, capture.Options{
		SampleRate: audio.DefaultSampleRate,
		FrameSize:  frameSize,
		OnFrame:    m.session.SendAudioFrame,
		OnLevel:    m.reportLevel,
	})
	if err != nil {
		return err
	}
	if !m.session.AttachCapture(func() { m.releaseCapture(handle) }) {
		_ = handle.Stop()
		return realtime.ErrNotConnected
	}
	m.handle = handle
	m.frameSize = frameSize
	return nil
}

// releaseCapture runs from session teardown without m.mu held.
func (m *Manager) releaseCapture(h *capture.Handle) {
	if err := h.Stop(); err != nil {
		m.logger.Warn("stop capture", zap.Error(err))
	}
	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.mu.Unlock()
	m.level.Store(0)
}

func (m *Manager) reportLevel(percent float64) {
	m.level.Store(math.Float64bits(percent))
	if m.cb.OnAudioLevel != nil {
		m.cb.OnAudioLevel(percent)
	}
}

// Disconnect stops capture then tears the session down. It never fails.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h != nil {
		m.session.DetachCapture()
		if err := h.Stop(); err != nil {
			m.logger.Warn("stop capture", zap.Error(err))
		}
		m.level.Store(0)
	}
	m.session.Disconnect()
	return nil
}

// UpdateSettings merges p; the change applies from the next Connect.
func (m *Manager) UpdateSettings(p SettingsPatch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.settings.Merge(p)
	if err != nil {
		return m.settings, err
	}
	m.settings = next
	return next, nil
}

func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetAPIKey swaps the credential used by the next Connect.
func (m *Manager) SetAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = strings.TrimSpace(key)
}

func (m *Manager) State() realtime.State {
	return m.session.State()
}

// AudioStatus describes the microphone and speaker side.
type AudioStatus struct {
	Capturing       bool    `json:"capturing"`
	SampleRate      int     `json:"sample_rate"`
	FrameSize       int     `json:"frame_size"`
	FramesCaptured  int64   `json:"frames_captured"`
	Level           float64 `json:"level"`
	PlaybackIdle    bool    `json:"playback_idle"`
	PlaybackPending int     `json:"playback_pending"`
}

type Status struct {
	Session   realtime.Status `json:"session"`
	Audio     AudioStatus     `json:"audio"`
	Settings  Settings        `json:"settings"`
	HasAPIKey bool            `json:"has_api_key"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	h := m.handle
	st := Status{
		Settings:  m.settings,
		HasAPIKey: m.apiKey != "",
		Audio: AudioStatus{
			SampleRate: audio.DefaultSampleRate,
			FrameSize:  m.settings.AudioBufferSize.Frames(),
		},
	}
	if h != nil {
		st.Audio.FrameSize = m.frameSize
	}
	m.mu.Unlock()

	st.Session = m.session.Status()
	st.Audio.PlaybackIdle = true
	if h != nil {
		st.Audio.Capturing = true
		st.Audio.FramesCaptured = h.Frames()
		st.Audio.Level = math.Float64frombits(m.level.Load())
	}
	if ps, ok := m.player.(PlaybackStatus); ok {
		st.Audio.PlaybackIdle = ps.Idle()
		st.Audio.PlaybackPending = ps.Pending()
	}
	return st
}
