// Package realtime drives one OpenAI Realtime WebSocket session: connection
// lifecycle, server-VAD turn taking and the response lifecycle.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/policy"
	"github.com/antoniostano/bankvoice/internal/protocol"
	"github.com/antoniostano/bankvoice/internal/reliability"
)

// Player receives decoded-later assistant audio fragments in stream order.
type Player interface {
	Enqueue(fragment []byte)
	Flush()
	Reset()
}

// Callbacks are invoked outside the session lock, never concurrently with
// each other for a single inbound message.
type Callbacks struct {
	OnStateChange   func(State)
	OnTranscript    func(text string)
	OnBotUtterance  func(text string)
	OnSpeechStarted func()
	OnSpeechStopped func()
	OnError         func(kind ErrorKind, err error)
}

type Options struct {
	Dialer    Dialer
	Player    Player
	Callbacks Callbacks
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// ProtocolError is an "error" event sent by the remote side. It does not end
// the session.
type ProtocolError struct {
	Code      string
	Type      string
	Message   string
	Retryable bool
}

func (e *ProtocolError) Error() string {
	if e.Code == "" {
		return "realtime protocol error: " + e.Message
	}
	return fmt.Sprintf("realtime protocol error %s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Remedy() reliability.Remedy {
	if e.Retryable {
		return reliability.RemedyRetry
	}
	return reliability.RemedyNone
}

type turn struct {
	speechActive   bool
	pendingCommit  *time.Timer
	commitSeq      uint64
	responseActive bool

	stoppedAt   time.Time
	committedAt time.Time
	firstAudio  bool
	firstText   bool
	uttered     bool
}

// Status is a point-in-time view of the session.
type Status struct {
	State           State      `json:"state"`
	SessionID       string     `json:"session_id,omitempty"`
	RemoteSessionID string     `json:"remote_session_id,omitempty"`
	Generation      uint64     `json:"generation"`
	SpeechActive    bool       `json:"speech_active"`
	ResponseActive  bool       `json:"response_active"`
	CommitPending   bool       `json:"commit_pending"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
}

// Machine owns the WebSocket and all per-session state. At most one session
// is live; every connect bumps a generation so late events from an older
// connection are dropped.
type Machine struct {
	dialer  Dialer
	player  Player
	cb      Callbacks
	logger  *zap.Logger
	metrics *observability.Metrics

	// writeMu serialises socket writes; it is always taken before mu.
	writeMu sync.Mutex
	// playMu orders player effects against the Reset done on teardown.
	// It is taken before mu.
	playMu sync.Mutex

	mu              sync.Mutex
	state           State
	gen             uint64
	conn            Conn
	cfg             Config
	sessionID       string
	remoteSessionID string
	connectedAt     time.Time
	dialCancel      context.CancelFunc
	turn            turn
	text            strings.Builder
	transcript      strings.Builder
	stopCapture     func()
}

func NewMachine(opts Options) *Machine {
	player := opts.Player
	if player == nil {
		player = nopPlayer{}
	}
	return &Machine{
		dialer:  opts.Dialer,
		player:  player,
		cb:      opts.Callbacks,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		state:   StateIdle,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:           m.state,
		SessionID:       m.sessionID,
		RemoteSessionID: m.remoteSessionID,
		Generation:      m.gen,
		SpeechActive:    m.turn.speechActive,
		ResponseActive:  m.turn.responseActive,
		CommitPending:   m.turn.pendingCommit != nil,
	}
	if m.state == StateConnected && !m.connectedAt.IsZero() {
		at := m.connectedAt
		st.ConnectedAt = &at
	}
	return st
}

// Connect opens the transport and configures the remote session. It is
// rejected with ErrAlreadyActive unless the machine is Idle or Disconnected.
func (m *Machine) Connect(ctx context.Context, apiKey string, cfg Config) error {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	next, err := Transition(m.state, EventConnect)
	if err != nil {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyActive, state)
	}
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	m.dialCancel = cancel
	m.cfg = cfg
	m.sessionID = uuid.NewString()
	m.remoteSessionID = ""
	m.turn = turn{}
	m.text.Reset()
	m.transcript.Reset()
	sessionID := m.sessionID
	notify := m.setStateLocked(next)
	m.mu.Unlock()
	notify()

	log := m.logger.With(zap.String("session_id", sessionID), zap.Uint64("generation", gen))
	log.Info("connecting to realtime api",
		zap.String("model", cfg.Model),
		zap.String("api_key", policy.MaskSecret(apiKey)),
		zap.Duration("timeout", cfg.ConnectTimeout),
	)

	started := time.Now()
	conn, err := m.dialer.Dial(dialCtx, apiKey, cfg)
	timedOut := ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded)

	if err != nil {
		event, kind := EventTransportError, KindTransport
		switch {
		case timedOut:
			event, kind = EventTimeout, KindConnectTimeout
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, cfg.ConnectTimeout, err)
		case errors.Is(err, ErrCredential):
			kind = KindCredential
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrConnectAborted, err)
		}
		m.dialCancel = nil
		next, _ := Transition(m.state, event)
		notify := m.setStateLocked(next)
		m.mu.Unlock()
		notify()

		m.metrics.CountError("transport", string(kind))
		log.Warn("realtime connect failed", zap.Error(err))
		m.reportError(kind, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrConnectAborted
	}
	next, _ = Transition(m.state, EventOpened)
	m.dialCancel = nil
	m.conn = conn
	m.connectedAt = time.Now()
	notify = m.setStateLocked(next)
	m.mu.Unlock()

	m.metrics.ObserveConnectLatency(time.Since(started))
	log.Info("realtime transport open", zap.Duration("latency", time.Since(started)))

	if err := m.send(gen, protocol.TypeSessionUpdate, cfg.sessionUpdate()); err != nil {
		log.Warn("send session.update failed", zap.Error(err))
	}
	go m.readLoop(gen, conn)
	notify()
	return nil
}

// SendAudioFrame encodes one captured frame and appends it to the remote
// input buffer. Outside Connected it drops the frame silently.
func (m *Machine) SendAudioFrame(frame []float32) {
	payload := protocol.InputAudioBufferAppend{
		Type:  protocol.TypeInputAudioBufferAppend,
		Audio: audio.BytesToTransportText(audio.EncodePCM16(frame)),
	}
	if err := m.send(0, protocol.TypeInputAudioBufferAppend, payload); err != nil {
		m.metrics.CountCaptureFrame(false)
		if !errors.Is(err, ErrNotConnected) {
			m.logger.Debug("audio append failed", zap.Error(err))
		}
		return
	}
	m.metrics.CountCaptureFrame(true)
}

// AttachCapture registers the capture stopper so every teardown path
// releases the microphone. It returns false when not Connected.
func (m *Machine) AttachCapture(stop func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return false
	}
	m.stopCapture = stop
	return true
}

// DetachCapture forgets the capture stopper without calling it.
func (m *Machine) DetachCapture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCapture = nil
}

// Disconnect tears the session down from any state. Calling it again, or
// while Idle, is harmless and ends in Disconnected.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		m.mu.Unlock()
		return
	}
	next, _ := Transition(m.state, EventDisconnect)
	m.gen++
	res := m.releaseLocked()
	notify := m.setStateLocked(next)
	m.mu.Unlock()
	notify()

	res.teardown(m)

	m.mu.Lock()
	notify = func() {}
	if m.state == StateDisconnecting {
		next, _ = Transition(m.state, EventClosed)
		notify = m.setStateLocked(next)
	}
	m.mu.Unlock()
	notify()
	m.logger.Info("realtime session disconnected")
}

type released struct {
	cancelDial  context.CancelFunc
	timer       *time.Timer
	stopCapture func()
	conn        Conn
}

func (r released) teardown(m *Machine) {
	if r.cancelDial != nil {
		r.cancelDial()
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.stopCapture != nil {
		r.stopCapture()
	}
	m.playMu.Lock()
	m.player.Reset()
	m.playMu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (m *Machine) releaseLocked() released {
	r := released{
		cancelDial:  m.dialCancel,
		timer:       m.turn.pendingCommit,
		stopCapture: m.stopCapture,
		conn:        m.conn,
	}
	m.conn = nil
	m.dialCancel = nil
	m.stopCapture = nil
	m.connectedAt = time.Time{}
	m.turn = turn{}
	m.text.Reset()
	m.transcript.Reset()
	return r
}

func (m *Machine) setStateLocked(next State) func() {
	if next == m.state {
		return func() {}
	}
	m.state = next
	cb := m.cb.OnStateChange
	metrics := m.metrics
	return func() {
		metrics.SetConnectionState(string(next), StateNames())
		if cb != nil {
			cb(next)
		}
	}
}

func (m *Machine) reportError(kind ErrorKind, err error) {
	if m.cb.OnError != nil {
		m.cb.OnError(kind, err)
	}
}

// send writes msg if the session is Connected and, when gen is non-zero,
// still on generation gen.
func (m *Machine) send(gen uint64, typ protocol.EventType, msg any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	ok := m.state == StateConnected && conn != nil && (gen == 0 || gen == m.gen)
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	m.metrics.CountMessage("outbound", string(typ))
	return nil
}

func (m *Machine) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionClosed(gen, err)
			return
		}
		m.handleMessage(gen, data)
	}
}

func (m *Machine) connectionClosed(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	next, _ := Transition(m.state, EventConnectionLost)
	m.gen++
	res := m.releaseLocked()
	notify := m.setStateLocked(next)
	m.mu.Unlock()

	res.teardown(m)
	notify()

	err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	m.metrics.CountError("transport", string(KindConnectionLost))
	m.logger.Warn("realtime connection lost", zap.Uint64("generation", gen), zap.Error(cause))
	m.reportError(KindConnectionLost, err)
}

func (m *Machine) handleMessage(gen uint64, data []byte) {
	msg, err := protocol.ParseServerEvent(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			m.logger.Debug("ignoring realtime event", zap.Error(err))
		} else {
			m.logger.Warn("unparseable realtime event", zap.Error(err))
		}
		m.metrics.CountMessage("inbound", "unhandled")
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	effects := m.applyLocked(gen, msg)
	m.mu.Unlock()

	for _, fx := range effects {
		fx()
	}
}

// applyLocked mutates turn state for one event and returns the callbacks to
// run once the lock is released.
func (m *Machine) applyLocked(gen uint64, msg any) []func() {
	var fx []func()
	now := time.Now()

	switch ev := msg.(type) {
	case *protocol.SessionCreated:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.remoteSessionID = ev.Session.ID
		m.logger.Debug("realtime session created", zap.String("remote_session_id", ev.Session.ID))

	case *protocol.SessionUpdated:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.logger.Debug("realtime session updated")

	case *protocol.ErrorEvent:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.metrics.CountError("protocol", ev.Error.Code)
		perr := &ProtocolError{
			Code:      ev.Error.Code,
			Type:      ev.Error.Type,
			Message:   ev.Error.Message,
			Retryable: reliability.IsRetryableRealtimeErrorCode(ev.Error.Code),
		}
		m.logger.Warn("realtime api error", zap.String("code", perr.Code), zap.String("message", perr.Message))
		fx = append(fx, func() { m.reportError(KindProtocol, perr) })

	case *protocol.SpeechStarted:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.turn.speechActive = true
		if cb := m.cb.OnSpeechStarted; cb != nil {
			fx = append(fx, cb)
		}

	case *protocol.SpeechStopped:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.turn.speechActive = false
		m.armCommitLocked(gen, now)
		if cb := m.cb.OnSpeechStopped; cb != nil {
			fx = append(fx, cb)
		}

	case *protocol.InputAudioBufferCommitted:
		m.metrics.CountMessage("inbound", string(ev.Type))

	case *protocol.TranscriptionCompleted:
		m.metrics.CountMessage("inbound", string(ev.Type))
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			break
		}
		m.logger.Info("user transcript", zap.String("text", policy.RedactForLog(text)))
		if cb := m.cb.OnTranscript; cb != nil {
			fx = append(fx, func() { cb(text) })
		}

	case *protocol.TranscriptionDelta:
		m.metrics.CountMessage("inbound", string(ev.Type))

	case *protocol.Delta:
		m.metrics.CountMessage("inbound", string(ev.Type))
		fx = append(fx, m.applyDeltaLocked(gen, ev, now)...)

	case *protocol.TextDone:
		m.metrics.CountMessage("inbound", string(ev.Type))
		text := m.text.String()
		m.text.Reset()
		if strings.TrimSpace(text) == "" {
			text = ev.Text
		}
		fx = append(fx, m.utteranceLocked(text)...)

	case *protocol.AudioTranscriptDone:
		m.metrics.CountMessage("inbound", string(ev.Type))
		if ev.Transcript != "" {
			m.transcript.Reset()
			m.transcript.WriteString(ev.Transcript)
		}

	case *protocol.OutputItemAdded:
		m.metrics.CountMessage("inbound", string(ev.Type))
		for _, part := range ev.Item.Content {
			if part.Type == protocol.ContentTypeText {
				fx = append(fx, m.utteranceLocked(part.Text)...)
			}
		}

	case *protocol.ContentPartAdded:
		m.metrics.CountMessage("inbound", string(ev.Type))
		if ev.Part.Type == protocol.ContentTypeText {
			fx = append(fx, m.utteranceLocked(ev.Part.Text)...)
		}

	case *protocol.ResponseCreated:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.turn.responseActive = true
		if !m.turn.committedAt.IsZero() {
			m.metrics.ObserveTurnStage(observability.StageCommitToResponseCreated, now.Sub(m.turn.committedAt))
		}

	case *protocol.ResponseDone:
		m.metrics.CountMessage("inbound", string(ev.Type))
		m.turn.responseActive = false
		if !m.turn.uttered {
			fx = append(fx, m.utteranceLocked(m.transcript.String())...)
		}
		m.transcript.Reset()
		m.text.Reset()
		if !m.turn.committedAt.IsZero() {
			m.metrics.ObserveTurnStage(observability.StageTurnTotal, now.Sub(m.turn.committedAt))
		}
		m.turn.committedAt = time.Time{}
		m.turn.firstAudio = false
		m.turn.firstText = false
		m.turn.uttered = false
		fx = append(fx, m.playerEffect(gen, m.player.Flush))

	case *protocol.AudioDone:
		m.metrics.CountMessage("inbound", string(ev.Type))

	case *protocol.RateLimitsUpdated:
		m.metrics.CountMessage("inbound", string(ev.Type))
	}
	return fx
}

func (m *Machine) applyDeltaLocked(gen uint64, ev *protocol.Delta, now time.Time) []func() {
	switch ev.Type {
	case protocol.TypeAudioDelta:
		if ev.Delta == "" {
			return nil
		}
		fragment, err := audio.TransportTextToBytes(ev.Delta)
		if err != nil {
			m.metrics.CountPlayback("skipped_decode", "base64")
			m.logger.Warn("dropping undecodable audio delta", zap.Error(err))
			return nil
		}
		if !m.turn.firstAudio && !m.turn.committedAt.IsZero() {
			m.turn.firstAudio = true
			d := now.Sub(m.turn.committedAt)
			m.metrics.ObserveFirstAudioLatency(d)
			m.metrics.ObserveTurnStage(observability.StageCommitToFirstAudio, d)
		}
		return []func(){m.playerEffect(gen, func() { m.player.Enqueue(fragment) })}

	case protocol.TypeTextDelta:
		if !m.turn.firstText && !m.turn.committedAt.IsZero() {
			m.turn.firstText = true
			m.metrics.ObserveTurnStage(observability.StageCommitToFirstText, now.Sub(m.turn.committedAt))
		}
		m.text.WriteString(ev.Delta)

	case protocol.TypeAudioTranscriptDelta:
		m.transcript.WriteString(ev.Delta)
	}
	return nil
}

func (m *Machine) utteranceLocked(text string) []func() {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	m.turn.uttered = true
	m.logger.Info("assistant utterance", zap.String("text", policy.RedactForLog(text)))
	cb := m.cb.OnBotUtterance
	if cb == nil {
		return nil
	}
	return []func(){func() { cb(text) }}
}

// armCommitLocked (re)starts the commit debounce so only the last
// speech-stopped in a burst leads to a commit.
func (m *Machine) armCommitLocked(gen uint64, now time.Time) {
	if m.turn.pendingCommit != nil {
		m.turn.pendingCommit.Stop()
	}
	m.turn.commitSeq++
	seq := m.turn.commitSeq
	m.turn.stoppedAt = now
	m.turn.pendingCommit = time.AfterFunc(m.cfg.CommitDelay, func() {
		m.commitDue(gen, seq)
	})
}

func (m *Machine) commitDue(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected || seq != m.turn.commitSeq {
		m.mu.Unlock()
		return
	}
	m.turn.pendingCommit = nil
	if m.turn.responseActive {
		m.mu.Unlock()
		m.metrics.CountCommit("skipped_active_response")
		m.metrics.ObserveTurnIndicator("commit_skipped_active_response")
		m.logger.Debug("commit skipped: response already active")
		return
	}
	now := time.Now()
	m.turn.responseActive = true
	m.turn.committedAt = now
	m.turn.firstAudio = false
	m.turn.firstText = false
	m.turn.uttered = false
	stoppedAt := m.turn.stoppedAt
	cfg := m.cfg
	m.mu.Unlock()

	m.metrics.ObserveTurnStage(observability.StageSpeechStoppedToCommit, now.Sub(stoppedAt))
	commit := protocol.InputAudioBufferCommit{Type: protocol.TypeInputAudioBufferCommit}
	if err := m.send(gen, protocol.TypeInputAudioBufferCommit, commit); err != nil {
		m.logger.Warn("send commit failed", zap.Error(err))
		m.abandonCommit(gen)
		return
	}
	if err := m.send(gen, protocol.TypeResponseCreate, cfg.responseCreate()); err != nil {
		m.logger.Warn("send response.create failed", zap.Error(err))
		m.abandonCommit(gen)
		return
	}
	m.metrics.CountCommit("sent")
}

// abandonCommit clears the in-flight turn after a failed write so the next
// speech stop can commit again.
func (m *Machine) abandonCommit(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.turn.responseActive = false
	m.turn.committedAt = time.Time{}
	m.metrics.CountCommit("failed")
}

// playerEffect wraps fn so it only reaches the player while gen is still the
// live session. Teardown resets the player under playMu, so nothing from an
// older session can be queued after that reset.
func (m *Machine) playerEffect(gen uint64, fn func()) func() {
	return func() {
		m.playMu.Lock()
		defer m.playMu.Unlock()
		m.mu.Lock()
		live := gen == m.gen
		m.mu.Unlock()
		if live {
			fn()
		}
	}
}

type nopPlayer struct{}

func (nopPlayer) Enqueue([]byte) {}
func (nopPlayer) Flush()         {}
func (nopPlayer) Reset()         {}
