package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/bankvoice/internal/audio"
	"github.com/antoniostano/bankvoice/internal/protocol"
)

// mockSpeechLevel is the audio.Level above which the scripted server treats
// an appended frame as speech.
const mockSpeechLevel = 5.0

// MockDialer is a local stand-in for the realtime API, used when no
// credential is configured and by tests. With Scripted set, each connection
// answers like a tiny server: server VAD on appended audio, a transcript on
// commit and a short spoken reply on response.create.
type MockDialer struct {
	Scripted bool
	// DialErr fails every dial when set.
	DialErr error
	// DialDelay holds the dial open; it honours ctx cancellation.
	DialDelay time.Duration
	// ReplyDelay spaces scripted response events.
	ReplyDelay time.Duration
	// Transcript is what the scripted server "heard" on commit.
	Transcript string

	mu    sync.Mutex
	conns []*MockConn
}

func NewMockDialer() *MockDialer {
	return &MockDialer{Scripted: true}
}

func (d *MockDialer) Dial(ctx context.Context, _ string, cfg Config) (Conn, error) {
	if d.DialDelay > 0 {
		t := time.NewTimer(d.DialDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial mock realtime: %w", ctx.Err())
		case <-t.C:
		}
	}
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	transcript := d.Transcript
	if transcript == "" {
		transcript = "What is my account balance?"
	}
	c := &MockConn{
		inbound:    make(chan []byte, 1024),
		closed:     make(chan struct{}),
		scripted:   d.Scripted,
		replyDelay: d.ReplyDelay,
		transcript: transcript,
		silence:    cfg.withDefaults().SilenceDuration,
	}
	if c.scripted {
		c.Emit(protocol.SessionCreated{
			Type:    protocol.TypeSessionCreated,
			Session: protocol.SessionInfo{ID: fmt.Sprintf("sess_mock_%d", d.Dials()+1), Model: cfg.Model},
		})
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials reports how many connections were opened.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockConn is one in-memory realtime connection.
type MockConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	scripted   bool
	replyDelay time.Duration
	transcript string

	mu           sync.Mutex
	closeErr     error
	writeErr     error
	failedWrites int
	sent         [][]byte
	instructions string
	silence      time.Duration
	speaking     bool
	quiet        time.Duration
	replying     sync.WaitGroup
}

func (c *MockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.closeErr
	}
}

func (c *MockConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.writeErr != nil {
		c.failedWrites++
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, raw)
	c.mu.Unlock()

	if c.scripted {
		c.react(raw)
	}
	return nil
}

func (c *MockConn) Close() error {
	c.shutdown(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed by client"})
	return nil
}

// FailWrites makes every later write return err while the socket stays
// open. A nil err restores normal writes.
func (c *MockConn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *MockConn) FailedWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedWrites
}

// Drop simulates the server vanishing mid-session.
func (c *MockConn) Drop() {
	c.shutdown(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"})
}

func (c *MockConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *MockConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Emit queues a server event for the reader.
func (c *MockConn) Emit(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.EmitRaw(raw)
}

func (c *MockConn) EmitRaw(raw []byte) {
	select {
	case <-c.closed:
	case c.inbound <- raw:
	}
}

// Sent lists the type of every message written, in order.
func (c *MockConn) Sent() []protocol.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.EventType, 0, len(c.sent))
	for _, raw := range c.sent {
		typ, _ := protocol.TypeOf(raw)
		out = append(out, typ)
	}
	return out
}

// SentRaw returns the payloads written with the given type.
func (c *MockConn) SentRaw(typ protocol.EventType) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, raw := range c.sent {
		if t, _ := protocol.TypeOf(raw); t == typ {
			out = append(out, raw)
		}
	}
	return out
}

// Count returns how many messages of typ were written.
func (c *MockConn) Count(typ protocol.EventType) int {
	return len(c.SentRaw(typ))
}

// Wait blocks until scripted replies in flight have been emitted.
func (c *MockConn) Wait() {
	c.replying.Wait()
}

func (c *MockConn) react(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		c.Emit(protocol.ErrorEvent{
			Type:  protocol.TypeError,
			Error: protocol.ErrorDetail{Type: "invalid_request_error", Code: "invalid_event", Message: err.Error()},
		})
		return
	}

	switch m := msg.(type) {
	case protocol.SessionUpdate:
		c.mu.Lock()
		c.instructions = m.Session.Instructions
		if td := m.Session.TurnDetection; td != nil && td.SilenceDurationMS > 0 {
			c.silence = time.Duration(td.SilenceDurationMS) * time.Millisecond
		}
		c.mu.Unlock()
		c.Emit(protocol.SessionUpdated{Type: protocol.TypeSessionUpdated})

	case protocol.InputAudioBufferAppend:
		c.detectSpeech(m.Audio)

	case protocol.InputAudioBufferCommit:
		c.Emit(protocol.InputAudioBufferCommitted{Type: protocol.TypeInputAudioBufferCommitted, ItemID: "item_user"})
		c.Emit(protocol.TranscriptionCompleted{Type: protocol.TypeTranscriptionCompleted, ItemID: "item_user", Transcript: c.transcript})

	case protocol.ResponseCreate:
		c.mu.Lock()
		reply := mockReply(c.instructions)
		c.mu.Unlock()
		c.replying.Add(1)
		go func() {
			defer c.replying.Done()
			c.respond(reply)
		}()
	}
}

func (c *MockConn) detectSpeech(b64 string) {
	pcm, err := audio.TransportTextToBytes(b64)
	if err != nil {
		return
	}
	samples, err := audio.DecodePCM16(pcm)
	if err != nil || len(samples) == 0 {
		return
	}
	loud := audio.Level(samples) >= mockSpeechLevel
	frame := audio.Duration(len(samples), audio.DefaultSampleRate)

	c.mu.Lock()
	var started, stopped bool
	switch {
	case loud:
		c.quiet = 0
		if !c.speaking {
			c.speaking = true
			started = true
		}
	case c.speaking:
		c.quiet += frame
		if c.quiet >= c.silence {
			c.speaking = false
			c.quiet = 0
			stopped = true
		}
	}
	c.mu.Unlock()

	if started {
		c.Emit(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted, ItemID: "item_user"})
	}
	if stopped {
		c.Emit(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped, ItemID: "item_user"})
	}
}

func (c *MockConn) respond(reply string) {
	pause := func() bool {
		if c.replyDelay <= 0 {
			return !c.Closed()
		}
		select {
		case <-c.closed:
			return false
		case <-time.After(c.replyDelay):
			return true
		}
	}

	const responseID = "resp_mock"
	c.Emit(protocol.ResponseCreated{Type: protocol.TypeResponseCreated, Response: protocol.ResponseInfo{ID: responseID, Status: "in_progress"}})
	if !pause() {
		return
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		c.Emit(protocol.Delta{Type: protocol.TypeTextDelta, ResponseID: responseID, Delta: word})
	}
	c.Emit(protocol.TextDone{Type: protocol.TypeTextDone, ResponseID: responseID, Text: reply})

	tone := audio.BytesToTransportText(audio.EncodePCM16(sine(440, 200*time.Millisecond, audio.DefaultSampleRate)))
	for i := 0; i < 3; i++ {
		if !pause() {
			return
		}
		c.Emit(protocol.Delta{Type: protocol.TypeAudioDelta, ResponseID: responseID, Delta: tone})
	}
	c.Emit(protocol.AudioDone{Type: protocol.TypeAudioDone, ResponseID: responseID})
	c.Emit(protocol.ResponseDone{Type: protocol.TypeResponseDone, Response: protocol.ResponseInfo{ID: responseID, Status: "completed"}})
}

func mockReply(instructions string) string {
	const marker = "Account Balance: "
	if i := strings.Index(instructions, marker); i >= 0 {
		rest := instructions[i+len(marker):]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[:j]
		}
		return fmt.Sprintf("Your current account balance is %s.", strings.TrimSpace(rest))
	}
	return "I can help with questions about your account."
}

func sine(freq float64, d time.Duration, sampleRate int) []float32 {
	n := int(d.Seconds() * float64(sampleRate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
