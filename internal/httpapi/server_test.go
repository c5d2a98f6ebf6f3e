package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/bankvoice/internal/capture"
	"github.com/antoniostano/bankvoice/internal/config"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/persona"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

// quietSource opens a microphone that never produces audio.
type quietSource struct{}

func (quietSource) Open(context.Context, capture.Request, func([]byte)) (capture.Stream, error) {
	return quietStream{}, nil
}

type quietStream struct{}

func (quietStream) Close() error { return nil }

type testServer struct {
	ts       *httptest.Server
	dialer   *realtime.MockDialer
	manager  *streaming.Manager
	events   *EventLog
	selector *persona.Selector
}

func newTestServer(t *testing.T, apiKey string, capturer streaming.Capturer) *testServer {
	t.Helper()
	cfg := config.Config{
		RealtimeProvider: "mock",
		AudioOutput:      "discard",
		OpenAIAPIKey:     apiKey,
	}
	metrics := observability.NewMetrics("test_httpapi")
	store := persona.NewInMemoryStore(persona.Defaults()...)
	selector := persona.NewSelector(store, persona.DefaultID)
	events := NewEventLog(50)
	dialer := realtime.NewMockDialer()

	manager := streaming.New(streaming.Options{
		APIKey:       apiKey,
		Session:      realtime.Config{CommitDelay: 20 * time.Millisecond},
		Dialer:       dialer,
		Capture:      capturer,
		Instructions: selector,
		Callbacks:    events.Callbacks(streaming.Callbacks{}),
		Metrics:      metrics,
	})

	srv := New(Options{
		Config:           cfg,
		Voice:            manager,
		Personas:         store,
		Selector:         selector,
		PersonaStoreMode: "in-memory",
		Events:           events,
		Metrics:          metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		_ = manager.Disconnect()
		ts.Close()
	})
	return &testServer{ts: ts, dialer: dialer, manager: manager, events: events, selector: selector}
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

func TestConnectAndDisconnect(t *testing.T) {
	s := newTestServer(t, "sk-test", capture.NewPipeline(quietSource{}, nil))

	res, body := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want %d (%v)", res.StatusCode, http.StatusOK, body)
	}
	if _, ok := body["warning"]; ok {
		t.Fatalf("unexpected warning in connect response: %v", body["warning"])
	}
	status := body["status"].(map[string]any)
	session := status["session"].(map[string]any)
	if got := session["state"]; got != "connected" {
		t.Fatalf("session state = %v, want connected", got)
	}
	audio := status["audio"].(map[string]any)
	if got := audio["capturing"]; got != true {
		t.Fatalf("audio capturing = %v, want true", got)
	}

	// A second connect while live is a no-op.
	res, _ = do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second connect status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := s.dialer.Dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}

	res, body = do(t, http.MethodPost, s.ts.URL+"/v1/session/disconnect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	session = body["session"].(map[string]any)
	if got := session["state"]; got != "disconnected" {
		t.Fatalf("session state after disconnect = %v, want disconnected", got)
	}
}

func TestConnectWithoutCaptureReturnsWarning(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	res, body := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	warning, ok := body["warning"].(map[string]any)
	if !ok {
		t.Fatalf("missing warning in connect response: %v", body)
	}
	if got := warning["code"]; got != "capture_failed" {
		t.Fatalf("warning code = %v, want capture_failed", got)
	}
	if got := warning["remedy"]; got != "check_device" {
		t.Fatalf("warning remedy = %v, want check_device", got)
	}
}

func TestConnectRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, "", capture.NewPipeline(quietSource{}, nil))

	res, body := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if got := body["code"]; got != "missing_credential" {
		t.Fatalf("error code = %v, want missing_credential", got)
	}
	if got := body["remedy"]; got != "check_credentials" {
		t.Fatalf("error remedy = %v, want check_credentials", got)
	}
	if got := s.dialer.Dials(); got != 0 {
		t.Fatalf("dials = %d, want 0", got)
	}

	res, _ = do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", map[string]string{"api_key": "sk-late"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect with api_key status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestConnectFailureMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{streaming.ErrMissingCredential, http.StatusBadRequest, "missing_credential"},
		{fmt.Errorf("handshake: %w", realtime.ErrCredential), http.StatusUnauthorized, "credential_rejected"},
		{realtime.ErrConnectTimeout, http.StatusGatewayTimeout, "connect_timeout"},
		{realtime.ErrConnectAborted, http.StatusConflict, "connect_aborted"},
		{realtime.ErrUpstreamBusy, http.StatusServiceUnavailable, "upstream_unavailable"},
		{errors.New("dial tcp: connection refused"), http.StatusBadGateway, "transport_error"},
	}
	for _, tc := range tests {
		status, code := connectFailure(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("connectFailure(%v) = (%d, %q), want (%d, %q)", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestTransportFailureLeavesSessionRetryable(t *testing.T) {
	s := newTestServer(t, "sk-test", capture.NewPipeline(quietSource{}, nil))
	s.dialer.DialErr = errors.New("dial tcp: connection refused")

	res, body := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("connect status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	if got := body["code"]; got != "transport_error" {
		t.Fatalf("error code = %v, want transport_error", got)
	}

	s.dialer.DialErr = nil
	res, body = do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry connect status = %d, want %d (%v)", res.StatusCode, http.StatusOK, body)
	}
}

func TestSettingsRoutes(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	res, body := do(t, http.MethodGet, s.ts.URL+"/v1/settings", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET settings status = %d", res.StatusCode)
	}
	if got := body["vad_sensitivity"]; got != "medium" {
		t.Fatalf("default vad_sensitivity = %v, want medium", got)
	}

	res, body = do(t, http.MethodPatch, s.ts.URL+"/v1/settings", map[string]any{
		"vad_sensitivity": "high",
		"response_delay":  2.5,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PATCH settings status = %d (%v)", res.StatusCode, body)
	}
	if got := body["vad_sensitivity"]; got != "high" {
		t.Fatalf("vad_sensitivity = %v, want high", got)
	}
	if got := body["audio_buffer_size"]; got != "medium" {
		t.Fatalf("audio_buffer_size = %v, want unchanged medium", got)
	}

	res, body = do(t, http.MethodPatch, s.ts.URL+"/v1/settings", map[string]any{"audio_buffer_size": "huge"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid PATCH status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if got := body["code"]; got != "invalid_settings" {
		t.Fatalf("error code = %v, want invalid_settings", got)
	}
	if got := s.manager.Settings().VADSensitivity; got != streaming.SensitivityHigh {
		t.Fatalf("settings changed by rejected patch: %v", got)
	}
}

func TestPersonaRoutes(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	res, body := do(t, http.MethodGet, s.ts.URL+"/v1/personas", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET personas status = %d", res.StatusCode)
	}
	if got := body["current"]; got != persona.DefaultID {
		t.Fatalf("current persona = %v, want %s", got, persona.DefaultID)
	}
	if list := body["personas"].([]any); len(list) != 3 {
		t.Fatalf("personas = %d, want 3", len(list))
	}

	res, body = do(t, http.MethodPut, s.ts.URL+"/v1/personas/current", map[string]string{"id": "sarah_smith"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select persona status = %d (%v)", res.StatusCode, body)
	}
	if got := body["name"]; got != "Sarah Smith" {
		t.Fatalf("selected persona name = %v, want Sarah Smith", got)
	}
	if got := s.selector.CurrentID(); got != "sarah_smith" {
		t.Fatalf("selector current = %q, want sarah_smith", got)
	}

	res, body = do(t, http.MethodPut, s.ts.URL+"/v1/personas/current", map[string]string{"id": "nobody"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown persona status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if got := body["code"]; got != "persona_not_found" {
		t.Fatalf("error code = %v, want persona_not_found", got)
	}
}

func TestSelectedPersonaReachesSession(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	do(t, http.MethodPut, s.ts.URL+"/v1/personas/current", map[string]string{"id": "mike_johnson"})
	res, _ := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", res.StatusCode)
	}

	conn := s.dialer.Last()
	if conn == nil {
		t.Fatalf("no realtime connection dialed")
	}
	updates := conn.SentRaw("session.update")
	if len(updates) != 1 {
		t.Fatalf("session.update count = %d, want 1", len(updates))
	}
	if !strings.Contains(string(updates[0]), "Mike Johnson") {
		t.Fatalf("session.update missing persona context: %s", updates[0])
	}
}

func TestEventsSince(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)
	s.events.Append(Event{Kind: EventTranscript, Text: "hello"})
	second := s.events.Append(Event{Kind: EventUtterance, Text: "hi there"})

	res, body := do(t, http.MethodGet, fmt.Sprintf("%s/v1/events?since=%d", s.ts.URL, second.Seq-1), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET events status = %d", res.StatusCode)
	}
	events := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if got := events[0].(map[string]any)["text"]; got != "hi there" {
		t.Fatalf("event text = %v, want %q", got, "hi there")
	}

	res, _ = do(t, http.MethodGet, s.ts.URL+"/v1/events?since=abc", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestEventsWebSocketStreams(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events ws: %v", err)
	}
	defer conn.Close()

	received := make(chan Event, 16)
	go func() {
		defer close(received)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			received <- ev
		}
	}()

	// The subscription is registered after the upgrade completes, so keep
	// publishing until one arrives.
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-received:
			if !ok {
				t.Fatalf("events ws closed early")
			}
			if ev.Kind != EventTranscript || ev.Text != "ping" {
				t.Fatalf("event = %+v, want transcript ping", ev)
			}
			return
		case <-ticker.C:
			s.events.Append(Event{Kind: EventTranscript, Text: "ping"})
		case <-deadline:
			t.Fatalf("no event received over websocket")
		}
	}
}

func TestEventsWebSocketRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/events/ws"
	header := http.Header{}
	header.Set("Origin", "https://attacker.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("expected handshake failure for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", res)
	}
}

func TestConnectRecordsHostEvents(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	res, _ := do(t, http.MethodPost, s.ts.URL+"/v1/session/connect", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", res.StatusCode)
	}

	seen := map[string]bool{}
	for _, ev := range s.events.Since(0) {
		seen[ev.Kind+":"+ev.State] = true
	}
	if !seen[EventState+":connecting"] || !seen[EventState+":connected"] {
		t.Fatalf("state events = %v, want connecting and connected", seen)
	}
	if !seen[EventError+":"] {
		t.Fatalf("capture failure was not recorded: %v", seen)
	}
}

func TestHealthAndOnboarding(t *testing.T) {
	s := newTestServer(t, "", nil)

	res, body := do(t, http.MethodGet, s.ts.URL+"/healthz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	if got := body["realtime_provider"]; got != "mock" {
		t.Fatalf("realtime_provider = %v, want mock", got)
	}

	res, body = do(t, http.MethodGet, s.ts.URL+"/v1/onboarding/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("onboarding status = %d", res.StatusCode)
	}
	checks, _ := body["checks"].([]any)
	byID := map[string]string{}
	for _, raw := range checks {
		c := raw.(map[string]any)
		byID[c["id"].(string)] = c["status"].(string)
	}
	for id, want := range map[string]string{
		"realtime_provider": "ok",
		"openai_key":        "warn",
		"audio_output":      "warn",
		"persona_store":     "warn",
	} {
		if got := byID[id]; got != want {
			t.Fatalf("check %s = %q, want %q (all: %v)", id, got, want, byID)
		}
	}

	metricsRes, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer metricsRes.Body.Close()
	if metricsRes.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsRes.StatusCode)
	}
}

func TestPerfLatencyReset(t *testing.T) {
	s := newTestServer(t, "sk-test", nil)

	res, body := do(t, http.MethodGet, s.ts.URL+"/v1/perf/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	if _, ok := body["stages"]; !ok {
		t.Fatalf("perf snapshot missing stages: %v", body)
	}
	res, _ = do(t, http.MethodDelete, s.ts.URL+"/v1/perf/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf reset status = %d", res.StatusCode)
	}
}
