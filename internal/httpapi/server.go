package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/bankvoice/internal/config"
	"github.com/antoniostano/bankvoice/internal/logging"
	"github.com/antoniostano/bankvoice/internal/observability"
	"github.com/antoniostano/bankvoice/internal/persona"
	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/reliability"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

// Controller is the voice session surface driven over HTTP;
// *streaming.Manager implements it.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() streaming.Status
	Settings() streaming.Settings
	UpdateSettings(p streaming.SettingsPatch) (streaming.Settings, error)
	SetAPIKey(key string)
}

type Options struct {
	Config   config.Config
	Voice    Controller
	Personas persona.Store
	Selector *persona.Selector
	// PersonaStoreMode is "postgres" or "in-memory".
	PersonaStoreMode string
	Events           *EventLog
	Metrics          *observability.Metrics
	Logger           *zap.Logger
}

type Server struct {
	cfg              config.Config
	voice            Controller
	personas         persona.Store
	selector         *persona.Selector
	personaStoreMode string
	events           *EventLog
	metrics          *observability.Metrics
	logger           *zap.Logger
	upgrader         websocket.Upgrader
}

func New(opts Options) *Server {
	events := opts.Events
	if events == nil {
		events = NewEventLog(0)
	}
	return &Server{
		cfg:              opts.Config,
		voice:            opts.Voice,
		personas:         opts.Personas,
		selector:         opts.Selector,
		personaStoreMode: opts.PersonaStoreMode,
		events:           events,
		metrics:          opts.Metrics,
		logger:           logging.OrNop(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin admits non-browser clients and browser pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/session", s.handleSessionStatus)
	r.Post("/v1/session/connect", s.handleConnect)
	r.Post("/v1/session/disconnect", s.handleDisconnect)
	r.Get("/v1/settings", s.handleGetSettings)
	r.Patch("/v1/settings", s.handlePatchSettings)
	r.Get("/v1/personas", s.handleListPersonas)
	r.Put("/v1/personas/current", s.handleSelectPersona)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/events/ws", s.handleEventsWS)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"realtime_provider":  s.cfg.Provider(),
		"persona_store_mode": s.personaStoreMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.voice == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "voice session not configured")
		return
	}
	st := s.voice.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_state": st.Session.State,
		"has_api_key":   st.HasAPIKey,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireVoice(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.voice.Status())
}

type connectRequest struct {
	APIKey string `json:"api_key,omitempty"`
}

type connectResponse struct {
	Status  streaming.Status `json:"status"`
	Warning *errorResponse   `json:"warning,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.requireVoice(w) {
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		s.voice.SetAPIKey(key)
	}

	err := s.voice.Connect(r.Context())
	var partial *streaming.PartialConnectError
	switch {
	case err == nil:
		s.metrics.CountSessionEvent("connected")
		respondJSON(w, http.StatusOK, connectResponse{Status: s.voice.Status()})
	case errors.As(err, &partial):
		s.metrics.CountSessionEvent("connected_without_capture")
		respondJSON(w, http.StatusOK, connectResponse{
			Status:  s.voice.Status(),
			Warning: &errorResponse{Error: partial.Err.Error(), Code: "capture_failed", Remedy: string(reliability.RemedyFor(err))},
		})
	default:
		s.metrics.CountSessionEvent("connect_failed")
		status, code := connectFailure(err)
		s.logger.Warn("connect request failed", zap.String("code", code), zap.Error(err))
		respondErrorWithRemedy(w, status, code, err)
	}
}

func connectFailure(err error) (int, string) {
	switch {
	case errors.Is(err, streaming.ErrMissingCredential):
		return http.StatusBadRequest, "missing_credential"
	case errors.Is(err, realtime.ErrCredential):
		return http.StatusUnauthorized, "credential_rejected"
	case errors.Is(err, realtime.ErrConnectTimeout):
		return http.StatusGatewayTimeout, "connect_timeout"
	case errors.Is(err, realtime.ErrConnectAborted):
		return http.StatusConflict, "connect_aborted"
	case errors.Is(err, realtime.ErrUpstreamBusy):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusBadGateway, "transport_error"
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if !s.requireVoice(w) {
		return
	}
	_ = s.voice.Disconnect()
	s.metrics.CountSessionEvent("disconnected")
	respondJSON(w, http.StatusOK, s.voice.Status())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if !s.requireVoice(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.voice.Settings())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireVoice(w) {
		return
	}
	var patch streaming.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := s.voice.UpdateSettings(patch)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type personasResponse struct {
	Current  string            `json:"current"`
	Personas []persona.Context `json:"personas"`
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	if s.personas == nil || s.selector == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "persona store not configured")
		return
	}
	list, err := s.personas.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "persona_store_error", err.Error())
		return
	}
	if list == nil {
		list = []persona.Context{}
	}
	respondJSON(w, http.StatusOK, personasResponse{Current: s.selector.CurrentID(), Personas: list})
}

type selectPersonaRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSelectPersona(w http.ResponseWriter, r *http.Request) {
	if s.selector == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "persona store not configured")
		return
	}
	var req selectPersonaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_persona_id", "missing persona id")
		return
	}
	p, err := s.selector.Select(r.Context(), req.ID)
	switch {
	case errors.Is(err, persona.ErrNotFound):
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "persona_store_error", err.Error())
		return
	}
	s.logger.Info("persona selected", zap.String("persona_id", p.ID))
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := strings.TrimSpace(r.URL.Query().Get("since")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": s.events.Since(since)})
}

// handleEventsWS streams host events as JSON text frames until the client
// goes away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.Subscribe(128)
	defer unsubscribe()
	s.metrics.CountSessionEvent("events_ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only notices the close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			s.metrics.CountMessage("events_ws", ev.Kind)
		}
	}
}

func (s *Server) requireVoice(w http.ResponseWriter) bool {
	if s.voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice session not configured")
		return false
	}
	return true
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Remedy string `json:"remedy,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondErrorWithRemedy(w http.ResponseWriter, status int, code string, err error) {
	respondJSON(w, status, errorResponse{Error: err.Error(), Code: code, Remedy: string(reliability.RemedyFor(err))})
}
