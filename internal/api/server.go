// Package api implements the local HTTP API: chat, confirmation,
// health, the live event stream, and household administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/buildinfo"
	"github.com/hearthd/hearth/internal/connwatch"
	"github.com/hearthd/hearth/internal/cooldown"
	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/identity"
	"github.com/hearthd/hearth/internal/orchestrator"
	"github.com/hearthd/hearth/internal/rules"
	"github.com/hearthd/hearth/internal/trust"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	orch      *orchestrator.Orchestrator
	breakers  *breaker.Set
	watch     *connwatch.Manager
	bus       *events.Bus
	directory *trust.Directory
	holder    *trust.Holder
	resolver  *identity.Resolver
	cooldowns *cooldown.Ledger
	rules     *rules.Store
	// policyPath is re-read on POST /v1/policy/reload.
	policyPath string
	logger     *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the API server. Only address, port, and the
// orchestrator are mandatory; nil optional collaborators disable
// their endpoints with a 503.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API binds to the LAN only; browser pages served from
			// other local origins (dashboards) are allowed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetBreakers wires the breaker set into the health endpoint.
func (s *Server) SetBreakers(set *breaker.Set) { s.breakers = set }

// SetConnwatch wires service watchers into the health endpoint.
func (s *Server) SetConnwatch(m *connwatch.Manager) { s.watch = m }

// SetEventBus enables the GET /v1/events WebSocket stream.
func (s *Server) SetEventBus(bus *events.Bus) { s.bus = bus }

// SetDirectory enables the household administration endpoints.
func (s *Server) SetDirectory(d *trust.Directory) { s.directory = d }

// SetPolicy enables POST /v1/policy/reload: path is re-parsed and the
// result swapped into holder.
func (s *Server) SetPolicy(h *trust.Holder, path string) {
	s.holder = h
	s.policyPath = path
}

// SetResolver enables the session binding endpoints.
func (s *Server) SetResolver(r *identity.Resolver) { s.resolver = r }

// SetCooldowns enables POST /v1/feedback.
func (s *Server) SetCooldowns(l *cooldown.Ledger) { s.cooldowns = l }

// SetRules enables the automation rule endpoints.
func (s *Server) SetRules(st *rules.Store) { s.rules = st }

// Handler builds the full route table wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Household administration
	mux.HandleFunc("GET /v1/people", s.handlePeopleList)
	mux.HandleFunc("PUT /v1/people/{id}", s.handlePersonUpsert)
	mux.HandleFunc("DELETE /v1/people/{id}", s.handlePersonRemove)
	mux.HandleFunc("POST /v1/policy/reload", s.handlePolicyReload)

	// Session identity
	mux.HandleFunc("PUT /v1/sessions/{id}", s.handleSessionBind)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionUnbind)

	// Notification feedback
	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)

	// Automation rules
	mux.HandleFunc("GET /v1/rules", s.handleRulesList)
	mux.HandleFunc("POST /v1/rules", s.handleRuleCreate)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleRuleRemove)
	mux.HandleFunc("PUT /v1/rules/{id}/enabled", s.handleRuleSetEnabled)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute, // chat turns can wait on planning and hub I/O
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if s.breakers != nil {
		health["breakers"] = s.breakers.Snapshot()
	}
	if s.watch != nil {
		services := s.watch.Status()
		health["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				health["status"] = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, health, s.logger)
}

// ChatRequest is one conversational turn.
// POST /v1/chat {"message": "turn on the lights", "session_id": "kitchen-panel"}
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the orchestrated outcome.
type ChatResponse struct {
	RequestID         string            `json:"request_id"`
	Response          string            `json:"response"`
	Effects           []executor.Effect `json:"effects,omitempty"`
	NeedsConfirmation bool              `json:"needs_confirmation,omitempty"`
	ConfirmToken      string            `json:"confirm_token,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	resp, err := s.orch.Handle(r.Context(), orchestrator.Request{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Text:      req.Message,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toChatResponse(resp), s.logger)
}

// chatError maps orchestration failures to status codes. Overload and
// open breakers are transient and report 503 so clients retry later.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	var overloaded *orchestrator.OverloadedError
	var unavailable *breaker.UnavailableError

	switch {
	case errors.As(err, &overloaded):
		w.Header().Set("Retry-After", "10")
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &unavailable):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.logger.Error("chat request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// ConfirmRequest redeems a confirmation token from a prior chat turn.
type ConfirmRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		s.errorResponse(w, http.StatusBadRequest, "token is required")
		return
	}

	resp, err := s.orch.Confirm(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownConfirmation) {
			s.errorResponse(w, http.StatusNotFound, "unknown or expired confirmation token")
			return
		}
		s.chatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toChatResponse(resp), s.logger)
}

func toChatResponse(resp *orchestrator.Response) ChatResponse {
	return ChatResponse{
		RequestID:         resp.RequestID,
		Response:          resp.Text,
		Effects:           resp.Effects,
		NeedsConfirmation: resp.NeedsConfirmation,
		ConfirmToken:      resp.ConfirmToken,
	}
}

// handleEvents streams operational events over a WebSocket. The bus
// already drops events for laggards; this handler additionally closes
// the connection when a write stalls.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine only detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// Household administration

// PersonRequest is the wire form of a trust record.
type PersonRequest struct {
	Name     string `json:"name"`
	Level    string `json:"level"`
	Autonomy int    `json:"autonomy"`
}

// PersonResponse is the wire form of a stored trust record.
type PersonResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Level    string `json:"level"`
	Autonomy int    `json:"autonomy"`
}

func toPersonResponse(p trust.Person) PersonResponse {
	return PersonResponse{
		ID:       p.ID,
		Name:     p.Name,
		Level:    p.Level.String(),
		Autonomy: p.Autonomy,
	}
}

func (s *Server) handlePeopleList(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "directory not configured")
		return
	}

	people, err := s.directory.List()
	if err != nil {
		s.logger.Error("list people failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list people")
		return
	}

	out := make([]PersonResponse, len(people))
	for i, p := range people {
		out[i] = toPersonResponse(p)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"people": out, "count": len(out)}, s.logger)
}

func (s *Server) handlePersonUpsert(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "directory not configured")
		return
	}

	id := r.PathValue("id")
	var req PersonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	level, err := trust.ParseLevel(req.Level)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Autonomy < trust.AutonomyReactive || req.Autonomy > trust.AutonomyFull {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("autonomy %d out of range 1..5", req.Autonomy))
		return
	}

	p := trust.Person{ID: id, Name: req.Name, Level: level, Autonomy: req.Autonomy}
	if err := s.directory.Upsert(p); err != nil {
		s.logger.Error("upsert person failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store person")
		return
	}

	s.logger.Info("trust record updated", "id", id, "level", level, "autonomy", req.Autonomy)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toPersonResponse(p), s.logger)
}

func (s *Server) handlePersonRemove(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "directory not configured")
		return
	}

	id := r.PathValue("id")
	if err := s.directory.Remove(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "person not found")
		return
	}

	s.logger.Info("trust record removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.holder == nil || s.policyPath == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "policy file not configured")
		return
	}

	pol, err := trust.LoadPolicyFile(s.policyPath, 0)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "policy reload: "+err.Error())
		return
	}

	s.holder.Reload(pol)
	version := s.holder.Current().Version
	s.logger.Info("policy reloaded via API", "version", version)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "version": version}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
