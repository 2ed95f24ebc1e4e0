package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/identity"
	"github.com/hearthd/hearth/internal/rules"
)

// Session identity. The API serves the LAN and every request already
// carries the hub token, so a binding established here counts as
// transport-authenticated and is registered at confidence 1.0.

// SessionBindRequest associates a chat session with a person.
// PUT /v1/sessions/kitchen-panel {"person_id": "alice"}
type SessionBindRequest struct {
	PersonID string `json:"person_id"`
}

func (s *Server) handleSessionBind(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "identity resolver not configured")
		return
	}

	sessionID := r.PathValue("id")
	var req SessionBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PersonID == "" {
		s.errorResponse(w, http.StatusBadRequest, "person_id is required")
		return
	}

	// Refuse to bind a session to a person the directory has never
	// heard of; an unknown ID would silently resolve to Guest later.
	if s.directory != nil {
		if _, err := s.directory.Lookup(req.PersonID); err != nil {
			s.errorResponse(w, http.StatusNotFound, "person not found")
			return
		}
	}

	s.resolver.Bind(identity.Binding{
		SessionID:  sessionID,
		PersonID:   req.PersonID,
		Confidence: 1.0,
	})

	s.logger.Info("session bound", "session", sessionID, "person", req.PersonID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": sessionID,
		"person_id":  req.PersonID,
		"confidence": 1.0,
	}, s.logger)
}

func (s *Server) handleSessionUnbind(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "identity resolver not configured")
		return
	}

	sessionID := r.PathValue("id")
	s.resolver.Unbind(sessionID)

	s.logger.Info("session unbound", "session", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// Notification feedback

// FeedbackRequest reports how the household received a proactive
// notification. Dismissals widen that kind's cooldown window,
// engagement narrows it.
// POST /v1/feedback {"kind": "water-leak", "room": "basement", "outcome": "dismissed"}
type FeedbackRequest struct {
	Kind    string `json:"kind"`
	Room    string `json:"room"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.cooldowns == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cooldown ledger not configured")
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		s.errorResponse(w, http.StatusBadRequest, "kind is required")
		return
	}

	var engaged bool
	switch strings.ToLower(req.Outcome) {
	case "engaged":
		engaged = true
	case "dismissed":
		engaged = false
	default:
		s.errorResponse(w, http.StatusBadRequest, `outcome must be "engaged" or "dismissed"`)
		return
	}

	if err := s.cooldowns.Feedback(req.Kind, req.Room, engaged); err != nil {
		s.logger.Error("record feedback failed", "error", err, "kind", req.Kind)
		s.errorResponse(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}

	window, err := s.cooldowns.Window(req.Kind, req.Room)
	if err != nil {
		s.logger.Error("read cooldown window failed", "error", err, "kind", req.Kind)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read cooldown window")
		return
	}

	s.logger.Info("notification feedback recorded",
		"kind", req.Kind, "room", req.Room, "outcome", req.Outcome, "window", window)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"kind":   req.Kind,
		"room":   req.Room,
		"window": window.String(),
	}, s.logger)
}

// Automation rules

// RuleRequest is the wire form of a new automation rule.
type RuleRequest struct {
	Name          string         `json:"name"`
	TriggerEntity string         `json:"trigger_entity"`
	TriggerState  string         `json:"trigger_state,omitempty"`
	ActionKind    string         `json:"action_kind"`
	ActionParams  map[string]any `json:"action_params,omitempty"`
	PersonID      string         `json:"person_id"`
}

// RuleResponse is the wire form of a stored rule.
type RuleResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	TriggerEntity string         `json:"trigger_entity"`
	TriggerState  string         `json:"trigger_state,omitempty"`
	ActionKind    string         `json:"action_kind"`
	ActionParams  map[string]any `json:"action_params,omitempty"`
	PersonID      string         `json:"person_id"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     string         `json:"created_at"`
}

func toRuleResponse(r rules.Rule) RuleResponse {
	return RuleResponse{
		ID:            r.ID,
		Name:          r.Name,
		TriggerEntity: r.TriggerEntity,
		TriggerState:  r.TriggerState,
		ActionKind:    r.ActionKind,
		ActionParams:  r.ActionParams,
		PersonID:      r.PersonID,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "rules store not configured")
		return
	}

	stored, err := s.rules.List()
	if err != nil {
		s.logger.Error("list rules failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	out := make([]RuleResponse, len(stored))
	for i, rule := range stored {
		out[i] = toRuleResponse(rule)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"rules": out, "count": len(out)}, s.logger)
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "rules store not configured")
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.TriggerEntity == "" || req.ActionKind == "" || req.PersonID == "" {
		s.errorResponse(w, http.StatusBadRequest,
			"name, trigger_entity, action_kind and person_id are required")
		return
	}

	// The rule fires under this person's authority, re-resolved at fire
	// time; it must at least exist now.
	if s.directory != nil {
		if _, err := s.directory.Lookup(req.PersonID); err != nil {
			s.errorResponse(w, http.StatusNotFound, "person not found")
			return
		}
	}

	rule, err := s.rules.Add(rules.Rule{
		Name:          req.Name,
		TriggerEntity: req.TriggerEntity,
		TriggerState:  req.TriggerState,
		ActionKind:    req.ActionKind,
		ActionParams:  req.ActionParams,
		PersonID:      req.PersonID,
		Enabled:       true,
	})
	if err != nil {
		s.logger.Error("add rule failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store rule")
		return
	}

	s.logger.Info("rule created",
		"id", rule.ID, "name", rule.Name, "trigger", rule.TriggerEntity, "person", rule.PersonID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toRuleResponse(rule), s.logger)
}

func (s *Server) handleRuleRemove(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "rules store not configured")
		return
	}

	id := r.PathValue("id")
	if err := s.rules.Remove(id); err != nil {
		s.errorResponse(w, http.StatusNotFound, "rule not found")
		return
	}

	s.logger.Info("rule removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// RuleEnableRequest flips a rule on or off.
// PUT /v1/rules/{id}/enabled {"enabled": false}
type RuleEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRuleSetEnabled(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "rules store not configured")
		return
	}

	id := r.PathValue("id")
	var req RuleEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.rules.SetEnabled(id, req.Enabled); err != nil {
		s.errorResponse(w, http.StatusNotFound, "rule not found")
		return
	}

	s.logger.Info("rule enabled flag updated", "id", id, "enabled", req.Enabled)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "enabled": req.Enabled}, s.logger)
}
