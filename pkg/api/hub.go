package api

import (
	"net/http"
	"strconv"

	"github.com/agentcom/agentcom/pkg/types"
)

func (s *Server) handleHubStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hub":    s.fsm.GetStatus(),
		"health": s.health.Assess(),
	})
}

func (s *Server) handleHubHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidation(w, []string{"limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": s.fsm.History(limit)})
}

// hubTransitionRequest is the POST /api/v1/hub/transition body
type hubTransitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func (s *Server) handleHubTransition(w http.ResponseWriter, r *http.Request) {
	var req hubTransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" {
		writeValidation(w, []string{"to is required"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator_forced"
	}

	if err := s.fsm.ForceTransition(types.HubState(req.To), reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.fsm.GetStatus())
}

func (s *Server) handleHubPause(w http.ResponseWriter, r *http.Request) {
	s.fsm.Pause()
	writeJSON(w, http.StatusOK, s.fsm.GetStatus())
}

func (s *Server) handleHubResume(w http.ResponseWriter, r *http.Request) {
	s.fsm.Resume()
	writeJSON(w, http.StatusOK, s.fsm.GetStatus())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"budgets": s.ledger.Stats()})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidation(w, []string{"limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocations": s.ledger.History(limit)})
}

// recordInvocationRequest is the POST /api/v1/hub/invocations body
type recordInvocationRequest struct {
	DurationMs int64  `json:"duration_ms"`
	PromptType string `json:"prompt_type"`
}

// handleRecordInvocation journals one model invocation against the
// hub's current state
func (s *Server) handleRecordInvocation(w http.ResponseWriter, r *http.Request) {
	var req recordInvocationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state := s.fsm.State()
	if err := s.ledger.RecordInvocation(state, req.DurationMs, req.PromptType); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"hub_state": state,
		"budget":    s.ledger.Stats()[state],
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.List()})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Acknowledge(r.PathValue("rule")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
