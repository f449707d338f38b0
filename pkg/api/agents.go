package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/mailbox"
)

// onboardRequest is the POST /api/v1/onboard body
type onboardRequest struct {
	AgentID string `json:"agent_id"`
}

// handleOnboard issues a fresh bearer token for a new agent id. This is
// the only unauthenticated mutation; the returned token is shown once.
func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeValidation(w, []string{"agent_id is required"})
		return
	}

	token, err := s.tokens.Register(req.AgentID)
	if err != nil {
		if errors.Is(err, agent.ErrAgentIDTaken) {
			writeError(w, http.StatusConflict, "agent_id already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"agent_id":    req.AgentID,
		"token":       token,
		"hub_api_url": "http://" + s.listenAddr,
		"hub_ws_url":  "ws://" + s.listenAddr + "/ws",
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.registry.List(),
		"stats":  s.registry.Stats(),
	})
}

func (s *Server) handleAgentRateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.AgentRateStatus(r.PathValue("id")))
}

// handleDrainMailbox returns and clears an agent's parked messages.
// Agents may only drain their own mailbox.
func (s *Server) handleDrainMailbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if AgentID(r) != id {
		writeError(w, http.StatusForbidden, "cannot drain another agent's mailbox")
		return
	}
	msgs, err := s.mailbox.Drain(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// sendMessageRequest is the POST /api/v1/messages body
type sendMessageRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := s.mailbox.Send(AgentID(r), req.To, req.Channel, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, mailbox.ErrEmptyBody):
			writeValidation(w, []string{"body is required"})
		case errors.Is(err, mailbox.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, "channel not found")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// createChannelRequest is the POST /api/v1/channels body
type createChannelRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeValidation(w, []string{"name is required"})
		return
	}

	ch, err := s.mailbox.CreateChannel(req.Name, AgentID(r))
	if err != nil {
		if errors.Is(err, mailbox.ErrChannelExists) {
			writeError(w, http.StatusConflict, "channel already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.mailbox.Channels()})
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidation(w, []string{"limit must be a positive integer"})
			return
		}
		limit = n
	}

	msgs, err := s.mailbox.ChannelHistory(r.PathValue("name"), limit)
	if err != nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
