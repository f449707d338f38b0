package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/gorilla/websocket"
)

// identifyDeadline is how long a fresh connection has to identify
const identifyDeadline = 10 * time.Second

// sendBuffer is the outbound frame buffer per connection
const sendBuffer = 64

// SessionHandler upgrades sidecar connections and runs their frame
// loops. The read loop is the agent's single frame processor; the
// write loop drains the outbound channel so slow sockets never block
// the rest of the hub.
type SessionHandler struct {
	registry *Registry
	tokens   *TokenManager
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
}

// NewSessionHandler creates the /ws endpoint handler
func NewSessionHandler(registry *Registry, tokens *TokenManager, limiter *ratelimit.Limiter) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		tokens:   tokens,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sidecars connect from anywhere; auth happens on identify
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session to completion
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("ws")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.serve(conn)
}

func (h *SessionHandler) serve(conn *websocket.Conn) {
	logger := log.WithComponent("ws")

	// The first frame must identify the agent
	conn.SetReadDeadline(time.Now().Add(identifyDeadline))
	var ident Frame
	if err := conn.ReadJSON(&ident); err != nil || ident.Type != FrameIdentify {
		conn.WriteJSON(errorFrame{Type: FrameError, Error: "expected identify"})
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	d := h.limiter.Check(ident.AgentID, types.ChannelWS, types.TierHeavy)
	if d.Verdict == ratelimit.VerdictDeny {
		retryAfter := h.limiter.RecordViolation(ident.AgentID)
		conn.WriteJSON(rateLimitedFrame{Type: FrameRateLimited, Tier: string(types.TierHeavy), RetryAfterMs: retryAfter})
		conn.Close()
		return
	}

	if err := h.tokens.Validate(ident.AgentID, ident.Token); err != nil {
		reason := "invalid_token"
		if errors.Is(err, ErrTokenAgentMismatch) {
			reason = "token_agent_mismatch"
		}
		logger.Warn().Str("agent_id", ident.AgentID).Str("reason", reason).Msg("identify rejected")
		conn.WriteJSON(errorFrame{Type: FrameError, Error: reason})
		conn.Close()
		return
	}

	sendCh := make(chan any, sendBuffer)
	done := make(chan struct{})

	a := h.registry.Register(types.AgentInfo{
		AgentID:      ident.AgentID,
		Name:         ident.Name,
		Capabilities: ident.Capabilities,
	}, sendCh, func() { conn.Close() })

	go writeLoop(conn, sendCh, done)

	if !a.send(identifiedFrame{Type: FrameIdentified, AgentID: ident.AgentID}) {
		h.registry.HandleDisconnect(a)
		close(done)
		return
	}

	h.readLoop(conn, a)
	close(done)
}

// readLoop processes frames until the socket dies. Every frame passes
// the rate limiter before it is handled.
func (h *SessionHandler) readLoop(conn *websocket.Conn, a *Agent) {
	agentID := a.ID()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			h.registry.HandleDisconnect(a)
			return
		}

		tier := frameTier(f.Type)
		d := h.limiter.Check(agentID, types.ChannelWS, tier)
		switch d.Verdict {
		case ratelimit.VerdictDeny:
			retryAfter := h.limiter.RecordViolation(agentID)
			a.send(rateLimitedFrame{Type: FrameRateLimited, Tier: string(tier), RetryAfterMs: retryAfter})
			continue
		case ratelimit.VerdictWarn:
			a.send(rateLimitWarningFrame{Type: FrameRateLimitWarning, Tier: string(tier), Remaining: d.Remaining, Capacity: d.Capacity})
		}

		h.registry.HandleFrame(a, f)
	}
}

// writeLoop serializes outbound frames onto the socket
func writeLoop(conn *websocket.Conn, sendCh chan any, done chan struct{}) {
	for {
		select {
		case frame := <-sendCh:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
