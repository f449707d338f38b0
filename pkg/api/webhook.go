package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/types"
)

// webhookHistoryCap bounds the delivery log
const webhookHistoryCap = 100

// maxWebhookBody caps inbound payloads at 1 MiB
const maxWebhookBody = 1 << 20

// WebhookDelivery is one recorded inbound delivery
type WebhookDelivery struct {
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
	Action     string `json:"action,omitempty"`
	Outcome    string `json:"outcome"`
	GoalID     string `json:"goal_id,omitempty"`
	ReceivedAt int64  `json:"received_at"`
}

// webhookLog is a bounded in-memory delivery history
type webhookLog struct {
	mu      sync.Mutex
	entries []WebhookDelivery
}

func newWebhookLog() *webhookLog {
	return &webhookLog{}
}

func (l *webhookLog) record(d WebhookDelivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, d)
	if len(l.entries) > webhookHistoryCap {
		l.entries = l.entries[len(l.entries)-webhookHistoryCap:]
	}
}

// List returns deliveries newest first
func (l *webhookLog) List() []WebhookDelivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]WebhookDelivery, len(l.entries))
	for i, d := range l.entries {
		out[len(l.entries)-1-i] = d
	}
	return out
}

// githubIssueEvent is the subset of the issues payload the hub reads
type githubIssueEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHubWebhook verifies the delivery signature and turns opened
// issues into backlog goals
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		writeError(w, http.StatusNotImplemented, "webhooks not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	delivery := WebhookDelivery{
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Event:      r.Header.Get("X-GitHub-Event"),
		ReceivedAt: types.NowMs(),
	}

	if !verifySignature(s.webhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn().Str("delivery", delivery.DeliveryID).Msg("webhook signature mismatch")
		delivery.Outcome = "bad_signature"
		s.webhooks.record(delivery)
		writeError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	switch delivery.Event {
	case "ping":
		delivery.Outcome = "pong"
		s.webhooks.record(delivery)
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	case "issues":
		s.handleIssueEvent(w, body, delivery)
	case "push":
		s.handlePushEvent(w, body, delivery)
	default:
		delivery.Outcome = "ignored"
		s.webhooks.record(delivery)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
	}
}

// githubPushEvent is the subset of the push payload the hub reads
type githubPushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handlePushEvent wakes the hub FSM when a registered repository
// receives a push
func (s *Server) handlePushEvent(w http.ResponseWriter, body []byte, delivery WebhookDelivery) {
	var ev githubPushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		delivery.Outcome = "bad_payload"
		s.webhooks.record(delivery)
		writeError(w, http.StatusBadRequest, "bad push payload")
		return
	}

	repo := ev.Repository.FullName
	if !s.webhookRepos[repo] {
		delivery.Outcome = "ignored"
		s.webhooks.record(delivery)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	reason := fmt.Sprintf("push to %s (%s)", repo, ev.Ref)
	if err := s.fsm.ForceTransition(s.pushTarget, reason); err != nil {
		// Already there, or healing; the push changes nothing
		delivery.Outcome = "no_transition"
		s.webhooks.record(delivery)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "no_transition",
			"state":  string(s.fsm.State()),
		})
		return
	}

	delivery.Outcome = "hub_transitioned"
	s.webhooks.record(delivery)
	s.logger.Info().Str("repo", repo).Str("state", string(s.pushTarget)).Msg("hub woken by push webhook")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "transitioned",
		"state":  string(s.pushTarget),
	})
}

func (s *Server) handleIssueEvent(w http.ResponseWriter, body []byte, delivery WebhookDelivery) {
	var ev githubIssueEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		delivery.Outcome = "bad_payload"
		s.webhooks.record(delivery)
		writeError(w, http.StatusBadRequest, "bad issues payload")
		return
	}
	delivery.Action = ev.Action

	if ev.Action != "opened" && ev.Action != "reopened" {
		delivery.Outcome = "ignored"
		s.webhooks.record(delivery)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	description := fmt.Sprintf("[%s#%d] %s", ev.Repository.FullName, ev.Issue.Number, ev.Issue.Title)
	goal, err := s.backlog.Submit(backlog.SubmitParams{
		Description:     description,
		SuccessCriteria: []string{"issue resolved: " + ev.Issue.HTMLURL},
		Priority:        types.PriorityNormal,
		Source:          types.GoalSourceInternal,
	})
	if err != nil {
		delivery.Outcome = "goal_rejected"
		s.webhooks.record(delivery)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	delivery.Outcome = "goal_created"
	delivery.GoalID = goal.ID
	s.webhooks.record(delivery)
	s.logger.Info().Str("goal_id", goal.ID).Str("delivery", delivery.DeliveryID).Msg("goal created from webhook")
	writeJSON(w, http.StatusCreated, goal)
}

// verifySignature checks a GitHub sha256 HMAC header against the body
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
