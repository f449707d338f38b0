package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/budget"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/mailbox"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHub struct {
	handler  http.Handler
	tokens   *agent.TokenManager
	limiter  *ratelimit.Limiter
	fsm      *hub.FSM
	health   *hub.HealthAggregator
	alerts   *hub.AlertManager
	queue    *queue.TaskQueue
	backlog  *backlog.GoalBacklog
	registry *agent.Registry
}

func newTestServer(t *testing.T) *testHub {
	t.Helper()
	dir := t.TempDir()
	open := func(file, name string) *storage.Table {
		table, err := storage.Open(filepath.Join(dir, file), name, storage.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { table.Close() })
		return table
	}
	tasks := open("tasks.db", "tasks")
	dead := open("dead_letter.db", "dead_letter")
	goals := open("goals.db", "goals")
	config := open("config.db", "config")
	msgs := open("mailbox.db", "mailbox")
	chans := open("channels.db", "channels")

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q, err := queue.New(tasks, dead, broker)
	require.NoError(t, err)
	bl, err := backlog.New(goals, broker)
	require.NoError(t, err)
	limiter, err := ratelimit.New(config, broker)
	require.NoError(t, err)
	tokens, err := agent.NewTokenManager(config)
	require.NoError(t, err)
	ledger, err := budget.New(nil, broker, nil)
	require.NoError(t, err)
	registry := agent.NewRegistry(q, broker, limiter, agent.Config{})
	mb, err := mailbox.New(msgs, chans, broker, mailbox.Config{})
	require.NoError(t, err)
	mb.SetDeliverer(registry)
	health := hub.NewHealthAggregator(broker)
	fsm := hub.New(bl, ledger, health, broker, hub.Config{})
	alerts := hub.NewAlertManager(nil)
	maintainer := storage.NewMaintainer(storage.MaintainerConfig{
		BackupsDir: filepath.Join(dir, "backups"),
	}, broker)
	maintainer.Register(tasks)

	s := NewServer(Deps{
		Queue:         q,
		Backlog:       bl,
		Registry:      registry,
		Tokens:        tokens,
		Limiter:       limiter,
		Ledger:        ledger,
		FSM:           fsm,
		Health:        health,
		Alerts:        alerts,
		Mailbox:       mb,
		Maintainer:    maintainer,
		WebhookSecret: "hush",
		WebhookRepos:  []string{"acme/widget"},
		ListenAddr:    "127.0.0.1:8080",
		Version:       "test",
	})

	return &testHub{
		handler:  s.Handler(),
		tokens:   tokens,
		limiter:  limiter,
		fsm:      fsm,
		health:   health,
		alerts:   alerts,
		queue:    q,
		backlog:  bl,
		registry: registry,
	}
}

func (h *testHub) onboard(t *testing.T, agentID string) string {
	t.Helper()
	token, err := h.tokens.Register(agentID)
	require.NoError(t, err)
	return token
}

func (h *testHub) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.health.SetComponent("storage", hub.HealthCritical, "corrupted")
	rec = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOnboard(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodPost, "/api/v1/onboard", "", map[string]string{"agent_id": "a1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	decodeInto(t, rec, &resp)
	assert.Equal(t, "a1", resp["agent_id"])
	assert.Len(t, resp["token"], 64)
	assert.Equal(t, "http://127.0.0.1:8080", resp["hub_api_url"])
	assert.Equal(t, "ws://127.0.0.1:8080/ws", resp["hub_ws_url"])

	// Duplicate id
	rec = h.do(t, http.MethodPost, "/api/v1/onboard", "", map[string]string{"agent_id": "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing id
	rec = h.do(t, http.MethodPost, "/api/v1/onboard", "", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuthentication(t *testing.T) {
	h := newTestServer(t)

	rec := h.do(t, http.MethodGet, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/tasks", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := h.onboard(t, "a1")
	rec = h.do(t, http.MethodGet, "/api/v1/tasks", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTask(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", token, map[string]any{
		"description": "fix the build",
		"priority":    "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var task types.Task
	decodeInto(t, rec, &task)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskStatusQueued, task.Status)

	rec = h.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/tasks", token, map[string]any{
		"priority": "ludicrous",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp validationBody
	decodeInto(t, rec, &resp)
	assert.Equal(t, "validation_failed", resp.Error)
	assert.Len(t, resp.Errors, 2)
}

func TestGetUnknownTask(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodGet, "/api/v1/tasks/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	task, err := h.queue.Submit(queue.SubmitParams{Description: "doomed"})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Already cancelled
	rec = h.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGoalLifecycleOverAPI(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/goals", token, map[string]any{
		"description":      "ship onboarding",
		"success_criteria": []string{"docs updated"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal types.Goal
	decodeInto(t, rec, &goal)

	rec = h.do(t, http.MethodPost, "/api/v1/goals/"+goal.ID+"/transition", token, map[string]any{
		"to": "decomposing",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Illegal jump
	rec = h.do(t, http.MethodPost, "/api/v1/goals/"+goal.ID+"/transition", token, map[string]any{
		"to": "complete",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGoalValidation(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/goals", token, map[string]any{
		"description": "no criteria",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRateLimitDenies(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")
	require.NoError(t, h.limiter.SetOverride("a1", ratelimit.Override{
		types.TierLight: {Capacity: 1, RefillPerMin: 1},
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/tasks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/tasks", token, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	var resp map[string]any
	decodeInto(t, rec, &resp)
	assert.Equal(t, "rate_limited", resp["error"])
}

func TestRateLimitWarnsNearExhaustion(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")
	require.NoError(t, h.limiter.SetOverride("a1", ratelimit.Override{
		types.TierLight: {Capacity: 10, RefillPerMin: 1},
	}))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 9; i++ {
		rec = h.do(t, http.MethodGet, "/api/v1/tasks", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Warning"))
}

func TestRequestTier(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   types.Tier
	}{
		{http.MethodGet, "/api/v1/tasks", types.TierLight},
		{http.MethodGet, "/api/v1/hub/status", types.TierLight},
		{http.MethodPost, "/api/v1/tasks", types.TierHeavy},
		{http.MethodPost, "/api/v1/channels", types.TierHeavy},
		{http.MethodPost, "/api/v1/onboard", types.TierHeavy},
		{http.MethodPost, "/api/v1/messages", types.TierNormal},
		{http.MethodPost, "/api/v1/tasks/t-1/cancel", types.TierNormal},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requestTier(req), "%s %s", tt.method, tt.path)
	}
}

func TestHubStatusAndTransition(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodGet, "/api/v1/hub/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	decodeInto(t, rec, &status)
	hubStatus := status["hub"].(map[string]any)
	assert.Equal(t, "resting", hubStatus["state"])

	rec = h.do(t, http.MethodPost, "/api/v1/hub/transition", token, map[string]string{
		"to": "executing", "reason": "drill",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.HubStateExecuting, h.fsm.State())

	// Executing cannot be forced to contemplating
	rec = h.do(t, http.MethodPost, "/api/v1/hub/transition", token, map[string]string{
		"to": "contemplating",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHubPauseResume(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/hub/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.fsm.GetStatus().Paused)

	rec = h.do(t, http.MethodPost, "/api/v1/hub/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.fsm.GetStatus().Paused)
}

func TestRecordInvocation(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/hub/invocations", token, map[string]any{
		"duration_ms": 1200, "prompt_type": "decompose",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/hub/invocations", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Invocations []types.Invocation `json:"invocations"`
	}
	decodeInto(t, rec, &resp)
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, "decompose", resp.Invocations[0].PromptType)
}

func TestAlertsOverAPI(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/alerts/nothing/ack", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/alerts", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMailboxDrainIsSelfOnly(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodGet, "/api/v1/agents/a2/mailbox", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/agents/a1/mailbox", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMessagingOverAPI(t *testing.T) {
	h := newTestServer(t)
	alice := h.onboard(t, "alice")
	bob := h.onboard(t, "bob")

	rec := h.do(t, http.MethodPost, "/api/v1/channels", alice, map[string]string{"name": "standup"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{
		"channel": "standup", "body": "shipping today",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/channels/standup/history", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Direct message to an offline agent parks it
	rec = h.do(t, http.MethodPost, "/api/v1/messages", alice, map[string]string{
		"to": "bob", "body": "ping me when online",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/agents/bob/mailbox", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []types.Message `json:"messages"`
	}
	decodeInto(t, rec, &resp)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "ping me when online", resp.Messages[0].Body)
}

func TestWhitelistAdmin(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodPost, "/api/v1/admin/whitelist/vip", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/admin/whitelist", token, nil)
	var resp struct {
		Whitelist []string `json:"whitelist"`
	}
	decodeInto(t, rec, &resp)
	assert.Equal(t, []string{"vip"}, resp.Whitelist)

	rec = h.do(t, http.MethodDelete, "/api/v1/admin/whitelist/vip", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStorageHealth(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	rec := h.do(t, http.MethodGet, "/api/v1/admin/storage", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tables map[string]map[string]any `json:"tables"`
	}
	decodeInto(t, rec, &resp)
	require.Contains(t, resp.Tables, "tasks")
	assert.NotZero(t, resp.Tables["tasks"]["file_size_bytes"])
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(h *testHub, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookSignatureRequired(t *testing.T) {
	h := newTestServer(t)
	body := []byte(`{"zen":"keep it logically awesome"}`)

	rec := postWebhook(h, "ping", body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(h, "ping", body, signPayload("hush", body))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookOpenedIssueCreatesGoal(t *testing.T) {
	h := newTestServer(t)
	body := []byte(`{
		"action": "opened",
		"issue": {"number": 42, "title": "Crash on empty input", "html_url": "https://github.com/acme/widget/issues/42"},
		"repository": {"full_name": "acme/widget"}
	}`)

	rec := postWebhook(h, "issues", body, signPayload("hush", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var goal types.Goal
	decodeInto(t, rec, &goal)
	assert.Contains(t, goal.Description, "acme/widget#42")
	assert.Equal(t, types.GoalSourceInternal, goal.Source)

	got, err := h.backlog.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GoalStatusSubmitted, got.Status)
}

func TestWebhookIgnoresOtherActions(t *testing.T) {
	h := newTestServer(t)
	body := []byte(`{"action": "labeled", "issue": {"number": 1}, "repository": {"full_name": "acme/widget"}}`)

	rec := postWebhook(h, "issues", body, signPayload("hush", body))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, 0, h.backlog.Stats()["total"])
}

func TestWebhookPushWakesHub(t *testing.T) {
	h := newTestServer(t)
	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "acme/widget"}}`)

	rec := postWebhook(h, "push", body, signPayload("hush", body))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, types.HubStateImproving, h.fsm.State())
	history := h.fsm.History(10)
	require.NotEmpty(t, history)
	assert.Contains(t, history[0].Reason, "acme/widget")
	assert.True(t, history[0].Forced)
}

func TestWebhookPushUnregisteredRepoIgnored(t *testing.T) {
	h := newTestServer(t)
	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "evil/fork"}}`)

	rec := postWebhook(h, "push", body, signPayload("hush", body))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, types.HubStateResting, h.fsm.State())
	assert.Empty(t, h.fsm.History(10))
}

func TestWebhookBadSignatureRecorded(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")
	body := []byte(`{"ref": "refs/heads/main", "repository": {"full_name": "acme/widget"}}`)

	rec := postWebhook(h, "push", body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, types.HubStateResting, h.fsm.State())

	rec = h.do(t, http.MethodGet, "/api/v1/admin/webhooks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Deliveries []WebhookDelivery `json:"deliveries"`
	}
	decodeInto(t, rec, &resp)
	require.NotEmpty(t, resp.Deliveries)
	assert.Equal(t, "bad_signature", resp.Deliveries[0].Outcome)
}

func TestWebhookHistory(t *testing.T) {
	h := newTestServer(t)
	token := h.onboard(t, "a1")

	body := []byte(`{}`)
	postWebhook(h, "ping", body, signPayload("hush", body))

	rec := h.do(t, http.MethodGet, "/api/v1/admin/webhooks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Deliveries []WebhookDelivery `json:"deliveries"`
	}
	decodeInto(t, rec, &resp)
	require.Len(t, resp.Deliveries, 1)
	assert.Equal(t, "pong", resp.Deliveries[0].Outcome)
}
