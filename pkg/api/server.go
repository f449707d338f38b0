package api

import (
	"context"
	"net/http"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/budget"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/mailbox"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// Deps wires the server to the rest of the hub
type Deps struct {
	Queue      *queue.TaskQueue
	Backlog    *backlog.GoalBacklog
	Registry   *agent.Registry
	Tokens     *agent.TokenManager
	Limiter    *ratelimit.Limiter
	Ledger     *budget.Ledger
	FSM        *hub.FSM
	Health     *hub.HealthAggregator
	Alerts     *hub.AlertManager
	Mailbox    *mailbox.Mailbox
	Maintainer *storage.Maintainer
	Sessions   http.Handler

	// WebhookSecret enables GitHub webhook signature verification
	WebhookSecret string
	// WebhookRepos are the repositories whose push events may wake the
	// hub FSM
	WebhookRepos []string
	// WebhookPushTarget is the state a registered push drives the hub
	// toward; improving when unset
	WebhookPushTarget types.HubState
	// ListenAddr is advertised to onboarding agents as the hub's API
	// and websocket base address
	ListenAddr string
	Version    string
}

// Server is the hub's HTTP surface: the versioned JSON API, the
// sidecar websocket endpoint, webhooks, health checks and metrics
type Server struct {
	queue      *queue.TaskQueue
	backlog    *backlog.GoalBacklog
	registry   *agent.Registry
	tokens     *agent.TokenManager
	limiter    *ratelimit.Limiter
	ledger     *budget.Ledger
	fsm        *hub.FSM
	health     *hub.HealthAggregator
	alerts     *hub.AlertManager
	mailbox    *mailbox.Mailbox
	maintainer *storage.Maintainer

	webhookSecret string
	webhookRepos  map[string]bool
	pushTarget    types.HubState
	webhooks      *webhookLog
	listenAddr    string
	version       string
	logger        zerolog.Logger
	httpServer    *http.Server
}

// NewServer builds the server and its routing table
func NewServer(d Deps) *Server {
	s := &Server{
		queue:         d.Queue,
		backlog:       d.Backlog,
		registry:      d.Registry,
		tokens:        d.Tokens,
		limiter:       d.Limiter,
		ledger:        d.Ledger,
		fsm:           d.FSM,
		health:        d.Health,
		alerts:        d.Alerts,
		mailbox:       d.Mailbox,
		maintainer:    d.Maintainer,
		webhookSecret: d.WebhookSecret,
		webhookRepos:  make(map[string]bool, len(d.WebhookRepos)),
		pushTarget:    d.WebhookPushTarget,
		webhooks:      newWebhookLog(),
		listenAddr:    d.ListenAddr,
		version:       d.Version,
		logger:        log.WithComponent("api"),
	}
	for _, repo := range d.WebhookRepos {
		s.webhookRepos[repo] = true
	}
	if s.pushTarget == "" {
		s.pushTarget = types.HubStateImproving
	}

	mux := http.NewServeMux()

	// Unauthenticated surface
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/onboard", s.handleOnboard)
	mux.HandleFunc("POST /api/webhooks/github", s.handleGitHubWebhook)
	if d.Sessions != nil {
		mux.Handle("GET /ws", d.Sessions)
	}

	// Authenticated JSON API
	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/tasks", s.handleSubmitTask)
	authed.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	authed.HandleFunc("GET /api/v1/tasks/stats", s.handleTaskStats)
	authed.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	authed.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleCancelTask)
	authed.HandleFunc("POST /api/v1/tasks/{id}/retry", s.handleRetryTask)
	authed.HandleFunc("GET /api/v1/dead-letter", s.handleDeadLetter)

	authed.HandleFunc("POST /api/v1/goals", s.handleSubmitGoal)
	authed.HandleFunc("GET /api/v1/goals", s.handleListGoals)
	authed.HandleFunc("GET /api/v1/goals/{id}", s.handleGetGoal)
	authed.HandleFunc("POST /api/v1/goals/{id}/transition", s.handleGoalTransition)
	authed.HandleFunc("GET /api/v1/goals/{id}/progress", s.handleGoalProgress)

	authed.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	authed.HandleFunc("GET /api/v1/agents/{id}/rate-status", s.handleAgentRateStatus)
	authed.HandleFunc("GET /api/v1/agents/{id}/mailbox", s.handleDrainMailbox)

	authed.HandleFunc("POST /api/v1/messages", s.handleSendMessage)
	authed.HandleFunc("GET /api/v1/channels", s.handleListChannels)
	authed.HandleFunc("POST /api/v1/channels", s.handleCreateChannel)
	authed.HandleFunc("GET /api/v1/channels/{name}/history", s.handleChannelHistory)

	authed.HandleFunc("GET /api/v1/hub/status", s.handleHubStatus)
	authed.HandleFunc("GET /api/v1/hub/history", s.handleHubHistory)
	authed.HandleFunc("POST /api/v1/hub/transition", s.handleHubTransition)
	authed.HandleFunc("POST /api/v1/hub/pause", s.handleHubPause)
	authed.HandleFunc("POST /api/v1/hub/resume", s.handleHubResume)
	authed.HandleFunc("GET /api/v1/hub/budget", s.handleBudget)
	authed.HandleFunc("GET /api/v1/hub/invocations", s.handleInvocations)
	authed.HandleFunc("POST /api/v1/hub/invocations", s.handleRecordInvocation)

	authed.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	authed.HandleFunc("POST /api/v1/alerts/{rule}/ack", s.handleAckAlert)

	authed.HandleFunc("GET /api/v1/admin/rate-limits", s.handleRateSummary)
	authed.HandleFunc("PUT /api/v1/admin/rate-limits/{id}", s.handleSetOverride)
	authed.HandleFunc("DELETE /api/v1/admin/rate-limits/{id}", s.handleRemoveOverride)
	authed.HandleFunc("GET /api/v1/admin/whitelist", s.handleGetWhitelist)
	authed.HandleFunc("PUT /api/v1/admin/whitelist", s.handleSetWhitelist)
	authed.HandleFunc("POST /api/v1/admin/whitelist/{id}", s.handleAddWhitelist)
	authed.HandleFunc("DELETE /api/v1/admin/whitelist/{id}", s.handleRemoveWhitelist)

	authed.HandleFunc("POST /api/v1/admin/backup", s.handleBackup)
	authed.HandleFunc("POST /api/v1/admin/compact", s.handleCompact)
	authed.HandleFunc("POST /api/v1/admin/restore/{table}", s.handleRestore)
	authed.HandleFunc("GET /api/v1/admin/storage", s.handleStorageHealth)
	authed.HandleFunc("GET /api/v1/admin/webhooks", s.handleWebhookHistory)

	mux.Handle("/api/v1/", s.authenticate(s.rateLimit(authed)))

	s.httpServer = &http.Server{
		Handler:      s.observe(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing table for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
