package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/api"
	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/budget"
	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/mailbox"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/ratelimit"
	"github.com/agentcom/agentcom/pkg/reaper"
	"github.com/agentcom/agentcom/pkg/scheduler"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentcom",
	Short: "AgentCom - autonomous task orchestration hub",
	Long: `AgentCom is a coordination hub for autonomous coding agents.

It keeps a durable task queue and goal backlog, assigns work to agent
sidecars over websockets, meters every request through per-agent rate
limits, and runs a behavioral state machine that decides when the hub
executes, improves, contemplates or heals.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AgentCom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for durable state (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AgentCom hub",
	Long: `Start the hub: open the durable tables, reload queue and backlog
state, and serve the JSON API and sidecar websocket endpoint until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.Server.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.Storage.DataDir = dir
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("data_dir", cfg.Storage.DataDir).Msg("starting agentcom")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Durable tables
	dataDir := cfg.Storage.DataDir
	backupsDir := filepath.Join(dataDir, "backups")
	opts := storage.Options{BackupsDir: backupsDir, Broker: broker}

	tasksTable, err := storage.Open(filepath.Join(dataDir, "tasks", "tasks.db"), "tasks", opts)
	if err != nil {
		return fmt.Errorf("opening tasks table: %w", err)
	}
	defer tasksTable.Close()

	deadTable, err := storage.Open(filepath.Join(dataDir, "tasks", "dead_letter.db"), "dead_letter", opts)
	if err != nil {
		return fmt.Errorf("opening dead letter table: %w", err)
	}
	defer deadTable.Close()

	goalsTable, err := storage.Open(filepath.Join(dataDir, "goals", "goals.db"), "goals", opts)
	if err != nil {
		return fmt.Errorf("opening goals table: %w", err)
	}
	defer goalsTable.Close()

	configTable, err := storage.Open(filepath.Join(dataDir, "config.db"), "config", opts)
	if err != nil {
		return fmt.Errorf("opening config table: %w", err)
	}
	defer configTable.Close()

	ledgerTable, err := storage.Open(filepath.Join(dataDir, "cost_ledger", "invocations.db"), "cost_ledger", opts)
	if err != nil {
		return fmt.Errorf("opening cost ledger table: %w", err)
	}
	defer ledgerTable.Close()

	mailboxTable, err := storage.Open(filepath.Join(dataDir, "mailbox", "mailbox.db"), "mailbox", opts)
	if err != nil {
		return fmt.Errorf("opening mailbox table: %w", err)
	}
	defer mailboxTable.Close()

	channelsTable, err := storage.Open(filepath.Join(dataDir, "channels", "channels.db"), "channels", opts)
	if err != nil {
		return fmt.Errorf("opening channels table: %w", err)
	}
	defer channelsTable.Close()

	limitsTable, err := storage.Open(filepath.Join(dataDir, "rate_limit_overrides", "overrides.db"), "rate_limit_overrides", opts)
	if err != nil {
		return fmt.Errorf("opening rate limit table: %w", err)
	}
	defer limitsTable.Close()

	maintainer := storage.NewMaintainer(storage.MaintainerConfig{
		BackupsDir:     backupsDir,
		Retention:      cfg.Storage.BackupRetention,
		BackupInterval: cfg.Storage.BackupInterval,
	}, broker)
	for _, t := range []*storage.Table{tasksTable, deadTable, goalsTable, configTable, ledgerTable, mailboxTable, channelsTable, limitsTable} {
		maintainer.Register(t)
	}
	maintainer.Start()
	defer maintainer.Stop()

	// Core state
	taskQueue, err := queue.New(tasksTable, deadTable, broker)
	if err != nil {
		return fmt.Errorf("rebuilding task queue: %w", err)
	}
	goalBacklog, err := backlog.New(goalsTable, broker)
	if err != nil {
		return fmt.Errorf("rebuilding goal backlog: %w", err)
	}

	limiter, err := ratelimit.New(limitsTable, broker)
	if err != nil {
		return fmt.Errorf("loading rate limiter state: %w", err)
	}
	for _, id := range cfg.Limits.Whitelist {
		if err := limiter.AddToWhitelist(id); err != nil {
			return fmt.Errorf("applying whitelist: %w", err)
		}
	}
	for id, tiers := range cfg.Limits.Overrides {
		override := make(ratelimit.Override, len(tiers))
		for tier, shape := range tiers {
			override[types.Tier(tier)] = ratelimit.TierLimit{
				Capacity:     shape.Capacity,
				RefillPerMin: shape.RefillPerMin,
			}
		}
		if err := limiter.SetOverride(id, override); err != nil {
			return fmt.Errorf("applying rate override for %s: %w", id, err)
		}
	}

	budgetLimits := make(map[types.HubState]int, len(cfg.Hub.InvocationBudget))
	for state, n := range cfg.Hub.InvocationBudget {
		budgetLimits[types.HubState(state)] = n
	}
	ledger, err := budget.New(ledgerTable, broker, budgetLimits)
	if err != nil {
		return fmt.Errorf("reloading cost ledger: %w", err)
	}

	tokens, err := agent.NewTokenManager(configTable)
	if err != nil {
		return fmt.Errorf("loading agent tokens: %w", err)
	}

	// Agent plane
	registry := agent.NewRegistry(taskQueue, broker, limiter, agent.Config{
		HeartbeatInterval:        cfg.Agents.HeartbeatInterval,
		HeartbeatTimeoutMultiple: cfg.Agents.HeartbeatTimeoutMultiple,
		OfflineGrace:             cfg.Agents.OfflineGrace,
	})
	registry.Start()
	defer registry.Stop()

	mb, err := mailbox.New(mailboxTable, channelsTable, broker, mailbox.Config{})
	if err != nil {
		return fmt.Errorf("reloading mailbox: %w", err)
	}
	mb.SetDeliverer(registry)
	registry.SetMessageSink(mb)

	sched := scheduler.NewScheduler(taskQueue, registry, broker, cfg.Hub.SchedulerTick)
	sched.Start()
	defer sched.Stop()

	// Hub brain
	health := hub.NewHealthAggregator(broker)
	health.Start()
	defer health.Stop()

	fsm := hub.New(goalBacklog, ledger, health, broker, hub.Config{
		Tick:     cfg.Hub.TickInterval,
		Watchdog: cfg.Hub.WatchdogTimeout,
	})
	fsm.Start()
	defer fsm.Stop()

	alerts := hub.NewAlertManager(alertRules(taskQueue, registry, health))
	alerts.Start()
	defer alerts.Stop()

	janitor := reaper.New(registry, mb, limiter, taskQueue, cfg.Hub.ReaperInterval)
	janitor.Start()
	defer janitor.Stop()

	// HTTP surface
	sessions := agent.NewSessionHandler(registry, tokens, limiter)
	server := api.NewServer(api.Deps{
		Queue:             taskQueue,
		Backlog:           goalBacklog,
		Registry:          registry,
		Tokens:            tokens,
		Limiter:           limiter,
		Ledger:            ledger,
		FSM:               fsm,
		Health:            health,
		Alerts:            alerts,
		Mailbox:           mb,
		Maintainer:        maintainer,
		Sessions:          sessions,
		WebhookSecret:     cfg.Webhook.Secret,
		WebhookRepos:      cfg.Webhook.Repos,
		WebhookPushTarget: types.HubState(cfg.Webhook.PushTarget),
		ListenAddr:        cfg.Server.ListenAddr,
		Version:           Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// alertRules builds the operator alert set from live components
func alertRules(q *queue.TaskQueue, registry *agent.Registry, health *hub.HealthAggregator) []hub.Rule {
	return []hub.Rule{
		{
			Name: "dead_letter_backlog",
			Check: func() (bool, string) {
				n := q.Stats()[string(types.TaskStatusDeadLetter)]
				return n > 0, fmt.Sprintf("%d tasks in the dead letter queue", n)
			},
		},
		{
			Name: "queue_depth",
			Check: func() (bool, string) {
				n := q.Stats()[string(types.TaskStatusQueued)]
				return n > 100, fmt.Sprintf("%d tasks waiting for agents", n)
			},
		},
		{
			Name: "no_agents",
			Check: func() (bool, string) {
				queued := q.Stats()[string(types.TaskStatusQueued)]
				agents := registry.Stats()
				connected := agents["total"] - agents[string(types.AgentStateOffline)]
				return queued > 0 && connected == 0, "tasks queued with no agents connected"
			},
		},
		{
			Name: "storage_critical",
			Check: func() (bool, string) {
				a := health.Assess()
				if a.Components["storage"] == hub.HealthCritical {
					return true, "storage reported critical"
				}
				return false, ""
			},
		},
	}
}
