package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub's full configuration tree. Every field has a
// working default so a bare `agentcom serve` runs; a YAML file and
// flags override selectively.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Agents  AgentsConfig  `yaml:"agents"`
	Hub     HubConfig     `yaml:"hub"`
	Limits  LimitsConfig  `yaml:"limits"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig configures durable state
type StorageConfig struct {
	DataDir         string        `yaml:"data_dir"`
	BackupRetention int           `yaml:"backup_retention"`
	BackupInterval  time.Duration `yaml:"backup_interval"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AgentsConfig configures sidecar liveness handling
type AgentsConfig struct {
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeoutMultiple int           `yaml:"heartbeat_timeout_multiple"`
	OfflineGrace             time.Duration `yaml:"offline_grace"`
}

// HubConfig configures the hub FSM and cost budgets
type HubConfig struct {
	TickInterval     time.Duration  `yaml:"tick_interval"`
	WatchdogTimeout  time.Duration  `yaml:"watchdog_timeout"`
	SchedulerTick    time.Duration  `yaml:"scheduler_tick"`
	ReaperInterval   time.Duration  `yaml:"reaper_interval"`
	InvocationBudget map[string]int `yaml:"invocation_budget"`
}

// LimitsConfig configures rate limiting. Overrides maps agent id to
// per-tier bucket shapes; tiers left out keep the defaults.
type LimitsConfig struct {
	Whitelist []string                        `yaml:"whitelist"`
	Overrides map[string]map[string]TierLimit `yaml:"overrides"`
}

// TierLimit is one tier's bucket shape in the config file
type TierLimit struct {
	Capacity     int64 `yaml:"capacity"`
	RefillPerMin int64 `yaml:"refill_per_min"`
}

// WebhookConfig configures inbound GitHub webhooks. Push events for a
// repo listed in Repos force the hub FSM toward PushTarget.
type WebhookConfig struct {
	Secret     string   `yaml:"secret"`
	Repos      []string `yaml:"repos"`
	PushTarget string   `yaml:"push_target"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			DataDir:         "./agentcom-data",
			BackupRetention: 7,
			BackupInterval:  24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Agents: AgentsConfig{
			HeartbeatInterval:        15 * time.Second,
			HeartbeatTimeoutMultiple: 4,
			OfflineGrace:             5 * time.Minute,
		},
		Hub: HubConfig{
			TickInterval:    time.Second,
			WatchdogTimeout: 2 * time.Hour,
			SchedulerTick:   5 * time.Second,
			ReaperInterval:  10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the hub cannot run with
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Agents.HeartbeatInterval <= 0 {
		return fmt.Errorf("agents.heartbeat_interval must be positive")
	}
	if c.Agents.HeartbeatTimeoutMultiple < 2 {
		return fmt.Errorf("agents.heartbeat_timeout_multiple must be at least 2")
	}
	if c.Hub.TickInterval <= 0 {
		return fmt.Errorf("hub.tick_interval must be positive")
	}
	for state, n := range c.Hub.InvocationBudget {
		switch state {
		case "executing", "improving", "contemplating":
		default:
			return fmt.Errorf("hub.invocation_budget: unknown state %q", state)
		}
		if n < 0 {
			return fmt.Errorf("hub.invocation_budget.%s must not be negative", state)
		}
	}
	switch c.Webhook.PushTarget {
	case "", "executing", "improving":
	default:
		return fmt.Errorf("webhook.push_target must be executing or improving, got %q", c.Webhook.PushTarget)
	}
	return nil
}
