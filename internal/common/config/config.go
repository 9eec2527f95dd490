// Package config provides configuration management for Stoneforge.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stoneforge/stoneforge/internal/common/logger"
)

// Config holds all configuration sections for the Stoneforge daemon.
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Database DatabaseConfig        `mapstructure:"database"`
	Events   EventsConfig          `mapstructure:"events"`
	Provider ProviderConfig        `mapstructure:"provider"`
	Worktree WorktreeConfig        `mapstructure:"worktree"`
	Dispatch DispatchConfig        `mapstructure:"dispatch"`
	Pool     PoolConfig            `mapstructure:"pool"`
	Logging  logger.LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP status API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded sqlite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file path, ":memory:" for tests
}

// EventsConfig holds event bus configuration. An empty NATS URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds the external LLM CLI configuration.
type ProviderConfig struct {
	// Command is the provider CLI binary name or path.
	Command string `mapstructure:"command"`
	// Model is passed through to the CLI when set.
	Model string `mapstructure:"model"`
	// InitializeTimeout bounds the wait for the first system message.
	InitializeTimeout time.Duration `mapstructure:"initializeTimeout"`
}

// WorktreeConfig holds git worktree coordinator configuration.
type WorktreeConfig struct {
	BasePath            string `mapstructure:"basePath"`
	RepositoryPath      string `mapstructure:"repositoryPath"`
	DefaultBranch       string `mapstructure:"defaultBranch"`
	InstallDependencies bool   `mapstructure:"installDependencies"`
}

// DispatchConfig holds the dispatch daemon knobs. Poll interval is clamped
// to [1s, 60s] by Normalize.
type DispatchConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`

	WorkerAvailabilityPollEnabled      bool `mapstructure:"workerAvailabilityPollEnabled"`
	InboxPollEnabled                   bool `mapstructure:"inboxPollEnabled"`
	StewardTriggerPollEnabled          bool `mapstructure:"stewardTriggerPollEnabled"`
	WorkflowTaskPollEnabled            bool `mapstructure:"workflowTaskPollEnabled"`
	OrphanRecoveryEnabled              bool `mapstructure:"orphanRecoveryEnabled"`
	ClosedUnmergedReconciliationEnabled bool `mapstructure:"closedUnmergedReconciliationEnabled"`
	StuckMergeRecoveryEnabled          bool `mapstructure:"stuckMergeRecoveryEnabled"`

	ClosedUnmergedGracePeriod    time.Duration `mapstructure:"closedUnmergedGracePeriod"`
	StuckMergeRecoveryGracePeriod time.Duration `mapstructure:"stuckMergeRecoveryGracePeriod"`

	// MaxSessionDuration force-terminates sessions older than this.
	// Zero disables the reaper.
	MaxSessionDuration time.Duration `mapstructure:"maxSessionDuration"`

	DirectorInboxForwardingEnabled bool          `mapstructure:"directorInboxForwardingEnabled"`
	DirectorInboxIdleThreshold     time.Duration `mapstructure:"directorInboxIdleThreshold"`
}

// PoolConfig holds per-role concurrency caps for the agent pool.
type PoolConfig struct {
	MaxEphemeralWorkers  int `mapstructure:"maxEphemeralWorkers"`
	MaxPersistentWorkers int `mapstructure:"maxPersistentWorkers"`
	MaxMergeStewards     int `mapstructure:"maxMergeStewards"`
	MaxHealthStewards    int `mapstructure:"maxHealthStewards"`
}

const (
	minPollInterval = 1 * time.Second
	maxPollInterval = 60 * time.Second
)

// Normalize clamps the poll interval into its supported range and fills
// zero-valued grace periods with defaults.
func (d *DispatchConfig) Normalize() {
	if d.PollInterval < minPollInterval {
		d.PollInterval = minPollInterval
	}
	if d.PollInterval > maxPollInterval {
		d.PollInterval = maxPollInterval
	}
	if d.ClosedUnmergedGracePeriod <= 0 {
		d.ClosedUnmergedGracePeriod = 2 * time.Minute
	}
	if d.StuckMergeRecoveryGracePeriod <= 0 {
		d.StuckMergeRecoveryGracePeriod = 10 * time.Minute
	}
	if d.DirectorInboxIdleThreshold <= 0 {
		d.DirectorInboxIdleThreshold = 2 * time.Minute
	}
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7410)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "~/.stoneforge/stoneforge.db")

	// Empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "stoneforge-dispatch")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("provider.command", "claude")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.initializeTimeout", 30*time.Second)

	v.SetDefault("worktree.basePath", "~/.stoneforge/worktrees")
	v.SetDefault("worktree.repositoryPath", ".")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.installDependencies", false)

	v.SetDefault("dispatch.pollInterval", 5*time.Second)
	v.SetDefault("dispatch.workerAvailabilityPollEnabled", true)
	v.SetDefault("dispatch.inboxPollEnabled", true)
	v.SetDefault("dispatch.stewardTriggerPollEnabled", true)
	v.SetDefault("dispatch.workflowTaskPollEnabled", true)
	v.SetDefault("dispatch.orphanRecoveryEnabled", true)
	v.SetDefault("dispatch.closedUnmergedReconciliationEnabled", true)
	v.SetDefault("dispatch.stuckMergeRecoveryEnabled", true)
	v.SetDefault("dispatch.closedUnmergedGracePeriod", 2*time.Minute)
	v.SetDefault("dispatch.stuckMergeRecoveryGracePeriod", 10*time.Minute)
	v.SetDefault("dispatch.maxSessionDuration", time.Duration(0))
	v.SetDefault("dispatch.directorInboxForwardingEnabled", true)
	v.SetDefault("dispatch.directorInboxIdleThreshold", 2*time.Minute)

	v.SetDefault("pool.maxEphemeralWorkers", 3)
	v.SetDefault("pool.maxPersistentWorkers", 2)
	v.SetDefault("pool.maxMergeStewards", 1)
	v.SetDefault("pool.maxHealthStewards", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix STONEFORGE_ with snake_case
// naming; the config file is config.yaml in the current directory or
// /etc/stoneforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STONEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stoneforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Dispatch.Normalize()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Provider.Command == "" {
		errs = append(errs, "provider.command is required")
	}
	if cfg.Worktree.DefaultBranch == "" {
		errs = append(errs, "worktree.defaultBranch is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
