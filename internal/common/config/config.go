// Package config provides configuration management for Agentrix.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the intake API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds job store configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the connection fields.
// Driver "memory" keeps everything in-process (tests, demos).
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // memory, sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SchedulerConfig holds orchestrator loop configuration.
type SchedulerConfig struct {
	PollInterval      int `mapstructure:"pollInterval"`      // queue poll interval, in milliseconds
	MaxConcurrentJobs int `mapstructure:"maxConcurrentJobs"` // max jobs driven at once
	JobTimeout        int `mapstructure:"jobTimeout"`        // wall-clock bound per job, in seconds (0 = none)
	DefaultMaxRetries int `mapstructure:"defaultMaxRetries"` // job retry budget when the submission omits one
}

// DispatcherConfig holds per-task dispatch configuration.
type DispatcherConfig struct {
	OrchestratorURI  string `mapstructure:"orchestratorUri"`  // sender URI on outgoing requests
	DefaultTimeout   int    `mapstructure:"defaultTimeout"`   // per-task HTTP timeout, in seconds
	TaskRetryLimit   int    `mapstructure:"taskRetryLimit"`   // attempts per task before failed
	NoAgentLimit     int    `mapstructure:"noAgentLimit"`     // requeues before failed(no-agent)
	RetryBackoffBase int    `mapstructure:"retryBackoffBase"` // base backoff between attempts, in milliseconds
}

// AgentsConfig holds agent roster configuration.
type AgentsConfig struct {
	RosterPath string `mapstructure:"rosterPath"` // YAML roster file; empty disables seeding
	HotReload  bool   `mapstructure:"hotReload"`  // watch the roster file for changes
}

// PolicyConfig holds policy engine configuration.
type PolicyConfig struct {
	BlockedActions []string `mapstructure:"blockedActions"` // intents rejected outright
	AllowedApps    []string `mapstructure:"allowedApps"`    // allow-list for desktop automation targets
	RatePerSender  float64  `mapstructure:"ratePerSender"`  // requests/second per sender (0 = unlimited)
	RateBurst      int      `mapstructure:"rateBurst"`
	EthicsGate     bool     `mapstructure:"ethicsGate"` // prepend an ethics-check step to multi-agent plans
}

// AuditConfig holds audit log configuration.
type AuditConfig struct {
	EvidenceDir string `mapstructure:"evidenceDir"` // content-addressed evidence blobs
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the queue poll interval as a time.Duration.
func (s *SchedulerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Millisecond
}

// JobTimeoutDuration returns the per-job wall-clock bound; zero means unbounded.
func (s *SchedulerConfig) JobTimeoutDuration() time.Duration {
	return time.Duration(s.JobTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default per-task timeout as a time.Duration.
func (d *DispatcherConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(d.DefaultTimeout) * time.Second
}

// RetryBackoffBaseDuration returns the base retry backoff as a time.Duration.
func (d *DispatcherConfig) RetryBackoffBaseDuration() time.Duration {
	return time.Duration(d.RetryBackoffBase) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// detectDefaultLogFormat mirrors logger.detectFormat for config defaults.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRIX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - sqlite file next to the binary
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "agentrix.db")
	v.SetDefault("store.host", "")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "agentrix")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "agentrix")
	v.SetDefault("store.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentrix-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.pollInterval", 250)
	v.SetDefault("scheduler.maxConcurrentJobs", 16)
	v.SetDefault("scheduler.jobTimeout", 0)
	v.SetDefault("scheduler.defaultMaxRetries", 1)

	// Dispatcher defaults
	v.SetDefault("dispatcher.orchestratorUri", "agent://agentrix/orchestrator")
	v.SetDefault("dispatcher.defaultTimeout", 30)
	v.SetDefault("dispatcher.taskRetryLimit", 3)
	v.SetDefault("dispatcher.noAgentLimit", 3)
	v.SetDefault("dispatcher.retryBackoffBase", 500)

	// Agents defaults
	v.SetDefault("agents.rosterPath", "")
	v.SetDefault("agents.hotReload", true)

	// Policy defaults
	v.SetDefault("policy.blockedActions", []string{})
	v.SetDefault("policy.allowedApps", []string{})
	v.SetDefault("policy.ratePerSender", 0)
	v.SetDefault("policy.rateBurst", 10)
	v.SetDefault("policy.ethicsGate", false)

	// Audit defaults
	v.SetDefault("audit.evidenceDir", "evidence")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRIX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentrix/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys, so bind the ones operators
	// commonly override.
	_ = v.BindEnv("store.driver", "AGENTRIX_STORE_DRIVER")
	_ = v.BindEnv("store.path", "AGENTRIX_STORE_PATH")
	_ = v.BindEnv("nats.url", "AGENTRIX_NATS_URL")
	_ = v.BindEnv("agents.rosterPath", "AGENTRIX_AGENTS_ROSTER_PATH")
	_ = v.BindEnv("audit.evidenceDir", "AGENTRIX_AUDIT_EVIDENCE_DIR")
	_ = v.BindEnv("dispatcher.defaultTimeout", "AGENTRIX_DISPATCHER_DEFAULT_TIMEOUT")
	_ = v.BindEnv("dispatcher.taskRetryLimit", "AGENTRIX_DISPATCHER_TASK_RETRY_LIMIT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrix/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

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

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Store.Host == "" {
			errs = append(errs, "store.host is required when store.driver is postgres")
		}
		if cfg.Store.DBName == "" {
			errs = append(errs, "store.dbName is required when store.driver is postgres")
		}
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Scheduler.MaxConcurrentJobs <= 0 {
		errs = append(errs, "scheduler.maxConcurrentJobs must be positive")
	}
	if cfg.Dispatcher.TaskRetryLimit < 1 {
		errs = append(errs, "dispatcher.taskRetryLimit must be at least 1")
	}
	if cfg.Dispatcher.OrchestratorURI == "" {
		errs = append(errs, "dispatcher.orchestratorUri is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
