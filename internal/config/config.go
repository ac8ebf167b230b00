// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent transports.
const (
	TransportCLI    = "cli"
	TransportDocker = "docker"
	TransportGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins lists browser origins for CORS and the feed socket.
	// ALLOWED_ORIGIN takes a comma-separated list.
	AllowedOrigins []string       `yaml:"allowed_origins"`
	Storage        StorageConfig  `yaml:"storage"`
	Exchange       ExchangeConfig `yaml:"exchange"`
	Sessions       SessionConfig  `yaml:"sessions"`
	Agent          AgentConfig    `yaml:"agent"`
	Auth           AuthConfig     `yaml:"auth"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	SessionFile string `yaml:"session_file"`
	HistoryDB   string `yaml:"history_db"`
	ErrorLog    string `yaml:"error_log"`
	QueueSize   int    `yaml:"error_log_queue_size"`
}

// ExchangeConfig tunes a single agent exchange.
type ExchangeConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	TypingInterval     time.Duration `yaml:"typing_interval"`
	MaxArtifactChars   int           `yaml:"max_artifact_chars"`
	MaxTurns           int           `yaml:"max_turns"`
	MaxContextTurns    int           `yaml:"max_context_turns"`
	StatusCleanupDelay time.Duration `yaml:"status_cleanup_delay"`
}

// SessionConfig controls session lifetime and decision history.
type SessionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	HistoryCap      int           `yaml:"history_cap"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// AgentConfig selects and addresses the agent backend.
type AgentConfig struct {
	Transport string `yaml:"transport"`
	ClaudeBin string `yaml:"claude_bin"`
	Container string `yaml:"container"`
	GRPCAddr  string `yaml:"grpc_addr"`
	WorkDir   string `yaml:"workdir"`
}

// AuthConfig configures bearer authentication and throttling.
type AuthConfig struct {
	JWTSecret          string   `yaml:"jwt_secret"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	AdminSubjects      []string `yaml:"admin_subjects"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Env:            "development",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		Storage: StorageConfig{
			SessionFile: "./data/sessions.json",
			HistoryDB:   "./data/history.db",
			ErrorLog:    "./data/errors.log",
			QueueSize:   1000,
		},
		Exchange: ExchangeConfig{
			Timeout:            300 * time.Second,
			TypingInterval:     5 * time.Second,
			MaxArtifactChars:   2000,
			MaxTurns:           1,
			MaxContextTurns:    10,
			StatusCleanupDelay: 3 * time.Second,
		},
		Sessions: SessionConfig{
			MaxAge:          7 * 24 * time.Hour,
			SweepInterval:   24 * time.Hour,
			HistoryCap:      100,
			DuplicateWindow: 24 * time.Hour,
		},
		Agent: AgentConfig{
			Transport: TransportCLI,
			ClaudeBin: "claude",
			GRPCAddr:  "localhost:50051",
		},
		Auth: AuthConfig{
			RateLimitPerMinute: 20,
		},
	}
}

// Load reads configuration from an optional YAML file named by
// AGENTRELAY_CONFIG and then from environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("AGENTRELAY_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if v, ok := os.LookupEnv("ALLOWED_ORIGIN"); ok {
		c.AllowedOrigins = splitList(v)
	}

	c.Storage.SessionFile = getEnv("SESSION_FILE", c.Storage.SessionFile)
	c.Storage.HistoryDB = getEnv("HISTORY_DB", c.Storage.HistoryDB)
	c.Storage.ErrorLog = getEnv("ERROR_LOG", c.Storage.ErrorLog)
	c.Storage.QueueSize = getEnvInt("ERROR_LOG_QUEUE_SIZE", c.Storage.QueueSize)

	c.Exchange.Timeout = getEnvDuration("EXCHANGE_TIMEOUT", c.Exchange.Timeout)
	c.Exchange.TypingInterval = getEnvDuration("TYPING_INTERVAL", c.Exchange.TypingInterval)
	c.Exchange.MaxArtifactChars = getEnvInt("MAX_ARTIFACT_CHARS", c.Exchange.MaxArtifactChars)
	c.Exchange.MaxTurns = getEnvInt("MAX_TURNS", c.Exchange.MaxTurns)
	c.Exchange.MaxContextTurns = getEnvInt("MAX_CONTEXT_TURNS", c.Exchange.MaxContextTurns)
	c.Exchange.StatusCleanupDelay = getEnvDuration("STATUS_CLEANUP_DELAY", c.Exchange.StatusCleanupDelay)

	c.Sessions.MaxAge = getEnvDuration("SESSION_MAX_AGE", c.Sessions.MaxAge)
	c.Sessions.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Sessions.SweepInterval)
	c.Sessions.HistoryCap = getEnvInt("HISTORY_CAP", c.Sessions.HistoryCap)
	c.Sessions.DuplicateWindow = getEnvDuration("DUPLICATE_WINDOW", c.Sessions.DuplicateWindow)

	c.Agent.Transport = strings.ToLower(getEnv("AGENT_TRANSPORT", c.Agent.Transport))
	c.Agent.ClaudeBin = getEnv("CLAUDE_BIN", c.Agent.ClaudeBin)
	c.Agent.Container = getEnv("AGENT_CONTAINER", c.Agent.Container)
	c.Agent.GRPCAddr = getEnv("AGENT_GRPC_ADDR", c.Agent.GRPCAddr)
	c.Agent.WorkDir = getEnv("AGENT_WORKDIR", c.Agent.WorkDir)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.Auth.RateLimitPerMinute)
	if v, ok := os.LookupEnv("ADMIN_SUBJECTS"); ok {
		c.Auth.AdminSubjects = splitList(v)
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Storage.SessionFile == "" {
		return fmt.Errorf("SESSION_FILE cannot be empty")
	}
	if c.Storage.HistoryDB == "" {
		return fmt.Errorf("HISTORY_DB cannot be empty")
	}
	if c.Storage.QueueSize <= 0 {
		return fmt.Errorf("ERROR_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Exchange.Timeout <= 0 {
		return fmt.Errorf("EXCHANGE_TIMEOUT must be > 0")
	}
	if c.Exchange.TypingInterval <= 0 {
		return fmt.Errorf("TYPING_INTERVAL must be > 0")
	}
	if c.Exchange.MaxArtifactChars <= 0 {
		return fmt.Errorf("MAX_ARTIFACT_CHARS must be > 0")
	}
	if c.Exchange.MaxTurns <= 0 {
		return fmt.Errorf("MAX_TURNS must be > 0")
	}
	if c.Sessions.MaxAge <= 0 || c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE and SWEEP_INTERVAL must be > 0")
	}
	if c.Sessions.HistoryCap <= 0 {
		return fmt.Errorf("HISTORY_CAP must be > 0")
	}
	switch c.Agent.Transport {
	case TransportCLI:
	case TransportDocker:
		if c.Agent.Container == "" {
			return fmt.Errorf("AGENT_CONTAINER is required for the docker transport")
		}
	case TransportGRPC:
		if c.Agent.GRPCAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR is required for the grpc transport")
		}
	default:
		return fmt.Errorf("unknown AGENT_TRANSPORT %q", c.Agent.Transport)
	}
	if !c.IsDevelopment() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development" || c.Env == "dev"
}

// IsAdmin reports whether subject may run admin-only commands.
func (c *Config) IsAdmin(subject string) bool {
	for _, s := range c.Auth.AdminSubjects {
		if s == subject {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
