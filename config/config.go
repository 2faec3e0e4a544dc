// Package config loads agentstep settings from YAML files and the
// environment, and validates them.
package config

import (
	"io"
	"net"
	"time"

	"github.com/sweetpotato0/agentstep/completion"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/pkg/telemetry"
)

// Session store backends.
const (
	BackendNone     = ""
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
)

// Config is the top-level configuration structure.
type Config struct {
	Provider  completion.ProviderConfig `yaml:"provider"`
	Agent     AgentConfig               `yaml:"agent"`
	Session   SessionConfig             `yaml:"session"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Server    ServerConfig              `yaml:"server"`
	Log       LogConfig                 `yaml:"log"`
	// MaxInputTokens rejects requests whose estimated size exceeds it. Zero
	// disables the check.
	MaxInputTokens int `yaml:"max_input_tokens"`
}

// LogConfig selects log output. Empty fields fall back to
// AGENTSTEP_LOG_LEVEL and AGENTSTEP_LOG_FORMAT.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig describes the agent built from the configuration.
type AgentConfig struct {
	Name          string            `yaml:"name"`
	SystemPrompt  string            `yaml:"system_prompt"`
	MaxIterations int               `yaml:"max_iterations"`
	MCPServers    []MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

// MCPServerConfig declares an MCP server whose tools become an extension.
type MCPServerConfig struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Endpoint string   `yaml:"endpoint,omitempty"`
}

// SessionConfig selects where sessions are persisted.
type SessionConfig struct {
	Backend  string         `yaml:"backend"`
	TTL      time.Duration  `yaml:"ttl"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// CleanupConfig schedules removal of finished sessions from the store.
// An empty Schedule disables the job.
type CleanupConfig struct {
	// Schedule is a five-field cron expression or a descriptor such as "@daily".
	Schedule  string        `yaml:"schedule"`
	OlderThan time.Duration `yaml:"older_than"`
}

// RateLimitConfig bounds completion calls per minute. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// TelemetryConfig enables span export. Endpoint falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT; without either spans go to stdout.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol    string `yaml:"protocol"`
	Environment string `yaml:"environment"`
}

// MetricsConfig enables the Prometheus completion metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig configures the HTTP API started by "agentstep serve".
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BearerToken protects the /v1 routes when set.
	BearerToken       string        `yaml:"bearer_token"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: completion.ProviderConfig{Provider: completion.ProviderOpenAI},
		Agent: AgentConfig{
			Name:          "agentstep",
			SystemPrompt:  "You are a helpful AI assistant.",
			MaxIterations: 10,
		},
		Session: SessionConfig{
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "agentstep:session:"},
			Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "agentstep", Collection: "reply_sessions"},
			SQLite:  SQLiteConfig{Path: "agentstep.db"},
			Cleanup: CleanupConfig{OlderThan: 24 * time.Hour},
		},
		Telemetry: TelemetryConfig{ServiceName: "agentstep"},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// Validate checks the structural validity of a Config.
func Validate(cfg *Config) error {
	v := NewValidator()

	v.AddErr("provider", ValidateProviderConfig(cfg.Provider))
	v.RequirePositive("agent.max_iterations", cfg.Agent.MaxIterations)
	for _, srv := range cfg.Agent.MCPServers {
		if srv.Command == "" && srv.Endpoint == "" {
			v.Add("agent.mcp_servers", "entry "+srv.Name+" needs a command or an endpoint")
		}
	}

	v.ValidateOneOf("session.backend", cfg.Session.Backend,
		BackendNone, BackendMemory, BackendRedis, BackendPostgres, BackendMongo, BackendSQLite)
	v.AddErr("session.ttl", ValidateSessionTTL(cfg.Session.TTL))
	switch cfg.Session.Backend {
	case BackendRedis:
		v.AddErr("session.redis", ValidateRedisConfig(cfg.Session.Redis.Addr, cfg.Session.Redis.DB, cfg.Session.Redis.Prefix))
	case BackendPostgres:
		v.AddErr("session.postgres", ValidatePostgresDSN(cfg.Session.Postgres.DSN))
	case BackendSQLite:
		v.RequireNonEmpty("session.sqlite.path", cfg.Session.SQLite.Path)
	case BackendMongo:
		v.AddErr("session.mongo", ValidateMongoDBConfig(cfg.Session.Mongo.URI, cfg.Session.Mongo.Database, cfg.Session.Mongo.Collection))
	}

	if cfg.Session.Cleanup.Schedule != "" {
		if cfg.Session.Backend == BackendNone {
			v.Add("session.cleanup", "requires a session backend")
		}
		v.AddErr("session.cleanup.schedule", ValidateCronSchedule(cfg.Session.Cleanup.Schedule))
		if cfg.Session.Cleanup.OlderThan < 0 {
			v.Add("session.cleanup.older_than", "value cannot be negative")
		}
	}

	if cfg.RateLimit.RequestsPerMinute != 0 {
		v.AddErr("rate_limit.requests_per_minute", ValidateRateLimiterConfig(cfg.RateLimit.RequestsPerMinute))
	}
	if cfg.Server.Addr != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.Server.Addr); err != nil {
			v.Add("server.addr", "invalid listen address "+cfg.Server.Addr)
		}
	}
	if _, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: io.Discard}); err != nil {
		v.Add("log", err.Error())
	}
	v.ValidateOneOf("telemetry.protocol", cfg.Telemetry.Protocol, "", telemetry.ProtocolGRPC, telemetry.ProtocolHTTP)
	if cfg.MaxInputTokens < 0 {
		v.Add("max_input_tokens", "value cannot be negative")
	}

	return v.Error()
}
