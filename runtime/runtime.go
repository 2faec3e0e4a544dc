// Package runtime assembles an agent and the services it depends on from a
// config.Config, and runs single turns against it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/config"
	"github.com/sweetpotato0/agentstep/contrib/session/inmemory"
	"github.com/sweetpotato0/agentstep/contrib/tokenizer/tiktoken"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/middleware"
	"github.com/sweetpotato0/agentstep/middleware/limiter"
	mwlogger "github.com/sweetpotato0/agentstep/middleware/logger"
	"github.com/sweetpotato0/agentstep/middleware/metrics"
	"github.com/sweetpotato0/agentstep/middleware/validator"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/pkg/telemetry"
	"github.com/sweetpotato0/agentstep/session"
	"github.com/sweetpotato0/agentstep/session/store"
	"github.com/sweetpotato0/agentstep/tool/mcp"
)

// Runtime owns an agent together with its session store, tool servers and
// tracing exporter.
type Runtime struct {
	agent   *agent.Agent
	store   session.Store
	janitor *Janitor
	metrics *prometheus.Registry
	logger  *slog.Logger
	closers []func(context.Context) error
}

// Option configures Build.
type Option func(*builder)

type builder struct {
	logger     *slog.Logger
	agentOpts  []agent.Option
	middleware []middleware.Middleware
	mcpOpts    []mcp.Option
}

// WithLogger overrides the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAgentOptions appends options after the ones derived from the config,
// so they take precedence.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(b *builder) {
		b.agentOpts = append(b.agentOpts, opts...)
	}
}

// WithMiddleware adds completion middleware after the configured ones.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *builder) {
		b.middleware = append(b.middleware, mws...)
	}
}

// WithMCPOptions passes options to every MCP client.
func WithMCPOptions(opts ...mcp.Option) Option {
	return func(b *builder) {
		b.mcpOpts = append(b.mcpOpts, opts...)
	}
}

// Build validates cfg and assembles the runtime. Resources acquired before a
// failure are released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Runtime, err error) {
	const op = "runtime_build"
	if cfg == nil {
		return nil, errorskg.New(errorskg.KindConfiguration, op, errors.New("config cannot be nil"))
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	b := &builder{logger: logging.WithComponent("runtime")}
	for _, opt := range opts {
		opt(b)
	}

	rt := &Runtime{logger: b.logger}
	var servers []mcp.Provider
	defer func() {
		if err == nil {
			return
		}
		if rt.agent == nil {
			for _, p := range servers {
				_ = p.Close()
			}
		}
		_ = rt.Close(ctx)
	}()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Logger:      b.logger,
		})
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, op, fmt.Errorf("telemetry: %w", err))
		}
		rt.closers = append(rt.closers, shutdown)
	}

	agentOpts := []agent.Option{
		agent.WithProviderConfig(cfg.Provider),
		agent.WithLogger(b.logger),
	}
	if cfg.Agent.Name != "" {
		agentOpts = append(agentOpts, agent.WithName(cfg.Agent.Name))
	}
	if cfg.Agent.SystemPrompt != "" {
		agentOpts = append(agentOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if cfg.Agent.MaxIterations > 0 {
		agentOpts = append(agentOpts, agent.WithMaxIterations(cfg.Agent.MaxIterations))
	}

	mws, err := buildMiddleware(cfg, b.logger)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		rt.metrics = prometheus.NewRegistry()
		collector, err := metrics.NewCollector(rt.metrics)
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, op, fmt.Errorf("metrics: %w", err))
		}
		mws = append([]middleware.Middleware{collector}, mws...)
	}
	agentOpts = append(agentOpts, agent.WithMiddleware(append(mws, b.middleware...)...))

	if !cfg.Provider.Ephemeral {
		st, closeStore, err := buildStore(ctx, cfg.Session)
		if err != nil {
			return nil, err
		}
		if st != nil {
			rt.store = st
			rt.closers = append(rt.closers, closeStore)
			agentOpts = append(agentOpts, agent.WithStore(st))
		}
	}

	for _, srv := range cfg.Agent.MCPServers {
		p, err := mcp.NewProvider(ctx, mcp.Config{
			Name:     srv.Name,
			Command:  srv.Command,
			Args:     srv.Args,
			Endpoint: srv.Endpoint,
		}, append([]mcp.Option{mcp.WithLogger(b.logger)}, b.mcpOpts...)...)
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, op, fmt.Errorf("mcp server %s: %w", srv.Name, err))
		}
		servers = append(servers, p)
		agentOpts = append(agentOpts, agent.WithToolProvider(p))
	}

	a, err := agent.New(append(agentOpts, b.agentOpts...)...)
	if err != nil {
		return nil, err
	}
	rt.agent = a

	if sched := cfg.Session.Cleanup.Schedule; sched != "" && a.Sessions() != nil {
		j, err := NewJanitor(a.Sessions(), sched, cfg.Session.Cleanup.OlderThan, b.logger)
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, op, err)
		}
		j.Start()
		rt.janitor = j
	}

	b.logger.Info("runtime ready",
		"agent", a.Name(),
		"provider", cfg.Provider.Provider,
		"session_backend", cfg.Session.Backend,
		"mcp_servers", len(cfg.Agent.MCPServers),
	)
	return rt, nil
}

// Agent returns the assembled agent.
func (r *Runtime) Agent() *agent.Agent { return r.agent }

// Store returns the session store, or nil when sessions are not persisted.
func (r *Runtime) Store() session.Store { return r.store }

// Metrics returns the registry holding completion metrics, or nil when
// metrics are disabled.
func (r *Runtime) Metrics() *prometheus.Registry { return r.metrics }

// Janitor returns the session cleanup job, or nil when none is scheduled.
func (r *Runtime) Janitor() *Janitor { return r.janitor }

// Executor returns an Executor over the runtime's agent.
func (r *Runtime) Executor() *AgentExecutor {
	return NewAgentExecutor(r.agent)
}

// Close stops session cleanup, shuts down the agent and its tool servers,
// then the store and the tracing exporter.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.janitor != nil {
		errs = append(errs, r.janitor.Stop(ctx))
		r.janitor = nil
	}
	if r.agent != nil {
		errs = append(errs, r.agent.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	return errors.Join(errs...)
}

func buildMiddleware(cfg *config.Config, logger *slog.Logger) ([]middleware.Middleware, error) {
	mws := []middleware.Middleware{
		mwlogger.NewRequestLogger(logger),
		validator.NewMessageValidator(),
	}
	if rpm := cfg.RateLimit.RequestsPerMinute; rpm > 0 {
		mws = append(mws, limiter.NewRateLimiter(float64(rpm)/60, cfg.RateLimit.Burst))
	}
	if cfg.MaxInputTokens > 0 {
		tok, err := tiktoken.NewTiktokenTokenizer(cfg.Provider.Model)
		if err != nil {
			tok, err = tiktoken.NewTiktokenTokenizer(tiktoken.DefaultEncoding)
		}
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, "runtime_build", fmt.Errorf("tokenizer: %w", err))
		}
		mws = append(mws, validator.NewTokenBudget(tok, cfg.MaxInputTokens))
	}
	return append(mws, mwlogger.NewResponseLogger(logger)), nil
}

func buildStore(ctx context.Context, cfg config.SessionConfig) (session.Store, func(context.Context) error, error) {
	const op = "runtime_build"
	noop := func(context.Context) error { return nil }

	switch cfg.Backend {
	case config.BackendNone:
		return nil, noop, nil
	case config.BackendMemory:
		return inmemory.NewInMemoryStore(), noop, nil
	case config.BackendRedis:
		st := store.NewRedisStore(&store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.TTL,
		})
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, nil, errorskg.New(errorskg.KindTransport, op, fmt.Errorf("redis: %w", err))
		}
		return st, func(context.Context) error { return st.Close() }, nil
	case config.BackendPostgres:
		st, err := store.NewPostgresStore(ctx, &store.PostgresConfig{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table})
		if err != nil {
			return nil, nil, errorskg.New(errorskg.KindTransport, op, fmt.Errorf("postgres: %w", err))
		}
		return st, func(context.Context) error { return st.Close() }, nil
	case config.BackendSQLite:
		st, err := store.NewSQLiteStore(ctx, &store.SQLiteConfig{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, nil, errorskg.New(errorskg.KindTransport, op, err)
		}
		return st, func(context.Context) error { return st.Close() }, nil
	case config.BackendMongo:
		st, err := store.NewMongoStore(ctx, &store.MongoConfig{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, nil, errorskg.New(errorskg.KindTransport, op, fmt.Errorf("mongo: %w", err))
		}
		return st, st.Close, nil
	default:
		return nil, nil, errorskg.Newf(errorskg.KindConfiguration, op, "unknown session backend %q", cfg.Backend)
	}
}
