// Package agent bundles a provider, tools and options into the entry point
// for one-shot, step-wise and streaming conversations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sweetpotato0/agentstep/completion"
	providers "github.com/sweetpotato0/agentstep/contrib/provider"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/middleware"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/prompt"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/session"
	"github.com/sweetpotato0/agentstep/stream"
	"github.com/sweetpotato0/agentstep/tool"
)

// DefaultMaxIterations bounds the tool loop of Send.
const DefaultMaxIterations = 10

// ErrMaxIterations reports a one-shot conversation that kept requesting tools.
var ErrMaxIterations = errors.New("max iterations reached")

// Agent holds provider configuration and the tools offered to the model.
// It is safe for concurrent use; sessions snapshot the tool set when they
// are created.
type Agent struct {
	name          string
	model         string
	systemPrompt  string
	promptTmpl    *prompt.Template
	promptVars    map[string]any
	maxIterations int

	provider    completion.Provider
	providerCfg *completion.ProviderConfig
	gateway     completion.Gateway
	middlewares []middleware.Middleware
	store       session.Store
	sessions    *session.Manager
	logger      *slog.Logger

	tools *tool.Registry

	extMu      sync.RWMutex
	extensions []tool.Extension

	providerMu     sync.Mutex
	toolProviders  []tool.Provider
	providerExts   map[tool.Provider]tool.Extension
	providerLoaded map[tool.Provider]bool
	providerWatch  map[tool.Provider]context.CancelFunc

	initErr   error
	closeOnce sync.Once
}

// Option is a function that configures an Agent
type Option func(*Agent)

// WithName sets the agent name
func WithName(name string) Option {
	return func(a *Agent) {
		a.name = name
	}
}

// WithProvider sets the completion backend.
func WithProvider(provider completion.Provider) Option {
	return func(a *Agent) {
		a.provider = provider
	}
}

// WithProviderConfig builds the backend from a provider identity and
// credentials when the agent is created. A backend set with WithProvider
// takes precedence; the model and ephemeral settings still apply.
func WithProviderConfig(cfg completion.ProviderConfig) Option {
	return func(a *Agent) {
		a.providerCfg = &cfg
	}
}

// WithGateway replaces the completion gateway. Middleware options are
// ignored when a gateway is supplied.
func WithGateway(gateway completion.Gateway) Option {
	return func(a *Agent) {
		a.gateway = gateway
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(a *Agent) {
		a.model = model
	}
}

// WithSystemPrompt sets the system prompt
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		a.systemPrompt = prompt
	}
}

// WithSystemPromptTemplate renders the system prompt from a template.
func WithSystemPromptTemplate(tmpl *prompt.Template, vars map[string]any) Option {
	return func(a *Agent) {
		a.promptTmpl = tmpl
		a.promptVars = vars
	}
}

// WithTool registers tools at construction.
func WithTool(tools ...*tool.Tool) Option {
	return func(a *Agent) {
		if err := a.tools.Register(tools...); err != nil && a.initErr == nil {
			a.initErr = err
		}
	}
}

// WithExtension adds a fixed extension.
func WithExtension(ext tool.Extension) Option {
	return func(a *Agent) {
		a.extensions = append(a.extensions, ext)
	}
}

// WithToolProvider registers a tool provider that will supply tools on demand.
func WithToolProvider(provider tool.Provider) Option {
	return func(a *Agent) {
		if provider == nil {
			return
		}
		a.toolProviders = append(a.toolProviders, provider)
	}
}

// WithMaxIterations sets the maximum iterations for tool calling
func WithMaxIterations(max int) Option {
	return func(a *Agent) {
		a.maxIterations = max
	}
}

// WithMiddleware adds middlewares around every completion call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Agent) {
		a.middlewares = append(a.middlewares, mws...)
	}
}

// WithStore persists sessions after every transition and enables Resume.
func WithStore(store session.Store) Option {
	return func(a *Agent) {
		a.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates a new agent with the given options
func New(opts ...Option) (*Agent, error) {
	const op = "agent_new"
	a := &Agent{
		name:           "Agent",
		systemPrompt:   "You are a helpful AI assistant.",
		maxIterations:  DefaultMaxIterations,
		tools:          tool.NewRegistry(),
		providerExts:   make(map[tool.Provider]tool.Extension),
		providerLoaded: make(map[tool.Provider]bool),
		providerWatch:  make(map[tool.Provider]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.initErr != nil {
		return nil, errorskg.New(errorskg.KindValidation, op, a.initErr)
	}
	if a.logger == nil {
		a.logger = logging.WithComponent("agent")
	}
	a.logger = a.logger.With("agent", a.name)

	if a.maxIterations <= 0 {
		return nil, errorskg.Newf(errorskg.KindConfiguration, op, "max iterations must be positive, got %d", a.maxIterations)
	}

	if a.providerCfg != nil {
		cfg := *a.providerCfg
		if cfg.Model == "" {
			cfg.Model = a.model
		}
		if a.provider == nil {
			p, err := providers.New(cfg)
			if err != nil {
				return nil, err
			}
			a.provider = p
		}
		if a.model == "" {
			a.model = cfg.Model
		}
		if cfg.Ephemeral {
			a.store = nil
		}
	}
	if a.provider == nil && a.gateway == nil {
		return nil, errorskg.New(errorskg.KindConfiguration, op, errors.New("no provider configured"))
	}

	if a.promptTmpl != nil {
		rendered, err := a.promptTmpl.Render(a.promptVars)
		if err != nil {
			return nil, errorskg.New(errorskg.KindConfiguration, op, err)
		}
		a.systemPrompt = rendered
	}

	if a.gateway == nil {
		a.gateway = completion.New(a.provider,
			completion.WithMiddleware(a.middlewares...),
			completion.WithLogger(a.logger),
		)
	}

	if a.store != nil {
		a.sessions = session.NewManager(
			session.WithStore(a.store),
			session.WithRestorer(a.restore),
			session.WithLogger(a.logger),
		)
	}
	return a, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Model returns the configured model name.
func (a *Agent) Model() string { return a.model }

// SystemPrompt returns the rendered system prompt.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Gateway returns the completion gateway sessions use.
func (a *Agent) Gateway() completion.Gateway { return a.gateway }

// Sessions returns the session manager, or nil when no store is configured.
func (a *Agent) Sessions() *session.Manager { return a.sessions }

// RegisterTools adds tools. A duplicate name, within the batch or against an
// existing tool, rejects the whole batch. Sessions already created keep the
// tool set they started with.
func (a *Agent) RegisterTools(tools ...*tool.Tool) error {
	if err := a.tools.Register(tools...); err != nil {
		return errorskg.New(errorskg.KindValidation, "register_tools", err)
	}
	a.logger.Debug("tools registered", "count", len(tools), "total", a.tools.Len())
	return nil
}

// AddExtension adds an extension at runtime. A tool name already offered by
// the agent rejects the extension.
func (a *Agent) AddExtension(ext tool.Extension) error {
	const op = "add_extension"
	seen := make(map[string]bool)
	for _, s := range a.tools.Schemas() {
		seen[s.Name] = true
	}
	for _, existing := range a.Extensions() {
		for _, s := range existing.Schemas() {
			seen[s.Name] = true
		}
	}
	for _, t := range ext.Tools {
		if t == nil {
			return errorskg.New(errorskg.KindValidation, op, fmt.Errorf("extension %s has a nil tool: %w", ext.Name, errorskg.ErrInvalidInput))
		}
		if err := t.Validate(); err != nil {
			return errorskg.New(errorskg.KindValidation, op, err)
		}
		if seen[t.Name] {
			return errorskg.New(errorskg.KindValidation, op, fmt.Errorf("%s: %w", t.Name, errorskg.ErrDuplicateTool))
		}
		seen[t.Name] = true
	}

	a.extMu.Lock()
	a.extensions = append(a.extensions, ext)
	a.extMu.Unlock()
	a.logger.Debug("extension added", "extension", ext.Name, "tools", len(ext.Tools))
	return nil
}

// Tools returns the schemas of the registered tools in registration order.
func (a *Agent) Tools() []tool.Schema {
	return a.tools.Schemas()
}

// Extensions returns the fixed extensions followed by those supplied by
// tool providers.
func (a *Agent) Extensions() []tool.Extension {
	a.extMu.RLock()
	exts := append([]tool.Extension(nil), a.extensions...)
	a.extMu.RUnlock()

	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	for _, p := range a.toolProviders {
		if ext, ok := a.providerExts[p]; ok {
			exts = append(exts, ext)
		}
	}
	return exts
}

// LoadTools fetches extensions from tool providers that have not been
// loaded yet and starts watching them for changes.
func (a *Agent) LoadTools(ctx context.Context) error {
	for _, provider := range a.getToolProviders() {
		if a.isProviderLoaded(provider) {
			continue
		}
		if err := a.updateProviderTools(ctx, provider); err != nil {
			return err
		}
		a.markProviderLoaded(provider)
		a.startProviderWatcher(provider)
	}
	return nil
}

// NewSession creates an idle step-wise session over the current tool set.
func (a *Agent) NewSession(opts ...reply.Option) *reply.Session {
	sess := reply.New(a.gateway, append(a.sessionOptions(), opts...)...)
	if a.sessions != nil {
		a.sessions.Track(sess)
	}
	return sess
}

// Begin starts a step-wise session with a user message.
func (a *Agent) Begin(ctx context.Context, text string) (*reply.Session, reply.Result, error) {
	if err := a.LoadTools(ctx); err != nil {
		return nil, reply.Result{}, err
	}
	sess := a.NewSession()
	res, err := sess.Begin(ctx, text)
	if err != nil {
		a.Release(sess)
		return nil, reply.Result{}, err
	}
	return sess, res, nil
}

// Resume returns a persisted session, rebuilding it from the store when it
// is not live in this process.
func (a *Agent) Resume(ctx context.Context, id string) (*reply.Session, error) {
	if a.sessions == nil {
		return nil, errorskg.New(errorskg.KindConfiguration, "resume", errors.New("no session store configured"))
	}
	if err := a.LoadTools(ctx); err != nil {
		return nil, err
	}
	return a.sessions.Get(ctx, id)
}

// NewStream creates a streaming session. Each turn runs on a reply session
// seeded with the conversation so far.
func (a *Agent) NewStream(ctx context.Context, opts ...stream.Option) (*stream.Stream, error) {
	if err := a.LoadTools(ctx); err != nil {
		return nil, err
	}
	opts = append([]stream.Option{stream.WithLogger(a.logger)}, opts...)
	return stream.New(func(history []*message.Message) *reply.Session {
		return reply.New(a.gateway, append(a.sessionOptions(), reply.WithHistory(history))...)
	}, opts...), nil
}

// Send runs a one-shot conversation: tool calls are executed with the
// registered handlers until the model answers or the iteration bound is hit.
func (a *Agent) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errorskg.New(errorskg.KindValidation, "send", fmt.Errorf("message text is empty: %w", errorskg.ErrInvalidInput))
	}
	return a.CompleteHistory(ctx, []*message.Message{message.NewMessage(message.RoleUser, text)})
}

// CompleteHistory runs a one-shot conversation over an existing history,
// which may already contain resolved tool requests and responses.
func (a *Agent) CompleteHistory(ctx context.Context, history []*message.Message) (string, error) {
	if err := a.LoadTools(ctx); err != nil {
		return "", err
	}
	sess := reply.New(a.gateway, a.sessionOptions()...)
	defer sess.Close()

	res, err := sess.Start(ctx, history...)
	if err != nil {
		return "", err
	}
	msg, err := a.drive(ctx, sess, res)
	if err != nil {
		return "", err
	}
	return msg.Text(), nil
}

// Run drives a started session to completion, answering tool calls with the
// registered handlers.
func (a *Agent) Run(ctx context.Context, sess *reply.Session, res reply.Result) (*message.Message, error) {
	return a.drive(ctx, sess, res)
}

// drive feeds tool results computed by the registered handlers until the
// session completes or fails.
func (a *Agent) drive(ctx context.Context, sess *reply.Session, res reply.Result) (*message.Message, error) {
	const op = "send"
	for i := 0; ; i++ {
		switch res.Status {
		case reply.StatusComplete:
			return res.Message, nil
		case reply.StatusError:
			return nil, res.Err
		}
		if i >= a.maxIterations {
			a.logger.Warn("tool loop exceeded", "max_iterations", a.maxIterations, "session_id", sess.ID())
			return nil, errorskg.New(errorskg.KindProtocol, op, fmt.Errorf("%w (%d)", ErrMaxIterations, a.maxIterations))
		}

		result, err := a.ExecuteTool(ctx, *res.ToolCall)
		if err != nil {
			return nil, err
		}
		if err := sess.Submit(ctx, result); err != nil {
			return nil, err
		}
		if res, err = sess.Step(ctx); err != nil {
			return nil, err
		}
	}
}

// ExecuteTool runs the handler for call. Handler failures are reported in the
// result with IsError set; an unknown tool is a protocol error.
func (a *Agent) ExecuteTool(ctx context.Context, call message.ToolCall) (message.ToolResult, error) {
	t := a.lookupTool(call.Name)
	if t == nil {
		return message.ToolResult{}, errorskg.New(errorskg.KindProtocol, "execute_tool",
			fmt.Errorf("%q: %w", call.Name, errorskg.ErrUnknownTool))
	}

	result := message.ToolResult{ID: call.ID, Name: call.Name}
	output, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "call_id", call.ID, "error", err)
		result.Output = fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
		result.IsError = true
		return result, nil
	}
	result.Output = output
	return result, nil
}

// CanExecute reports whether a tool named name is registered with a
// handler. Calls to other tools must be answered by the host.
func (a *Agent) CanExecute(name string) bool {
	t := a.lookupTool(name)
	return t != nil && t.Handler != nil
}

// Close stops provider watchers, closes tool providers and live sessions.
func (a *Agent) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		a.providerMu.Lock()
		for p, cancel := range a.providerWatch {
			cancel()
			delete(a.providerWatch, p)
		}
		owned := append([]tool.Provider(nil), a.toolProviders...)
		a.providerMu.Unlock()

		for _, p := range owned {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.sessions != nil {
			_ = a.sessions.Close()
		}
	})
	return errors.Join(errs...)
}

func (a *Agent) sessionOptions() []reply.Option {
	opts := []reply.Option{
		reply.WithModel(a.model),
		reply.WithSystemPreamble(a.systemPrompt),
		reply.WithTools(a.tools.Schemas()...),
		reply.WithExtensions(a.Extensions()...),
		reply.WithLogger(a.logger),
	}
	if a.store != nil {
		opts = append(opts, reply.WithRecorder(a.store))
	}
	return opts
}

func (a *Agent) restore(rec reply.Record) (*reply.Session, error) {
	return reply.Restore(rec, a.gateway, a.sessionOptions()...)
}

// Release closes a session created by NewSession, Begin or Resume and stops
// tracking it. The persisted record is kept, so the session can be resumed.
func (a *Agent) Release(sess *reply.Session) {
	if sess == nil {
		return
	}
	if a.sessions != nil {
		a.sessions.Drop(sess)
		return
	}
	_ = sess.Close()
}

func (a *Agent) lookupTool(name string) *tool.Tool {
	if t, err := a.tools.Get(name); err == nil {
		return t
	}
	for _, ext := range a.Extensions() {
		for _, t := range ext.Tools {
			if t != nil && t.Name == name {
				return t
			}
		}
	}
	return nil
}
