// Package completion performs a single model call over a conversation and
// classifies the provider's answer.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/middleware"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/pkg/telemetry"
	"github.com/sweetpotato0/agentstep/tool"
)

// Usage reports token consumption for one completion.
type Usage = message.Usage

// Provider is a language-model backend. Implementations translate the
// conversation to their wire format and back; they do not retry.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system string, messages []*message.Message, tools []tool.Schema) (*message.Message, Usage, error)
}

// Request is the input of one completion call.
type Request struct {
	// Model is bound when the provider is constructed; here it labels spans
	// and middleware metadata.
	Model          string
	SystemPreamble string
	Messages       []*message.Message
	Tools          []tool.Schema
	Extensions     []tool.Extension
}

// declaredTools merges standalone tools with extension tools.
func (r *Request) declaredTools() []tool.Schema {
	schemas := make([]tool.Schema, 0, len(r.Tools))
	schemas = append(schemas, r.Tools...)
	for _, ext := range r.Extensions {
		schemas = append(schemas, ext.Schemas()...)
	}
	return schemas
}

// Kind tags an Outcome.
type Kind int

const (
	KindAssistant Kind = iota + 1
	KindToolCall
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindToolCall:
		return "tool_call"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of a completion: a final assistant
// message, a request to run exactly one tool, or a failure.
type Outcome struct {
	Kind     Kind
	Message  *message.Message
	ToolCall *message.ToolCall
	Err      error
	Usage    Usage
}

// AssistantMessage builds a final-answer outcome.
func AssistantMessage(msg *message.Message, usage Usage) Outcome {
	return Outcome{Kind: KindAssistant, Message: msg, Usage: usage}
}

// ToolCallRequested builds an outcome asking the caller to run call. msg is
// the assistant message carrying the request.
func ToolCallRequested(msg *message.Message, call message.ToolCall, usage Usage) Outcome {
	return Outcome{Kind: KindToolCall, Message: msg, ToolCall: &call, Usage: usage}
}

// Failed builds a failure outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

// Gateway performs one completion call.
type Gateway interface {
	Complete(ctx context.Context, req *Request) Outcome
}

// Option configures a Client.
type Option func(*Client)

// WithMiddleware appends middlewares that wrap the provider call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		for _, mw := range mws {
			if mw != nil {
				c.chain.Add(mw)
			}
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for completion spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// Client is the default Gateway. It makes exactly one provider call per
// Complete.
type Client struct {
	provider Provider
	chain    *middleware.MiddlewareChain
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a gateway over provider.
func New(provider Provider, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		chain:    middleware.NewChain(),
		logger:   logging.WithComponent("completion"),
		tracer:   telemetry.Tracer("completion"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs a single completion with a default gateway.
func Complete(ctx context.Context, provider Provider, req *Request) Outcome {
	return New(provider).Complete(ctx, req)
}

// Provider returns the backend the client talks to.
func (c *Client) Provider() Provider {
	return c.provider
}

// Complete sends the conversation to the provider and classifies the answer.
// Failures are reported in the Outcome, never as a panic.
func (c *Client) Complete(ctx context.Context, req *Request) (out Outcome) {
	const op = "complete"
	if req == nil {
		req = &Request{}
	}
	declared := req.declaredTools()

	providerName := "none"
	if c.provider != nil {
		providerName = c.provider.Name()
	}
	ctx, span := c.tracer.Start(ctx, "completion.complete", trace.WithAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(declared)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", out.Kind.String()))
		telemetry.End(span, out.Err)
	}()

	if c.provider == nil {
		return Failed(errorskg.New(errorskg.KindConfiguration, op, errors.New("no provider configured")))
	}

	mctx := middleware.NewContext(ctx)
	mctx.System = BuildSystemPrompt(req.SystemPreamble, req.Extensions, declared)
	mctx.Messages = message.CloneMessages(req.Messages)
	mctx.Tools = declared
	mctx.Input = middleware.LatestUserText(req.Messages)
	if req.Model != "" {
		mctx.Metadata["model"] = req.Model
	}

	err := c.chain.Execute(mctx, func(mc *middleware.Context) error {
		resp, usage, err := c.provider.Complete(mc.Context(), mc.System, mc.Messages, mc.Tools)
		mc.Response = resp
		mc.Usage = usage
		mc.Error = err
		return err
	})
	if err != nil {
		return Failed(classify(ctx, op, err))
	}

	return c.interpret(mctx.Response, mctx.Usage, declared)
}

func (c *Client) interpret(resp *message.Message, usage Usage, declared []tool.Schema) Outcome {
	const op = "complete"
	if resp == nil || len(resp.Content) == 0 {
		return Failed(errorskg.New(errorskg.KindProtocol, op, errorskg.ErrEmptyResponse))
	}

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		if strings.TrimSpace(resp.Text()) == "" {
			return Failed(errorskg.New(errorskg.KindProtocol, op, errorskg.ErrEmptyResponse))
		}
		msg := message.Clone(resp)
		msg.Role = message.RoleAssistant
		return AssistantMessage(msg, usage)
	}

	if len(calls) > 1 {
		dropped := make([]string, 0, len(calls)-1)
		for _, extra := range calls[1:] {
			dropped = append(dropped, extra.Name)
		}
		c.logger.Warn("provider requested parallel tool calls, keeping the first",
			"kept", calls[0].Name, "dropped", dropped)
	}

	call := calls[0]
	if !isDeclared(declared, call.Name) {
		return Failed(errorskg.New(errorskg.KindProtocol, op,
			fmt.Errorf("%q: %w", call.Name, errorskg.ErrUnknownTool)))
	}
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	return ToolCallRequested(message.NewToolRequestMessage(resp.Text(), call), call, usage)
}

func isDeclared(declared []tool.Schema, name string) bool {
	for _, s := range declared {
		if s.Name == name {
			return true
		}
	}
	return false
}

func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errorskg.New(errorskg.KindCancelled, op, fmt.Errorf("%w: %v", errorskg.ErrCancelled, err))
	}
	if errorskg.KindOf(err) != errorskg.KindUnknown {
		return err
	}
	return errorskg.New(errorskg.KindTransport, op, err)
}
