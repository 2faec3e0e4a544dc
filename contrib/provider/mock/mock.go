// Package mock provides a deterministic completion.Provider for tests and
// offline runs. Scripted replies are served in order; once the script is
// exhausted the provider echoes the latest user text.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

// Forced error kinds accepted by Config.ForceError.
const (
	ErrorAuth      = "auth"
	ErrorContext   = "context"
	ErrorRate      = "rate"
	ErrorServer    = "server"
	ErrorRequest   = "request"
	ErrorExecution = "execution"
	ErrorUsage     = "usage"
	ErrorParse     = "parse"
)

// TokenCounter estimates token usage. contrib/tokenizer/tiktoken satisfies it.
type TokenCounter interface {
	CountTokens(text string) int
	CountMessages(messages []*message.Message) int
}

// Reply is one scripted provider answer.
type Reply struct {
	Message *message.Message
	Usage   *completion.Usage
	Err     error
}

// Text scripts a plain assistant answer.
func Text(text string) Reply {
	return Reply{Message: message.NewMessage(message.RoleAssistant, text)}
}

// ToolCall scripts a single tool call request.
func ToolCall(id, name string, args map[string]any) Reply {
	return Reply{Message: message.NewToolRequestMessage("", message.ToolCall{ID: id, Name: name, Arguments: args})}
}

// Error scripts a provider failure.
func Error(err error) Reply {
	return Reply{Err: err}
}

// Call records one Complete invocation.
type Call struct {
	System   string
	Messages []*message.Message
	Tools    []tool.Schema
}

// Config tunes the mock.
type Config struct {
	Model string
	// Delay is applied before every answer; cancellation interrupts it.
	Delay time.Duration
	// ForceError makes every call fail with the named error kind.
	ForceError string
	// Usage overrides the reported usage when no Tokenizer is set.
	Usage *completion.Usage
	// Tokenizer computes usage from the request and response.
	Tokenizer TokenCounter
}

var defaultUsage = completion.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}

// Provider is a scripted completion.Provider. It is safe for concurrent use.
type Provider struct {
	config Config

	mu     sync.Mutex
	script []Reply
	calls  []Call
}

var _ completion.Provider = (*Provider)(nil)

// New creates a mock provider answering with replies first.
func New(config Config, replies ...Reply) *Provider {
	return &Provider{config: config, script: append([]Reply(nil), replies...)}
}

// Name returns the provider identity.
func (p *Provider) Name() string {
	return completion.ProviderMock
}

// Push appends replies to the script.
func (p *Provider) Push(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, replies...)
}

// Calls returns the recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Pending reports how many scripted replies are left.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.script)
}

// Complete serves the next scripted reply, or echoes the conversation.
func (p *Provider) Complete(ctx context.Context, system string, messages []*message.Message, tools []tool.Schema) (*message.Message, completion.Usage, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{
		System:   system,
		Messages: message.CloneMessages(messages),
		Tools:    append([]tool.Schema(nil), tools...),
	})
	var next *Reply
	if len(p.script) > 0 {
		r := p.script[0]
		p.script = p.script[1:]
		next = &r
	}
	p.mu.Unlock()

	if p.config.Delay > 0 {
		timer := time.NewTimer(p.config.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, completion.Usage{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, completion.Usage{}, err
	}

	if p.config.ForceError != "" {
		return nil, completion.Usage{}, forcedError(p.config.ForceError)
	}

	if next != nil {
		if next.Err != nil {
			return nil, completion.Usage{}, next.Err
		}
		msg := message.Clone(next.Message)
		usage := p.usage(system, messages, msg)
		if next.Usage != nil {
			usage = *next.Usage
		}
		return msg, usage, nil
	}

	text := fmt.Sprintf("This is a mock response to: '%s'\n\nSystem prompt was: '%s'", lastUserText(messages), system)
	msg := message.NewMessage(message.RoleAssistant, text)
	return msg, p.usage(system, messages, msg), nil
}

func (p *Provider) usage(system string, messages []*message.Message, resp *message.Message) completion.Usage {
	if p.config.Tokenizer == nil {
		if p.config.Usage != nil {
			return *p.config.Usage
		}
		return defaultUsage
	}
	in := p.config.Tokenizer.CountTokens(system) + p.config.Tokenizer.CountMessages(messages)
	out := 0
	if resp != nil {
		out = p.config.Tokenizer.CountMessages([]*message.Message{resp})
	}
	return completion.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func lastUserText(messages []*message.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == message.RoleUser {
			if text := messages[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

func forcedError(kind string) error {
	const op = "mock"
	switch strings.ToLower(kind) {
	case ErrorAuth:
		return errorskg.New(errorskg.KindConfiguration, op, fmt.Errorf("Authentication error: invalid API key: %w", errorskg.ErrMissingCredentials))
	case ErrorContext:
		return errorskg.Newf(errorskg.KindValidation, op, "Context length exceeded: message too long")
	case ErrorRate:
		return errorskg.Newf(errorskg.KindTransport, op, "Rate limit exceeded: too many requests")
	case ErrorServer:
		return errorskg.Newf(errorskg.KindTransport, op, "Server error: internal server error")
	case ErrorRequest:
		return errorskg.Newf(errorskg.KindTransport, op, "Request failed: bad request")
	case ErrorExecution:
		return errorskg.Newf(errorskg.KindTransport, op, "Execution error: failed to execute")
	case ErrorUsage:
		return errorskg.Newf(errorskg.KindTransport, op, "Usage data error: invalid usage data")
	case ErrorParse:
		return errorskg.New(errorskg.KindProtocol, op, fmt.Errorf("Response parse error: invalid response format: %w", errorskg.ErrMalformedPayload))
	default:
		return errorskg.Newf(errorskg.KindTransport, op, "Unknown mock error: %s", kind)
	}
}
