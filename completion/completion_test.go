package completion

import (
	"context"
	"errors"
	"strings"
	"testing"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/middleware"
	"github.com/sweetpotato0/agentstep/tool"
)

// scriptedProvider answers every call with the same response.
type scriptedProvider struct {
	resp   *message.Message
	usage  Usage
	err    error
	calls  int
	system string
	seen   []*message.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, system string, msgs []*message.Message, _ []tool.Schema) (*message.Message, Usage, error) {
	p.calls++
	p.system = system
	p.seen = msgs
	if err := ctx.Err(); err != nil {
		return nil, Usage{}, err
	}
	return p.resp, p.usage, p.err
}

func calculator() tool.Schema {
	return tool.MustSchema("calculator", "Performs arithmetic",
		tool.Parameter{Name: "a", Type: tool.TypeNumber, Required: true},
		tool.Parameter{Name: "b", Type: tool.TypeNumber, Required: true},
	)
}

func userRequest(text string, tools ...tool.Schema) *Request {
	return &Request{
		SystemPreamble: "You are a helpful assistant.",
		Messages:       []*message.Message{message.NewMessage(message.RoleUser, text)},
		Tools:          tools,
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Run("with tools", func(t *testing.T) {
		got := BuildSystemPrompt("Be precise.", nil, []tool.Schema{calculator()})
		want := "Be precise.\n\nTools available:\n## calculator\nDescription: Performs arithmetic\nParameters: [\"a\", \"b\"]\n"
		if got != want {
			t.Errorf("BuildSystemPrompt() =\n%q\nwant\n%q", got, want)
		}
	})

	t.Run("without tools", func(t *testing.T) {
		got := BuildSystemPrompt("Be precise.", nil, nil)
		if got != "Be precise.\n\nNo tools available.\n" {
			t.Errorf("unexpected prompt %q", got)
		}
	})

	t.Run("extension instructions", func(t *testing.T) {
		ext := tool.Extension{Name: "files", Instructions: "Read before writing.\n"}
		got := BuildSystemPrompt("P", []tool.Extension{ext, {Name: "quiet"}}, nil)
		if got != "P\n\n# files\nRead before writing.\n\nNo tools available.\n" {
			t.Errorf("unexpected prompt %q", got)
		}
	})
}

func TestCompleteAssistant(t *testing.T) {
	p := &scriptedProvider{
		resp:  message.NewMessage(message.RoleAssistant, "Paris"),
		usage: Usage{InputTokens: 10, OutputTokens: 1, TotalTokens: 11},
	}

	out := New(p).Complete(context.Background(), userRequest("Capital of France?"))
	if out.Kind != KindAssistant {
		t.Fatalf("expected assistant outcome, got %s (%v)", out.Kind, out.Err)
	}
	if out.Message.Text() != "Paris" {
		t.Errorf("unexpected text %q", out.Message.Text())
	}
	if out.Usage.TotalTokens != 11 {
		t.Errorf("usage not propagated: %+v", out.Usage)
	}
	if p.calls != 1 {
		t.Errorf("expected exactly one provider call, got %d", p.calls)
	}
	if !strings.HasPrefix(p.system, "You are a helpful assistant.") {
		t.Errorf("preamble missing from system prompt: %q", p.system)
	}
}

func TestCompleteToolCall(t *testing.T) {
	resp := &message.Message{Role: message.RoleAssistant, Content: []message.Content{
		{Type: message.ContentText, Text: "Let me compute."},
		{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{ID: "t1", Name: "calculator", Arguments: map[string]any{"a": 5.0, "b": 3.0}}},
		{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{ID: "t2", Name: "calculator", Arguments: map[string]any{"a": 1.0, "b": 1.0}}},
	}}
	p := &scriptedProvider{resp: resp}

	out := Complete(context.Background(), p, userRequest("What is 5+3?", calculator()))
	if out.Kind != KindToolCall {
		t.Fatalf("expected tool call outcome, got %s (%v)", out.Kind, out.Err)
	}
	if out.ToolCall.ID != "t1" || out.ToolCall.Name != "calculator" {
		t.Errorf("expected first call to be kept, got %+v", out.ToolCall)
	}
	if n := len(out.Message.ToolCalls()); n != 1 {
		t.Errorf("recorded message should carry one tool request, got %d", n)
	}
	if out.Message.Text() != "Let me compute." {
		t.Errorf("assistant text lost: %q", out.Message.Text())
	}
}

func TestCompleteSynthesizesMissingCallID(t *testing.T) {
	resp := &message.Message{Role: message.RoleAssistant, Content: []message.Content{
		{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{Name: "calculator"}},
	}}
	out := Complete(context.Background(), &scriptedProvider{resp: resp}, userRequest("x", calculator()))
	if out.Kind != KindToolCall {
		t.Fatalf("expected tool call, got %s", out.Kind)
	}
	if !strings.HasPrefix(out.ToolCall.ID, "call_") {
		t.Errorf("expected synthesized id, got %q", out.ToolCall.ID)
	}
	if out.ToolCall.Arguments == nil {
		t.Error("arguments should default to an empty object")
	}
}

func TestCompleteExtensionTools(t *testing.T) {
	resp := &message.Message{Role: message.RoleAssistant, Content: []message.Content{
		{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{ID: "t1", Name: "read_file"}},
	}}
	req := userRequest("open it")
	req.Extensions = []tool.Extension{{Name: "files", Tools: []*tool.Tool{{Schema: tool.Schema{Name: "read_file"}}}}}

	out := Complete(context.Background(), &scriptedProvider{resp: resp}, req)
	if out.Kind != KindToolCall {
		t.Fatalf("extension tool should be declared, got %s (%v)", out.Kind, out.Err)
	}
}

func TestCompleteFailures(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		provider *scriptedProvider
		wantKind errorskg.Kind
		wantErr  error
	}{
		{
			name: "unregistered tool",
			ctx:  context.Background(),
			provider: &scriptedProvider{resp: &message.Message{Role: message.RoleAssistant, Content: []message.Content{
				{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{ID: "t1", Name: "shell"}},
			}}},
			wantKind: errorskg.KindProtocol,
			wantErr:  errorskg.ErrUnknownTool,
		},
		{
			name:     "empty response",
			ctx:      context.Background(),
			provider: &scriptedProvider{resp: &message.Message{Role: message.RoleAssistant}},
			wantKind: errorskg.KindProtocol,
			wantErr:  errorskg.ErrEmptyResponse,
		},
		{
			name:     "blank text",
			ctx:      context.Background(),
			provider: &scriptedProvider{resp: message.NewMessage(message.RoleAssistant, "  ")},
			wantKind: errorskg.KindProtocol,
			wantErr:  errorskg.ErrEmptyResponse,
		},
		{
			name:     "transport error",
			ctx:      context.Background(),
			provider: &scriptedProvider{err: errors.New("connection reset")},
			wantKind: errorskg.KindTransport,
		},
		{
			name:     "classified provider error",
			ctx:      context.Background(),
			provider: &scriptedProvider{err: errorskg.ErrMissingCredentials},
			wantKind: errorskg.KindConfiguration,
			wantErr:  errorskg.ErrMissingCredentials,
		},
		{
			name:     "cancelled context",
			ctx:      cancelled,
			provider: &scriptedProvider{resp: message.NewMessage(message.RoleAssistant, "late")},
			wantKind: errorskg.KindCancelled,
			wantErr:  errorskg.ErrCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := New(tt.provider).Complete(tt.ctx, userRequest("hi", calculator()))
			if out.Kind != KindFailed {
				t.Fatalf("expected failure, got %s", out.Kind)
			}
			if got := errorskg.KindOf(out.Err); got != tt.wantKind {
				t.Errorf("KindOf() = %s, want %s (%v)", got, tt.wantKind, out.Err)
			}
			if tt.wantErr != nil && !errors.Is(out.Err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, out.Err)
			}
			if tt.provider.calls > 1 {
				t.Errorf("provider called %d times, want at most 1", tt.provider.calls)
			}
		})
	}
}

type rejectAll struct{}

func (rejectAll) Name() string { return "reject" }

func (rejectAll) Execute(*middleware.Context, middleware.Handler) error {
	return errorskg.New(errorskg.KindValidation, "reject", errorskg.ErrInvalidInput)
}

func TestCompleteMiddleware(t *testing.T) {
	t.Run("rejection skips provider", func(t *testing.T) {
		p := &scriptedProvider{resp: message.NewMessage(message.RoleAssistant, "ok")}
		out := New(p, WithMiddleware(rejectAll{})).Complete(context.Background(), userRequest("hi"))
		if out.Kind != KindFailed || errorskg.KindOf(out.Err) != errorskg.KindValidation {
			t.Fatalf("expected validation failure, got %s %v", out.Kind, out.Err)
		}
		if p.calls != 0 {
			t.Errorf("provider should not be called, got %d calls", p.calls)
		}
	})

	t.Run("middleware sees request", func(t *testing.T) {
		var seen *middleware.Context
		spy := &spyMiddleware{fn: func(c *middleware.Context) { seen = c }}
		p := &scriptedProvider{resp: message.NewMessage(message.RoleAssistant, "ok")}
		New(p, WithMiddleware(spy)).Complete(context.Background(), userRequest("hello", calculator()))
		if seen == nil || seen.Input != "hello" || len(seen.Tools) != 1 {
			t.Fatalf("unexpected middleware context %+v", seen)
		}
		if seen.Response == nil || seen.Response.Text() != "ok" {
			t.Error("response not visible to middleware after next")
		}
	})
}

type spyMiddleware struct {
	fn func(*middleware.Context)
}

func (s *spyMiddleware) Name() string { return "spy" }

func (s *spyMiddleware) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)
	s.fn(ctx)
	return err
}

func TestCompleteDoesNotMutateHistory(t *testing.T) {
	req := userRequest("hi")
	p := &scriptedProvider{resp: message.NewMessage(message.RoleAssistant, "ok")}
	New(p).Complete(context.Background(), req)
	if p.seen[0] == req.Messages[0] {
		t.Error("provider should receive a copy of the history")
	}
}

func TestCompleteWithoutProvider(t *testing.T) {
	out := New(nil).Complete(context.Background(), nil)
	if out.Kind != KindFailed || errorskg.KindOf(out.Err) != errorskg.KindConfiguration {
		t.Fatalf("expected configuration failure, got %s %v", out.Kind, out.Err)
	}
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr error
	}{
		{"mock", ProviderConfig{Provider: "mock"}, nil},
		{"openai", ProviderConfig{Provider: "OpenAI", APIKey: "k"}, nil},
		{"claude alias", ProviderConfig{Provider: "claude", APIKey: "k"}, nil},
		{"missing key", ProviderConfig{Provider: "anthropic"}, errorskg.ErrMissingCredentials},
		{"databricks without host", ProviderConfig{Provider: "databricks", APIKey: "k"}, errorskg.ErrMissingCredentials},
		{"unknown", ProviderConfig{Provider: "acme", APIKey: "k"}, errorskg.ErrUnsupportedProvider},
		{"negative max tokens", ProviderConfig{Provider: "groq", APIKey: "k", MaxTokens: -1}, errorskg.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if errorskg.KindOf(err) != errorskg.KindConfiguration {
				t.Errorf("expected configuration kind, got %s", errorskg.KindOf(err))
			}
		})
	}
}
