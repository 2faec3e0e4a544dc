package validator

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

func TestInputValidator(t *testing.T) {
	validator := NewInputValidator(func(input string) error {
		if input == "invalid" {
			return errors.New("invalid input")
		}
		return nil
	})

	t.Run("valid input passes through", func(t *testing.T) {
		ctx := &middleware.Context{Input: "valid"}
		executed := false

		err := validator.Execute(ctx, func(c *middleware.Context) error {
			executed = true
			return nil
		})

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !executed {
			t.Error("handler was not executed")
		}
	})

	t.Run("invalid input returns error", func(t *testing.T) {
		ctx := &middleware.Context{Input: "invalid"}
		executed := false

		err := validator.Execute(ctx, func(c *middleware.Context) error {
			executed = true
			return nil
		})

		if errorskg.KindOf(err) != errorskg.KindValidation {
			t.Errorf("expected validation error, got %v", err)
		}
		if executed {
			t.Error("handler should not be executed for invalid input")
		}
	})
}

func TestMessageValidator(t *testing.T) {
	v := NewMessageValidator()

	t.Run("accepts well formed history", func(t *testing.T) {
		ctx := &middleware.Context{
			Messages: []*message.Message{message.NewMessage(message.RoleUser, "hi")},
			Tools:    []tool.Schema{{Name: "calc"}},
		}
		if err := v.Execute(ctx, func(*middleware.Context) error { return nil }); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("rejects incomplete tool request", func(t *testing.T) {
		ctx := &middleware.Context{Messages: []*message.Message{{
			Role:    message.RoleAssistant,
			Content: []message.Content{{Type: message.ContentToolRequest, ToolCall: &message.ToolCall{Name: "calc"}}},
		}}}
		err := v.Execute(ctx, func(*middleware.Context) error { return nil })
		if !errors.Is(err, errorskg.ErrMalformedPayload) {
			t.Errorf("expected ErrMalformedPayload, got %v", err)
		}
	})

	t.Run("rejects invalid tool schema", func(t *testing.T) {
		ctx := &middleware.Context{Tools: []tool.Schema{{Name: ""}}}
		err := v.Execute(ctx, func(*middleware.Context) error { return nil })
		if !errors.Is(err, errorskg.ErrInvalidSchema) {
			t.Errorf("expected ErrInvalidSchema, got %v", err)
		}
	})
}

// wordCounter counts whitespace separated words as tokens.
type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return len(strings.Fields(text)) }

func (w wordCounter) CountMessages(msgs []*message.Message) int {
	n := 0
	for _, m := range msgs {
		n += w.CountTokens(m.Text())
	}
	return n
}

func TestTokenBudget(t *testing.T) {
	msgs := []*message.Message{message.NewMessage(message.RoleUser, "one two three")}

	t.Run("within budget", func(t *testing.T) {
		ctx := &middleware.Context{System: "be brief", Messages: msgs}
		err := NewTokenBudget(wordCounter{}, 5).Execute(ctx, func(*middleware.Context) error { return nil })
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if ctx.Metadata["prompt_tokens"] != 5 {
			t.Errorf("expected prompt_tokens metadata of 5, got %v", ctx.Metadata["prompt_tokens"])
		}
	})

	t.Run("over budget rejects before next", func(t *testing.T) {
		ctx := middleware.NewContext(context.Background())
		ctx.System = "be brief"
		ctx.Messages = msgs
		called := false
		err := NewTokenBudget(wordCounter{}, 4).Execute(ctx, func(*middleware.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, middleware.ErrTokenBudgetExceeded) {
			t.Errorf("expected ErrTokenBudgetExceeded, got %v", err)
		}
		if called {
			t.Error("next must not run over budget")
		}
	})

	t.Run("disabled without counter", func(t *testing.T) {
		err := NewTokenBudget(nil, 1).Execute(&middleware.Context{}, func(*middleware.Context) error { return nil })
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestResponseFilter(t *testing.T) {
	filter := NewResponseFilter(func(m *message.Message) error {
		if strings.Contains(m.Text(), "secret") {
			return errors.New("leak")
		}
		return nil
	})

	err := filter.Execute(&middleware.Context{}, func(c *middleware.Context) error {
		c.Response = message.NewMessage(message.RoleAssistant, "the secret is 42")
		return nil
	})
	if err == nil {
		t.Error("expected filter error")
	}
}
