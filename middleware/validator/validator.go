package validator

import (
	"fmt"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/middleware"
)

// ValidatorFunc validates input
type ValidatorFunc func(string) error

// FilterFunc transforms or filters responses
type FilterFunc func(*message.Message) error

// InputValidator validates and cleans input
type InputValidator struct {
	validator ValidatorFunc
}

// NewInputValidator creates an input validation middleware
func NewInputValidator(validator ValidatorFunc) *InputValidator {
	return &InputValidator{validator: validator}
}

// Name returns the middleware name
func (m *InputValidator) Name() string {
	return "InputValidator"
}

// Execute validates the input
func (m *InputValidator) Execute(ctx *middleware.Context, next middleware.Handler) error {
	if m.validator != nil {
		if err := m.validator(ctx.Input); err != nil {
			return errorskg.New(errorskg.KindValidation, "validate_input", err)
		}
	}
	return next(ctx)
}

// MessageValidator rejects malformed history before it reaches a provider.
type MessageValidator struct{}

// NewMessageValidator creates a history validation middleware
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// Name returns the middleware name
func (m *MessageValidator) Name() string {
	return "MessageValidator"
}

// Execute validates every message and tool schema in the request
func (m *MessageValidator) Execute(ctx *middleware.Context, next middleware.Handler) error {
	for _, msg := range ctx.Messages {
		if err := msg.Validate(); err != nil {
			return errorskg.New(errorskg.KindValidation, "validate_messages", err)
		}
	}
	for _, s := range ctx.Tools {
		if err := s.Validate(); err != nil {
			return errorskg.New(errorskg.KindValidation, "validate_tools", err)
		}
	}
	return next(ctx)
}

// TokenCounter estimates the token size of a conversation.
type TokenCounter interface {
	CountTokens(text string) int
	CountMessages(msgs []*message.Message) int
}

// TokenBudget rejects requests whose prompt exceeds a token budget.
type TokenBudget struct {
	counter   TokenCounter
	maxTokens int
}

// NewTokenBudget creates a token budget middleware
func NewTokenBudget(counter TokenCounter, maxTokens int) *TokenBudget {
	return &TokenBudget{counter: counter, maxTokens: maxTokens}
}

// Name returns the middleware name
func (m *TokenBudget) Name() string {
	return "TokenBudget"
}

// Execute counts system prompt and history tokens
func (m *TokenBudget) Execute(ctx *middleware.Context, next middleware.Handler) error {
	if m.counter == nil || m.maxTokens <= 0 {
		return next(ctx)
	}
	used := m.counter.CountTokens(ctx.System) + m.counter.CountMessages(ctx.Messages)
	if ctx.Metadata == nil {
		ctx.Metadata = make(map[string]any)
	}
	ctx.Metadata["prompt_tokens"] = used
	if used > m.maxTokens {
		return errorskg.New(errorskg.KindValidation, "token_budget",
			fmt.Errorf("%d tokens over a budget of %d: %w", used, m.maxTokens, middleware.ErrTokenBudgetExceeded))
	}
	return next(ctx)
}

// ResponseFilter filters or transforms the response
type ResponseFilter struct {
	filter FilterFunc
}

// NewResponseFilter creates a response filtering middleware
func NewResponseFilter(filter FilterFunc) *ResponseFilter {
	return &ResponseFilter{filter: filter}
}

// Name returns the middleware name
func (m *ResponseFilter) Name() string {
	return "ResponseFilter"
}

// Execute filters the response
func (m *ResponseFilter) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)
	if err != nil {
		return err
	}
	if ctx.Response != nil && m.filter != nil {
		return m.filter(ctx.Response)
	}
	return nil
}
