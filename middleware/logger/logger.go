package logger

import (
	"log/slog"

	"github.com/sweetpotato0/agentstep/middleware"
	"github.com/sweetpotato0/agentstep/pkg/logging"
)

// RequestLogger logs outgoing completion requests
type RequestLogger struct {
	logger *slog.Logger
}

// NewRequestLogger creates a request logging middleware. A nil logger uses the
// shared process logger.
func NewRequestLogger(logger *slog.Logger) *RequestLogger {
	if logger == nil {
		logger = logging.WithComponent("middleware")
	}
	return &RequestLogger{logger: logger}
}

// Name returns the middleware name
func (m *RequestLogger) Name() string {
	return "RequestLogger"
}

// Execute logs the request
func (m *RequestLogger) Execute(ctx *middleware.Context, next middleware.Handler) error {
	m.logger.Debug("completion request",
		"input", ctx.Input,
		"messages", len(ctx.Messages),
		"tools", len(ctx.Tools),
	)
	return next(ctx)
}

// ResponseLogger logs provider responses
type ResponseLogger struct {
	logger *slog.Logger
}

// NewResponseLogger creates a response logging middleware
func NewResponseLogger(logger *slog.Logger) *ResponseLogger {
	if logger == nil {
		logger = logging.WithComponent("middleware")
	}
	return &ResponseLogger{logger: logger}
}

// Name returns the middleware name
func (m *ResponseLogger) Name() string {
	return "ResponseLogger"
}

// Execute logs the response
func (m *ResponseLogger) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)
	switch {
	case err != nil:
		m.logger.Warn("completion failed", "error", err)
	case ctx.Response != nil:
		m.logger.Debug("completion response",
			"output", ctx.Response.Text(),
			"tool_calls", len(ctx.Response.ToolCalls()),
			"input_tokens", ctx.Usage.InputTokens,
			"output_tokens", ctx.Usage.OutputTokens,
		)
	}
	return err
}
