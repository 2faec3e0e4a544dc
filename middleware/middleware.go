package middleware

import (
	"context"

	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

// Context represents the middleware execution context of one completion call
type Context struct {
	// Input is the text of the latest user message, if any
	Input string

	// System prompt sent to the provider
	System string

	// Messages is the conversation history sent to the provider
	Messages []*message.Message

	// Tools declared to the provider
	Tools []tool.Schema

	// Response from the provider
	Response *message.Message

	// Usage reported by the provider
	Usage message.Usage

	// Error from execution
	Error error

	// Metadata for passing data between middlewares
	Metadata map[string]any

	// Internal state
	context context.Context
}

// NewContext creates a new middleware context
func NewContext(ctx context.Context) *Context {
	return &Context{
		Metadata: make(map[string]any),
		context:  ctx,
	}
}

// Context returns the underlying context.Context
func (c *Context) Context() context.Context {
	if c.context == nil {
		return context.Background()
	}
	return c.context
}

// LatestUserText returns the text of the last user message in msgs.
func LatestUserText(msgs []*message.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil && msgs[i].Role == message.RoleUser {
			if text := msgs[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}

// Middleware defines the interface for middleware components
// Middlewares can intercept and modify completion requests and responses
type Middleware interface {
	// Name returns the name of the middleware for logging and debugging
	Name() string

	// Execute runs the middleware logic
	// It receives the current context and a next handler to continue the chain
	// Returning error will stop the middleware chain
	Execute(ctx *Context, next Handler) error
}

// Handler is the function called to pass control to the next middleware
type Handler func(*Context) error

// MiddlewareChain represents a sequence of middleware to be executed
type MiddlewareChain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: middlewares,
	}
}

// Add appends a middleware to the chain
func (c *MiddlewareChain) Add(m Middleware) *MiddlewareChain {
	c.middlewares = append(c.middlewares, m)
	return c
}

// Len returns the number of middlewares in the chain
func (c *MiddlewareChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.middlewares)
}

// Execute runs all middlewares in the chain
func (c *MiddlewareChain) Execute(ctx *Context, finalHandler Handler) error {
	if c == nil {
		return finalHandler(ctx)
	}
	return c.executeMiddleware(ctx, 0, finalHandler)
}

// executeMiddleware recursively executes middlewares in sequence
func (c *MiddlewareChain) executeMiddleware(ctx *Context, index int, finalHandler Handler) error {
	if index >= len(c.middlewares) {
		// All middlewares executed, call the final handler
		return finalHandler(ctx)
	}

	nextHandler := func(ctx *Context) error {
		return c.executeMiddleware(ctx, index+1, finalHandler)
	}

	return c.middlewares[index].Execute(ctx, nextHandler)
}
