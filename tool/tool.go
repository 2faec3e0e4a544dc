package tool

import (
	"context"
	"fmt"
	"sync"

	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// Handler executes a tool call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool/function
type Tool struct {
	Schema
	Handler Handler `json:"-"`
}

// New creates a tool from a validated schema.
func New(schema Schema, handler Handler) (*Tool, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Tool{Schema: schema, Handler: handler}, nil
}

// Execute runs the tool with given arguments
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.Handler == nil {
		return "", fmt.Errorf("tool %s has no handler", t.Name)
	}

	if err := t.ValidateArgs(args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	return t.Handler(ctx, args)
}

// ValidateArgs validates the provided arguments against the tool's parameters
func (t *Tool) ValidateArgs(args map[string]any) error {
	for _, param := range t.Parameters {
		if param.Required {
			if _, ok := args[param.Name]; !ok {
				return fmt.Errorf("missing required parameter: %s", param.Name)
			}
		}
	}
	return nil
}

// Registry manages a collection of tools in registration order.
// All operations are thread-safe using RWMutex protection
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds tools to the registry. Either every tool is added or none is:
// an invalid schema or a name already taken (in the registry or earlier in the
// same call) rejects the whole batch.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if t == nil {
			return fmt.Errorf("nil tool: %w", errorskg.ErrInvalidInput)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("tool %s already registered: %w", t.Name, errorskg.ErrDuplicateTool)
		}
		if _, exists := batch[t.Name]; exists {
			return fmt.Errorf("tool %s declared twice: %w", t.Name, errorskg.ErrDuplicateTool)
		}
		batch[t.Name] = struct{}{}
	}

	if r.tools == nil {
		r.tools = make(map[string]*Tool)
	}
	for _, t := range tools {
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return nil
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", name, errorskg.ErrNotFound)
	}
	return tool, nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns all registered tools
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Schemas returns a snapshot of the declared schemas.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].Schema)
	}
	return schemas
}

// Execute runs a tool by name with given arguments
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return tool.Execute(ctx, args)
}
