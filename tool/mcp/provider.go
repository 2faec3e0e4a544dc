package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sweetpotato0/agentstep/tool"
)

// Provider exposes an MCP server through the generic tool.Provider interface.
type Provider interface {
	tool.Provider
	// Client returns the underlying MCP client for advanced use cases.
	Client() *Client
}

// Transport enumerates the supported MCP transport types.
type Transport string

const (
	// TransportStreamable indicates the streamable HTTP transport.
	TransportStreamable Transport = "streamable"
	// TransportCommand indicates the stdio/command transport.
	TransportCommand Transport = "command"
)

// Config describes how to connect to an MCP server.
type Config struct {
	// Name overrides the extension name reported by the server.
	Name string `yaml:"name" json:"name"`
	// Transport selects how to connect. If empty, defaults to command transport
	// when Command is set, otherwise streamable HTTP.
	Transport Transport `yaml:"transport" json:"transport"`
	// Endpoint is required for streamable HTTP connections.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Command is required for command transport connections.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`
	Env     []string `yaml:"env" json:"env"`
}

type provider struct {
	name   string
	client *Client
}

// NewProvider constructs a Provider based on the supplied configuration.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (Provider, error) {
	transport := cfg.Transport
	if transport == "" {
		if cfg.Command != "" {
			transport = TransportCommand
		} else {
			transport = TransportStreamable
		}
	}

	var (
		client *Client
		err    error
	)

	switch transport {
	case TransportStreamable:
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, errors.New("mcp: endpoint is required for streamable transport")
		}
		client, err = NewStreamableClient(ctx, cfg.Endpoint, opts...)
	case TransportCommand:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("mcp: command is required for command transport")
		}
		opts = append(opts, WithCommandArgs(cfg.Args...), WithCommandEnv(cfg.Env...))
		client, err = NewStdioClient(ctx, cfg.Command, opts...)
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", transport)
	}
	if err != nil {
		return nil, err
	}

	p := &provider{name: cfg.Name, client: client}
	// Fail fast if we cannot list tools.
	if _, err := p.Extension(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return p, nil
}

func (p *provider) Extension(ctx context.Context) (tool.Extension, error) {
	if p == nil || p.client == nil {
		return tool.Extension{}, errors.New("mcp: provider is not initialized")
	}
	ext, err := p.client.Extension(ctx)
	if err != nil {
		return tool.Extension{}, err
	}
	if p.name != "" {
		ext.Name = p.name
	}
	return ext, nil
}

func (p *provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *provider) Client() *Client {
	if p == nil {
		return nil
	}
	return p.client
}

func (p *provider) ToolsChanged() <-chan struct{} {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.ToolsChanged()
}
