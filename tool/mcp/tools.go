package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sweetpotato0/agentstep/tool"
)

// ToolError is returned when the MCP server reports an error response.
type ToolError struct {
	Name    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp tool %s: %s", e.Name, e.Message)
}

// ListAllTools returns the full set of tools exposed by the MCP server.
func (c *Client) ListAllTools(ctx context.Context) ([]*sdkmcp.Tool, error) {
	if c.session == nil {
		return nil, ErrClientClosed
	}

	params := &sdkmcp.ListToolsParams{}
	var tools []*sdkmcp.Tool
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		params.Cursor = res.NextCursor
	}

	return tools, nil
}

// CallTool invokes a remote MCP tool and returns the textual response.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", ErrClientClosed
	}

	result, err := c.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}

	message := normalizeContent(result.Content)
	if result.IsError {
		if message == "" {
			message = "tool returned error without message"
		}
		return "", &ToolError{Name: name, Message: message}
	}

	return message, nil
}

// BuildTools converts MCP tool definitions to local tools whose handlers call
// back into the server. Definitions whose input schema cannot be expressed are
// skipped with a warning.
func (c *Client) BuildTools(ctx context.Context) ([]*tool.Tool, error) {
	defs, err := c.ListAllTools(ctx)
	if err != nil {
		return nil, err
	}

	tools := make([]*tool.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}

		t, err := convertTool(def, c.CallTool)
		if err != nil {
			c.logger.Warn("skipping mcp tool", "tool", def.Name, "error", err)
			continue
		}
		tools = append(tools, t)
	}

	return tools, nil
}

// Extension describes the server as a tool extension.
func (c *Client) Extension(ctx context.Context) (tool.Extension, error) {
	tools, err := c.BuildTools(ctx)
	if err != nil {
		return tool.Extension{}, err
	}
	return tool.Extension{
		Name:         c.ServerName(),
		Instructions: c.Instructions(),
		Tools:        tools,
	}, nil
}

type callFunc func(ctx context.Context, name string, args map[string]any) (string, error)

func convertTool(def *sdkmcp.Tool, call callFunc) (*tool.Tool, error) {
	description := def.Description
	if description == "" && def.Annotations != nil {
		description = def.Annotations.Title
	}

	schema, err := tool.SchemaFromJSONSchema(def.Name, description, toMap(def.InputSchema))
	if err != nil {
		return nil, err
	}

	remoteName := def.Name
	return &tool.Tool{
		Schema: schema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args == nil {
				args = make(map[string]any)
			}
			return call(ctx, remoteName, args)
		},
	}, nil
}

func normalizeContent(content []sdkmcp.Content) string {
	if len(content) == 0 {
		return ""
	}

	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *sdkmcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := c.MarshalJSON(); err == nil {
				parts = append(parts, string(data))
			}
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func toMap(v any) map[string]any {
	switch value := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return value
	case json.RawMessage:
		return decodeMap(value)
	case []byte:
		return decodeMap(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil
		}
		return decodeMap(data)
	}
}

func decodeMap(data []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
