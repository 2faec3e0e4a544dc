package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 4096
)

// Config holds Claude provider configuration
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int64
	Temperature *float64
	Timeout     time.Duration
	MaxRetries  int
}

// DefaultConfig returns default Claude configuration
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey:    apiKey,
		Model:     DefaultModel,
		MaxTokens: DefaultMaxTokens,
	}
}

// Provider implements completion.Provider for Anthropic's Messages API.
type Provider struct {
	config *Config
	client anthropic.Client
}

var _ completion.Provider = (*Provider)(nil)

// New creates a new Claude provider using official SDK
func New(config *Config) *Provider {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		options = append(options, option.WithRequestTimeout(config.Timeout))
	}

	return &Provider{
		config: config,
		client: anthropic.NewClient(options...),
	}
}

// Name returns the provider identity.
func (p *Provider) Name() string {
	return completion.ProviderAnthropic
}

// Complete sends one Messages API request.
func (p *Provider) Complete(ctx context.Context, system string, messages []*message.Message, tools []tool.Schema) (*message.Message, completion.Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		Messages:  buildMessages(messages),
		MaxTokens: p.config.MaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.config.Temperature != nil {
		params.Temperature = anthropic.Float(*p.config.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, completion.Usage{}, fmt.Errorf("anthropic API error: %w", err)
	}

	usage := completion.Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	msg, err := parseContent(resp.Content)
	if err != nil {
		return nil, usage, err
	}
	return msg, usage, nil
}

func buildMessages(messages []*message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var systemNotes []string

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, c := range msg.Content {
			switch c.Type {
			case message.ContentText:
				if c.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(c.Text))
				}
			case message.ContentToolRequest:
				if c.ToolCall != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolCall.ID, toolInput(c.ToolCall.Arguments), c.ToolCall.Name))
				}
			case message.ContentToolResponse:
				if c.ToolResult != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolResult.ID, c.ToolResult.Output, c.ToolResult.IsError))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}

		switch msg.Role {
		case message.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case message.RoleSystem:
			// mid-conversation system notes are folded into the next user turn
			systemNotes = append(systemNotes, msg.Text())
		default:
			for _, note := range systemNotes {
				blocks = append([]anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(note)}, blocks...)
			}
			systemNotes = nil
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toolInput(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func buildTools(tools []tool.Schema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema()
		param := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   t.Required(),
			},
		}
		if t.Description != "" {
			param.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func parseContent(blocks []anthropic.ContentBlockUnion) (*message.Message, error) {
	msg := message.New(message.RoleAssistant)
	for _, block := range blocks {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				msg.Content = append(msg.Content, message.Content{Type: message.ContentText, Text: v.Text})
			}
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(v.Input) > 0 {
				if err := json.Unmarshal(v.Input, &args); err != nil {
					return nil, errorskg.New(errorskg.KindProtocol, "anthropic",
						fmt.Errorf("tool %s input: %w", v.Name, errorskg.ErrMalformedPayload))
				}
			}
			call := message.ToolCall{ID: v.ID, Name: v.Name, Arguments: args}
			msg.Content = append(msg.Content, message.Content{Type: message.ContentToolRequest, ToolCall: &call})
		}
	}
	return msg, nil
}
