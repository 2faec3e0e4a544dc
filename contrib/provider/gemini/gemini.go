package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

const DefaultModel = "gemini-2.0-flash"

// Config holds Gemini provider configuration
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	// Endpoint overrides the API endpoint, mostly for tests and proxies.
	Endpoint string
}

// DefaultConfig returns default Gemini configuration
func DefaultConfig(apiKey string) *Config {
	return &Config{
		APIKey: apiKey,
		Model:  DefaultModel,
	}
}

// Provider implements completion.Provider for Google Gemini. The SDK client
// is created on first use and released by Close.
type Provider struct {
	config *Config

	mu     sync.Mutex
	client *genai.Client
}

var _ completion.Provider = (*Provider)(nil)

// New creates a new Gemini provider
func New(config *Config) *Provider {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	return &Provider{config: config}
}

// Name returns the provider identity.
func (p *Provider) Name() string {
	return completion.ProviderGemini
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *Provider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	opts := []option.ClientOption{option.WithAPIKey(p.config.APIKey)}
	if p.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.config.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errorskg.New(errorskg.KindConfiguration, "gemini", err)
	}
	p.client = client
	return client, nil
}

// Complete sends one generateContent request through a chat session seeded
// with the prior history.
func (p *Provider) Complete(ctx context.Context, system string, messages []*message.Message, tools []tool.Schema) (*message.Message, completion.Usage, error) {
	contents := buildContents(messages)
	if len(contents) == 0 {
		return nil, completion.Usage{}, errorskg.New(errorskg.KindValidation, "gemini",
			fmt.Errorf("no messages to send: %w", errorskg.ErrInvalidInput))
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, completion.Usage{}, err
	}

	model := client.GenerativeModel(p.config.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if p.config.Temperature != nil {
		model.SetTemperature(float32(*p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(p.config.MaxTokens))
	}
	if len(tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: buildDeclarations(tools)}}
	}

	chat := model.StartChat()
	last := contents[len(contents)-1]
	chat.History = contents[:len(contents)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, completion.Usage{}, fmt.Errorf("gemini API error: %w", err)
	}

	var usage completion.Usage
	if resp.UsageMetadata != nil {
		usage = completion.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, usage, errorskg.New(errorskg.KindProtocol, "gemini", errorskg.ErrEmptyResponse)
	}
	return parseParts(resp.Candidates[0].Content.Parts), usage, nil
}

// buildContents converts history into Gemini contents. Consecutive messages
// with the same role are merged because the API expects alternating turns.
func buildContents(messages []*message.Message) []*genai.Content {
	callNames := make(map[string]string)
	out := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		role := "user"
		if msg.Role == message.RoleAssistant {
			role = "model"
		}

		parts := make([]genai.Part, 0, len(msg.Content))
		for _, c := range msg.Content {
			switch c.Type {
			case message.ContentText:
				if c.Text != "" {
					parts = append(parts, genai.Text(c.Text))
				}
			case message.ContentToolRequest:
				if c.ToolCall == nil {
					continue
				}
				callNames[c.ToolCall.ID] = c.ToolCall.Name
				parts = append(parts, genai.FunctionCall{Name: c.ToolCall.Name, Args: c.ToolCall.Arguments})
			case message.ContentToolResponse:
				if c.ToolResult == nil {
					continue
				}
				name := c.ToolResult.Name
				if name == "" {
					name = callNames[c.ToolResult.ID]
				}
				parts = append(parts, genai.FunctionResponse{Name: name, Response: responsePayload(*c.ToolResult)})
			}
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func responsePayload(result message.ToolResult) map[string]any {
	if result.IsError {
		return map[string]any{"error": result.Output}
	}
	var obj map[string]any
	if strings.HasPrefix(strings.TrimSpace(result.Output), "{") && json.Unmarshal([]byte(result.Output), &obj) == nil {
		return obj
	}
	return map[string]any{"content": result.Output}
}

func buildDeclarations(tools []tool.Schema) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if len(t.Parameters) > 0 {
			props := make(map[string]*genai.Schema, len(t.Parameters))
			for _, p := range t.Parameters {
				props[p.Name] = parameterSchema(p)
			}
			decl.Parameters = &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   t.Required(),
			}
		}
		out = append(out, decl)
	}
	return out
}

func parameterSchema(p tool.Parameter) *genai.Schema {
	s := &genai.Schema{Description: p.Description, Enum: p.Enum}
	switch p.Type {
	case tool.TypeNumber:
		s.Type = genai.TypeNumber
	case tool.TypeInteger:
		s.Type = genai.TypeInteger
	case tool.TypeBoolean:
		s.Type = genai.TypeBoolean
	case tool.TypeObject:
		s.Type = genai.TypeObject
	case tool.TypeArray:
		s.Type = genai.TypeArray
		s.Items = &genai.Schema{Type: genai.TypeString}
	default:
		s.Type = genai.TypeString
	}
	return s
}

// parseParts converts a candidate into an assistant message. Gemini does not
// assign call IDs, so one is generated per function call.
func parseParts(parts []genai.Part) *message.Message {
	msg := message.New(message.RoleAssistant)
	for _, part := range parts {
		switch v := part.(type) {
		case genai.Text:
			if v != "" {
				msg.Content = append(msg.Content, message.Content{Type: message.ContentText, Text: string(v)})
			}
		case genai.FunctionCall:
			args := v.Args
			if args == nil {
				args = map[string]any{}
			}
			call := message.ToolCall{ID: "call_" + uuid.NewString(), Name: v.Name, Arguments: args}
			msg.Content = append(msg.Content, message.Content{Type: message.ContentToolRequest, ToolCall: &call})
		}
	}
	return msg
}
