package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

// Base URLs of OpenAI-compatible services.
const (
	GroqBaseURL = "https://api.groq.com/openai/v1"
)

// Config holds OpenAI provider configuration
type Config struct {
	// Name is reported by Provider.Name; defaults to "openai".
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature *float64
	Timeout     time.Duration
	// MaxRetries is passed to the SDK; zero disables SDK retries.
	MaxRetries int
}

// WithBaseURL set BaseURL.
func (cfg *Config) WithBaseURL(url string) *Config {
	cfg.BaseURL = url
	return cfg
}

// WithAPIKey set api key.
func (cfg *Config) WithAPIKey(apiKey string) *Config {
	cfg.APIKey = apiKey
	return cfg
}

// WithModel set model.
func (cfg *Config) WithModel(model string) *Config {
	cfg.Model = model
	return cfg
}

// DefaultConfig returns default OpenAI configuration
func DefaultConfig() *Config {
	return &Config{
		Name:      completion.ProviderOpenAI,
		Model:     string(openai.ChatModelGPT4oMini),
		MaxTokens: 2000,
	}
}

// DatabricksConfig targets the OpenAI-compatible serving endpoints of a
// Databricks workspace. The model is the serving endpoint name.
func DatabricksConfig(host, token, endpoint string) *Config {
	host = strings.TrimRight(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return &Config{
		Name:    completion.ProviderDatabricks,
		APIKey:  token,
		BaseURL: host + "/serving-endpoints",
		Model:   endpoint,
	}
}

// GroqConfig targets Groq's OpenAI-compatible API.
func GroqConfig(apiKey, model string) *Config {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &Config{
		Name:    completion.ProviderGroq,
		APIKey:  apiKey,
		BaseURL: GroqBaseURL,
		Model:   model,
	}
}

// Provider implements completion.Provider for OpenAI and compatible services
type Provider struct {
	config *Config
	client openai.Client
}

var _ completion.Provider = (*Provider)(nil)

// New creates a new OpenAI provider using official SDK
func New(config *Config) *Provider {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Model == "" {
		config.Model = string(openai.ChatModelGPT4oMini)
	}
	if config.Name == "" {
		config.Name = completion.ProviderOpenAI
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
		client: openai.NewClient(options...),
	}
}

// Name returns the provider identity.
func (p *Provider) Name() string {
	return p.config.Name
}

// Complete sends one chat completion request.
func (p *Provider) Complete(ctx context.Context, system string, messages []*message.Message, tools []tool.Schema) (*message.Message, completion.Usage, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(system, messages),
		Model:    openai.ChatModel(p.config.Model),
	}
	if p.config.Temperature != nil {
		params.Temperature = openai.Float(*p.config.Temperature)
	}
	if p.config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.config.MaxTokens)
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
		params.ParallelToolCalls = openai.Bool(false)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, completion.Usage{}, fmt.Errorf("%s API error: %w", p.config.Name, err)
	}

	usage := completion.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) == 0 {
		return nil, usage, errorskg.New(errorskg.KindProtocol, "openai", errorskg.ErrEmptyResponse)
	}

	msg, err := parseMessage(resp.Choices[0].Message)
	if err != nil {
		return nil, usage, err
	}
	return msg, usage, nil
}

func buildMessages(system string, messages []*message.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		case message.RoleUser:
			// tool results travel as dedicated tool messages
			for _, result := range msg.ToolResults() {
				out = append(out, openai.ToolMessage(toolOutput(result), result.ID))
			}
			if text := msg.Text(); text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case message.RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Text()))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: encodeToolCalls(calls)}
			if text := msg.Text(); text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func toolOutput(result message.ToolResult) string {
	if result.IsError {
		return "Error: " + result.Output
	}
	return result.Output
}

func encodeToolCalls(calls []message.ToolCall) []openai.ChatCompletionMessageToolCallUnionParam {
	params := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(calls))
	for _, tc := range calls {
		params = append(params, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON(),
				},
			},
		})
	}
	return params
}

func buildTools(tools []tool.Schema) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.InputSchema()),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseMessage(choice openai.ChatCompletionMessage) (*message.Message, error) {
	msg := message.New(message.RoleAssistant)
	if choice.Content != "" {
		msg.Content = append(msg.Content, message.Content{Type: message.ContentText, Text: choice.Content})
	}

	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, errorskg.New(errorskg.KindProtocol, "openai",
					fmt.Errorf("tool %s arguments: %w", tc.Function.Name, errorskg.ErrMalformedPayload))
			}
		}
		call := message.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
		msg.Content = append(msg.Content, message.Content{Type: message.ContentToolRequest, ToolCall: &call})
	}
	return msg, nil
}
