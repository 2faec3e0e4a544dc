package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// Role represents the role of the message sender
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ContentType tags a single content part of a message.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentToolRequest  ContentType = "toolRequest"
	ContentToolResponse ContentType = "toolResponse"
)

// Content is one part of a message: plain text, a tool request issued by the
// model, or the result of a tool request supplied by the caller.
type Content struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   []Content `json:"content"`
	CreatedAt time.Time `json:"created"`
}

// ToolCall represents a tool invocation request
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON renders the call arguments as a JSON object.
func (c ToolCall) ArgumentsJSON() string {
	args := c.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ToolResult carries the caller-computed outcome of a ToolCall.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// ParseToolResult builds a ToolResult from raw caller text. Payloads that look
// like JSON must be well formed; anything else is kept as plain text.
func ParseToolResult(id, raw string) (ToolResult, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if !json.Valid([]byte(trimmed)) {
			return ToolResult{}, fmt.Errorf("tool result %s: %w", id, errorskg.ErrMalformedPayload)
		}
	}
	return ToolResult{ID: id, Output: raw}, nil
}

// New creates a message from explicit content parts.
func New(role Role, content ...Content) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewMessage creates a new message with the given role and text content
func NewMessage(role Role, text string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   []Content{{Type: ContentText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// NewToolRequestMessage creates an assistant message carrying a tool request,
// optionally preceded by the text the model produced alongside it.
func NewToolRequestMessage(text string, call ToolCall) *Message {
	msg := &Message{
		ID:        generateID(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	if text != "" {
		msg.Content = append(msg.Content, Content{Type: ContentText, Text: text})
	}
	c := cloneToolCall(call)
	msg.Content = append(msg.Content, Content{Type: ContentToolRequest, ToolCall: &c})
	return msg
}

// NewToolResponseMessage creates a tool response message. Tool responses are
// sent back to the model on the user side of the conversation.
func NewToolResponseMessage(result ToolResult) *Message {
	r := result
	return &Message{
		ID:        generateID(),
		Role:      RoleUser,
		Content:   []Content{{Type: ContentToolResponse, ToolResult: &r}},
		CreatedAt: time.Now(),
	}
}

// Text joins the text parts of the message with newlines.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	parts := make([]string, 0, len(m.Content))
	for _, c := range m.Content {
		if c.Type == ContentText {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCalls returns the tool requests carried by the message.
func (m *Message) ToolCalls() []ToolCall {
	if m == nil {
		return nil
	}
	var calls []ToolCall
	for _, c := range m.Content {
		if c.Type == ContentToolRequest && c.ToolCall != nil {
			calls = append(calls, cloneToolCall(*c.ToolCall))
		}
	}
	return calls
}

// ToolResults returns the tool responses carried by the message.
func (m *Message) ToolResults() []ToolResult {
	if m == nil {
		return nil
	}
	var results []ToolResult
	for _, c := range m.Content {
		if c.Type == ContentToolResponse && c.ToolResult != nil {
			results = append(results, *c.ToolResult)
		}
	}
	return results
}

// HasToolCalls reports whether the message contains at least one tool request.
func (m *Message) HasToolCalls() bool {
	if m == nil {
		return false
	}
	for _, c := range m.Content {
		if c.Type == ContentToolRequest && c.ToolCall != nil {
			return true
		}
	}
	return false
}

// Validate checks that the message is well formed.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil: %w", errorskg.ErrInvalidInput)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("unknown role %q: %w", m.Role, errorskg.ErrInvalidInput)
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("message %s has no content: %w", m.ID, errorskg.ErrInvalidInput)
	}
	for _, c := range m.Content {
		switch c.Type {
		case ContentText:
		case ContentToolRequest:
			if c.ToolCall == nil || c.ToolCall.ID == "" || c.ToolCall.Name == "" {
				return fmt.Errorf("message %s: incomplete tool request: %w", m.ID, errorskg.ErrMalformedPayload)
			}
		case ContentToolResponse:
			if c.ToolResult == nil || c.ToolResult.ID == "" {
				return fmt.Errorf("message %s: incomplete tool response: %w", m.ID, errorskg.ErrMalformedPayload)
			}
		default:
			return fmt.Errorf("message %s: unknown content type %q: %w", m.ID, c.Type, errorskg.ErrMalformedPayload)
		}
	}
	return nil
}

// Clone creates a deep copy of the message.
func Clone(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cloned := *msg
	if msg.Content != nil {
		cloned.Content = make([]Content, len(msg.Content))
		for i, c := range msg.Content {
			cloned.Content[i] = cloneContent(c)
		}
	}
	return &cloned
}

// CloneMessages copies a slice of messages.
func CloneMessages(msgs []*Message) []*Message {
	if len(msgs) == 0 {
		return nil
	}
	clones := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		clones = append(clones, Clone(msg))
	}
	return clones
}

func cloneContent(c Content) Content {
	out := Content{Type: c.Type, Text: c.Text}
	if c.ToolCall != nil {
		tc := cloneToolCall(*c.ToolCall)
		out.ToolCall = &tc
	}
	if c.ToolResult != nil {
		tr := *c.ToolResult
		out.ToolResult = &tr
	}
	return out
}

func cloneToolCall(call ToolCall) ToolCall {
	cloned := ToolCall{
		ID:   call.ID,
		Name: call.Name,
	}
	if call.Arguments != nil {
		cloned.Arguments = make(map[string]any, len(call.Arguments))
		for k, v := range call.Arguments {
			cloned.Arguments[k] = v
		}
	}
	return cloned
}

func generateID() string {
	return uuid.NewString()
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates another usage report.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
