package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/tool"
)

// ProviderConfigRecord selects and authenticates a provider. Empty key,
// model and host are taken from the environment.
type ProviderConfigRecord = completion.ProviderConfig

// ReplyStatus is the status code of a StepRecord.
type ReplyStatus uint32

const (
	ReplyStatusComplete       ReplyStatus = 0
	ReplyStatusToolCallNeeded ReplyStatus = 1
	ReplyStatusError          ReplyStatus = 2
)

func (s ReplyStatus) String() string {
	switch s {
	case ReplyStatusComplete:
		return "complete"
	case ReplyStatusToolCallNeeded:
		return "tool_call_needed"
	default:
		return "error"
	}
}

// ToolCallRecord is a tool call with its arguments as JSON text.
type ToolCallRecord struct {
	ID            string `json:"id"`
	ToolName      string `json:"tool_name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// StepRecord reports the outcome of one reply step. Message carries the
// assistant text when complete and the failure text on error.
type StepRecord struct {
	Status   ReplyStatus     `json:"status"`
	Message  string          `json:"message,omitempty"`
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
}

// AsyncResult reports whether a non-blocking operation was accepted.
type AsyncResult struct {
	Succeeded    bool   `json:"succeeded"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MessageRecord is one streamed message. Content holds the message as JSON.
// Error is set instead when the turn failed.
type MessageRecord struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExtensionRecord bundles tool declarations with instructions.
type ExtensionRecord struct {
	Name         string        `json:"name"`
	Instructions string        `json:"instructions"`
	Tools        []tool.Schema `json:"tools"`
}

// CompletionRecord is the input of a stateless completion.
type CompletionRecord struct {
	Provider       ProviderConfigRecord `json:"provider"`
	SystemPreamble string               `json:"system_preamble"`
	Messages       []*message.Message   `json:"messages"`
	Extensions     []ExtensionRecord    `json:"extensions,omitempty"`
}

func stepRecord(res reply.Result) StepRecord {
	switch res.Status {
	case reply.StatusComplete:
		return StepRecord{Status: ReplyStatusComplete, Message: res.Message.Text()}
	case reply.StatusToolCallNeeded:
		call := *res.ToolCall
		return StepRecord{
			Status: ReplyStatusToolCallNeeded,
			ToolCall: &ToolCallRecord{
				ID:            call.ID,
				ToolName:      call.Name,
				ArgumentsJSON: call.ArgumentsJSON(),
			},
		}
	default:
		return errorStep(res.Err)
	}
}

func errorStep(err error) StepRecord {
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	return StepRecord{Status: ReplyStatusError, Message: text}
}

func asyncResult(err error) AsyncResult {
	if err != nil {
		return AsyncResult{ErrorMessage: err.Error()}
	}
	return AsyncResult{Succeeded: true}
}

func messageRecord(msg *message.Message) (*MessageRecord, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, errorskg.New(errorskg.KindProtocol, "stream_next", fmt.Errorf("encode message: %w", err))
	}
	return &MessageRecord{Role: string(msg.Role), Content: string(raw)}, nil
}

// ToolCallback executes a tool for the host. It receives the tool name and
// the call arguments as a JSON object.
type ToolCallback func(name, argumentsJSON string) (string, error)

// decodeTools parses a JSON array of tool declarations. With a nil callback
// the tools have no handlers.
func decodeTools(toolsJSON string, callback ToolCallback) ([]*tool.Tool, error) {
	const op = "register_tools"
	var schemas []tool.Schema
	if err := json.Unmarshal([]byte(toolsJSON), &schemas); err != nil {
		return nil, errorskg.New(errorskg.KindValidation, op, fmt.Errorf("%w: %w", errorskg.ErrMalformedPayload, err))
	}
	tools := make([]*tool.Tool, 0, len(schemas))
	for _, s := range schemas {
		t, err := tool.New(s, handlerFor(s.Name, callback))
		if err != nil {
			return nil, errorskg.New(errorskg.KindValidation, op, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

func handlerFor(name string, callback ToolCallback) tool.Handler {
	if callback == nil {
		return nil
	}
	return func(ctx context.Context, args map[string]any) (string, error) {
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		return callback(name, string(raw))
	}
}

// decodeConversation builds a history from messages plus tool requests and
// responses supplied out of band. Each request is followed by its response
// when one with the same id exists.
func decodeConversation(messagesJSON, requestsJSON, responsesJSON string) ([]*message.Message, error) {
	const op = "reply_non_yielding"
	var (
		history   []*message.Message
		requests  []message.ToolCall
		responses []message.ToolResult
	)
	for _, in := range []struct {
		raw string
		dst any
	}{{messagesJSON, &history}, {requestsJSON, &requests}, {responsesJSON, &responses}} {
		if in.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(in.raw), in.dst); err != nil {
			return nil, errorskg.New(errorskg.KindValidation, op, fmt.Errorf("%w: %w", errorskg.ErrMalformedPayload, err))
		}
	}

	byID := make(map[string]message.ToolResult, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}
	for _, call := range requests {
		history = append(history, message.NewToolRequestMessage("", call))
		if r, ok := byID[call.ID]; ok {
			if r.Name == "" {
				r.Name = call.Name
			}
			history = append(history, message.NewToolResponseMessage(r))
			delete(byID, call.ID)
		}
	}
	if len(byID) > 0 {
		return nil, errorskg.New(errorskg.KindValidation, op,
			fmt.Errorf("tool responses without a matching request: %w", errorskg.ErrUnknownToolCallID))
	}
	return history, nil
}
