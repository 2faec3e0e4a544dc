package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

func TestCompleteToolUse(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [
				{"type": "text", "text": "Let me calculate."},
				{"type": "tool_use", "id": "toolu_1", "name": "calculator", "input": {"a": 5, "b": 3}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	p := New(&Config{APIKey: "test", BaseURL: srv.URL})
	calc := tool.MustSchema("calculator", "adds",
		tool.Parameter{Name: "a", Type: tool.TypeNumber, Required: true},
		tool.Parameter{Name: "b", Type: tool.TypeNumber, Required: true},
	)

	msg, usage, err := p.Complete(context.Background(), "be precise",
		[]*message.Message{message.NewMessage(message.RoleUser, "What is 5+3?")}, []tool.Schema{calc})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if msg.Text() != "Let me calculate." {
		t.Errorf("unexpected text %q", msg.Text())
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Arguments["b"] != 3.0 {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	if usage.TotalTokens != 15 {
		t.Errorf("expected total 15, got %d", usage.TotalTokens)
	}

	if req["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("expected default max tokens, got %v", req["max_tokens"])
	}
	system := req["system"].([]any)[0].(map[string]any)
	if system["text"] != "be precise" {
		t.Errorf("unexpected system block %v", system)
	}
	choice := req["tool_choice"].(map[string]any)
	if choice["disable_parallel_tool_use"] != true {
		t.Errorf("expected parallel tool use disabled, got %v", choice)
	}
}

func TestBuildMessages(t *testing.T) {
	call := message.ToolCall{ID: "toolu_1", Name: "calculator", Arguments: map[string]any{"a": 5}}
	history := []*message.Message{
		message.NewMessage(message.RoleUser, "What is 5+3?"),
		message.NewToolRequestMessage("", call),
		message.NewToolResponseMessage(message.ToolResult{ID: "toolu_1", Output: "8"}),
	}

	raw, err := json.Marshal(buildMessages(history))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(decoded))
	}

	roles := []string{"user", "assistant", "user"}
	for i, want := range roles {
		if decoded[i]["role"] != want {
			t.Errorf("message %d: expected role %s, got %v", i, want, decoded[i]["role"])
		}
	}
	use := decoded[1]["content"].([]any)[0].(map[string]any)
	if use["type"] != "tool_use" || use["id"] != "toolu_1" {
		t.Errorf("unexpected tool_use block %v", use)
	}
	result := decoded[2]["content"].([]any)[0].(map[string]any)
	if result["type"] != "tool_result" || result["tool_use_id"] != "toolu_1" {
		t.Errorf("unexpected tool_result block %v", result)
	}
}
