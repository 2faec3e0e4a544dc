package gemini

import (
	"context"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/tool"
)

func TestBuildContents(t *testing.T) {
	call := message.ToolCall{ID: "call_1", Name: "calculator", Arguments: map[string]any{"a": 5.0}}
	history := []*message.Message{
		message.NewMessage(message.RoleUser, "What is 5+3?"),
		message.NewToolRequestMessage("Calculating.", call),
		message.NewToolResponseMessage(message.ToolResult{ID: "call_1", Output: `{"result":8}`}),
		message.NewMessage(message.RoleUser, "thanks"),
	}

	contents := buildContents(history)
	if len(contents) != 3 {
		t.Fatalf("expected user/model/user turns, got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("expected model role, got %s", contents[1].Role)
	}
	if fc, ok := contents[1].Parts[1].(genai.FunctionCall); !ok || fc.Name != "calculator" {
		t.Errorf("expected function call part, got %#v", contents[1].Parts[1])
	}

	// tool response and follow-up text merge into one user turn
	if len(contents[2].Parts) != 2 {
		t.Fatalf("expected merged user turn, got %d parts", len(contents[2].Parts))
	}
	fr, ok := contents[2].Parts[0].(genai.FunctionResponse)
	if !ok {
		t.Fatalf("expected function response, got %#v", contents[2].Parts[0])
	}
	if fr.Name != "calculator" || fr.Response["result"] != 8.0 {
		t.Errorf("unexpected function response %+v", fr)
	}
}

func TestResponsePayload(t *testing.T) {
	tests := []struct {
		name   string
		result message.ToolResult
		key    string
		want   any
	}{
		{"object output", message.ToolResult{Output: `{"ok":true}`}, "ok", true},
		{"plain output", message.ToolResult{Output: "8"}, "content", "8"},
		{"error output", message.ToolResult{Output: "boom", IsError: true}, "error", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := responsePayload(tt.result)
			if got[tt.key] != tt.want {
				t.Errorf("expected %s=%v, got %v", tt.key, tt.want, got)
			}
		})
	}
}

func TestBuildDeclarations(t *testing.T) {
	s := tool.MustSchema("tagger", "tags things",
		tool.Parameter{Name: "tags", Type: tool.TypeArray, Required: true},
		tool.Parameter{Name: "limit", Type: tool.TypeInteger},
	)
	decls := buildDeclarations([]tool.Schema{s, tool.MustSchema("ping", "")})
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	params := decls[0].Parameters
	if params.Properties["tags"].Type != genai.TypeArray || params.Properties["tags"].Items == nil {
		t.Errorf("array parameter should declare string items")
	}
	if params.Properties["limit"].Type != genai.TypeInteger {
		t.Errorf("unexpected limit type %v", params.Properties["limit"].Type)
	}
	if len(params.Required) != 1 || params.Required[0] != "tags" {
		t.Errorf("unexpected required %v", params.Required)
	}
	if decls[1].Parameters != nil {
		t.Errorf("parameterless tool should omit parameters")
	}
}

func TestParsePartsSynthesizesIDs(t *testing.T) {
	msg := parseParts([]genai.Part{
		genai.Text("ok"),
		genai.FunctionCall{Name: "calculator", Args: map[string]any{"a": 1.0}},
	})
	if msg.Text() != "ok" {
		t.Errorf("unexpected text %q", msg.Text())
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || !strings.HasPrefix(calls[0].ID, "call_") {
		t.Fatalf("expected synthesized call id, got %+v", calls)
	}
}

func TestCompleteWithoutMessages(t *testing.T) {
	p := New(DefaultConfig("key"))
	defer p.Close()
	if _, _, err := p.Complete(context.Background(), "", nil, nil); err == nil {
		t.Fatal("expected empty history to be rejected")
	}
}
