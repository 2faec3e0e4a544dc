package tiktoken

import (
	"testing"

	"github.com/sweetpotato0/agentstep/message"
)

func newTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewTiktokenTokenizer(DefaultEncoding)
	if err != nil {
		// encodings are fetched on first use
		t.Skipf("encoding unavailable: %v", err)
	}
	return tok
}

func TestCountTokens(t *testing.T) {
	tok := newTokenizer(t)

	ids := tok.Encode("hello world")
	if got := tok.CountTokens("hello world"); got != len(ids) {
		t.Errorf("CountTokens() = %d, want %d", got, len(ids))
	}
	if tok.CountTokens("") != 0 {
		t.Error("empty text should have no tokens")
	}
	if got := tok.DecodeIds(ids); got != "hello world" {
		t.Errorf("DecodeIds() = %q", got)
	}
}

func TestCountMessages(t *testing.T) {
	tok := newTokenizer(t)

	msgs := []*message.Message{
		message.NewMessage(message.RoleUser, "What is 5+3?"),
		message.NewToolRequestMessage("", message.ToolCall{ID: "t1", Name: "calculator", Arguments: map[string]any{"a": 5, "b": 3}}),
		message.NewToolResponseMessage(message.ToolResult{ID: "t1", Output: `{"result":8}`}),
	}
	got := tok.CountMessages(msgs)
	if got <= 3*perMessageOverhead {
		t.Errorf("CountMessages() = %d, expected content tokens on top of overhead", got)
	}
	if tok.CountMessages(nil) != 0 {
		t.Error("no messages should count zero")
	}
}
