package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/completion"
	"github.com/sweetpotato0/agentstep/config"
	"github.com/sweetpotato0/agentstep/contrib/provider/mock"
	"github.com/sweetpotato0/agentstep/contrib/session/inmemory"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/handle"
	"github.com/sweetpotato0/agentstep/message"
)

const calculatorJSON = `[{"name":"calculator","description":"Adds two numbers","inputSchema":{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}}]`

var addArgs = map[string]any{"a": 5.0, "b": 3.0}

func newRuntime(t *testing.T, replies ...mock.Reply) (*Runtime, *mock.Provider, Handle) {
	t.Helper()
	p := mock.New(mock.Config{}, replies...)
	r := NewRuntime(WithAgentOptions(agent.WithProvider(p)))
	t.Cleanup(func() { r.Close() })

	h, err := r.AgentNew(ProviderConfigRecord{Provider: completion.ProviderMock})
	if err != nil {
		t.Fatalf("AgentNew: %v", err)
	}
	if err := r.AgentRegisterTools(h, calculatorJSON, "", "", nil); err != nil {
		t.Fatalf("AgentRegisterTools: %v", err)
	}
	return r, p, h
}

func TestAgentLifecycle(t *testing.T) {
	r := NewRuntime()
	defer r.Close()

	h, err := r.AgentNew(ProviderConfigRecord{Provider: completion.ProviderMock})
	if err != nil {
		t.Fatalf("AgentNew: %v", err)
	}
	if err := r.AgentFree(handle.Null); err != nil {
		t.Fatalf("AgentFree(Null): %v", err)
	}
	if err := r.AgentFree(h); err != nil {
		t.Fatalf("AgentFree: %v", err)
	}
	if err := r.AgentFree(h); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Fatalf("second free should report a stale handle, got %v", err)
	}
	if _, err := r.AgentSendMessage(h, "hi"); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Fatalf("freed agent should be unusable, got %v", err)
	}
}

func TestAgentNewErrors(t *testing.T) {
	t.Setenv(config.EnvOpenAIKey, "")
	r := NewRuntime()
	defer r.Close()

	tests := []struct {
		name string
		cfg  ProviderConfigRecord
		want error
	}{
		{"unsupported", ProviderConfigRecord{Provider: "bogus"}, errorskg.ErrUnsupportedProvider},
		{"missing key", ProviderConfigRecord{Provider: completion.ProviderOpenAI}, errorskg.ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.AgentNew(tt.cfg)
			if !errors.Is(err, tt.want) || errorskg.KindOf(err) != errorskg.KindConfiguration {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !h.IsNull() {
				t.Errorf("failed AgentNew returned %s", h)
			}
		})
	}
}

func TestRegisterToolsErrors(t *testing.T) {
	r, _, h := newRuntime(t)

	if err := r.AgentRegisterTools(h, calculatorJSON, "", "", nil); !errors.Is(err, errorskg.ErrDuplicateTool) {
		t.Errorf("expected duplicate tool, got %v", err)
	}
	if err := r.AgentRegisterTools(h, `{"name":`, "", "", nil); !errors.Is(err, errorskg.ErrMalformedPayload) {
		t.Errorf("expected malformed payload, got %v", err)
	}
	ext := strings.Replace(calculatorJSON, "calculator", "multiply", 1)
	if err := r.AgentRegisterTools(h, ext, "math", "Use these for arithmetic.", nil); err != nil {
		t.Errorf("extension registration failed: %v", err)
	}
}

func TestSendMessageRunsCallback(t *testing.T) {
	p := mock.New(mock.Config{}, mock.ToolCall("t1", "calculator", addArgs), mock.Text("8"))
	r := NewRuntime(WithAgentOptions(agent.WithProvider(p)))
	defer r.Close()

	h, err := r.AgentNew(ProviderConfigRecord{Provider: completion.ProviderMock})
	if err != nil {
		t.Fatalf("AgentNew: %v", err)
	}
	var got []string
	err = r.AgentRegisterTools(h, calculatorJSON, "", "", func(name, argumentsJSON string) (string, error) {
		got = append(got, name+" "+argumentsJSON)
		return `{"result":8}`, nil
	})
	if err != nil {
		t.Fatalf("AgentRegisterTools: %v", err)
	}

	answer, err := r.AgentSendMessage(h, "What is 5+3?")
	if err != nil {
		t.Fatalf("AgentSendMessage: %v", err)
	}
	if answer != "8" {
		t.Errorf("unexpected answer %q", answer)
	}
	if len(got) != 1 || got[0] != `calculator {"a":5,"b":3}` {
		t.Fatalf("unexpected callback invocations %q", got)
	}
	calls := p.Calls()
	last := calls[len(calls)-1].Messages
	if out := last[len(last)-1].ToolResults(); len(out) != 1 || out[0].Output != `{"result":8}` {
		t.Errorf("tool result not sent back to the model: %+v", out)
	}
}

func TestReplyStepwise(t *testing.T) {
	r, p, h := newRuntime(t, mock.ToolCall("t1", "calculator", addArgs), mock.Text("8"))

	rh, err := r.ReplyBegin(h, "What is 5+3?")
	if err != nil {
		t.Fatalf("ReplyBegin: %v", err)
	}

	step, err := r.ReplyStep(rh)
	if err != nil {
		t.Fatalf("ReplyStep: %v", err)
	}
	if step.Status != ReplyStatusToolCallNeeded || step.ToolCall == nil {
		t.Fatalf("expected tool call, got %+v", step)
	}
	if step.ToolCall.ID != "t1" || step.ToolCall.ToolName != "calculator" || step.ToolCall.ArgumentsJSON != `{"a":5,"b":3}` {
		t.Fatalf("unexpected tool call %+v", step.ToolCall)
	}

	if _, err := r.ReplySubmitToolResult(rh, "bogus", "8"); !errors.Is(err, errorskg.ErrUnknownToolCallID) {
		t.Fatalf("expected unknown tool call id, got %v", err)
	}
	next, err := r.ReplySubmitToolResult(rh, "t1", `{"result":8}`)
	if err != nil {
		t.Fatalf("ReplySubmitToolResult: %v", err)
	}

	step, err = r.ReplyStep(next)
	if err != nil {
		t.Fatalf("ReplyStep: %v", err)
	}
	if step.Status != ReplyStatusComplete || step.Message != "8" {
		t.Fatalf("expected final answer 8, got %+v", step)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("expected 2 provider calls, got %d", n)
	}

	step, _ = r.ReplyStep(next)
	if step.Status != ReplyStatusError || !strings.Contains(step.Message, errorskg.ErrSessionTerminated.Error()) {
		t.Errorf("stepping a finished session should report an error, got %+v", step)
	}

	if err := r.ReplyFree(next); err != nil {
		t.Fatalf("ReplyFree: %v", err)
	}
	if err := r.ReplyFree(next); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Errorf("second free should fail, got %v", err)
	}
	if err := r.ReplyFree(handle.Null); err != nil {
		t.Errorf("ReplyFree(Null): %v", err)
	}
}

func TestReplyFreeReleasesSession(t *testing.T) {
	p := mock.New(mock.Config{}, mock.ToolCall("t1", "calculator", addArgs))
	r := NewRuntime(WithAgentOptions(agent.WithProvider(p), agent.WithStore(inmemory.NewInMemoryStore())))
	defer r.Close()

	h, err := r.AgentNew(ProviderConfigRecord{Provider: completion.ProviderMock})
	if err != nil {
		t.Fatalf("AgentNew: %v", err)
	}
	a, err := r.agents.Get(h)
	if err != nil {
		t.Fatalf("agent handle: %v", err)
	}

	rh, err := r.ReplyBegin(h, "What is 5+3?")
	if err != nil {
		t.Fatalf("ReplyBegin: %v", err)
	}
	if n := a.Sessions().Len(); n != 1 {
		t.Fatalf("expected 1 live session, got %d", n)
	}
	if err := r.ReplyFree(rh); err != nil {
		t.Fatalf("ReplyFree: %v", err)
	}
	if n := a.Sessions().Len(); n != 0 {
		t.Errorf("freed session is still tracked, %d live", n)
	}
}

func TestReplyFailureIsReported(t *testing.T) {
	r, _, h := newRuntime(t, mock.Error(errors.New("connection reset")))

	rh, err := r.ReplyBegin(h, "hello")
	if err != nil {
		t.Fatalf("ReplyBegin: %v", err)
	}
	step, err := r.ReplyStep(rh)
	if err != nil {
		t.Fatalf("ReplyStep: %v", err)
	}
	if step.Status != ReplyStatusError || !strings.Contains(step.Message, "connection reset") {
		t.Fatalf("expected error step with reason, got %+v", step)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	r, _, h := newRuntime(t, mock.ToolCall("t1", "calculator", addArgs), mock.Text("8"))

	sh, err := r.StreamNew(h)
	if err != nil {
		t.Fatalf("StreamNew: %v", err)
	}
	if _, ok := r.StreamNext(sh); ok {
		t.Fatal("StreamNext before any message should report nothing")
	}

	if res := r.StreamSendMessage(sh, "What is 5+3?"); !res.Succeeded {
		t.Fatalf("StreamSendMessage: %s", res.ErrorMessage)
	}
	rec, ok := r.StreamNext(sh)
	if !ok || rec.Error != "" {
		t.Fatalf("expected tool request, got %+v", rec)
	}
	var msg message.Message
	if err := json.Unmarshal([]byte(rec.Content), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	calls := msg.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "t1" {
		t.Fatalf("unexpected tool request %+v", calls)
	}

	if res := r.StreamSubmitToolResult(sh, "t2", "8"); res.Succeeded || res.ErrorMessage == "" {
		t.Fatalf("mismatched id should be rejected with text, got %+v", res)
	}
	if res := r.StreamSubmitToolResult(sh, "t1", `{"result":8}`); !res.Succeeded {
		t.Fatalf("StreamSubmitToolResult: %s", res.ErrorMessage)
	}

	rec, ok = r.StreamNext(sh)
	if !ok || rec.Role != string(message.RoleAssistant) {
		t.Fatalf("expected final answer, got %+v", rec)
	}
	if _, ok := r.StreamNext(sh); ok {
		t.Fatal("expected end of turn")
	}

	if err := r.StreamFree(sh); err != nil {
		t.Fatalf("StreamFree: %v", err)
	}
	if res := r.StreamSendMessage(sh, "again"); res.Succeeded {
		t.Fatal("freed stream should reject messages")
	}
}

func TestAgentReplyNonYielding(t *testing.T) {
	r, p, h := newRuntime(t, mock.Text("8"))

	messages := `[{"id":"m1","role":"user","content":[{"type":"text","text":"What is 5+3?"}]}]`
	requests := `[{"id":"t1","name":"calculator","arguments":{"a":5,"b":3}}]`
	responses := `[{"id":"t1","output":"{\"result\":8}"}]`

	got, err := r.AgentReplyNonYielding(h, messages, requests, responses)
	if err != nil {
		t.Fatalf("AgentReplyNonYielding: %v", err)
	}
	if got != "8" {
		t.Fatalf("unexpected answer %q", got)
	}
	if n := len(p.Calls()[0].Messages); n != 3 {
		t.Errorf("expected 3 messages sent, got %d", n)
	}

	_, err = r.AgentReplyNonYielding(h, messages, "[]", responses)
	if !errors.Is(err, errorskg.ErrUnknownToolCallID) {
		t.Errorf("orphan response should be rejected, got %v", err)
	}
}

func TestCompletion(t *testing.T) {
	r := NewRuntime()
	defer r.Close()

	got, err := r.Completion(CompletionRecord{
		Provider:       ProviderConfigRecord{Provider: completion.ProviderMock},
		SystemPreamble: "Be brief.",
		Messages:       []*message.Message{message.NewMessage(message.RoleUser, "hi")},
		Extensions: []ExtensionRecord{{
			Name:         "math",
			Instructions: "Use math tools.",
		}},
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if !strings.HasPrefix(got, "This is a mock response to: 'hi'") || !strings.Contains(got, "Use math tools.") {
		t.Errorf("unexpected completion %q", got)
	}

	_, err = r.Completion(CompletionRecord{Provider: ProviderConfigRecord{Provider: completion.ProviderMock}})
	if errorskg.KindOf(err) != errorskg.KindValidation {
		t.Errorf("expected validation error without messages, got %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	r, _, h := newRuntime(t)
	sh, err := r.StreamNew(h)
	if err != nil {
		t.Fatalf("StreamNew: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.AgentSendMessage(h, "hi"); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Errorf("agent handle should be stale after Close, got %v", err)
	}
	if err := r.StreamFree(sh); !errors.Is(err, errorskg.ErrStaleHandle) {
		t.Errorf("stream handle should be stale after Close, got %v", err)
	}
}
