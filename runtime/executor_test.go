package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/contrib/provider/mock"
	"github.com/sweetpotato0/agentstep/contrib/session/inmemory"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/tool"
)

func calculator(t *testing.T) *tool.Tool {
	t.Helper()
	schema := tool.MustSchema("calculator", "Adds two numbers",
		tool.Parameter{Name: "a", Type: "number", Required: true},
		tool.Parameter{Name: "b", Type: "number", Required: true},
	)
	calc, err := tool.New(schema, func(ctx context.Context, args map[string]any) (string, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return fmt.Sprintf(`{"result":%g}`, a+b), nil
	})
	if err != nil {
		t.Fatalf("tool.New: %v", err)
	}
	return calc
}

func newTestAgent(t *testing.T, replies ...mock.Reply) *agent.Agent {
	t.Helper()
	a, err := agent.New(
		agent.WithSystemPrompt("You are a test agent."),
		agent.WithProvider(mock.New(mock.Config{}, replies...)),
		agent.WithTool(calculator(t)),
		agent.WithMaxIterations(2),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAgentExecutorExecute(t *testing.T) {
	exec := NewAgentExecutor(newTestAgent(t,
		mock.ToolCall("t1", "calculator", map[string]any{"a": 5.0, "b": 3.0}),
		mock.Text("5 + 3 = 8"),
	))

	req := &Request{
		SessionID: "sess-1",
		Input:     "What is 5+3?",
		History: []*message.Message{
			message.NewMessage(message.RoleUser, "previous"),
			message.NewMessage(message.RoleAssistant, "noted"),
		},
	}

	result, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("executor failed: %v", err)
	}
	if result.SessionID != req.SessionID {
		t.Fatalf("expected session id %s, got %s", req.SessionID, result.SessionID)
	}
	if result.Output != "5 + 3 = 8" {
		t.Fatalf("unexpected output %q", result.Output)
	}
	// history, user, tool request, tool response, answer
	if got := len(result.Messages); got != 6 {
		t.Fatalf("expected 6 messages, got %d", got)
	}
	if result.ToolCalls != 1 {
		t.Errorf("expected 1 tool call, got %d", result.ToolCalls)
	}
	if result.LastMessage == nil || result.LastMessage.Role != message.RoleAssistant {
		t.Errorf("unexpected last message %+v", result.LastMessage)
	}
}

func TestAgentExecutorGeneratesSessionID(t *testing.T) {
	exec := NewAgentExecutor(newTestAgent(t))
	result, err := exec.Execute(context.Background(), &Request{Input: "ping"})
	if err != nil {
		t.Fatalf("executor failed: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestAgentExecutorRejectsBadRequests(t *testing.T) {
	exec := NewAgentExecutor(newTestAgent(t))
	tests := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"empty input", &Request{Input: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), tt.req)
			if errorskg.KindOf(err) != errorskg.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAgentExecutorToolLoopBound(t *testing.T) {
	var script []mock.Reply
	for i := 1; i <= 4; i++ {
		script = append(script, mock.ToolCall(fmt.Sprintf("t%d", i), "calculator", map[string]any{"a": 1.0, "b": 1.0}))
	}
	exec := NewAgentExecutor(newTestAgent(t, script...))

	_, err := exec.Execute(context.Background(), &Request{Input: "loop"})
	if errorskg.KindOf(err) != errorskg.KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func newStoredAgent(t *testing.T, replies ...mock.Reply) (*agent.Agent, *inmemory.InMemoryStore) {
	t.Helper()
	store := inmemory.NewInMemoryStore()
	a, err := agent.New(
		agent.WithProvider(mock.New(mock.Config{}, replies...)),
		agent.WithTool(calculator(t)),
		agent.WithStore(store),
	)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, store
}

func TestAgentExecutorContinuesStoredSession(t *testing.T) {
	a, store := newStoredAgent(t, mock.Text("one"), mock.Text("two"))
	exec := NewAgentExecutor(a)
	ctx := context.Background()

	if _, err := exec.Execute(ctx, &Request{SessionID: "s1", Input: "first"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	result, err := exec.Execute(ctx, &Request{SessionID: "s1", Input: "second"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}

	record, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"first", "one", "second", "two"}
	for name, history := range map[string][]*message.Message{"result": result.Messages, "stored": record.History} {
		if len(history) != len(want) {
			t.Fatalf("%s history has %d messages, want %d", name, len(history), len(want))
		}
		for i, text := range want {
			if got := history[i].Text(); got != text {
				t.Errorf("%s message %d = %q, want %q", name, i, got, text)
			}
		}
	}
	if n := a.Sessions().Len(); n != 0 {
		t.Errorf("expected finished turns to be released, %d sessions still live", n)
	}
}

func TestAgentExecutorRejectsUnfinishedSession(t *testing.T) {
	ctx := context.Background()
	failure := mock.Error(errorskg.New(errorskg.KindTransport, "complete", errors.New("connection reset")))
	tests := []struct {
		name     string
		replies  []mock.Reply
		setup    func(t *testing.T, a *agent.Agent, exec *AgentExecutor) string
		history  []*message.Message
		wantKind errorskg.Kind
		wantErr  error
	}{
		{
			name:    "history supplied for a stored session",
			replies: []mock.Reply{mock.Text("ok")},
			setup: func(t *testing.T, _ *agent.Agent, exec *AgentExecutor) string {
				if _, err := exec.Execute(ctx, &Request{SessionID: "s1", Input: "hello"}); err != nil {
					t.Fatalf("Execute: %v", err)
				}
				return "s1"
			},
			history:  []*message.Message{message.NewMessage(message.RoleUser, "other")},
			wantKind: errorskg.KindValidation,
			wantErr:  errorskg.ErrInvalidInput,
		},
		{
			name:    "failed session",
			replies: []mock.Reply{failure},
			setup: func(t *testing.T, _ *agent.Agent, exec *AgentExecutor) string {
				if _, err := exec.Execute(ctx, &Request{SessionID: "s1", Input: "hello"}); err == nil {
					t.Fatal("expected the scripted failure")
				}
				return "s1"
			},
			wantKind: errorskg.KindSessionState,
			wantErr:  errorskg.ErrSessionTerminated,
		},
		{
			name:    "tool result outstanding",
			replies: []mock.Reply{mock.ToolCall("t1", "calculator", map[string]any{"a": 1.0, "b": 2.0})},
			setup: func(t *testing.T, a *agent.Agent, _ *AgentExecutor) string {
				sess, res, err := a.Begin(ctx, "add")
				if err != nil || res.Status != reply.StatusToolCallNeeded {
					t.Fatalf("Begin: %v %v", res.Status, err)
				}
				return sess.ID()
			},
			wantKind: errorskg.KindSessionState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, store := newStoredAgent(t, tt.replies...)
			exec := NewAgentExecutor(a)

			id := tt.setup(t, a, exec)
			before, err := store.Load(ctx, id)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			_, err = exec.Execute(ctx, &Request{SessionID: id, Input: "again", History: tt.history})
			if errorskg.KindOf(err) != tt.wantKind {
				t.Fatalf("expected %s error, got %v", tt.wantKind, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			after, err := store.Load(ctx, id)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(after.History) != len(before.History) || after.Phase != before.Phase {
				t.Errorf("stored session changed: %d %s -> %d %s", len(before.History), before.Phase, len(after.History), after.Phase)
			}
		})
	}
}
