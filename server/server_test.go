package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/completion"
	"github.com/sweetpotato0/agentstep/config"
	"github.com/sweetpotato0/agentstep/contrib/provider/mock"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/runtime"
	"github.com/sweetpotato0/agentstep/tool"
)

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...runtime.Option) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Provider = completion.ProviderConfig{Provider: completion.ProviderMock}
	if mutate != nil {
		mutate(cfg)
	}
	rt, err := runtime.Build(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("runtime.Build: %v", err)
	}
	ts := httptest.NewServer(New(rt, cfg.Server).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Close(context.Background())
	})
	return ts, cfg
}

func do(t *testing.T, method, url, body string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

func TestHealth(t *testing.T) {
	ts, cfg := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var h healthResponse
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.Agent != cfg.Agent.Name || h.Sessions != nil {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestComplete(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"answers", `{"input":"hello"}`, http.StatusOK, "This is a mock response to: 'hello'"},
		{"keeps session id", `{"sessionId":"s-42","input":"hi"}`, http.StatusOK, `"sessionId":"s-42"`},
		{"blank input", `{"input":"  "}`, http.StatusBadRequest, `"kind":"validation"`},
		{"malformed body", `{"input":`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/v1/complete", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body %q does not contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestSessionsWithoutBackend(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		url := ts.URL + "/v1/sessions/abc"
		if resp, _ := do(t, method, url, ""); resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s %s = %d, want 503", method, url, resp.StatusCode)
		}
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/v1/sessions", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("list = %d, want 503", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) { c.Session.Backend = config.BackendMemory })

	if resp, body := do(t, http.MethodPost, ts.URL+"/v1/complete", `{"sessionId":"s1","input":"hello"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d: %s", resp.StatusCode, body)
	}
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/complete", `{"sessionId":"s1","input":"and again"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second complete = %d: %s", resp.StatusCode, body)
	}
	var turn struct {
		Messages []*message.Message `json:"messages"`
	}
	if err := json.Unmarshal([]byte(body), &turn); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if len(turn.Messages) != 4 || turn.Messages[0].Text() != "hello" || turn.Messages[2].Text() != "and again" {
		t.Fatalf("second turn should continue the conversation, got %d messages: %s", len(turn.Messages), body)
	}

	_, body = do(t, http.MethodGet, ts.URL+"/v1/sessions", "")
	if !strings.Contains(body, `"s1"`) {
		t.Fatalf("list does not include s1: %s", body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/v1/sessions/s1", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"phase"`) {
		t.Fatalf("get = %d: %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/sessions/s1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/v1/sessions/s1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/sessions/s1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) { c.Server.BearerToken = "secret" })

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPost, ts.URL+"/v1/complete", `{"input":"hello"}`, tt.header...)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require auth, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = true })

	do(t, http.MethodPost, ts.URL+"/v1/complete", `{"input":"hello"}`)
	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(body, `agentstep_completion_requests_total{outcome="ok"} 1`) {
		t.Errorf("metrics output is missing the completion counter:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	if resp, _ := do(t, http.MethodGet, ts.URL+"/metrics", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("metrics = %d, want 404", resp.StatusCode)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestStream(t *testing.T) {
	calc, err := tool.New(tool.MustSchema("calculator", "Adds two numbers",
		tool.Parameter{Name: "a", Type: "number", Required: true},
		tool.Parameter{Name: "b", Type: "number", Required: true},
	), func(_ context.Context, args map[string]any) (string, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return fmt.Sprintf("%g", a+b), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	lookup, err := tool.New(tool.MustSchema("lookup", "Answered by the client"), nil)
	if err != nil {
		t.Fatal(err)
	}
	p := mock.New(mock.Config{},
		mock.ToolCall("t1", "calculator", map[string]any{"a": 5.0, "b": 3.0}),
		mock.ToolCall("t2", "lookup", map[string]any{}),
		mock.Text("done"),
	)
	ts, _ := newTestServer(t, nil, runtime.WithAgentOptions(agent.WithProvider(p), agent.WithTool(calc, lookup)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeFrame(t, ctx, conn, Frame{Type: FrameMessage, Text: "add then look up"})

	first := readFrame(t, ctx, conn)
	if first.Type != FrameMessage || len(first.Message.ToolCalls()) != 1 || first.Message.ToolCalls()[0].ID != "t1" {
		t.Fatalf("expected the t1 request, got %+v", first)
	}
	second := readFrame(t, ctx, conn)
	if second.Type != FrameMessage || len(second.Message.ToolCalls()) != 1 || second.Message.ToolCalls()[0].ID != "t2" {
		t.Fatalf("expected the t2 request, got %+v", second)
	}

	writeFrame(t, ctx, conn, Frame{Type: FrameToolResult, Result: &message.ToolResult{ID: "bogus", Output: "x"}})
	if f := readFrame(t, ctx, conn); f.Type != FrameError {
		t.Fatalf("expected an error for an unknown call id, got %+v", f)
	}

	writeFrame(t, ctx, conn, Frame{Type: FrameToolResult, Result: &message.ToolResult{ID: "t2", Output: "found"}})
	if f := readFrame(t, ctx, conn); f.Type != FrameMessage || f.Message.Text() != "done" {
		t.Fatalf("expected the final answer, got %+v", f)
	}
	if f := readFrame(t, ctx, conn); f.Type != FrameEndOfTurn {
		t.Fatalf("expected end of turn, got %+v", f)
	}

	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 completion calls, got %d", len(calls))
	}
}
