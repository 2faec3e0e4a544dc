// Package bridge exposes agents, reply sessions and streams through flat
// records and integer handles, for hosts that cannot hold Go values.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/completion"
	"github.com/sweetpotato0/agentstep/config"
	providers "github.com/sweetpotato0/agentstep/contrib/provider"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/handle"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/stream"
	"github.com/sweetpotato0/agentstep/tool"
)

// Handle identifies an agent, reply session or stream owned by a Runtime.
type Handle = handle.Handle

// replyEntry holds a session and the result of the step already run but not
// yet reported.
type replyEntry struct {
	mu      sync.Mutex
	agent   *agent.Agent
	session *reply.Session
	pending *reply.Result
}

// Runtime owns every value reachable through a handle. Free operations
// accept the null handle and reject handles freed earlier.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	opts   []agent.Option

	agents  *handle.Table[*agent.Agent]
	replies *handle.Table[*replyEntry]
	streams *handle.Table[*stream.Stream]
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAgentOptions appends options to every agent the runtime creates.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(r *Runtime) {
		r.opts = append(r.opts, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRuntime creates an empty runtime.
func NewRuntime(opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logging.WithComponent("bridge"),
		agents:  handle.NewTable[*agent.Agent](),
		replies: handle.NewTable[*replyEntry](),
		streams: handle.NewTable[*stream.Stream](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AgentNew creates an agent for the provider described by cfg.
func (r *Runtime) AgentNew(cfg ProviderConfigRecord) (Handle, error) {
	cfg = config.ProviderFromEnv(cfg)
	opts := append([]agent.Option{agent.WithProviderConfig(cfg), agent.WithLogger(r.logger)}, r.opts...)
	a, err := agent.New(opts...)
	if err != nil {
		r.logger.Error("agent_new failed", "provider", cfg.Provider, "error", err)
		return handle.Null, err
	}
	h := r.agents.Insert(a)
	r.logger.Debug("agent created", "handle", h, "provider", cfg.Provider)
	return h, nil
}

// AgentFree releases an agent. Sessions and streams created from it stay
// usable until freed.
func (r *Runtime) AgentFree(h Handle) error {
	a, err := r.agents.Remove(h)
	if err != nil || a == nil {
		return err
	}
	return a.Close()
}

// AgentRegisterTools declares tools given as a JSON array of
// {"name","description","inputSchema"} objects. With an extension name the
// tools are grouped under that extension and its instructions. One-shot sends
// run the tools through callback; with a nil callback the host answers tool
// calls itself through the step-wise or streaming calls.
func (r *Runtime) AgentRegisterTools(h Handle, toolsJSON, extensionName, instructions string, callback ToolCallback) error {
	a, err := r.agents.Get(h)
	if err != nil {
		return err
	}
	tools, err := decodeTools(toolsJSON, callback)
	if err != nil {
		return err
	}
	if extensionName == "" && instructions == "" {
		return a.RegisterTools(tools...)
	}
	if extensionName == "" {
		extensionName = "tools"
	}
	return a.AddExtension(tool.Extension{Name: extensionName, Instructions: instructions, Tools: tools})
}

// AgentSendMessage runs a one-shot conversation and returns the final text.
func (r *Runtime) AgentSendMessage(h Handle, text string) (string, error) {
	a, err := r.agents.Get(h)
	if err != nil {
		return "", err
	}
	return a.Send(r.ctx, text)
}

// AgentReplyNonYielding completes a conversation whose tool requests and
// responses the caller already resolved. Each argument is a JSON array;
// requests and responses may be empty.
func (r *Runtime) AgentReplyNonYielding(h Handle, messagesJSON, requestsJSON, responsesJSON string) (string, error) {
	a, err := r.agents.Get(h)
	if err != nil {
		return "", err
	}
	history, err := decodeConversation(messagesJSON, requestsJSON, responsesJSON)
	if err != nil {
		return "", err
	}
	return a.CompleteHistory(r.ctx, history)
}

// ReplyBegin starts a step-wise session. The first completion runs now and
// its result is reported by the next ReplyStep.
func (r *Runtime) ReplyBegin(h Handle, text string) (Handle, error) {
	a, err := r.agents.Get(h)
	if err != nil {
		return handle.Null, err
	}
	sess, res, err := a.Begin(r.ctx, text)
	if err != nil {
		return handle.Null, err
	}
	return r.replies.Insert(&replyEntry{agent: a, session: sess, pending: &res}), nil
}

// ReplyStep reports the next step of a session. Failures of the session
// itself are reported in the record, not as an error.
func (r *Runtime) ReplyStep(h Handle) (StepRecord, error) {
	entry, err := r.replies.Get(h)
	if err != nil {
		return errorStep(err), err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.pending != nil {
		res := *entry.pending
		entry.pending = nil
		return stepRecord(res), nil
	}
	res, err := entry.session.Step(r.ctx)
	if err != nil {
		return errorStep(err), nil
	}
	return stepRecord(res), nil
}

// ReplySubmitToolResult supplies the result of the outstanding tool call.
// The session continues under the same handle, which is returned.
func (r *Runtime) ReplySubmitToolResult(h Handle, id, result string) (Handle, error) {
	entry, err := r.replies.Get(h)
	if err != nil {
		return handle.Null, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := entry.session.SubmitToolResult(r.ctx, id, result); err != nil {
		return handle.Null, err
	}
	entry.pending = nil
	return h, nil
}

// ReplyFree releases a reply session.
func (r *Runtime) ReplyFree(h Handle) error {
	entry, err := r.replies.Remove(h)
	if err != nil || entry == nil {
		return err
	}
	entry.agent.Release(entry.session)
	return nil
}

// StreamNew creates an idle stream over an agent.
func (r *Runtime) StreamNew(h Handle) (Handle, error) {
	a, err := r.agents.Get(h)
	if err != nil {
		return handle.Null, err
	}
	s, err := a.NewStream(r.ctx)
	if err != nil {
		return handle.Null, err
	}
	return r.streams.Insert(s), nil
}

// StreamSendMessage queues a user message without waiting for the model.
func (r *Runtime) StreamSendMessage(h Handle, text string) AsyncResult {
	s, err := r.streams.Get(h)
	if err != nil {
		return asyncResult(err)
	}
	return asyncResult(s.Send(text))
}

// StreamNext blocks for the next message. It reports false at the end of a
// turn, when nothing is running, or when the handle is unusable. A failed
// turn yields a record with Error set.
func (r *Runtime) StreamNext(h Handle) (*MessageRecord, bool) {
	s, err := r.streams.Get(h)
	if err != nil {
		r.logger.Warn("stream_next on unusable handle", "handle", h, "error", err)
		return nil, false
	}
	msg, err := s.Next(r.ctx)
	switch {
	case errors.Is(err, stream.ErrEndOfStream):
		return nil, false
	case errors.Is(err, stream.ErrFailed):
		return &MessageRecord{Role: "error", Error: err.Error()}, true
	case err != nil:
		r.logger.Debug("stream_next stopped", "handle", h, "error", err)
		return nil, false
	}
	rec, err := messageRecord(msg)
	if err != nil {
		return &MessageRecord{Role: "error", Error: err.Error()}, true
	}
	return rec, true
}

// StreamSubmitToolResult hands a tool result to a stream.
func (r *Runtime) StreamSubmitToolResult(h Handle, id, result string) AsyncResult {
	s, err := r.streams.Get(h)
	if err != nil {
		return asyncResult(err)
	}
	return asyncResult(s.SubmitToolResult(id, result))
}

// StreamFree releases a stream.
func (r *Runtime) StreamFree(h Handle) error {
	s, err := r.streams.Remove(h)
	if err != nil || s == nil {
		return err
	}
	return s.Close()
}

// Completion runs a single stateless completion. An assistant answer is
// returned as text; a tool call request is returned as the message JSON.
func (r *Runtime) Completion(rec CompletionRecord) (string, error) {
	const op = "completion"
	cfg := config.ProviderFromEnv(rec.Provider)
	provider, err := providers.New(cfg)
	if err != nil {
		return "", err
	}

	exts := make([]tool.Extension, 0, len(rec.Extensions))
	for _, e := range rec.Extensions {
		ext := tool.Extension{Name: e.Name, Instructions: e.Instructions}
		for _, s := range e.Tools {
			t, err := tool.New(s, nil)
			if err != nil {
				return "", errorskg.New(errorskg.KindValidation, op, err)
			}
			ext.Tools = append(ext.Tools, t)
		}
		exts = append(exts, ext)
	}
	if len(rec.Messages) == 0 {
		return "", errorskg.New(errorskg.KindValidation, op, fmt.Errorf("no messages: %w", errorskg.ErrInvalidInput))
	}
	for _, msg := range rec.Messages {
		if err := msg.Validate(); err != nil {
			return "", errorskg.New(errorskg.KindValidation, op, err)
		}
	}

	out := completion.New(provider, completion.WithLogger(r.logger)).Complete(r.ctx, &completion.Request{
		Model:          cfg.Model,
		SystemPreamble: rec.SystemPreamble,
		Messages:       rec.Messages,
		Extensions:     exts,
	})
	switch out.Kind {
	case completion.KindAssistant:
		return out.Message.Text(), nil
	case completion.KindToolCall:
		raw, err := json.Marshal(out.Message)
		if err != nil {
			return "", errorskg.New(errorskg.KindProtocol, op, err)
		}
		return string(raw), nil
	default:
		return "", out.Err
	}
}

// Close frees every live value and cancels blocked calls.
func (r *Runtime) Close() error {
	r.cancel()
	var errs []error
	for _, s := range r.streams.Drain() {
		errs = append(errs, s.Close())
	}
	for _, e := range r.replies.Drain() {
		errs = append(errs, e.session.Close())
	}
	for _, a := range r.agents.Drain() {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}
