// Package reply drives one conversation through completion calls and tool
// results while keeping at most one tool call outstanding.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/tool"
)

// Status is the externally reported result of a step.
type Status int

const (
	StatusComplete Status = iota
	StatusToolCallNeeded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusToolCallNeeded:
		return "tool_call_needed"
	default:
		return "error"
	}
}

// Result reports where a session stands after Begin or Step.
type Result struct {
	Status   Status
	Message  *message.Message
	ToolCall *message.ToolCall
	Err      error
	Usage    completion.Usage
}

func resultOf(st State, usage completion.Usage) Result {
	switch st.Phase() {
	case PhaseComplete:
		return Result{Status: StatusComplete, Message: st.Final(), Usage: usage}
	case PhaseAwaitingToolResult:
		call, _ := st.Pending()
		return Result{Status: StatusToolCallNeeded, ToolCall: &call, Usage: usage}
	default:
		return Result{Status: StatusError, Err: st.Err(), Usage: usage}
	}
}

// Recorder persists a session snapshot after each transition.
type Recorder interface {
	Save(ctx context.Context, rec Record) error
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id; a random one is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

func WithModel(model string) Option {
	return func(s *Session) {
		s.model = model
	}
}

// WithSystemPreamble sets the preamble of every completion request.
func WithSystemPreamble(preamble string) Option {
	return func(s *Session) {
		s.preamble = preamble
	}
}

// WithTools sets the tool schemas offered to the model. The slice is copied.
func WithTools(schemas ...tool.Schema) Option {
	return func(s *Session) {
		s.tools = append([]tool.Schema(nil), schemas...)
	}
}

// WithExtensions sets the extensions offered to the model.
func WithExtensions(exts ...tool.Extension) Option {
	return func(s *Session) {
		s.extensions = append([]tool.Extension(nil), exts...)
	}
}

// WithHistory seeds the conversation with earlier messages. Tool results in
// the seed count as resolved.
func WithHistory(history []*message.Message) Option {
	return func(s *Session) {
		s.history = message.CloneMessages(history)
	}
}

// WithRecorder saves a Record after every transition.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session owns one conversation and holds exactly one State. Calls are
// serialized by an internal mutex; Close may be called concurrently with a
// step in flight and cancels it.
type Session struct {
	id         string
	gateway    completion.Gateway
	model      string
	preamble   string
	tools      []tool.Schema
	extensions []tool.Extension
	recorder   Recorder
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	history  []*message.Message
	resolved map[string]bool
	usage    completion.Usage

	closed   atomic.Bool
	cancelMu sync.Mutex
	inflight context.CancelFunc
}

// New creates an idle session over gateway.
func New(gateway completion.Gateway, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		gateway:  gateway,
		state:    Idle(),
		resolved: make(map[string]bool),
		logger:   logging.WithComponent("reply"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, msg := range s.history {
		s.markResolved(msg)
	}
	s.logger = s.logger.With("session_id", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

// State returns the current state value.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return message.CloneMessages(s.history)
}

// Usage returns the token usage accumulated over all completions.
func (s *Session) Usage() completion.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Begin appends a user message and runs the first completion.
func (s *Session) Begin(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, errorskg.New(errorskg.KindValidation, "begin",
			fmt.Errorf("message text is empty: %w", errorskg.ErrInvalidInput))
	}
	return s.Start(ctx, message.NewMessage(message.RoleUser, text))
}

// Start is Begin for arbitrary messages, e.g. a history that already holds
// resolved tool requests and responses.
func (s *Session) Start(ctx context.Context, msgs ...*message.Message) (Result, error) {
	const op = "begin"
	if len(msgs) == 0 {
		return Result{}, errorskg.New(errorskg.KindValidation, op,
			fmt.Errorf("no messages: %w", errorskg.ErrInvalidInput))
	}
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return Result{}, errorskg.New(errorskg.KindValidation, op, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Result{}, errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionClosed)
	}

	next, err := s.state.Start()
	if err != nil {
		return Result{}, err
	}
	for _, msg := range msgs {
		s.history = append(s.history, message.Clone(msg))
		s.markResolved(msg)
	}
	s.transition(ctx, next)
	return s.advance(ctx)
}

// Step runs the next completion. While a tool result is outstanding it
// reports the pending call again without contacting the provider.
//
// The error is non-nil only when the call is rejected and the state did not
// change; a failed completion is reported as a StatusError result.
func (s *Session) Step(ctx context.Context) (Result, error) {
	const op = "step"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return Result{}, errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionClosed)
	}

	switch phase := s.state.Phase(); {
	case phase == PhaseIdle:
		return Result{}, errorskg.New(errorskg.KindSessionState, op, errorskg.ErrNotStarted)
	case phase.Terminal():
		return Result{}, errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionTerminated)
	case phase == PhaseAwaitingToolResult:
		return resultOf(s.state, completion.Usage{}), nil
	}
	return s.advance(ctx)
}

// SubmitToolResult resolves the outstanding call with raw output. Output
// that looks like JSON must be valid JSON.
func (s *Session) SubmitToolResult(ctx context.Context, id, raw string) error {
	result, err := message.ParseToolResult(id, raw)
	if err != nil {
		return errorskg.New(errorskg.KindValidation, "submit_tool_result", err)
	}
	return s.Submit(ctx, result)
}

// Submit resolves the outstanding call. A mismatched id fails with
// ErrUnknownToolCallID and leaves the session untouched.
func (s *Session) Submit(ctx context.Context, result message.ToolResult) error {
	const op = "submit_tool_result"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionClosed)
	}

	pending, _ := s.state.Pending()
	next, err := s.state.Resolve(result.ID)
	if err != nil {
		s.logger.Debug("tool result rejected", "tool_call_id", result.ID, "error", err)
		return err
	}
	if result.Name == "" {
		result.Name = pending.Name
	}
	s.history = append(s.history, message.NewToolResponseMessage(result))
	s.resolved[result.ID] = true
	s.transition(ctx, next)
	return nil
}

// Snapshot captures the session as a Record.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close cancels any completion in flight and makes further calls fail with
// ErrSessionClosed. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancelMu.Lock()
	if s.inflight != nil {
		s.inflight()
	}
	s.cancelMu.Unlock()
	s.logger.Debug("session closed")
	return nil
}

// advance performs one completion call. Callers hold s.mu and have checked
// that the state awaits a completion.
func (s *Session) advance(ctx context.Context) (Result, error) {
	callCtx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.inflight = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.inflight = nil
		s.cancelMu.Unlock()
		cancel()
	}()

	if s.closed.Load() {
		return Result{}, errorskg.New(errorskg.KindCancelled, "step", errorskg.ErrCancelled)
	}

	out := s.gateway.Complete(callCtx, &completion.Request{
		Model:          s.model,
		SystemPreamble: s.preamble,
		Messages:       s.history,
		Tools:          s.tools,
		Extensions:     s.extensions,
	})

	// results of a call interrupted by Close are discarded
	if s.closed.Load() {
		return Result{}, errorskg.New(errorskg.KindCancelled, "step", errorskg.ErrCancelled)
	}

	if out.Kind == completion.KindToolCall && out.ToolCall != nil && s.resolved[out.ToolCall.ID] {
		out = completion.Failed(errorskg.New(errorskg.KindProtocol, "step",
			fmt.Errorf("tool call %q was already resolved: %w", out.ToolCall.ID, errorskg.ErrUnknownToolCallID)))
	}

	switch out.Kind {
	case completion.KindAssistant, completion.KindToolCall:
		if out.Message != nil {
			s.history = append(s.history, message.Clone(out.Message))
		}
	}
	s.usage = s.usage.Add(out.Usage)
	s.transition(ctx, s.state.Apply(out))
	res := resultOf(s.state, out.Usage)
	if res.Status == StatusToolCallNeeded {
		res.Message = out.Message
	}
	return res, nil
}

func (s *Session) transition(ctx context.Context, next State) {
	prev := s.state
	s.state = next
	if next.Phase() == PhaseFailed {
		s.logger.Warn("session failed", "from", prev.Phase(), "reason", next.Err())
	} else {
		s.logger.Debug("session transition", "from", prev.Phase(), "to", next)
	}
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Save(context.WithoutCancel(ctx), s.snapshot()); err != nil {
		s.logger.Warn("failed to record session", "error", err)
	}
}

func (s *Session) markResolved(msg *message.Message) {
	if msg == nil {
		return
	}
	for _, r := range msg.ToolResults() {
		s.resolved[r.ID] = true
	}
}

func (s *Session) snapshot() Record {
	rec := Record{
		ID:        s.id,
		Phase:     s.state.Phase(),
		History:   message.CloneMessages(s.history),
		Usage:     s.usage,
		UpdatedAt: time.Now().UTC(),
	}
	if call, ok := s.state.Pending(); ok {
		rec.Pending = &call
	}
	for id := range s.resolved {
		rec.Resolved = append(rec.Resolved, id)
	}
	sort.Strings(rec.Resolved)
	if err := s.state.Err(); err != nil {
		rec.Reason = err.Error()
		rec.ErrorKind = errorskg.KindOf(err).String()
	}
	return rec
}

// IsTerminal reports whether err means the session cannot make progress.
func IsTerminal(err error) bool {
	return errors.Is(err, errorskg.ErrSessionTerminated) || errors.Is(err, errorskg.ErrSessionClosed)
}
