package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sweetpotato0/agentstep/agent"
	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/reply"
)

// Request captures the inputs required to execute a turn.
type Request struct {
	// SessionID names the session; a fresh id is generated when empty. A
	// stored session with this id is continued, so History must be empty.
	SessionID string
	Input     string
	History   []*message.Message
}

// TurnResult captures the outcome of a single executor run.
type TurnResult struct {
	SessionID   string             `json:"sessionId"`
	Output      string             `json:"output"`
	Messages    []*message.Message `json:"messages"`
	LastMessage *message.Message   `json:"lastMessage,omitempty"`
	ToolCalls   int                `json:"toolCalls"`
	Usage       completion.Usage   `json:"usage"`
	Duration    time.Duration      `json:"durationNs"`
}

// Executor defines the contract for runtime executors.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*TurnResult, error)
}

// AgentExecutor runs turns on reply sessions of an agent, answering tool
// calls with the agent's handlers.
type AgentExecutor struct {
	agent  *agent.Agent
	logger *slog.Logger
}

var _ Executor = (*AgentExecutor)(nil)

// NewAgentExecutor constructs a new runtime executor backed by a.
func NewAgentExecutor(a *agent.Agent) *AgentExecutor {
	if a == nil {
		panic("runtime: agent cannot be nil")
	}
	return &AgentExecutor{
		agent:  a,
		logger: logging.WithComponent("executor").With("executor", "agent"),
	}
}

// Execute runs one user turn over the request history.
func (e *AgentExecutor) Execute(ctx context.Context, req *Request) (*TurnResult, error) {
	const op = "execute"
	if req == nil {
		return nil, errorskg.New(errorskg.KindValidation, op, fmt.Errorf("request cannot be nil: %w", errorskg.ErrInvalidInput))
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, errorskg.New(errorskg.KindValidation, op, fmt.Errorf("input cannot be empty: %w", errorskg.ErrInvalidInput))
	}
	if err := e.agent.LoadTools(ctx); err != nil {
		return nil, err
	}

	history, err := e.priorHistory(ctx, req)
	if err != nil {
		return nil, err
	}
	opts := []reply.Option{reply.WithHistory(history)}
	if req.SessionID != "" {
		opts = append(opts, reply.WithID(req.SessionID))
	}
	sess := e.agent.NewSession(opts...)
	defer e.agent.Release(sess)

	e.logger.Info("executor running turn", "session_id", sess.ID(), "history", len(history))
	start := time.Now()
	res, err := sess.Begin(ctx, req.Input)
	if err != nil {
		return nil, err
	}
	last, err := e.agent.Run(ctx, sess, res)
	if err != nil {
		e.logger.Error("executor run failed", "session_id", sess.ID(), "error", err)
		return nil, err
	}
	duration := time.Since(start)
	e.logger.Info("executor run completed", "session_id", sess.ID(), "duration_ms", duration.Milliseconds())

	messages := sess.History()
	calls := 0
	for _, msg := range messages[len(history):] {
		calls += len(msg.ToolCalls())
	}
	return &TurnResult{
		SessionID:   sess.ID(),
		Output:      last.Text(),
		Messages:    messages,
		LastMessage: message.Clone(last),
		ToolCalls:   calls,
		Usage:       sess.Usage(),
		Duration:    duration,
	}, nil
}

// priorHistory returns the conversation a turn continues. A session already
// stored under req.SessionID is continued only when its last turn completed.
func (e *AgentExecutor) priorHistory(ctx context.Context, req *Request) ([]*message.Message, error) {
	const op = "execute"
	if req.SessionID == "" || e.agent.Sessions() == nil {
		return req.History, nil
	}

	record, err := e.agent.Sessions().Store().Load(ctx, req.SessionID)
	switch {
	case errors.Is(err, errorskg.ErrNotFound):
		return req.History, nil
	case err != nil:
		return nil, err
	}

	if len(req.History) > 0 {
		return nil, errorskg.New(errorskg.KindValidation, op,
			fmt.Errorf("session %s already exists, its history cannot be replaced: %w", req.SessionID, errorskg.ErrInvalidInput))
	}
	switch record.Phase {
	case reply.PhaseComplete, reply.PhaseIdle:
		return record.History, nil
	case reply.PhaseFailed:
		return nil, errorskg.New(errorskg.KindSessionState, op,
			fmt.Errorf("session %s: %w", req.SessionID, errorskg.ErrSessionTerminated))
	default:
		return nil, errorskg.Newf(errorskg.KindSessionState, op, "session %s is %s", req.SessionID, record.Phase)
	}
}
