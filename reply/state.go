package reply

import (
	"fmt"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
)

// Phase is the execution phase of a reply session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingCompletion
	PhaseAwaitingToolResult
	PhaseComplete
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:               "idle",
	PhaseAwaitingCompletion: "awaiting_completion",
	PhaseAwaitingToolResult: "awaiting_tool_result",
	PhaseComplete:           "complete",
	PhaseFailed:             "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further progress is possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	name, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown phase %d: %w", int(p), errorskg.ErrInvalidInput)
	}
	return []byte(name), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q: %w", text, errorskg.ErrMalformedPayload)
}

// State is an immutable tagged value. Only the fields belonging to its phase
// are set: the pending call while awaiting a tool result, the final message
// when complete, the reason when failed.
type State struct {
	phase   Phase
	pending *message.ToolCall
	final   *message.Message
	err     error
}

// Idle is the state of a session that has not begun.
func Idle() State {
	return State{phase: PhaseIdle}
}

func (s State) Phase() Phase { return s.phase }

// Pending returns the outstanding tool call.
func (s State) Pending() (message.ToolCall, bool) {
	if s.phase != PhaseAwaitingToolResult || s.pending == nil {
		return message.ToolCall{}, false
	}
	return *s.pending, true
}

// Final returns the final assistant message of a completed session.
func (s State) Final() *message.Message {
	return s.final
}

// Err returns the failure reason of a failed session.
func (s State) Err() error {
	return s.err
}

func (s State) String() string {
	switch s.phase {
	case PhaseAwaitingToolResult:
		if s.pending != nil {
			return fmt.Sprintf("%s(%s)", s.phase, s.pending.ID)
		}
	case PhaseFailed:
		return fmt.Sprintf("%s(%v)", s.phase, s.err)
	}
	return s.phase.String()
}

// Start moves an idle state to awaiting a completion.
func (s State) Start() (State, error) {
	switch {
	case s.phase == PhaseIdle:
		return State{phase: PhaseAwaitingCompletion}, nil
	case s.phase.Terminal():
		return s, errorskg.New(errorskg.KindSessionState, "begin", errorskg.ErrSessionTerminated)
	default:
		return s, errorskg.Newf(errorskg.KindSessionState, "begin", "session already started (%s)", s.phase)
	}
}

// Apply maps a completion outcome onto the state. Only a state awaiting a
// completion accepts outcomes; any other state is returned unchanged.
func (s State) Apply(out completion.Outcome) State {
	if s.phase != PhaseAwaitingCompletion {
		return s
	}
	switch out.Kind {
	case completion.KindAssistant:
		return State{phase: PhaseComplete, final: out.Message}
	case completion.KindToolCall:
		if out.ToolCall == nil {
			return Fail(errorskg.New(errorskg.KindProtocol, "apply", errorskg.ErrEmptyResponse))
		}
		call := *out.ToolCall
		return State{phase: PhaseAwaitingToolResult, pending: &call}
	default:
		reason := out.Err
		if reason == nil {
			reason = errorskg.Newf(errorskg.KindProtocol, "apply", "completion failed without a reason")
		}
		return Fail(reason)
	}
}

// Resolve clears the outstanding call identified by id. A mismatched id, or
// no outstanding call at all, yields ErrUnknownToolCallID and leaves the
// state as it was.
func (s State) Resolve(id string) (State, error) {
	const op = "submit_tool_result"
	if s.phase.Terminal() {
		return s, errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionTerminated)
	}
	if s.phase != PhaseAwaitingToolResult || s.pending == nil || s.pending.ID != id {
		return s, errorskg.New(errorskg.KindProtocol, op, fmt.Errorf("%q: %w", id, errorskg.ErrUnknownToolCallID))
	}
	return State{phase: PhaseAwaitingCompletion}, nil
}

// Fail builds a failed state carrying reason.
func Fail(reason error) State {
	return State{phase: PhaseFailed, err: reason}
}
