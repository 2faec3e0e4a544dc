package reply

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
)

// Record is the serializable form of a session.
type Record struct {
	ID        string             `json:"id"`
	Phase     Phase              `json:"phase"`
	History   []*message.Message `json:"history"`
	Pending   *message.ToolCall  `json:"pending,omitempty"`
	Resolved  []string           `json:"resolved,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	ErrorKind string             `json:"errorKind,omitempty"`
	Usage     completion.Usage   `json:"usage"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Validate checks that the record describes a reachable state.
func (r Record) Validate() error {
	const op = "restore"
	if r.ID == "" {
		return errorskg.New(errorskg.KindValidation, op, fmt.Errorf("record has no id: %w", errorskg.ErrInvalidInput))
	}
	if _, err := r.Phase.MarshalText(); err != nil {
		return errorskg.New(errorskg.KindValidation, op, err)
	}
	if r.Phase == PhaseAwaitingToolResult && (r.Pending == nil || r.Pending.ID == "") {
		return errorskg.New(errorskg.KindValidation, op,
			fmt.Errorf("record awaits a tool result but has no pending call: %w", errorskg.ErrMalformedPayload))
	}
	if r.Phase != PhaseIdle && len(r.History) == 0 {
		return errorskg.New(errorskg.KindValidation, op,
			fmt.Errorf("record in phase %s has no history: %w", r.Phase, errorskg.ErrMalformedPayload))
	}
	for _, msg := range r.History {
		if err := msg.Validate(); err != nil {
			return errorskg.New(errorskg.KindValidation, op, err)
		}
	}
	return nil
}

// state rebuilds the State value the record was taken from.
func (r Record) state() State {
	switch r.Phase {
	case PhaseAwaitingCompletion:
		return State{phase: PhaseAwaitingCompletion}
	case PhaseAwaitingToolResult:
		call := *r.Pending
		return State{phase: PhaseAwaitingToolResult, pending: &call}
	case PhaseComplete:
		var final *message.Message
		if n := len(r.History); n > 0 {
			final = r.History[n-1]
		}
		return State{phase: PhaseComplete, final: final}
	case PhaseFailed:
		return Fail(errorskg.New(parseKind(r.ErrorKind), "restore", errors.New(r.Reason)))
	default:
		return Idle()
	}
}

func parseKind(name string) errorskg.Kind {
	for k := errorskg.KindConfiguration; k <= errorskg.KindCancelled; k++ {
		if k.String() == name {
			return k
		}
	}
	return errorskg.KindUnknown
}

// Restore rebuilds a session from a record. The session continues exactly
// where the record left off; options such as tools and preamble are not part
// of the record and must be supplied again.
func Restore(rec Record, gateway completion.Gateway, opts ...Option) (*Session, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	opts = append(opts, WithID(rec.ID), WithHistory(rec.History))
	s := New(gateway, opts...)
	s.state = rec.state()
	s.usage = rec.Usage
	for _, id := range rec.Resolved {
		s.resolved[id] = true
	}
	if s.state.Phase() == PhaseComplete && s.state.final != nil {
		s.state.final = message.Clone(s.state.final)
	}
	return s, nil
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.History = message.CloneMessages(r.History)
	if r.Pending != nil {
		call := *r.Pending
		if r.Pending.Arguments != nil {
			call.Arguments = make(map[string]any, len(r.Pending.Arguments))
			for k, v := range r.Pending.Arguments {
				call.Arguments[k] = v
			}
		}
		out.Pending = &call
	}
	out.Resolved = append([]string(nil), r.Resolved...)
	return out
}
