package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration covers bad or missing credentials and unsupported providers.
	KindConfiguration
	// KindValidation covers malformed schemas, duplicate tools and malformed payloads.
	KindValidation
	// KindTransport covers failed network or provider calls.
	KindTransport
	// KindProtocol covers provider responses that do not match the expected shape.
	KindProtocol
	// KindSessionState covers operations that are invalid for the current state.
	KindSessionState
	// KindCancelled covers sessions closed by the caller while suspended.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindSessionState:
		return "session_state"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel errors for common error conditions
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	ErrInvalidSchema       = errors.New("invalid tool schema")
	ErrDuplicateTool       = errors.New("duplicate tool name")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrMissingCredentials  = errors.New("missing provider credentials")
	ErrUnknownToolCallID   = errors.New("unknown tool call id")
	ErrUnknownTool         = errors.New("tool call requested for unregistered tool")
	ErrEmptyResponse       = errors.New("provider returned an empty response")
	ErrSessionTerminated   = errors.New("session terminated")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotStarted          = errors.New("session not started")
	ErrCancelled           = errors.New("cancelled")
	ErrStaleHandle         = errors.New("stale or unknown handle")
)

// Error carries a Kind and the operation that failed alongside the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string. %w verbs are honoured.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidSchema), errors.Is(err, ErrDuplicateTool), errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrUnsupportedProvider), errors.Is(err, ErrMissingCredentials):
		return KindConfiguration
	case errors.Is(err, ErrUnknownToolCallID), errors.Is(err, ErrUnknownTool), errors.Is(err, ErrEmptyResponse):
		return KindProtocol
	case errors.Is(err, ErrSessionTerminated), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNotStarted), errors.Is(err, ErrStaleHandle):
		return KindSessionState
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
