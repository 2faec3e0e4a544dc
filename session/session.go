// Package session persists reply sessions and rehydrates them on demand.
package session

import (
	"context"
	"fmt"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/reply"
)

// Store defines the interface for session storage backends that operate on
// serializable session records. Every Store is a reply.Recorder.
type Store interface {
	Save(ctx context.Context, record reply.Record) error
	Load(ctx context.Context, id string) (reply.Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	Exists(ctx context.Context, id string) (bool, error)
}

var _ reply.Recorder = Store(nil)

// NotFound builds the error stores return for a missing record.
func NotFound(id string) error {
	return errorskg.New(errorskg.KindValidation, "session_load", fmt.Errorf("session %s: %w", id, errorskg.ErrNotFound))
}

// CheckRecord rejects records that cannot be stored.
func CheckRecord(record reply.Record) error {
	if record.ID == "" {
		return errorskg.New(errorskg.KindValidation, "session_save", fmt.Errorf("session record has no id: %w", errorskg.ErrInvalidInput))
	}
	return nil
}
