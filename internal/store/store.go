// Package store persists Call documents with optimistic single-writer
// semantics.
//
// Storage is document-oriented: one document per Call, partitioned by the
// caller's phone number. Save enforces optimistic concurrency on the Call
// version; callers that receive [ErrConflict] must reload, re-apply their
// delta, and retry.
package store

import (
	"context"
	"errors"

	"github.com/voxloop/voxloop/internal/call"
)

var (
	// ErrNotFound is returned when no Call matches the lookup.
	ErrNotFound = errors.New("store: call not found")

	// ErrConflict is returned by Save when the stored version no longer
	// matches the loaded one.
	ErrConflict = errors.New("store: version conflict")

	// ErrTransient wraps retriable infrastructure failures (network, primary
	// stepdown). Callers should back off and retry.
	ErrTransient = errors.New("store: transient failure")
)

// IsTransient reports whether err is a retriable store failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Store provides persistence for Call documents.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetByID retrieves a Call by its identifier. Returns ErrNotFound when no
	// such Call exists.
	GetByID(ctx context.Context, id string) (*call.Call, error)

	// GetLast retrieves the most recently created Call for phoneNumber, or
	// ErrNotFound when the caller has never been seen.
	GetLast(ctx context.Context, phoneNumber string) (*call.Call, error)

	// ListByPhone returns up to limit Calls for phoneNumber, newest first.
	ListByPhone(ctx context.Context, phoneNumber string, limit int) ([]*call.Call, error)

	// Save persists c. The write succeeds only when the stored version equals
	// c.Version; on success c.Version is incremented and c.UpdatedAt refreshed
	// in place. A mismatch returns ErrConflict and leaves c untouched.
	Save(ctx context.Context, c *call.Call) error
}
