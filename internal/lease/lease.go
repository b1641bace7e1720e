// Package lease grants time-bounded exclusive ownership of a key to at most
// one worker at a time.
//
// Keys follow the "call:{id}" / "claim_schema:{phone}" convention. Acquisition
// is atomic via a keyed token with TTL; renewal and release are conditional on
// the token still being ours, so an expired lease picked up by another worker
// can never be renewed or released from here.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy is returned by Acquire when another worker holds the key.
	ErrBusy = errors.New("lease: busy")

	// ErrLost is returned by Renew and Release when the lease expired or was
	// taken over. The holder must abort in-flight mutations and exit cleanly.
	ErrLost = errors.New("lease: lost")
)

// Default TTLs per key family.
const (
	CallTTL   = 60 * time.Second
	SchemaTTL = 5 * time.Minute
)

// Lease is a live claim on a key. The token is the fencing value stored under
// the key; only the holder knows it.
type Lease struct {
	Key     string
	Token   string
	TTL     time.Duration
	Expires time.Time
}

// Manager grants and maintains leases.
// Implementations must be safe for concurrent use.
type Manager interface {
	// Acquire claims key for ttl. Returns ErrBusy when another worker holds
	// it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)

	// Renew extends l by its TTL. Returns ErrLost when the lease is no longer
	// held by this token.
	Renew(ctx context.Context, l *Lease) error

	// Release relinquishes l. Releasing a lost lease returns ErrLost, which
	// callers may ignore during shutdown.
	Release(ctx context.Context, l *Lease) error
}

// CallKey returns the lease key for a call ID.
func CallKey(callID string) string { return "call:" + callID }

// SchemaKey returns the lease key protecting a caller's pending claim schema.
func SchemaKey(phoneNumber string) string { return "claim_schema:" + phoneNumber }
