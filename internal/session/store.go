package session

import (
	"context"
	"errors"
)

// ErrNotFound signals that no record exists for the requested job.
var ErrNotFound = errors.New("session: record not found")

// Store persists one Record per job ID. Implementations must be safe for
// concurrent use; the reconciler is the single logical writer per key, so
// last-write-wins semantics are acceptable.
//
// Save failures are best-effort from the reconciler's perspective: callers
// log and continue, because the live stream remains the source of truth.
type Store interface {
	// Load returns the record for jobID or ErrNotFound.
	Load(ctx context.Context, jobID string) (Record, error)
	// Save inserts or overwrites the record keyed by its JobID.
	Save(ctx context.Context, rec Record) error
	// LoadAll returns every persisted record keyed by job ID.
	LoadAll(ctx context.Context) (map[string]Record, error)
}
