// Package memory provides an in-memory session store for development and
// testing.
package memory

import (
	"context"
	"sync"

	"github.com/webaudit/auditwatch/internal/session"
)

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]session.Record
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]session.Record)}
}

// Load returns the record for jobID or session.ErrNotFound.
func (s *Store) Load(_ context.Context, jobID string) (session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return rec, nil
}

// Save inserts or overwrites the record keyed by its JobID.
func (s *Store) Save(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JobID] = rec
	return nil
}

// LoadAll returns a copy of every persisted record.
func (s *Store) LoadAll(_ context.Context) (map[string]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]session.Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out, nil
}
