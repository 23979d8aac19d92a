// Package badger implements the durable local session store on BadgerDB.
// It is the default backend: one JSON-encoded record per job, surviving
// restarts the way browser storage survives reloads.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/session"
)

const keyPrefix = "session/"

// Config controls the database instance.
//   - Path: directory for the database files; required unless InMemory.
//   - InMemory: no disk persistence, for tests.
//   - SyncWrites: fsync on every write; durability over latency.
//   - Logger: optional; nil silences BadgerDB's internal logging.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// Store is a BadgerDB-backed session.Store.
type Store struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

// Open initializes the database and returns the store. Callers own Close.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent storage")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badgerdb.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return nil
}

// Load returns the record for jobID or session.ErrNotFound.
func (s *Store) Load(_ context.Context, jobID string) (session.Record, error) {
	var rec session.Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	switch {
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return session.Record{}, session.ErrNotFound
	case err != nil:
		return session.Record{}, fmt.Errorf("badger: load %s: %w", jobID, err)
	}
	return rec, nil
}

// Save inserts or overwrites the record keyed by its JobID.
func (s *Store) Save(_ context.Context, rec session.Record) error {
	if rec.JobID == "" {
		return errors.New("badger: record has no job id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("badger: encode %s: %w", rec.JobID, err)
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key(rec.JobID), data)
	})
	if err != nil {
		return fmt.Errorf("badger: save %s: %w", rec.JobID, err)
	}
	return nil
}

// LoadAll iterates every persisted record. Undecodable entries are skipped
// with a warning rather than failing the whole scan.
func (s *Store) LoadAll(_ context.Context) (map[string]session.Record, error) {
	out := make(map[string]session.Record)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec session.Record
				if uerr := json.Unmarshal(val, &rec); uerr != nil {
					s.logger.Warn("skipping undecodable record",
						zap.ByteString("key", item.Key()), zap.Error(uerr))
					return nil
				}
				out[rec.JobID] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: load all: %w", err)
	}
	return out, nil
}

func key(jobID string) []byte {
	return []byte(keyPrefix + jobID)
}
