// Package postgres implements the session store on PostgreSQL for shared
// deployments where several watchers read the same records.
//
// Expected schema:
//
//	CREATE TABLE audit_sessions (
//	    job_id     TEXT PRIMARY KEY,
//	    target_url TEXT NOT NULL,
//	    client_id  TEXT NOT NULL,
//	    status     TEXT NOT NULL,
//	    progress   INT NOT NULL,
//	    result     JSONB,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webaudit/auditwatch/internal/session"
)

// DB is the pgx surface the store needs; *pgxpool.Pool satisfies it, and so
// does pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a Postgres-backed session.Store.
type Store struct {
	db DB
}

// NewStore wraps an existing connection pool or mock.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect dials the database and returns a Store over a new pool.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewStore(pool), pool, nil
}

const saveQuery = `
	INSERT INTO audit_sessions (job_id, target_url, client_id, status, progress, result, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (job_id) DO UPDATE
	SET status = EXCLUDED.status,
	    progress = EXCLUDED.progress,
	    result = EXCLUDED.result;
`

// Save upserts the record keyed by job ID. Target URL, client ID, and
// creation time are immutable after the first write.
func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if rec.JobID == "" {
		return errors.New("postgres: record has no job id")
	}
	var result []byte
	if rec.Result != nil {
		data, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("postgres: encode result: %w", err)
		}
		result = data
	}
	_, err := s.db.Exec(ctx, saveQuery,
		rec.JobID,
		rec.TargetURL,
		rec.ClientID,
		string(rec.Status),
		rec.Progress,
		result,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", rec.JobID, err)
	}
	return nil
}

const loadQuery = `
	SELECT job_id, target_url, client_id, status, progress, result, created_at
	FROM audit_sessions
	WHERE job_id = $1;
`

// Load returns the record for jobID or session.ErrNotFound.
func (s *Store) Load(ctx context.Context, jobID string) (session.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, loadQuery, jobID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return session.Record{}, session.ErrNotFound
	case err != nil:
		return session.Record{}, fmt.Errorf("postgres: load %s: %w", jobID, err)
	}
	return rec, nil
}

const loadAllQuery = `
	SELECT job_id, target_url, client_id, status, progress, result, created_at
	FROM audit_sessions;
`

// LoadAll returns every persisted record keyed by job ID.
func (s *Store) LoadAll(ctx context.Context) (map[string]session.Record, error) {
	rows, err := s.db.Query(ctx, loadAllQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]session.Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		out[rec.JobID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (session.Record, error) {
	var rec session.Record
	var status string
	var result []byte
	if err := row.Scan(
		&rec.JobID,
		&rec.TargetURL,
		&rec.ClientID,
		&status,
		&rec.Progress,
		&result,
		&rec.CreatedAt,
	); err != nil {
		return session.Record{}, err
	}
	rec.Status = session.Status(status)
	if len(result) > 0 {
		rpt, err := session.ParseReport(result)
		if err != nil {
			return session.Record{}, err
		}
		rec.Result = &rpt
	}
	return rec, nil
}
