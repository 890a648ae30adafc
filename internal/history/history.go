// Package history persists finished pipeline runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Run is the record of one finished pipeline run.
type Run struct {
	ID      uuid.UUID `json:"id"`
	Mode    string    `json:"mode"`
	Batch   string    `json:"batch,omitempty"`
	State   string    `json:"state"`
	Stage   string    `json:"stage,omitempty"`
	Error   string    `json:"error,omitempty"`
	Removed int       `json:"removed"`
	Invalid int       `json:"invalid"`
	Targets []string  `json:"targets,omitempty"`
	// Digest is the staged tree digest of a deploy run.
	Digest     string    `json:"digest,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store records runs and lists the most recent ones.
type Store interface {
	Record(ctx context.Context, run Run) error
	Recent(ctx context.Context, limit int) ([]Run, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          UUID PRIMARY KEY,
	mode        TEXT NOT NULL,
	batch       TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	removed     INTEGER NOT NULL DEFAULT 0,
	invalid     INTEGER NOT NULL DEFAULT 0,
	targets     TEXT[] NOT NULL DEFAULT '{}',
	digest      TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`

// PGStore stores runs in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Open connects to the PostgreSQL database at dsn.
func Open(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach history database: %w", err)
	}
	return NewPGStore(db), nil
}

// EnsureSchema creates the runs table if needed.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create pipeline_runs: %w", err)
	}
	return nil
}

// Record inserts run.
func (s *PGStore) Record(ctx context.Context, run Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	targets := run.Targets
	if targets == nil {
		targets = []string{}
	}

	query := `
		INSERT INTO pipeline_runs (id, mode, batch, state, stage, error, removed, invalid, targets, digest, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Mode,
		run.Batch,
		run.State,
		run.Stage,
		run.Error,
		run.Removed,
		run.Invalid,
		pq.Array(targets),
		run.Digest,
		run.StartedAt,
		run.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *PGStore) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, mode, batch, state, stage, error, removed, invalid, targets, digest, started_at, finished_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID,
			&r.Mode,
			&r.Batch,
			&r.State,
			&r.Stage,
			&r.Error,
			&r.Removed,
			&r.Invalid,
			pq.Array(&r.Targets),
			&r.Digest,
			&r.StartedAt,
			&r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Close releases the database handle.
func (s *PGStore) Close() error {
	return s.db.Close()
}

// NopStore discards runs.
type NopStore struct{}

// Record does nothing.
func (NopStore) Record(context.Context, Run) error { return nil }

// Recent returns no runs.
func (NopStore) Recent(context.Context, int) ([]Run, error) { return nil, nil }
