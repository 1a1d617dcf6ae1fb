// Package store persists bundle execution results to SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bundler-go/internal/bundle"
)

// ErrNotFound is returned when no result exists for a bundle.
var ErrNotFound = errors.New("result not found")

// Store is a SQLite-backed audit log keyed by bundle id.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

const upsertResult = `
INSERT INTO execution_results (bundle_id, success, started_at, ended_at, results, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(bundle_id) DO UPDATE SET
    success = excluded.success,
    started_at = excluded.started_at,
    ended_at = excluded.ended_at,
    results = excluded.results,
    recorded_at = excluded.recorded_at`

// Record upserts res, replacing any earlier row for the same bundle.
func (s *Store) Record(ctx context.Context, res bundle.ExecutionResult) error {
	payload, err := json.Marshal(res.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertResult,
		res.BundleID,
		res.Success,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.EndedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record result %s: %w", res.BundleID, err)
	}
	return nil
}

// Result loads the stored result for bundleID.
func (s *Store) Result(ctx context.Context, bundleID string) (bundle.ExecutionResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bundle_id, success, started_at, ended_at, results FROM execution_results WHERE bundle_id = ?`, bundleID)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bundle.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNotFound, bundleID)
	}
	return res, err
}

// Count returns how many bundles have a stored result.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_results`).Scan(&n)
	return n, err
}

func scanResult(row *sql.Row) (bundle.ExecutionResult, error) {
	var (
		res            bundle.ExecutionResult
		started, ended string
		payload        string
	)
	if err := row.Scan(&res.BundleID, &res.Success, &started, &ended, &payload); err != nil {
		return res, err
	}
	var err error
	if res.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return res, fmt.Errorf("parse started_at: %w", err)
	}
	if res.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return res, fmt.Errorf("parse ended_at: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &res.Results); err != nil {
		return res, fmt.Errorf("decode results: %w", err)
	}
	return res, nil
}
