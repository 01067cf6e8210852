// Package postgres provides a PostgreSQL-backed [callrecord.Store] using a
// pgx connection pool. Schema migrations are applied with goose on open.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/notetaker/internal/callrecord"
)

const selectColumns = `id, call_id, call_status, start_timestamp, end_timestamp, duration_ms, call_analysis`

// Store implements [callrecord.Store]. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ callrecord.Store = (*Store)(nil)

// NewStore connects to the database at dsn, verifies the connection and runs
// the embedded migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = callrecord.Migrate(ctx, db, goose.DialectPostgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Begin implements [callrecord.Store].
func (s *Store) Begin(ctx context.Context) (callrecord.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: begin: %w", err)
	}
	return &txn{tx: tx}, nil
}

// Start implements [callrecord.Store].
func (s *Store) Start(ctx context.Context, callID string, at time.Time) (bool, error) {
	const q = `
		INSERT INTO note_taker_call (id, call_id, call_status, start_timestamp)
		VALUES ($1, $2, 'active', $3)
		ON CONFLICT (call_id) WHERE call_status = 'active' DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, uuid.NewString(), callID, at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("postgres store: start %s: %w", callID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Latest implements [callrecord.Store].
func (s *Store) Latest(ctx context.Context, callID string) (callrecord.Record, error) {
	q := `SELECT ` + selectColumns + `
		FROM   note_taker_call
		WHERE  call_id = $1
		ORDER  BY start_timestamp DESC, created_at DESC
		LIMIT  1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, callID))
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("postgres store: latest %s: %w", callID, err)
	}
	return rec, nil
}

// Ping implements [callrecord.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// txn wraps a [pgx.Tx].
type txn struct {
	tx pgx.Tx
}

func (t *txn) FindActive(ctx context.Context, callID string) (callrecord.Record, error) {
	q := `SELECT ` + selectColumns + `
		FROM   note_taker_call
		WHERE  call_id = $1 AND call_status = 'active'
		ORDER  BY start_timestamp DESC
		LIMIT  1
		FOR UPDATE`

	return scanRecord(t.tx.QueryRow(ctx, q, callID))
}

func (t *txn) Update(ctx context.Context, rec callrecord.Record) error {
	const q = `
		UPDATE note_taker_call
		SET    call_status = $2, end_timestamp = $3, duration_ms = $4, call_analysis = $5
		WHERE  id = $1`

	tag, err := t.tx.Exec(ctx, q, rec.ID, string(rec.Status), rec.EndTimestamp, rec.DurationMs, []byte(rec.Analysis))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return callrecord.ErrNotFound
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *txn) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func scanRecord(row pgx.Row) (callrecord.Record, error) {
	var (
		rec      callrecord.Record
		status   string
		end      *int64
		duration *int64
		analysis []byte
	)
	err := row.Scan(&rec.ID, &rec.CallID, &status, &rec.StartTimestamp, &end, &duration, &analysis)
	if errors.Is(err, pgx.ErrNoRows) {
		return callrecord.Record{}, callrecord.ErrNotFound
	}
	if err != nil {
		return callrecord.Record{}, err
	}
	rec.Status = callrecord.Status(status)
	if end != nil {
		rec.EndTimestamp = *end
	}
	if duration != nil {
		rec.DurationMs = *duration
	}
	rec.Analysis = analysis
	return rec, nil
}
