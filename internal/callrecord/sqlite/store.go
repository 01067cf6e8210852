// Package sqlite provides a SQLite-backed [callrecord.Store] on the pure-Go
// modernc.org/sqlite driver. It suits single-node and development
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/notetaker/internal/callrecord"
)

const selectColumns = `id, call_id, call_status, start_timestamp, end_timestamp, duration_ms, call_analysis`

// Store implements [callrecord.Store] on a SQLite file.
type Store struct {
	sqlDB *sql.DB
}

var _ callrecord.Store = (*Store)(nil)

// Open opens the SQLite database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if err := callrecord.Migrate(ctx, sqlDB, goose.DialectSQLite3); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Begin implements [callrecord.Store].
func (s *Store) Begin(ctx context.Context) (callrecord.Tx, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: begin: %w", err)
	}
	return &txn{tx: tx}, nil
}

// Start implements [callrecord.Store].
func (s *Store) Start(ctx context.Context, callID string, at time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO note_taker_call (id, call_id, call_status, start_timestamp)
		 VALUES (?, ?, 'active', ?)
		 ON CONFLICT (call_id) WHERE call_status = 'active' DO NOTHING`,
		uuid.NewString(), callID, at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite store: start %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite store: start %s: %w", callID, err)
	}
	return n == 1, nil
}

// Latest implements [callrecord.Store].
func (s *Store) Latest(ctx context.Context, callID string) (callrecord.Record, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+`
		 FROM note_taker_call
		 WHERE call_id = ?
		 ORDER BY start_timestamp DESC, created_at DESC, rowid DESC
		 LIMIT 1`,
		callID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return callrecord.Record{}, fmt.Errorf("sqlite store: latest %s: %w", callID, err)
	}
	return rec, nil
}

// Ping implements [callrecord.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type txn struct {
	tx *sql.Tx
}

// FindActive relies on SQLite's database-level write lock instead of row
// locks; the transaction upgrades to a writer on Update.
func (t *txn) FindActive(ctx context.Context, callID string) (callrecord.Record, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+`
		 FROM note_taker_call
		 WHERE call_id = ? AND call_status = 'active'
		 ORDER BY start_timestamp DESC
		 LIMIT 1`,
		callID,
	)
	return scanRecord(row)
}

func (t *txn) Update(ctx context.Context, rec callrecord.Record) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE note_taker_call
		 SET call_status = ?, end_timestamp = ?, duration_ms = ?, call_analysis = ?
		 WHERE id = ?`,
		string(rec.Status), rec.EndTimestamp, rec.DurationMs, string(rec.Analysis), rec.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return callrecord.ErrNotFound
	}
	return nil
}

func (t *txn) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *txn) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func scanRecord(row *sql.Row) (callrecord.Record, error) {
	var (
		rec      callrecord.Record
		status   string
		end      sql.NullInt64
		duration sql.NullInt64
		analysis sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.CallID, &status, &rec.StartTimestamp, &end, &duration, &analysis)
	if errors.Is(err, sql.ErrNoRows) {
		return callrecord.Record{}, callrecord.ErrNotFound
	}
	if err != nil {
		return callrecord.Record{}, err
	}
	rec.Status = callrecord.Status(status)
	rec.EndTimestamp = end.Int64
	rec.DurationMs = duration.Int64
	if analysis.Valid {
		rec.Analysis = []byte(analysis.String)
	}
	return rec, nil
}
