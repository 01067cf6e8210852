// Package callrecord persists one row per transcribed call in the
// note_taker_call table.
//
// A record is created in the active state when the bot joins a call and is
// mutated exactly once, by [MarkEnded], when the call is finalized. At most
// one active record exists per call ID; the backends enforce this with a
// partial unique index.
package callrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/notetaker/internal/observe"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("callrecord: not found")

// Status is the lifecycle state of a call record.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Record is one row of note_taker_call. Timestamps are Unix milliseconds.
type Record struct {
	ID             string
	CallID         string
	Status         Status
	StartTimestamp int64
	EndTimestamp   int64
	DurationMs     int64
	Analysis       json.RawMessage
}

// End marks r as ended at the given time with the given analysis.
func (r *Record) End(at time.Time, analysis json.RawMessage) {
	r.Status = StatusEnded
	r.EndTimestamp = at.UnixMilli()
	r.DurationMs = r.EndTimestamp - r.StartTimestamp
	r.Analysis = analysis
}

// StartedAt returns the start timestamp as a time.Time.
func (r Record) StartedAt() time.Time {
	return time.UnixMilli(r.StartTimestamp)
}

// Tx is a unit of work over call records. Rollback after Commit is a no-op.
type Tx interface {
	// FindActive returns the active record for callID, locking it for the
	// rest of the transaction. Returns ErrNotFound when there is none.
	FindActive(ctx context.Context, callID string) (Record, error)

	// Update writes every mutable column of rec, keyed by rec.ID.
	Update(ctx context.Context, rec Record) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a call record backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Start inserts an active record for callID unless one already exists.
	// It reports whether a record was created.
	Start(ctx context.Context, callID string, at time.Time) (bool, error)

	// Latest returns the most recently started record for callID, active or
	// ended. Returns ErrNotFound when there is none.
	Latest(ctx context.Context, callID string) (Record, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// MarkEnded finalizes the active record for callID in one transaction. It
// reports whether a record was updated; a missing active record is not an
// error, so calling it twice is a no-op the second time.
func MarkEnded(ctx context.Context, store Store, callID string, analysis json.RawMessage, at time.Time) (bool, error) {
	ctx, span := observe.StartSpan(ctx, "callrecord.mark_ended")
	defer span.End()

	tx, err := store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("callrecord: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := tx.FindActive(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("callrecord: find active %s: %w", callID, err)
	}

	if len(analysis) == 0 {
		analysis = json.RawMessage("{}")
	}
	rec.End(at, analysis)
	if err := tx.Update(ctx, rec); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("callrecord: update %s: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("callrecord: commit: %w", err)
	}
	return true, nil
}
