// Package mock provides an in-memory [callrecord.Store] for tests.
//
// A transaction holds the store's lock from Begin until Commit or Rollback,
// so concurrent MarkEnded calls serialize the same way a row lock would.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/notetaker/internal/callrecord"
)

// Store is an in-memory call record store. Set the Err fields to inject
// failures.
type Store struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	records []callrecord.Record

	// BeginErr, if non-nil, is returned by Begin.
	BeginErr error
	// StartErr, if non-nil, is returned by Start.
	StartErr error
	// UpdateErr, if non-nil, is returned by Tx.Update.
	UpdateErr error
	// CommitErr, if non-nil, is returned by Tx.Commit. The write is discarded.
	CommitErr error
	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	closed bool
}

var _ callrecord.Store = (*Store)(nil)

// Begin locks the store until the returned Tx is committed or rolled back.
func (s *Store) Begin(ctx context.Context) (callrecord.Tx, error) {
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	s.txMu.Lock()
	return &txn{store: s}, nil
}

// Start implements [callrecord.Store].
func (s *Store) Start(_ context.Context, callID string, at time.Time) (bool, error) {
	if s.StartErr != nil {
		return false, s.StartErr
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.CallID == callID && r.Status == callrecord.StatusActive {
			return false, nil
		}
	}
	s.records = append(s.records, callrecord.Record{
		ID:             uuid.NewString(),
		CallID:         callID,
		Status:         callrecord.StatusActive,
		StartTimestamp: at.UnixMilli(),
	})
	return true, nil
}

// Latest implements [callrecord.Store].
func (s *Store) Latest(_ context.Context, callID string) (callrecord.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].CallID == callID {
			return s.records[i], nil
		}
	}
	return callrecord.Record{}, callrecord.ErrNotFound
}

// Ping implements [callrecord.Store].
func (s *Store) Ping(context.Context) error {
	return s.PingErr
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Records returns a copy of every stored record in insertion order.
func (s *Store) Records() []callrecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]callrecord.Record(nil), s.records...)
}

type txn struct {
	store   *Store
	pending []callrecord.Record
	done    bool
}

func (t *txn) FindActive(_ context.Context, callID string) (callrecord.Record, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.store.records) - 1; i >= 0; i-- {
		r := t.store.records[i]
		if r.CallID == callID && r.Status == callrecord.StatusActive {
			return r, nil
		}
	}
	return callrecord.Record{}, callrecord.ErrNotFound
}

func (t *txn) Update(_ context.Context, rec callrecord.Record) error {
	if t.store.UpdateErr != nil {
		return t.store.UpdateErr
	}
	t.pending = append(t.pending, rec)
	return nil
}

func (t *txn) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	if t.store.CommitErr != nil {
		return t.store.CommitErr
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, rec := range t.pending {
		for i := range t.store.records {
			if t.store.records[i].ID == rec.ID {
				t.store.records[i] = rec
			}
		}
	}
	return nil
}

func (t *txn) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}
