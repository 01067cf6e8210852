package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/notetaker/internal/callrecord"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "notes.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notes.db")
	for i := range 2 {
		s, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
		_ = s.Close()
	}
}

func TestStore_StartAndLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	at := time.UnixMilli(1_700_000_000_000)

	created, err := s.Start(ctx, "call-1", at)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !created {
		t.Fatal("Start did not create a record")
	}
	created, err = s.Start(ctx, "call-1", at.Add(time.Second))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if created {
		t.Fatal("second Start created a duplicate active record")
	}

	rec, err := s.Latest(ctx, "call-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Status != callrecord.StatusActive || rec.StartTimestamp != at.UnixMilli() {
		t.Errorf("record = %+v", rec)
	}
	if rec.Analysis != nil || rec.EndTimestamp != 0 {
		t.Errorf("active record has end state: %+v", rec)
	}
}

func TestStore_LatestNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.Latest(context.Background(), "nope"); !errors.Is(err, callrecord.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkEnded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	start := time.UnixMilli(1_700_000_000_000)
	if _, err := s.Start(ctx, "call-1", start); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := callrecord.MarkEnded(ctx, s, "call-1", json.RawMessage(`{"summary":"s"}`), start.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkEnded: ok=%v err=%v", ok, err)
	}
	ok, err = callrecord.MarkEnded(ctx, s, "call-1", json.RawMessage(`{"summary":"t"}`), start.Add(3*time.Minute))
	if err != nil || ok {
		t.Fatalf("second MarkEnded: ok=%v err=%v", ok, err)
	}

	rec, err := s.Latest(ctx, "call-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Status != callrecord.StatusEnded {
		t.Errorf("status = %q, want ended", rec.Status)
	}
	if rec.DurationMs != 120_000 {
		t.Errorf("duration = %d, want 120000", rec.DurationMs)
	}
	if string(rec.Analysis) != `{"summary":"s"}` {
		t.Errorf("analysis = %s", rec.Analysis)
	}

	// An ended call may be started again.
	created, err := s.Start(ctx, "call-1", start.Add(time.Hour))
	if err != nil || !created {
		t.Fatalf("restart: created=%v err=%v", created, err)
	}
	latest, _ := s.Latest(ctx, "call-1")
	if latest.Status != callrecord.StatusActive {
		t.Errorf("latest status = %q, want active", latest.Status)
	}
}

func TestTx_RollbackAfterCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("Rollback after Commit: %v", err)
	}
}
