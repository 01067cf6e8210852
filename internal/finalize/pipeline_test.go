package finalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/notetaker/internal/analysis"
	analysismock "github.com/MrWong99/notetaker/internal/analysis/mock"
	"github.com/MrWong99/notetaker/internal/callrecord"
	recordmock "github.com/MrWong99/notetaker/internal/callrecord/mock"
)

var (
	startTime = time.UnixMilli(1_700_000_000_000)
	endTime   = startTime.Add(5 * time.Minute)
)

func newStore(t *testing.T, callID string) *recordmock.Store {
	t.Helper()
	s := &recordmock.Store{}
	if _, err := s.Start(context.Background(), callID, startTime); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func newPipeline(an analysis.Analyzer, store callrecord.Store) *Pipeline {
	cfg := Config{CallID: "call-1", Analyzer: an, Now: func() time.Time { return endTime }}
	if store != nil {
		cfg.Store = store
	}
	return New(cfg)
}

func TestFinalize_Persists(t *testing.T) {
	t.Parallel()
	an := &analysismock.Analyzer{Result: analysis.Result{Summary: "we agreed"}}
	store := newStore(t, "call-1")

	out := newPipeline(an, store).Finalize(context.Background(), "A: hello\nB: hi")

	if !out.Persisted || out.Skipped || out.AnalysisErr != nil || out.PersistErr != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if an.Transcripts[0] != "A: hello\nB: hi" {
		t.Errorf("analyzer got %q", an.Transcripts[0])
	}
	rec, err := store.Latest(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Status != callrecord.StatusEnded {
		t.Errorf("status = %q, want ended", rec.Status)
	}
	if string(rec.Analysis) != `{"summary":"we agreed"}` {
		t.Errorf("analysis = %s", rec.Analysis)
	}
	if rec.DurationMs != (5 * time.Minute).Milliseconds() {
		t.Errorf("duration = %d", rec.DurationMs)
	}
}

func TestFinalize_EmptyTranscriptSkips(t *testing.T) {
	t.Parallel()
	an := &analysismock.Analyzer{}
	store := newStore(t, "call-1")

	out := newPipeline(an, store).Finalize(context.Background(), " \n\t ")

	if !out.Skipped {
		t.Fatalf("outcome = %+v, want skipped", out)
	}
	if an.CallCount() != 0 {
		t.Errorf("analyzer called %d times", an.CallCount())
	}
	rec, _ := store.Latest(context.Background(), "call-1")
	if rec.Status != callrecord.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
}

func TestFinalize_AnalysisFailureStoresEmptyObject(t *testing.T) {
	t.Parallel()
	an := &analysismock.Analyzer{Err: analysis.ErrNotJSON}
	store := newStore(t, "call-1")

	out := newPipeline(an, store).Finalize(context.Background(), "A: hello")

	if !errors.Is(out.AnalysisErr, analysis.ErrNotJSON) {
		t.Errorf("AnalysisErr = %v", out.AnalysisErr)
	}
	if !out.Persisted {
		t.Fatal("empty analysis was not persisted")
	}
	if string(out.AnalysisJSON) != "{}" {
		t.Errorf("AnalysisJSON = %s, want {}", out.AnalysisJSON)
	}
	rec, _ := store.Latest(context.Background(), "call-1")
	if string(rec.Analysis) != "{}" {
		t.Errorf("stored analysis = %s, want {}", rec.Analysis)
	}
}

func TestFinalize_PersistFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	store := newStore(t, "call-1")
	store.UpdateErr = boom

	out := newPipeline(&analysismock.Analyzer{}, store).Finalize(context.Background(), "A: hi")

	if !errors.Is(out.PersistErr, boom) {
		t.Errorf("PersistErr = %v", out.PersistErr)
	}
	if out.Persisted {
		t.Error("Persisted = true on failure")
	}
}

func TestFinalize_NoActiveRecord(t *testing.T) {
	t.Parallel()
	out := newPipeline(&analysismock.Analyzer{}, &recordmock.Store{}).Finalize(context.Background(), "A: hi")
	if out.Persisted || out.PersistErr != nil {
		t.Errorf("outcome = %+v", out)
	}
}

func TestFinalize_NilStore(t *testing.T) {
	t.Parallel()
	an := &analysismock.Analyzer{Result: analysis.Result{Purpose: "sync"}}
	out := newPipeline(an, nil).Finalize(context.Background(), "A: hi")
	if out.Persisted || out.PersistErr != nil {
		t.Errorf("outcome = %+v", out)
	}
	if out.Analysis.Purpose != "sync" {
		t.Errorf("analysis = %+v", out.Analysis)
	}
}

func TestFinalize_SecondRunDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	store := newStore(t, "call-1")
	first := newPipeline(&analysismock.Analyzer{Result: analysis.Result{Summary: "one"}}, store)
	second := newPipeline(&analysismock.Analyzer{Result: analysis.Result{Summary: "two"}}, store)

	if out := first.Finalize(context.Background(), "A: x"); !out.Persisted {
		t.Fatalf("first: %+v", out)
	}
	if out := second.Finalize(context.Background(), "A: x"); out.Persisted {
		t.Fatalf("second run persisted: %+v", out)
	}
	rec, _ := store.Latest(context.Background(), "call-1")
	if string(rec.Analysis) != `{"summary":"one"}` {
		t.Errorf("analysis = %s", rec.Analysis)
	}
}
