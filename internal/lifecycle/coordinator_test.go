package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/notetaker/internal/analysis"
	analysismock "github.com/MrWong99/notetaker/internal/analysis/mock"
	recordmock "github.com/MrWong99/notetaker/internal/callrecord/mock"
	"github.com/MrWong99/notetaker/internal/finalize"
	"github.com/MrWong99/notetaker/internal/registry"
	"github.com/MrWong99/notetaker/internal/transcript"
	"github.com/MrWong99/notetaker/pkg/provider/llm"
	llmmock "github.com/MrWong99/notetaker/pkg/provider/llm/mock"
)

const waitTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type nopHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *nopHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// handleOpener opens nopHandles and remembers them.
type handleOpener struct {
	mu      sync.Mutex
	handles map[string][]*nopHandle
	gate    chan struct{}
}

func newHandleOpener() *handleOpener {
	return &handleOpener{handles: make(map[string][]*nopHandle)}
}

func (o *handleOpener) Open(ctx context.Context, id string) (registry.Handle, error) {
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h := &nopHandle{}
	o.mu.Lock()
	o.handles[id] = append(o.handles[id], h)
	o.mu.Unlock()
	return h, nil
}

func (o *handleOpener) allClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, hs := range o.handles {
		for _, h := range hs {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				return false
			}
		}
	}
	return true
}

func (o *handleOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, hs := range o.handles {
		n += len(hs)
	}
	return n
}

// countingPipeline records every Finalize call.
type countingPipeline struct {
	mu          sync.Mutex
	transcripts []string
}

func (p *countingPipeline) Finalize(_ context.Context, t string) finalize.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, t)
	return finalize.Outcome{}
}

func (p *countingPipeline) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transcripts)
}

// recordingSessions implements Sessions and records calls.
type recordingSessions struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	closeAll  int
}

func (s *recordingSessions) Create(id string) (registry.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, id)
	return func(context.Context) {}, true
}

func (s *recordingSessions) Destroy(id string) registry.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = append(s.destroyed, id)
	return nil
}

func (s *recordingSessions) IsEmpty() bool { return true }

func (s *recordingSessions) CloseAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAll++
	return nil
}

func (s *recordingSessions) snapshot() (created, destroyed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.created), slices.Clone(s.destroyed)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("coordinator not closed, state = %s", c.State())
	}
}

func startCoordinator(t *testing.T, cfg Config) (*Coordinator, <-chan error) {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return c, errc
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"sessions", "transcript", "pipeline"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestCoordinator_TwoParticipantScenario(t *testing.T) {
	t.Parallel()
	opener := newHandleOpener()
	reg := registry.New(opener)
	agg := transcript.NewAggregator()
	an := &analysismock.Analyzer{Result: analysis.Result{Summary: "greetings"}}
	store := &recordmock.Store{}
	if _, err := store.Start(context.Background(), "call-1", time.UnixMilli(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pipeline := finalize.New(finalize.Config{CallID: "call-1", Analyzer: an, Store: store})

	c, errc := startCoordinator(t, Config{CallID: "call-1", Sessions: reg, Transcript: agg, Pipeline: pipeline})

	c.OnJoin("J1")
	c.OnJoin("J2")
	waitFor(t, "both sessions live", func() bool { return len(reg.Live()) == 2 })

	agg.Append("J1", "hello")
	agg.Append("J2", "hi")

	c.OnLeave("J1")
	c.OnLeave("J2")
	waitDone(t, c)

	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if an.CallCount() != 1 {
		t.Fatalf("analyzer calls = %d, want 1", an.CallCount())
	}
	if got := an.Transcripts[0]; got != "J1: hello\nJ2: hi" {
		t.Errorf("transcript = %q", got)
	}
	if !reg.IsEmpty() {
		t.Error("registry not empty after close")
	}
	if !opener.allClosed() {
		t.Error("a session handle was left open")
	}
	if !c.Outcome().Persisted {
		t.Errorf("outcome = %+v, want persisted", c.Outcome())
	}
	rec, _ := store.Latest(context.Background(), "call-1")
	if string(rec.Analysis) != `{"summary":"greetings"}` {
		t.Errorf("stored analysis = %s", rec.Analysis)
	}
}

func TestCoordinator_FinalizesOnceUnderConcurrentTriggers(t *testing.T) {
	t.Parallel()
	pipeline := &countingPipeline{}
	agg := transcript.NewAggregator()
	agg.Append("A", "hello")

	c, err := New(Config{CallID: "c", Sessions: registry.New(newHandleOpener()), Transcript: agg, Pipeline: pipeline})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	c.OnJoin("A")

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			sctx, scancel := context.WithTimeout(context.Background(), waitTimeout)
			defer scancel()
			if err := c.Shutdown(sctx); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		})
	}
	wg.Go(func() { c.OnLeave("A") })
	wg.Go(cancel)
	wg.Wait()

	waitDone(t, c)
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := pipeline.calls(); got != 1 {
		t.Errorf("finalize calls = %d, want 1", got)
	}
}

func TestCoordinator_GarbageAnalysisStillCloses(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "sorry, I cannot help with that"}}
	an, err := analysis.NewLLMAnalyzer(provider)
	if err != nil {
		t.Fatalf("NewLLMAnalyzer: %v", err)
	}
	store := &recordmock.Store{}
	_, _ = store.Start(context.Background(), "call-1", time.UnixMilli(0))
	agg := transcript.NewAggregator()
	pipeline := finalize.New(finalize.Config{CallID: "call-1", Analyzer: an, Store: store})

	c, errc := startCoordinator(t, Config{CallID: "call-1", Sessions: registry.New(newHandleOpener()), Transcript: agg, Pipeline: pipeline})
	c.OnJoin("A")
	agg.Append("A", "let's ship it")
	c.OnLeave("A")
	waitDone(t, c)
	<-errc

	out := c.Outcome()
	if !errors.Is(out.AnalysisErr, analysis.ErrNotJSON) {
		t.Errorf("AnalysisErr = %v, want ErrNotJSON", out.AnalysisErr)
	}
	if string(out.AnalysisJSON) != "{}" {
		t.Errorf("AnalysisJSON = %s, want {}", out.AnalysisJSON)
	}
	rec, _ := store.Latest(context.Background(), "call-1")
	if string(rec.Analysis) != "{}" {
		t.Errorf("stored analysis = %s, want {}", rec.Analysis)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
}

func TestCoordinator_JoinThenImmediateLeave(t *testing.T) {
	t.Parallel()
	opener := newHandleOpener()
	opener.gate = make(chan struct{}) // never opens
	reg := registry.New(opener)
	pipeline := &countingPipeline{}

	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: reg, Transcript: transcript.NewAggregator(), Pipeline: pipeline})
	c.OnJoin("A")
	c.OnLeave("A")
	waitDone(t, c)
	<-errc

	if !reg.IsEmpty() {
		t.Error("registry not empty")
	}
	if got := reg.Live(); len(got) != 0 {
		t.Errorf("Live() = %v, want none", got)
	}
	if got := opener.opened(); got != 0 {
		t.Errorf("opened = %d, want 0", got)
	}
	if pipeline.calls() != 1 {
		t.Errorf("finalize calls = %d, want 1", pipeline.calls())
	}
	if pipeline.transcripts[0] != "" {
		t.Errorf("transcript = %q, want empty", pipeline.transcripts[0])
	}
}

func TestCoordinator_LeaveWithoutJoinIgnored(t *testing.T) {
	t.Parallel()
	sessions := &recordingSessions{}
	pipeline := &countingPipeline{}
	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: sessions, Transcript: transcript.NewAggregator(), Pipeline: pipeline})

	c.OnLeave("ghost")
	c.OnJoin("A")
	waitFor(t, "create for A", func() bool {
		created, _ := sessions.snapshot()
		return len(created) == 1
	})

	if got := c.State(); got != StateRunning {
		t.Fatalf("state = %s after unknown leave, want running", got)
	}
	if _, destroyed := sessions.snapshot(); len(destroyed) != 0 {
		t.Errorf("Destroy called for %v", destroyed)
	}

	c.OnLeave("A")
	waitDone(t, c)
	<-errc
	created, destroyed := sessions.snapshot()
	if !slices.Equal(created, []string{"A"}) || !slices.Equal(destroyed, []string{"A"}) {
		t.Errorf("created = %v, destroyed = %v", created, destroyed)
	}
	if sessions.closeAll != 1 {
		t.Errorf("CloseAll calls = %d, want 1", sessions.closeAll)
	}
}

func TestCoordinator_DuplicateJoinIsNoop(t *testing.T) {
	t.Parallel()
	sessions := &recordingSessions{}
	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: sessions, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})

	c.OnJoin("A")
	c.OnJoin("A")
	c.OnLeave("A")
	waitDone(t, c)
	<-errc

	created, _ := sessions.snapshot()
	if !slices.Equal(created, []string{"A"}) {
		t.Errorf("created = %v, want [A]", created)
	}
}

func TestCoordinator_SeedBeyondEventBuffer(t *testing.T) {
	t.Parallel()
	sessions := &recordingSessions{}
	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: sessions, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})

	ids := make([]string, 2*eventBuffer+5)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%03d", i)
	}
	seeded := make(chan struct{})
	go func() {
		c.Seed(ids)
		c.Seed(nil)
		close(seeded)
	}()
	select {
	case <-seeded:
	case <-time.After(waitTimeout):
		t.Fatal("Seed blocked")
	}
	waitFor(t, "all seeded sessions created", func() bool {
		created, _ := sessions.snapshot()
		return len(created) == len(ids)
	})
	created, _ := sessions.snapshot()
	if !slices.Equal(created, ids) {
		t.Errorf("created order differs from seed order")
	}

	// One seeded participant leaving does not end the call.
	c.OnLeave(ids[0])
	waitFor(t, "first destroy", func() bool {
		_, destroyed := sessions.snapshot()
		return len(destroyed) == 1
	})
	if got := c.State(); got != StateRunning {
		t.Fatalf("state = %s after one leave, want running", got)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCoordinator_JoinAfterFinalizingIgnored(t *testing.T) {
	t.Parallel()
	sessions := &recordingSessions{}
	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: sessions, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-errc

	returned := make(chan struct{})
	go func() {
		c.OnJoin("late")
		c.OnLeave("late")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatal("OnJoin blocked after close")
	}
	if created, _ := sessions.snapshot(); len(created) != 0 {
		t.Errorf("Create called after finalization: %v", created)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestCoordinator_ContextCancelFinalizes(t *testing.T) {
	t.Parallel()
	pipeline := &countingPipeline{}
	c, err := New(Config{CallID: "c", Sessions: registry.New(newHandleOpener()), Transcript: transcript.NewAggregator(), Pipeline: pipeline})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	c.OnJoin("A")
	cancel()
	waitDone(t, c)
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pipeline.calls() != 1 {
		t.Errorf("finalize calls = %d, want 1", pipeline.calls())
	}
}

func TestCoordinator_RunTwice(t *testing.T) {
	t.Parallel()
	c, errc := startCoordinator(t, Config{CallID: "c", Sessions: &recordingSessions{}, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})
	waitFor(t, "run started", func() bool { return c.started.Load() })

	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	_ = c.Shutdown(context.Background())
	<-errc
}

func TestShutdown_ContextExpires(t *testing.T) {
	t.Parallel()
	c, err := New(Config{CallID: "c", Sessions: &recordingSessions{}, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Run is never started, so the coordinator cannot close.
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, want DeadlineExceeded", err)
	}
}

func TestTransition_IllegalPanics(t *testing.T) {
	t.Parallel()
	c, err := New(Config{CallID: "c", Sessions: &recordingSessions{}, Transcript: transcript.NewAggregator(), Pipeline: &countingPipeline{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for running -> closed")
		}
	}()
	c.transition(StateFinalizing, StateClosed)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateRunning, "running"},
		{StateFinalizing, "finalizing"},
		{StateClosed, "closed"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
