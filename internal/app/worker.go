package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/notetaker/internal/analysis"
	"github.com/MrWong99/notetaker/internal/callrecord"
	"github.com/MrWong99/notetaker/internal/capture"
	"github.com/MrWong99/notetaker/internal/finalize"
	"github.com/MrWong99/notetaker/internal/lifecycle"
	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/internal/registry"
	"github.com/MrWong99/notetaker/internal/transcript"
	"github.com/MrWong99/notetaker/pkg/audio"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
	"github.com/MrWong99/notetaker/pkg/provider/vad"
)

// WorkerConfig holds the process-wide collaborators shared by every call.
type WorkerConfig struct {
	// STT opens one recognition stream per participant. Required.
	STT       stt.Provider
	STTConfig stt.StreamConfig

	// NewVAD builds the VAD engine during [Worker.Prewarm]. Nil disables
	// gating and every frame is streamed to STT.
	NewVAD    func() (vad.Engine, error)
	VADConfig vad.Config

	// Analyzer is built once per process and shared by all calls. Required.
	Analyzer analysis.Analyzer

	// Store holds call records. Nil disables persistence.
	Store callrecord.Store

	// CreateRecord inserts an active call record when a call connects.
	CreateRecord bool

	PreRollFrames       int
	FinalizeTimeout     time.Duration
	SessionCloseTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Worker runs calls. Create one per process with [NewWorker], call
// [Worker.Prewarm] once at startup, then [Worker.HandleCall] per call.
type Worker struct {
	cfg     WorkerConfig
	log     *slog.Logger
	metrics *observe.Metrics

	prewarmOnce sync.Once
	prewarmErr  error
	vad         vad.Engine
	prewarmed   atomic.Bool
}

// NewWorker validates cfg and returns a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("app: stt provider is required"))
	}
	if cfg.Analyzer == nil {
		errs = append(errs, errors.New("app: analyzer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, log: log, metrics: cfg.Metrics}, nil
}

// Prewarm builds the VAD engine. Only the first call does any work; later
// calls return the first result.
func (w *Worker) Prewarm() error {
	w.prewarmOnce.Do(func() {
		if w.cfg.NewVAD == nil {
			w.prewarmed.Store(true)
			return
		}
		start := time.Now()
		eng, err := w.cfg.NewVAD()
		if err != nil {
			w.prewarmErr = fmt.Errorf("app: prewarm vad: %w", err)
			return
		}
		w.vad = eng
		w.prewarmed.Store(true)
		w.log.Info("vad engine prewarmed", "took", time.Since(start))
	})
	return w.prewarmErr
}

// Prewarmed reports whether [Worker.Prewarm] has succeeded.
func (w *Worker) Prewarmed() bool { return w.prewarmed.Load() }

// Call is one call in progress, bound to a voice connection.
type Call struct {
	ID string

	w     *Worker
	conn  audio.Connection
	coord *lifecycle.Coordinator
	log   *slog.Logger
}

// NewCall assembles the per-call components for conn: the transcript
// aggregator, the capture opener, the session registry, the finalize
// pipeline and the lifecycle coordinator. Nothing runs until [Call.Run].
func (w *Worker) NewCall(conn audio.Connection, callID string) (*Call, error) {
	if conn == nil {
		return nil, errors.New("app: connection is required")
	}
	if err := w.Prewarm(); err != nil {
		return nil, err
	}
	log := w.log.With("call_id", callID)

	agg := transcript.NewAggregator()
	opener, err := capture.NewOpener(capture.Config{
		Conn:          conn,
		STT:           w.cfg.STT,
		STTConfig:     w.cfg.STTConfig,
		VAD:           w.vad,
		VADConfig:     w.cfg.VADConfig,
		PreRollFrames: w.cfg.PreRollFrames,
		Sink:          agg,
		Logger:        log,
		Metrics:       w.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	regOpts := []registry.Option{registry.WithLogger(log), registry.WithMetrics(w.metrics)}
	if w.cfg.SessionCloseTimeout > 0 {
		regOpts = append(regOpts, registry.WithCloseTimeout(w.cfg.SessionCloseTimeout))
	}
	sessions := registry.New(opener, regOpts...)

	pipeline := finalize.New(finalize.Config{
		CallID:   callID,
		Analyzer: w.cfg.Analyzer,
		Store:    w.cfg.Store,
		Now:      w.cfg.Now,
		Logger:   w.log,
		Metrics:  w.metrics,
	})

	coord, err := lifecycle.New(lifecycle.Config{
		CallID:          callID,
		Sessions:        sessions,
		Transcript:      agg,
		Pipeline:        pipeline,
		FinalizeTimeout: w.cfg.FinalizeTimeout,
		Logger:          w.log,
		Metrics:         w.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return &Call{ID: callID, w: w, conn: conn, coord: coord, log: log}, nil
}

// HandleCall runs one call on conn to completion and returns what
// finalization did. The connection is disconnected before it returns.
func (w *Worker) HandleCall(ctx context.Context, conn audio.Connection, callID string) (finalize.Outcome, error) {
	call, err := w.NewCall(conn, callID)
	if err != nil {
		return finalize.Outcome{}, err
	}
	return call.Run(ctx)
}

// Run ensures a call record exists, routes participant events into the
// coordinator, seeds it with the participants already present, and blocks
// until the call is finalized. Cancelling ctx finalizes the call.
func (c *Call) Run(ctx context.Context) (finalize.Outcome, error) {
	c.ensureRecord(ctx)

	// The event loop must be consuming before anything is queued: OnJoin
	// blocks once the event buffer is full.
	runErr := make(chan error, 1)
	go func() { runErr <- c.coord.Run(ctx) }()

	c.conn.OnParticipantChange(func(ev audio.Event) {
		switch ev.Type {
		case audio.EventJoin:
			c.coord.OnJoin(ev.UserID)
		case audio.EventLeave:
			c.coord.OnLeave(ev.UserID)
		}
	})
	// Registered before seeding so no join is missed; duplicates are no-ops.
	present := c.conn.Participants()
	ids := make([]string, 0, len(present))
	for _, p := range present {
		ids = append(ids, p.UserID)
	}
	c.coord.Seed(ids)

	err := <-runErr

	c.conn.OnParticipantChange(func(audio.Event) {})
	if derr := c.conn.Disconnect(); derr != nil {
		c.log.Warn("voice disconnect failed", "err", derr)
	}
	if err != nil {
		return finalize.Outcome{}, err
	}
	return c.coord.Outcome(), nil
}

// Shutdown finalizes the call and waits until it is closed or ctx is done.
func (c *Call) Shutdown(ctx context.Context) error {
	return c.coord.Shutdown(ctx)
}

// Done is closed once the call has been finalized.
func (c *Call) Done() <-chan struct{} { return c.coord.Done() }

// State reports the coordinator state.
func (c *Call) State() lifecycle.State { return c.coord.State() }

func (c *Call) ensureRecord(ctx context.Context) {
	if !c.w.cfg.CreateRecord || c.w.cfg.Store == nil {
		return
	}
	created, err := c.w.cfg.Store.Start(ctx, c.ID, c.w.cfg.Now())
	switch {
	case err != nil:
		c.log.Error("failed to create call record, analysis will not be persisted", "err", err)
	case created:
		c.log.Info("call record created")
	default:
		c.log.Info("resuming active call record")
	}
}
