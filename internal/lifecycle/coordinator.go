// Package lifecycle drives one call from the first join to finalization.
//
// A [Coordinator] owns a single event loop. Join and leave notifications are
// queued onto its channel and applied to the session registry in arrival
// order; slow work (opening and closing sessions) runs in a task group that
// is cancelled and awaited before the call is finalized. Finalization runs
// exactly once, whichever of last-leave, [Coordinator.Shutdown] or
// cancellation of the Run context gets there first.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/notetaker/internal/finalize"
	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/internal/registry"
)

const (
	defaultFinalizeTimeout = 3 * time.Minute
	eventBuffer            = 64
)

// Finalization triggers, recorded on the lifecycle.finalize span and in logs.
const (
	ReasonLastLeave = "last_leave"
	ReasonShutdown  = "shutdown"
	ReasonCancelled = "context_cancelled"
)

// ErrAlreadyRunning is returned by Run when the coordinator has been run
// before.
var ErrAlreadyRunning = errors.New("lifecycle: already running")

// Sessions is the subset of [registry.Registry] the coordinator drives.
type Sessions interface {
	Create(participantID string) (registry.Task, bool)
	Destroy(participantID string) registry.Task
	IsEmpty() bool
	CloseAll(ctx context.Context) error
}

// Flattener renders the call transcript.
type Flattener interface {
	Flatten() string
}

// Finalizer runs the end-of-call pipeline.
type Finalizer interface {
	Finalize(ctx context.Context, transcript string) finalize.Outcome
}

// State is the coordinator's lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateFinalizing
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the coordinator's collaborators.
type Config struct {
	CallID string

	// Sessions, Transcript and Pipeline are required.
	Sessions   Sessions
	Transcript Flattener
	Pipeline   Finalizer

	// FinalizeTimeout bounds session teardown plus the pipeline. Zero uses a
	// three minute default.
	FinalizeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventSeed
	eventShutdown
)

type event struct {
	kind          eventKind
	participantID string
	seed          []string
}

// Coordinator is the per-call event loop. Create with [New] and start with
// [Coordinator.Run]. OnJoin, OnLeave and Shutdown are safe to call from any
// goroutine.
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	events     chan event
	started    atomic.Bool
	finalized  atomic.Bool
	state      atomic.Int32
	finalizing chan struct{}
	done       chan struct{}

	// Owned by the Run goroutine.
	expected    map[string]struct{}
	group       *errgroup.Group
	tasksCtx    context.Context
	cancelTasks context.CancelFunc

	mu      sync.Mutex
	outcome finalize.Outcome
}

// New validates cfg and returns a coordinator in [StateRunning].
func New(cfg Config) (*Coordinator, error) {
	var errs []error
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("lifecycle: sessions are required"))
	}
	if cfg.Transcript == nil {
		errs = append(errs, errors.New("lifecycle: transcript is required"))
	}
	if cfg.Pipeline == nil {
		errs = append(errs, errors.New("lifecycle: pipeline is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log.With("call_id", cfg.CallID),
		metrics:    cfg.Metrics,
		events:     make(chan event, eventBuffer),
		finalizing: make(chan struct{}),
		done:       make(chan struct{}),
		expected:   make(map[string]struct{}),
	}, nil
}

// OnJoin queues a join for participantID. It is dropped once finalization
// has begun.
func (c *Coordinator) OnJoin(participantID string) {
	c.send(event{kind: eventJoin, participantID: participantID})
}

// Seed queues a join for every participant already present when the call
// connected, as one event. No leave can be applied between the seeded joins.
func (c *Coordinator) Seed(participantIDs []string) {
	if len(participantIDs) == 0 {
		return
	}
	c.send(event{kind: eventSeed, seed: slices.Clone(participantIDs)})
}

// OnLeave queues a leave for participantID. It is dropped once finalization
// has begun.
func (c *Coordinator) OnLeave(participantID string) {
	c.send(event{kind: eventLeave, participantID: participantID})
}

func (c *Coordinator) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.finalizing:
	}
}

// Shutdown asks the coordinator to finalize and waits until it is closed or
// ctx is done. It is safe to call more than once and after the call has
// already ended on its own.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	select {
	case c.events <- event{kind: eventShutdown}:
	case <-c.finalizing:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events until the call is finalized. It returns nil once the
// coordinator reaches [StateClosed], including when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.metrics.CallsActive.Add(ctx, 1)
	defer c.metrics.CallsActive.Add(context.WithoutCancel(ctx), -1)

	c.tasksCtx, c.cancelTasks = context.WithCancel(ctx)
	c.group, c.tasksCtx = errgroup.WithContext(c.tasksCtx)
	defer c.cancelTasks()

	c.log.Info("call started")
	for {
		select {
		case <-ctx.Done():
			c.finalize(ctx, ReasonCancelled)
			return nil
		case ev := <-c.events:
			switch ev.kind {
			case eventJoin:
				c.join(ev.participantID)
			case eventSeed:
				for _, id := range ev.seed {
					c.join(id)
				}
			case eventLeave:
				if c.leave(ev.participantID) {
					c.finalize(ctx, ReasonLastLeave)
					return nil
				}
			case eventShutdown:
				c.finalize(ctx, ReasonShutdown)
				return nil
			}
		}
	}
}

func (c *Coordinator) join(id string) {
	if c.State() != StateRunning {
		c.log.Debug("ignoring join after finalization began", "participant", id)
		return
	}
	if _, ok := c.expected[id]; ok {
		c.log.Debug("duplicate join", "participant", id)
		return
	}
	c.expected[id] = struct{}{}
	c.log.Info("participant joined", "participant", id, "present", len(c.expected))

	if task, ok := c.cfg.Sessions.Create(id); ok {
		c.spawn(task)
	}
}

// leave reports whether the last expected participant has left.
func (c *Coordinator) leave(id string) bool {
	if _, ok := c.expected[id]; !ok {
		c.log.Debug("ignoring leave for unknown participant", "participant", id)
		return false
	}
	delete(c.expected, id)
	c.log.Info("participant left", "participant", id, "present", len(c.expected))

	if task := c.cfg.Sessions.Destroy(id); task != nil {
		c.spawn(task)
	}
	return len(c.expected) == 0
}

func (c *Coordinator) spawn(task registry.Task) {
	ctx := c.tasksCtx
	c.group.Go(func() error {
		task(ctx)
		return nil
	})
}

func (c *Coordinator) finalize(runCtx context.Context, reason string) {
	if !c.finalized.CompareAndSwap(false, true) {
		return
	}
	c.transition(StateRunning, StateFinalizing)
	close(c.finalizing)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), c.cfg.FinalizeTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "lifecycle.finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.id", c.cfg.CallID),
		attribute.String("finalize.reason", reason),
	)

	log := observe.WithTrace(ctx, c.log)
	log.Info("finalizing call", "reason", reason)

	c.cancelTasks()
	_ = c.group.Wait()

	if err := c.cfg.Sessions.CloseAll(ctx); err != nil {
		log.Warn("errors closing sessions", "err", err)
	}
	if !c.cfg.Sessions.IsEmpty() {
		log.Warn("sessions remain after close")
	}

	out := c.cfg.Pipeline.Finalize(ctx, c.cfg.Transcript.Flatten())
	c.mu.Lock()
	c.outcome = out
	c.mu.Unlock()

	c.transition(StateFinalizing, StateClosed)
	close(c.done)
	log.Info("call closed", "skipped", out.Skipped, "persisted", out.Persisted)
}

// transition panics on an illegal state change.
func (c *Coordinator) transition(from, to State) {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("lifecycle: illegal transition %s -> %s (current %s)", from, to, c.State()))
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Finalizing is closed when finalization begins.
func (c *Coordinator) Finalizing() <-chan struct{} {
	return c.finalizing
}

// Done is closed when the coordinator reaches [StateClosed].
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Outcome returns the finalization outcome. It is the zero value until Done
// is closed.
func (c *Coordinator) Outcome() finalize.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}
