// Package registry owns the per-participant transcription sessions of one
// call.
//
// The [Registry] is a keyed map of participant ID to session with two entry
// states: pending (a create is in flight) and live (the session is open).
// Reservation and removal are synchronous and never block on I/O; the slow
// open and drain-and-close work is returned to the caller as a [Task] so the
// caller can run it inside its own structured task group.
//
// Session lifetimes are independent of the task context: the context handed
// to a create Task only bounds setup. A live session stays open until it is
// removed by [Registry.Destroy] or [Registry.CloseAll].
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/notetaker/internal/observe"
)

const defaultCloseTimeout = 10 * time.Second

// ErrClosed is returned by [Registry.CloseAll] when it is called twice.
var ErrClosed = errors.New("registry: closed")

// Handle is a live session as seen by the registry.
type Handle interface {
	// Close drains any buffered utterances and releases the session.
	// ctx bounds the drain.
	Close(ctx context.Context) error
}

// Opener starts a session for one participant. ctx bounds setup only; the
// returned Handle must outlive it.
type Opener interface {
	Open(ctx context.Context, participantID string) (Handle, error)
}

// OpenerFunc adapts a function to the [Opener] interface.
type OpenerFunc func(ctx context.Context, participantID string) (Handle, error)

// Open implements [Opener].
func (f OpenerFunc) Open(ctx context.Context, participantID string) (Handle, error) {
	return f(ctx, participantID)
}

// Task is deferred create or close work produced by the registry.
type Task func(ctx context.Context)

// Option is a functional option for [New].
type Option func(*Registry)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCloseTimeout bounds how long a single session may take to drain when
// it is closed by a Destroy task. Default: 10s.
func WithCloseTimeout(d time.Duration) Option {
	return func(r *Registry) { r.closeTimeout = d }
}

// entry is one participant slot. handle is nil while the create is pending
// and is written at most once, under Registry.mu, while the entry is current.
// Once an entry has been removed from the map its handle no longer changes.
type entry struct {
	participantID string
	sessionID     string
	ctx           context.Context
	cancel        context.CancelFunc
	handle        Handle
}

// live reports whether the entry holds an open session. Callers must either
// hold Registry.mu or have removed the entry from the map under it.
func (e *entry) live() bool { return e.handle != nil }

// Registry maps participant IDs to sessions. All methods are safe for
// concurrent use.
type Registry struct {
	opener       Opener
	log          *slog.Logger
	metrics      *observe.Metrics
	closeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New returns an empty Registry that opens sessions with opener.
func New(opener Opener, opts ...Option) *Registry {
	r := &Registry{
		opener:       opener,
		log:          slog.Default(),
		closeTimeout: defaultCloseTimeout,
		entries:      make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Create reserves a pending entry for participantID and returns the task
// that opens its session. If the participant already has a pending or live
// entry, or the registry is closed, Create returns (nil, false).
func (r *Registry) Create(participantID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if _, ok := r.entries[participantID]; ok {
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		participantID: participantID,
		sessionID:     uuid.NewString(),
		ctx:           ctx,
		cancel:        cancel,
	}
	r.entries[participantID] = e
	return func(taskCtx context.Context) { r.open(taskCtx, e) }, true
}

// open runs the create task for e.
func (r *Registry) open(taskCtx context.Context, e *entry) {
	log := r.log.With("participant", e.participantID, "session_id", e.sessionID)

	stop := context.AfterFunc(taskCtx, e.cancel)
	start := time.Now()
	h, err := r.opener.Open(e.ctx, e.participantID)
	stop()

	if err != nil {
		r.removeIfCurrent(e)
		cancelled := e.ctx.Err() != nil
		e.cancel()
		if cancelled {
			log.Debug("session create cancelled", "err", err)
			return
		}
		log.Warn("session create failed; participant will not be transcribed", "err", err)
		return
	}
	r.metrics.SessionOpenDuration.Record(context.Background(), time.Since(start).Seconds())

	r.mu.Lock()
	current := r.entries[e.participantID] == e && e.ctx.Err() == nil
	if current {
		e.handle = h
	}
	r.mu.Unlock()

	if current {
		r.metrics.SessionsActive.Add(context.Background(), 1)
		log.Info("session live")
		return
	}

	// The entry was destroyed or cancelled while opening.
	r.removeIfCurrent(e)
	ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		log.Warn("close of superseded session failed", "err", err)
	}
	log.Debug("session discarded after cancelled create")
}

func (r *Registry) removeIfCurrent(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.participantID] == e {
		delete(r.entries, e.participantID)
	}
}

// Destroy removes participantID's entry and returns the task that drains
// and closes its session. It returns nil when there is nothing left to do:
// the participant is absent, or its create is still pending (the create
// task then releases whatever it opened).
func (r *Registry) Destroy(participantID string) Task {
	r.mu.Lock()
	e, ok := r.entries[participantID]
	if ok {
		delete(r.entries, participantID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	e.cancel()
	if !e.live() {
		return nil
	}
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.closeTimeout)
		defer cancel()
		_ = r.closeEntry(ctx, e)
	}
}

// closeEntry closes a live entry's handle and accounts for it.
func (r *Registry) closeEntry(ctx context.Context, e *entry) error {
	log := r.log.With("participant", e.participantID, "session_id", e.sessionID)
	r.metrics.SessionsActive.Add(context.Background(), -1)
	if err := e.handle.Close(ctx); err != nil {
		r.metrics.RecordSessionFailure(ctx, observe.StageClose)
		log.Warn("session close failed", "err", err)
		return fmt.Errorf("registry: close %s: %w", e.participantID, err)
	}
	log.Info("session closed")
	return nil
}

// IsEmpty reports whether no pending or live entry remains.
func (r *Registry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// Live returns the sorted participant IDs with a live session.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.entries {
		if e.live() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Pending reports whether participantID has a create in flight.
func (r *Registry) Pending(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[participantID]
	return ok && !e.live()
}

// CloseAll drains and closes every live session concurrently, cancels all
// pending creates, and marks the registry closed so later Create calls are
// no-ops. ctx bounds the drains. Close errors are joined.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		e.cancel()
		if !e.live() {
			continue
		}
		wg.Go(func() {
			if err := r.closeEntry(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
