// Package app wires the notetaker subsystems into a running service.
//
// [Worker] is the per-process half: it owns the collaborators every call
// shares (the STT provider, the prewarmed VAD engine, the analyzer and the
// call record store) and turns a voice connection into a running [Call].
// [App] is the hosting half: it joins voice channels on request, runs at
// most one call at a time, and drives every active call through the normal
// finalize path on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/notetaker/internal/callrecord"
	"github.com/MrWong99/notetaker/internal/finalize"
	"github.com/MrWong99/notetaker/pkg/audio"
)

var (
	// ErrCallActive is returned by [App.Start] while a call is running.
	ErrCallActive = errors.New("app: a call is already active")

	// ErrNoCall is returned by [App.Stop] when no call is running.
	ErrNoCall = errors.New("app: no active call")

	// ErrShuttingDown is returned by [App.Start] after [App.Shutdown].
	ErrShuttingDown = errors.New("app: shutting down")
)

// CallInfo describes the active call.
type CallInfo struct {
	// CallID keys the call record. It is the voice channel ID.
	CallID string

	ChannelID string

	// StartedBy is the platform user ID that requested the call.
	StartedBy string

	StartedAt time.Time
}

// Config holds the App's dependencies.
type Config struct {
	Platform audio.Platform
	Worker   *Worker

	// Store is read by [App.Latest]. Nil reports [callrecord.ErrNotFound].
	Store callrecord.Store

	Logger *slog.Logger
}

// App manages the lifecycle of calls. Only one call can be active at a time.
// All exported methods are safe for concurrent use.
type App struct {
	platform audio.Platform
	worker   *Worker
	store    callrecord.Store
	log      *slog.Logger

	mu         sync.Mutex
	active     *activeCall
	connecting *pendingCall
	closing    bool
	wg       sync.WaitGroup
	outcomes chan finalize.Outcome
}

type activeCall struct {
	info CallInfo
	call *Call
	done chan struct{}
}

// pendingCall reserves the single call slot while Connect runs without the
// lock held.
type pendingCall struct {
	info   CallInfo
	cancel context.CancelFunc
}

// New returns an App.
func New(cfg Config) (*App, error) {
	var errs []error
	if cfg.Platform == nil {
		errs = append(errs, errors.New("app: platform is required"))
	}
	if cfg.Worker == nil {
		errs = append(errs, errors.New("app: worker is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &App{
		platform: cfg.Platform,
		worker:   cfg.Worker,
		store:    cfg.Store,
		log:      log,
		outcomes: make(chan finalize.Outcome, 1),
	}, nil
}

// Start joins channelID and begins recording. ctx governs the connection
// attempt only; the call runs until every participant has left, [App.Stop]
// is called, or the App shuts down. A Start that is still connecting holds
// the call slot, and Stop or Shutdown abandon it.
func (a *App) Start(ctx context.Context, channelID, startedBy string) (CallInfo, error) {
	info := CallInfo{
		CallID:    channelID,
		ChannelID: channelID,
		StartedBy: startedBy,
		StartedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pc := &pendingCall{info: info, cancel: cancel}

	a.mu.Lock()
	switch {
	case a.closing:
		a.mu.Unlock()
		return CallInfo{}, ErrShuttingDown
	case a.active != nil:
		cur := a.active.info
		a.mu.Unlock()
		return cur, fmt.Errorf("%w (call_id=%s)", ErrCallActive, cur.CallID)
	case a.connecting != nil:
		cur := a.connecting.info
		a.mu.Unlock()
		return cur, fmt.Errorf("%w (call_id=%s, connecting)", ErrCallActive, cur.CallID)
	}
	a.connecting = pc
	a.mu.Unlock()

	conn, err := a.platform.Connect(ctx, channelID)
	if err != nil {
		a.release(pc)
		return CallInfo{}, fmt.Errorf("app: connect to voice channel: %w", err)
	}
	call, err := a.worker.NewCall(conn, info.CallID)
	if err != nil {
		a.release(pc)
		_ = conn.Disconnect()
		return CallInfo{}, err
	}

	a.mu.Lock()
	abandoned := a.connecting != pc
	closing := a.closing
	if !abandoned && !closing {
		ac := &activeCall{info: info, call: call, done: make(chan struct{})}
		a.active = ac
		a.wg.Go(func() { a.run(ac) })
	}
	if a.connecting == pc {
		a.connecting = nil
	}
	a.mu.Unlock()

	switch {
	case closing:
		_ = conn.Disconnect()
		return CallInfo{}, ErrShuttingDown
	case abandoned:
		_ = conn.Disconnect()
		return CallInfo{}, fmt.Errorf("app: connect to voice channel: %w", context.Canceled)
	}
	a.log.Info("call started", "call_id", info.CallID, "started_by", startedBy)
	return info, nil
}

// release frees the call slot if pc still holds it.
func (a *App) release(pc *pendingCall) {
	a.mu.Lock()
	if a.connecting == pc {
		a.connecting = nil
	}
	a.mu.Unlock()
}

// abandon cancels an in-flight connect and frees the slot it holds. It
// reports whether there was one.
func (a *App) abandon() bool {
	a.mu.Lock()
	pc := a.connecting
	a.connecting = nil
	a.mu.Unlock()
	if pc == nil {
		return false
	}
	pc.cancel()
	a.log.Info("abandoned pending call", "call_id", pc.info.CallID)
	return true
}

// run owns the call goroutine. The call context is detached from any request
// so that only the coordinator's own triggers end it.
func (a *App) run(ac *activeCall) {
	defer close(ac.done)
	out, err := ac.call.Run(context.Background())
	if err != nil {
		a.log.Error("call run failed", "call_id", ac.info.CallID, "err", err)
	}

	a.mu.Lock()
	if a.active == ac {
		a.active = nil
	}
	a.mu.Unlock()

	a.log.Info("call ended",
		"call_id", ac.info.CallID,
		"duration", time.Since(ac.info.StartedAt).Round(time.Second),
		"skipped", out.Skipped,
		"persisted", out.Persisted,
	)
	select {
	case a.outcomes <- out:
	default:
	}
}

// Stop finalizes the active call and waits until it is closed or ctx is
// done. With no active call it abandons a Start that is still connecting.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	ac := a.active
	a.mu.Unlock()
	if ac == nil {
		if a.abandon() {
			return nil
		}
		return ErrNoCall
	}
	return a.stop(ctx, ac)
}

func (a *App) stop(ctx context.Context, ac *activeCall) error {
	if err := ac.call.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: stop call %s: %w", ac.info.CallID, err)
	}
	select {
	case <-ac.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop call %s: %w", ac.info.CallID, ctx.Err())
	}
}

// Status returns the active call, if any.
func (a *App) Status() (CallInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return CallInfo{}, false
	}
	return a.active.info, true
}

// Latest returns the most recently started record for callID.
func (a *App) Latest(ctx context.Context, callID string) (callrecord.Record, error) {
	if a.store == nil {
		return callrecord.Record{}, callrecord.ErrNotFound
	}
	return a.store.Latest(ctx, callID)
}

// Outcomes delivers the finalize outcome of each call that ends. It is
// buffered by one and drops outcomes nobody reads.
func (a *App) Outcomes() <-chan finalize.Outcome { return a.outcomes }

// Shutdown rejects new calls and finalizes the active one through the same
// path a last leave takes. It waits for call goroutines until ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	ac := a.active
	a.mu.Unlock()

	a.abandon()

	var errs []error
	if ac != nil {
		a.log.Info("finalizing active call for shutdown", "call_id", ac.info.CallID)
		errs = append(errs, a.stop(ctx, ac))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("app: wait for calls: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
