package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/pkg/provider/llm"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
)

// Provider request statuses reported to [observe.Metrics.RecordProviderRequest].
const (
	statusOK       = "ok"
	statusError    = "error"
	statusRejected = "circuit_open"
)

// LLM implements [llm.Provider] by forwarding to an inner provider through a
// [CircuitBreaker].
type LLM struct {
	inner   llm.Provider
	name    string
	cb      *CircuitBreaker
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM guards inner with a breaker built from cfg. name labels the
// provider in metrics and defaults to cfg.Name. A nil metrics uses
// [observe.DefaultMetrics].
func NewLLM(inner llm.Provider, cfg CircuitBreakerConfig, metrics *observe.Metrics) *LLM {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &LLM{inner: inner, name: cfg.Name, cb: NewCircuitBreaker(cfg), metrics: metrics}
}

// Complete forwards to the inner provider unless the breaker is open.
func (p *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := p.cb.Execute(func() error {
		var err error
		resp, err = p.inner.Complete(ctx, req)
		return err
	})
	p.metrics.RecordProviderRequest(ctx, p.name, "llm", status(err))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities reports the inner provider's capabilities. It does not pass
// through the breaker because capabilities are static metadata.
func (p *LLM) Capabilities() llm.ModelCapabilities {
	return p.inner.Capabilities()
}

// Breaker exposes the underlying breaker for health reporting.
func (p *LLM) Breaker() *CircuitBreaker { return p.cb }

// STT implements [stt.Provider] by opening sessions through a
// [CircuitBreaker]. Only session setup is guarded; an established session's
// errors are the caller's concern.
type STT struct {
	inner   stt.Provider
	name    string
	cb      *CircuitBreaker
	metrics *observe.Metrics
}

var _ stt.Provider = (*STT)(nil)

// NewSTT guards inner with a breaker built from cfg.
func NewSTT(inner stt.Provider, cfg CircuitBreakerConfig, metrics *observe.Metrics) *STT {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &STT{inner: inner, name: cfg.Name, cb: NewCircuitBreaker(cfg), metrics: metrics}
}

// StartStream opens a session on the inner provider unless the breaker is
// open.
func (p *STT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var sess stt.SessionHandle
	err := p.cb.Execute(func() error {
		var err error
		sess, err = p.inner.StartStream(ctx, cfg)
		return err
	})
	p.metrics.RecordProviderRequest(ctx, p.name, "stt", status(err))
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Breaker exposes the underlying breaker for health reporting.
func (p *STT) Breaker() *CircuitBreaker { return p.cb }

func status(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, ErrCircuitOpen):
		return statusRejected
	default:
		return statusError
	}
}
