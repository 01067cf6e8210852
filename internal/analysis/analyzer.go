package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/pkg/provider/llm"
)

// Analysis failure reasons reported to [observe.Metrics.RecordAnalysisFailure].
const (
	ReasonLLM         = "llm_error"
	ReasonUnparseable = "unparseable"
	ReasonInvalid     = "invalid"
)

const (
	defaultTemperature = 0.7
	defaultTimeout     = 2 * time.Minute
)

// Analyzer produces a Result for a flattened transcript. On failure it
// returns the empty Result and the cause; callers persist the result either
// way.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (Result, error)
}

// Option is a functional option for [NewLLMAnalyzer].
type Option func(*LLMAnalyzer)

// WithPrompt replaces [DefaultPrompt].
func WithPrompt(p string) Option {
	return func(a *LLMAnalyzer) { a.prompt = p }
}

// WithTemperature sets the sampling temperature. Default: 0.7.
func WithTemperature(t float64) Option {
	return func(a *LLMAnalyzer) { a.temperature = t }
}

// WithMaxTokens caps the completion length. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(a *LLMAnalyzer) { a.maxTokens = n }
}

// WithTimeout bounds a single analysis request. Default: 2m.
func WithTimeout(d time.Duration) Option {
	return func(a *LLMAnalyzer) { a.timeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *LLMAnalyzer) { a.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *LLMAnalyzer) { a.metrics = m }
}

// LLMAnalyzer analyses transcripts with a single LLM completion. It is built
// once per process and shared by all calls. Safe for concurrent use.
type LLMAnalyzer struct {
	provider    llm.Provider
	prompt      string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
}

// NewLLMAnalyzer returns an analyzer backed by provider.
func NewLLMAnalyzer(provider llm.Provider, opts ...Option) (*LLMAnalyzer, error) {
	if provider == nil {
		return nil, errors.New("analysis: llm provider must not be nil")
	}
	a := &LLMAnalyzer{
		provider:    provider,
		prompt:      DefaultPrompt,
		temperature: defaultTemperature,
		timeout:     defaultTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a, nil
}

// Analyze implements [Analyzer].
func (a *LLMAnalyzer) Analyze(ctx context.Context, transcript string) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "analysis.analyze")
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: a.prompt + "\n" + transcript}},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}
	if est, window := llm.EstimateTokens(req.Messages), a.provider.Capabilities().ContextWindow; window > 0 && est > window {
		a.log.Warn("transcript likely exceeds the model context window", "estimated_tokens", est, "context_window", window)
	}

	start := time.Now()
	resp, err := a.provider.Complete(ctx, req)
	a.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordAnalysisFailure(ctx, ReasonLLM)
		span.RecordError(err)
		return Result{}, fmt.Errorf("analysis: complete: %w", err)
	}
	if resp == nil {
		a.metrics.RecordAnalysisFailure(ctx, ReasonLLM)
		return Result{}, errors.New("analysis: complete: nil response")
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)

	res, err := Parse(resp.Content)
	if err != nil {
		reason := ReasonUnparseable
		if errors.Is(err, ErrInvalid) {
			reason = ReasonInvalid
		}
		a.metrics.RecordAnalysisFailure(ctx, reason)
		span.RecordError(err)
		return Result{}, err
	}
	return res, nil
}

// Nop is an [Analyzer] that returns the empty result. It stands in when no
// LLM provider is configured, so transcripts still close their call record.
type Nop struct{}

// Analyze implements [Analyzer].
func (Nop) Analyze(context.Context, string) (Result, error) { return Result{}, nil }

var (
	_ Analyzer = (*LLMAnalyzer)(nil)
	_ Analyzer = Nop{}
)
