// Package finalize runs the end-of-call work: analyse the flattened
// transcript and persist the result on the call record.
//
// Finalize never fails. Analysis errors degrade to the empty result and
// persistence errors are logged and reported in the [Outcome].
package finalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/notetaker/internal/analysis"
	"github.com/MrWong99/notetaker/internal/callrecord"
	"github.com/MrWong99/notetaker/internal/observe"
)

// Config holds the pipeline's collaborators.
type Config struct {
	// CallID identifies the call record to finalize.
	CallID string

	// Analyzer turns the transcript into a structured result. Required.
	Analyzer analysis.Analyzer

	// Store persists the result. Nil skips persistence.
	Store callrecord.Store

	// Now returns the end timestamp. Defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Outcome reports what a finalization run did.
type Outcome struct {
	// Skipped is true when the transcript was empty and nothing ran.
	Skipped bool

	// Analysis is the parsed result, possibly empty.
	Analysis analysis.Result

	// AnalysisJSON is the value written to the call record.
	AnalysisJSON json.RawMessage

	// Persisted is true when an active call record was updated.
	Persisted bool

	AnalysisErr error
	PersistErr  error
}

// Pipeline analyses and persists one call. It is safe to call Finalize more
// than once; the record is only updated the first time.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

// New returns a Pipeline for cfg.
func New(cfg Config) *Pipeline {
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
	return &Pipeline{cfg: cfg, log: log.With("call_id", cfg.CallID)}
}

// Finalize analyses transcript and marks the call record ended.
func (p *Pipeline) Finalize(ctx context.Context, transcript string) Outcome {
	log := observe.WithTrace(ctx, p.log)

	if strings.TrimSpace(transcript) == "" {
		log.Info("empty transcript, skipping analysis")
		p.cfg.Metrics.RecordFinalize(ctx, observe.OutcomeSkipped)
		return Outcome{Skipped: true}
	}

	var out Outcome
	res, err := p.cfg.Analyzer.Analyze(ctx, transcript)
	if err != nil {
		log.Error("call analysis failed, storing empty result", "err", err)
		out.AnalysisErr = err
		res = analysis.Result{}
	}
	out.Analysis = res
	out.AnalysisJSON = res.JSON()

	if p.cfg.Store == nil {
		log.Info("no call record store configured, analysis not persisted", "analysis_bytes", len(out.AnalysisJSON))
		p.cfg.Metrics.RecordFinalize(ctx, observe.OutcomeNoRecord)
		return out
	}

	ok, err := callrecord.MarkEnded(ctx, p.cfg.Store, p.cfg.CallID, out.AnalysisJSON, p.cfg.Now())
	switch {
	case err != nil:
		log.Error("failed to persist call analysis", "err", err)
		out.PersistErr = err
		p.cfg.Metrics.RecordFinalize(ctx, observe.OutcomeFailed)
	case !ok:
		log.Warn("no active call record, analysis not persisted")
		p.cfg.Metrics.RecordFinalize(ctx, observe.OutcomeNoRecord)
	default:
		out.Persisted = true
		log.Info("call finalized", "analysis_bytes", len(out.AnalysisJSON))
		p.cfg.Metrics.RecordFinalize(ctx, observe.OutcomePersisted)
	}
	return out
}
