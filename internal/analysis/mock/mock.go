// Package mock provides a test double for the analysis.Analyzer interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/notetaker/internal/analysis"
)

// Analyzer is a mock implementation of analysis.Analyzer.
type Analyzer struct {
	mu sync.Mutex

	// Result is returned by Analyze.
	Result analysis.Result

	// Err, if non-nil, is returned alongside the empty Result.
	Err error

	// AnalyzeFunc, if set, overrides Result and Err.
	AnalyzeFunc func(ctx context.Context, transcript string) (analysis.Result, error)

	// Transcripts records the transcript passed to every Analyze call.
	Transcripts []string
}

// Analyze records the call and returns Result, Err.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (analysis.Result, error) {
	a.mu.Lock()
	a.Transcripts = append(a.Transcripts, transcript)
	fn, res, err := a.AnalyzeFunc, a.Result, a.Err
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, transcript)
	}
	if err != nil {
		return analysis.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Analyze calls. Thread-safe.
func (a *Analyzer) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Transcripts)
}

// Ensure Analyzer implements analysis.Analyzer at compile time.
var _ analysis.Analyzer = (*Analyzer)(nil)
