// Package transcript holds the shared, append-only transcript of a call.
//
// Every participant's capture adapter appends completed utterances to the
// same [Aggregator]. Lines are ordered by insertion, which equals utterance
// completion order across all participants. The aggregate is read once, by
// the finalization pipeline, after all sessions have been drained.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Line is one attributed utterance. Immutable once appended.
type Line struct {
	// Seq is the zero-based insertion index within the call.
	Seq int

	// ParticipantID identifies the speaker.
	ParticipantID string

	// Text is the trimmed utterance text.
	Text string

	// At is the wall-clock time the line was appended.
	At time.Time
}

// String renders the line as "<participant>: <text>".
func (l Line) String() string {
	return l.ParticipantID + ": " + l.Text
}

// Appender is the write side of an Aggregator, handed to capture adapters.
type Appender interface {
	Append(participantID, text string)
}

// Aggregator is a concurrency-safe ordered transcript buffer.
// The zero value is ready to use.
type Aggregator struct {
	mu    sync.Mutex
	lines []Line
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Append records one utterance for participantID.
func (a *Aggregator) Append(participantID, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, Line{
		Seq:           len(a.lines),
		ParticipantID: participantID,
		Text:          text,
		At:            time.Now(),
	})
}

// Lines returns a copy of all lines in insertion order.
func (a *Aggregator) Lines() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// Len returns the number of appended lines.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lines)
}

// Flatten renders the transcript as newline-separated "<participant>: <text>"
// lines. An empty aggregator flattens to "".
func (a *Aggregator) Flatten() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for i, l := range a.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.ParticipantID)
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	return b.String()
}

var _ Appender = (*Aggregator)(nil)
