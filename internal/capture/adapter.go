// Package capture turns one participant's voice stream into transcript
// lines.
//
// Each participant gets a [Session]: a pump that converts their audio to
// 16 kHz mono, gates it through voice activity detection, and streams it to
// speech recognition, plus a consumer that hands every final transcript to an
// [Adapter]. Capture is record-only; nothing is ever spoken back into the
// call.
package capture

import (
	"strings"

	"github.com/MrWong99/notetaker/internal/transcript"
)

// Adapter attributes completed utterances to one participant and appends
// them to the call transcript.
type Adapter struct {
	participantID string
	sink          transcript.Appender
}

// NewAdapter returns an Adapter writing participantID's utterances to sink.
func NewAdapter(participantID string, sink transcript.Appender) *Adapter {
	return &Adapter{participantID: participantID, sink: sink}
}

// UtteranceComplete appends text as one line. Blank utterances are ignored.
// It reports whether a line was appended.
func (a *Adapter) UtteranceComplete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	a.sink.Append(a.participantID, text)
	return true
}
