// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio and emits two
// streams of Transcript values. Partials are low-latency guesses; finals are
// the committed utterances that end up in the call transcript.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Capture sessions always send
	// 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the recognition language tag (e.g., "en-US", or "multi" for
	// Deepgram's code-switching mode). Empty uses the provider default.
	Language string

	// Keywords is a list of vocabulary hints (product names, people, jargon)
	// that increase recognition probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw little-endian int16 PCM matching the
	// agreed StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim transcripts. Consumers
	// that do not need them must still drain the channel or accept that the
	// provider drops partials when it is full. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of committed transcripts. Closed when
	// the session ends, after every final produced by already-sent audio has
	// been delivered.
	Finals() <-chan Transcript

	// Close stops accepting audio, asks the provider to finish transcribing
	// what it has, waits for the remaining finals to be delivered, and releases
	// all resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Flusher is implemented by sessions that can be told an utterance is over,
// forcing the provider to emit a final for buffered audio without waiting for
// its own endpointing.
type Flusher interface {
	Flush() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions are open
// simultaneously, one per call participant.
type Provider interface {
	// StartStream opens a new streaming transcription session. ctx governs the
	// setup only; the session lives until Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
