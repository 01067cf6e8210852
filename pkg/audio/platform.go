// Package audio defines the interfaces and types for receive-only voice
// channel connectivity used by the note taker.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] is an active, listen-only presence in that channel, giving
//     callers the current participant roster, per-participant input streams,
//     and join/leave events.
//
// There is no output path: a note taker never speaks into the
// call. Platform-specific adapters live in sub-packages (e.g., audio/discord).
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
// Callbacks registered via [Connection.OnParticipantChange] receive values of this type.
type Event struct {
	// Type indicates whether the participant joined or left.
	Type EventType

	// UserID is the platform-specific unique identifier for the participant.
	UserID string

	// Username is the human-readable display name of the participant.
	Username string
}

// Participant is a member of the voice channel at the time [Connection.Participants]
// was called.
type Participant struct {
	UserID   string
	Username string
}

// Connection represents an active, receive-only session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called. Implementations must be safe for
// concurrent use.
type Connection interface {
	// Participants returns the remote participants present in the channel right
	// now, excluding the connection's own user. Callers use it to seed their
	// view of the roster before events start arriving.
	Participants() []Participant

	// InputStream returns the read-only channel that delivers decoded PCM
	// frames for participantID, creating it on first use. The channel is closed
	// when that participant leaves or the connection is torn down; a later call
	// for the same participant returns a fresh channel.
	InputStream(participantID string) <-chan AudioFrame

	// OnParticipantChange registers cb as the callback to invoke whenever a
	// participant joins or leaves the channel. Only one callback may be
	// registered at a time; subsequent calls replace the previous registration.
	// Events are delivered in the order the platform reports them, on the
	// platform's event goroutine, so cb must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect leaves the channel and closes all input streams. It is safe to
	// call Disconnect more than once; subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID, self-muted, and
	// returns an active [Connection]. The supplied ctx governs the connection
	// attempt only; once connected, the Connection stays alive until
	// [Connection.Disconnect] is called.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
