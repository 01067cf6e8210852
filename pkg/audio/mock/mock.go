// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := &mock.Connection{
//	    ParticipantsResult: []audio.Participant{{UserID: "user-1"}},
//	}
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	conn.Feed("user-1", frame)
//	conn.EmitEvent(audio.Event{Type: audio.EventLeave, UserID: "user-1"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/notetaker/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported Result fields before use; inspect the Call* fields after.
type Connection struct {
	mu sync.Mutex

	// ParticipantsResult is returned by [Connection.Participants].
	ParticipantsResult []audio.Participant

	// StreamBuffer is the capacity of input channels created on demand.
	// Defaults to 64.
	StreamBuffer int

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	// CallCountParticipants records how many times Participants was called.
	CallCountParticipants int

	// InputStreamCalls records the participant ID of every InputStream call.
	InputStreamCalls []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// CallCountOnParticipantChange records how many times OnParticipantChange was called.
	CallCountOnParticipantChange int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(audio.Event)

	streams map[string]chan audio.AudioFrame
}

// Participants implements [audio.Connection]. Returns a copy of ParticipantsResult.
func (c *Connection) Participants() []audio.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountParticipants++
	out := make([]audio.Participant, len(c.ParticipantsResult))
	copy(out, c.ParticipantsResult)
	return out
}

// InputStream implements [audio.Connection]. The channel is created on first
// use and shared with [Connection.Feed].
func (c *Connection) InputStream(participantID string) <-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputStreamCalls = append(c.InputStreamCalls, participantID)
	return c.streamLocked(participantID)
}

func (c *Connection) streamLocked(participantID string) chan audio.AudioFrame {
	if c.streams == nil {
		c.streams = make(map[string]chan audio.AudioFrame)
	}
	ch, ok := c.streams[participantID]
	if !ok {
		size := c.StreamBuffer
		if size <= 0 {
			size = 64
		}
		ch = make(chan audio.AudioFrame, size)
		c.streams[participantID] = ch
	}
	return ch
}

// Feed delivers frame on participantID's input stream, creating it if needed.
// It blocks if the stream buffer is full.
func (c *Connection) Feed(participantID string, frame audio.AudioFrame) {
	c.mu.Lock()
	ch := c.streamLocked(participantID)
	c.mu.Unlock()
	ch <- frame
}

// CloseStream closes participantID's input stream, as the platform does when
// the participant leaves.
func (c *Connection) CloseStream(participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.streams[participantID]; ok {
		close(ch)
		delete(c.streams, participantID)
	}
}

// OnParticipantChange implements [audio.Connection].
// The callback is appended to RecordedCallbacks. To simulate events in tests,
// call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection]. Closes every input stream and
// returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	for id, ch := range c.streams {
		close(ch)
		delete(c.streams, id)
	}
	return c.DisconnectError
}

// DisconnectCount returns CallCountDisconnect. Thread-safe.
func (c *Connection) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// EmitEvent calls all registered participant-change callbacks with the given event.
// Use this in tests to simulate participants joining or leaving.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

var _ audio.Connection = (*Connection)(nil)

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// ConnectFunc, when set, replaces ConnectResult / ConnectError. It is
	// called without the mock's lock held, so it may block.
	ConnectFunc func(ctx context.Context, channelID string) (audio.Connection, error)
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectFunc's result, or ConnectResult / ConnectError.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	fn, conn, err := p.ConnectFunc, p.ConnectResult, p.ConnectError
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, channelID)
	}
	return conn, err
}

var _ audio.Platform = (*Platform)(nil)
