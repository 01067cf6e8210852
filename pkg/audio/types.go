package audio

import "time"

// AudioFrame is one chunk of little-endian int16 PCM received from a
// participant.
type AudioFrame struct {
	// Data holds the PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (48000 for Discord Opus decode, 16000 for STT).
	SampleRate int

	// Channels is 1 for mono or 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
