package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// STTFormat is the format every capture session feeds to speech recognition
// and voice-activity detection: 16 kHz mono.
var STTFormat = Format{SampleRate: 16000, Channels: 1}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts incoming frames to a mono target format by
// downmixing first and then resampling. It logs once per stream on the first
// format mismatch and on the first malformed frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	// Logger receives the one-shot mismatch warnings. Defaults to slog.Default().
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert returns frame in the target format. A frame that already matches is
// returned unchanged. Frames whose byte count does not divide into whole
// samples are dropped and returned empty.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: misaligned PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, channels}.String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Debug("audio: converting stream",
			"from", Format{frame.SampleRate, channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if channels > 1 {
		pcm = Downmix(pcm, channels)
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, frame.SampleRate, c.Target.SampleRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages interleaved int16 PCM with the given channel count into
// mono. Trailing bytes that do not form a whole frame are ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// Resample converts 16-bit mono PCM from srcRate to dstRate. Integer
// downsampling ratios (48 kHz to 16 kHz) average each group of source samples,
// which doubles as a cheap low-pass filter; every other ratio falls back to
// linear interpolation.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := len(pcm) / 2

	if srcRate > dstRate && srcRate%dstRate == 0 {
		factor := srcRate / dstRate
		out := make([]byte, (src/factor)*2)
		for i := range src / factor {
			var sum int32
			for j := range factor {
				sum += int32(sample(pcm, i*factor+j))
			}
			putSample(out, i, int16(sum/int32(factor)))
		}
		return out
	}

	dst := int(int64(src) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}
	out := make([]byte, dst*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sample(pcm, idx)
		s1 := s0
		if idx+1 < src {
			s1 = sample(pcm, idx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// Framer re-slices a continuous PCM byte stream into fixed-size frames, as
// needed by frame-based VAD engines.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer emitting frames of frameMs milliseconds in
// format f.
func NewFramer(f Format, frameMs int) *Framer {
	return &Framer{size: f.SampleRate * max(f.Channels, 1) * 2 * frameMs / 1000}
}

// FrameBytes is the size in bytes of each emitted frame.
func (fr *Framer) FrameBytes() int { return fr.size }

// Push appends pcm and returns every complete frame now available. Partial
// remainders are kept for the next call. Returned slices do not alias pcm.
func (fr *Framer) Push(pcm []byte) [][]byte {
	if fr.size <= 0 {
		return nil
	}
	fr.buf = append(fr.buf, pcm...)
	var frames [][]byte
	for len(fr.buf) >= fr.size {
		frame := make([]byte, fr.size)
		copy(frame, fr.buf[:fr.size])
		frames = append(frames, frame)
		fr.buf = fr.buf[fr.size:]
	}
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes not yet emitted.
func (fr *Framer) Pending() int { return len(fr.buf) }

func sample(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

func putSample(out []byte, i int, s int16) {
	out[i*2] = byte(s)
	out[i*2+1] = byte(uint16(s) >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
