// Package energy provides an RMS-energy voice activity detector implementing
// vad.Engine. It needs no model files and no cgo, which makes it the default
// engine for deployments without a neural VAD.
//
// Frame energy is mapped linearly onto a [0, 1] speech probability between a
// noise floor and a ceiling. A segment starts after MinSpeech of frames at or
// above the session's SpeechThreshold and ends after Hangover of frames below
// its SilenceThreshold.
//
// Example:
//
//	eng := energy.New(energy.WithHangover(400 * time.Millisecond))
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20,
//	    SpeechThreshold: 0.5, SilenceThreshold: 0.35})
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/notetaker/pkg/provider/vad"
)

const (
	// defaultFloor is the RMS level (16-bit PCM units) treated as silence.
	defaultFloor = 200.0
	// defaultCeiling is the RMS level treated as certain speech.
	defaultCeiling = 2000.0

	defaultMinSpeech = 40 * time.Millisecond
	defaultHangover  = 300 * time.Millisecond
)

var errClosed = errors.New("energy: session is closed")

// Option configures an Engine.
type Option func(*Engine)

// WithFloor sets the RMS level mapped to probability 0.
func WithFloor(rms float64) Option {
	return func(e *Engine) { e.floor = rms }
}

// WithCeiling sets the RMS level mapped to probability 1.
func WithCeiling(rms float64) Option {
	return func(e *Engine) { e.ceiling = rms }
}

// WithMinSpeech sets how long energy must stay above the speech threshold
// before a segment starts. Filters out clicks and keyboard noise.
func WithMinSpeech(d time.Duration) Option {
	return func(e *Engine) { e.minSpeech = d }
}

// WithHangover sets how long energy must stay below the silence threshold
// before a segment ends.
func WithHangover(d time.Duration) Option {
	return func(e *Engine) { e.hangover = d }
}

// Engine is a stateless factory for energy VAD sessions. Safe for concurrent use.
type Engine struct {
	floor     float64
	ceiling   float64
	minSpeech time.Duration
	hangover  time.Duration
}

// New returns an Engine with the given options applied over the defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		floor:     defaultFloor,
		ceiling:   defaultCeiling,
		minSpeech: defaultMinSpeech,
		hangover:  defaultHangover,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if e.ceiling <= e.floor {
		return nil, fmt.Errorf("energy: ceiling %.0f must exceed floor %.0f", e.ceiling, e.floor)
	}
	frame := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	return &session{
		cfg:            cfg,
		frameBytes:     cfg.FrameBytes(),
		floor:          e.floor,
		span:           e.ceiling - e.floor,
		minSpeechFrame: framesFor(e.minSpeech, frame),
		hangoverFrames: framesFor(e.hangover, frame),
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

func framesFor(d, frame time.Duration) int {
	n := int((d + frame - 1) / frame)
	return max(n, 1)
}

// session holds per-stream hysteresis state. Not safe for concurrent use.
type session struct {
	cfg            vad.Config
	frameBytes     int
	floor          float64
	span           float64
	minSpeechFrame int
	hangoverFrames int

	speaking   bool
	speechRun  int
	silenceRun int
	closed     bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame has %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := s.probability(rms(frame))
	return vad.VADEvent{Type: s.step(p), Probability: p}, nil
}

func (s *session) step(p float64) vad.VADEventType {
	if !s.speaking {
		if p < s.cfg.SpeechThreshold {
			s.speechRun = 0
			return vad.VADSilence
		}
		s.speechRun++
		if s.speechRun < s.minSpeechFrame {
			return vad.VADSilence
		}
		s.speaking = true
		s.silenceRun = 0
		return vad.VADSpeechStart
	}

	if p >= s.cfg.SilenceThreshold {
		s.silenceRun = 0
		return vad.VADSpeechContinue
	}
	s.silenceRun++
	if s.silenceRun < s.hangoverFrames {
		return vad.VADSpeechContinue
	}
	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
	return vad.VADSpeechEnd
}

func (s *session) probability(level float64) float64 {
	p := (level - s.floor) / s.span
	return math.Max(0, math.Min(1, p))
}

func (s *session) Reset() {
	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// rms returns the root-mean-square energy of 16-bit little-endian PCM in
// sample units (0–32767).
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
