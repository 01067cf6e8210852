package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/internal/registry"
	"github.com/MrWong99/notetaker/internal/transcript"
	"github.com/MrWong99/notetaker/pkg/audio"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
	"github.com/MrWong99/notetaker/pkg/provider/vad"
)

const (
	defaultFrameMs = 20
	// defaultPreRoll is 200 ms of 20 ms frames.
	defaultPreRoll = 10
)

// DefaultVADConfig is used when Config.VADConfig is the zero value.
var DefaultVADConfig = vad.Config{
	SampleRate:       audio.STTFormat.SampleRate,
	FrameSizeMs:      defaultFrameMs,
	SpeechThreshold:  0.5,
	SilenceThreshold: 0.35,
}

// Config holds what an [Opener] needs to start capture sessions for a call.
type Config struct {
	// Conn supplies each participant's input stream. Required.
	Conn audio.Connection

	// STT starts one recognition stream per participant. Required.
	STT stt.Provider

	// STTConfig carries recognition hints. SampleRate and Channels are always
	// overridden to 16 kHz mono.
	STTConfig stt.StreamConfig

	// VAD gates audio before STT. Nil forwards all audio.
	VAD vad.Engine

	// VADConfig is the per-session VAD configuration. SampleRate is always
	// 16 kHz.
	VADConfig vad.Config

	// PreRollFrames is how many silent frames are replayed to STT when speech
	// starts. Zero uses 10; negative disables pre-roll.
	PreRollFrames int

	// Sink receives completed utterances. Required.
	Sink transcript.Appender

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Opener opens capture sessions. It implements [registry.Opener].
type Opener struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ registry.Opener = (*Opener)(nil)

// NewOpener validates cfg and returns an Opener.
func NewOpener(cfg Config) (*Opener, error) {
	var errs []error
	if cfg.Conn == nil {
		errs = append(errs, errors.New("capture: connection is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("capture: stt provider is required"))
	}
	if cfg.Sink == nil {
		errs = append(errs, errors.New("capture: transcript sink is required"))
	}
	if cfg.VADConfig == (vad.Config{}) {
		cfg.VADConfig = DefaultVADConfig
	}
	cfg.VADConfig.SampleRate = audio.STTFormat.SampleRate
	if cfg.VAD != nil {
		if err := cfg.VADConfig.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	switch {
	case cfg.PreRollFrames == 0:
		cfg.PreRollFrames = defaultPreRoll
	case cfg.PreRollFrames < 0:
		cfg.PreRollFrames = 0
	}
	cfg.STTConfig.SampleRate = audio.STTFormat.SampleRate
	cfg.STTConfig.Channels = audio.STTFormat.Channels

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Opener{cfg: cfg, log: log, metrics: metrics}, nil
}

// Open starts a capture session for participantID. ctx bounds setup only.
// Anything opened before a failure is released.
func (o *Opener) Open(ctx context.Context, participantID string) (registry.Handle, error) {
	log := o.log.With("participant", participantID)

	in := o.cfg.Conn.InputStream(participantID)
	if in == nil {
		o.metrics.RecordSessionFailure(ctx, observe.StageInput)
		return nil, fmt.Errorf("capture: no input stream for %s", participantID)
	}

	sttSess, err := o.cfg.STT.StartStream(ctx, o.cfg.STTConfig)
	if err != nil {
		o.metrics.RecordSessionFailure(ctx, observe.StageSTT)
		return nil, fmt.Errorf("capture: start stt for %s: %w", participantID, err)
	}

	var vadSess vad.SessionHandle
	if o.cfg.VAD != nil {
		vadSess, err = o.cfg.VAD.NewSession(o.cfg.VADConfig)
		if err != nil {
			_ = sttSess.Close()
			o.metrics.RecordSessionFailure(ctx, observe.StageVAD)
			return nil, fmt.Errorf("capture: start vad for %s: %w", participantID, err)
		}
	}

	frameMs := defaultFrameMs
	if vadSess != nil {
		frameMs = o.cfg.VADConfig.FrameSizeMs
	}
	s := &Session{
		participantID: participantID,
		in:            in,
		stt:           sttSess,
		vad:           vadSess,
		adapter:       NewAdapter(participantID, o.cfg.Sink),
		frameMs:       frameMs,
		preRoll:       o.cfg.PreRollFrames,
		log:           log,
		metrics:       o.metrics,
		stop:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
	s.start()
	log.Debug("capture started", "vad", vadSess != nil, "language", o.cfg.STTConfig.Language)
	return s, nil
}
