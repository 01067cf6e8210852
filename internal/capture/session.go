package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/notetaker/internal/observe"
	"github.com/MrWong99/notetaker/pkg/audio"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
	"github.com/MrWong99/notetaker/pkg/provider/vad"
)

// Session is one participant's live capture pipeline. It implements
// registry.Handle.
type Session struct {
	participantID string
	in            <-chan audio.AudioFrame
	stt           stt.SessionHandle
	vad           vad.SessionHandle // nil disables gating
	adapter       *Adapter
	frameMs       int
	preRoll       int
	log           *slog.Logger
	metrics       *observe.Metrics

	stop      chan struct{}
	pumpDone  chan struct{}
	consumers sync.WaitGroup

	// Pump state.
	speaking   bool
	buffered   [][]byte
	sendWarned bool
	vadWarned  bool

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) start() {
	s.consumers.Go(s.consumeFinals)
	s.consumers.Go(s.drainPartials)
	go s.pump()
}

// pump forwards the participant's audio to STT until the input stream ends
// or the session is closed.
func (s *Session) pump() {
	defer close(s.pumpDone)

	conv := &audio.FormatConverter{Target: audio.STTFormat, Logger: s.log}
	framer := audio.NewFramer(audio.STTFormat, s.frameMs)
	for {
		select {
		case <-s.stop:
			return
		case frame, ok := <-s.in:
			if !ok {
				s.log.Debug("input stream ended")
				return
			}
			pcm := conv.Convert(frame).Data
			if len(pcm) == 0 {
				continue
			}
			if s.vad == nil {
				s.send(pcm)
				continue
			}
			for _, f := range framer.Push(pcm) {
				s.gate(f)
			}
		}
	}
}

// gate runs one VAD frame. Silence is kept in a short pre-roll buffer so the
// start of each utterance reaches STT; speech end asks STT to flush.
func (s *Session) gate(frame []byte) {
	ev, err := s.vad.ProcessFrame(frame)
	if err != nil {
		if !s.vadWarned {
			s.vadWarned = true
			s.log.Warn("vad frame failed, forwarding ungated audio", "err", err)
		}
		s.send(frame)
		return
	}

	switch {
	case ev.Type.Speaking():
		if !s.speaking {
			s.speaking = true
			for _, b := range s.buffered {
				s.send(b)
			}
			s.buffered = s.buffered[:0]
		}
		s.send(frame)
	case ev.Type == vad.VADSpeechEnd:
		s.send(frame)
		s.speaking = false
		if f, ok := s.stt.(stt.Flusher); ok {
			if err := f.Flush(); err != nil {
				s.log.Debug("stt flush failed", "err", err)
			}
		}
	default:
		s.speaking = false
		if s.preRoll <= 0 {
			return
		}
		if len(s.buffered) == s.preRoll {
			copy(s.buffered, s.buffered[1:])
			s.buffered = s.buffered[:len(s.buffered)-1]
		}
		s.buffered = append(s.buffered, frame)
	}
}

func (s *Session) send(pcm []byte) {
	if err := s.stt.SendAudio(pcm); err != nil && !s.sendWarned {
		s.sendWarned = true
		s.log.Warn("stt send failed", "err", err)
	}
}

func (s *Session) consumeFinals() {
	finals := s.stt.Finals()
	if finals == nil {
		return
	}
	for t := range finals {
		if s.adapter.UtteranceComplete(t.Text) {
			s.metrics.Utterances.Add(context.Background(), 1)
		}
	}
}

// drainPartials discards interim results; only finals enter the transcript.
func (s *Session) drainPartials() {
	partials := s.stt.Partials()
	if partials == nil {
		return
	}
	for range partials {
	}
}

// Close stops the pump, closes the STT stream (which delivers any remaining
// finals), waits for the final consumer, then closes VAD. ctx bounds the
// waits. Calling Close more than once returns the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Session) close(ctx context.Context) error {
	var errs []error

	close(s.stop)
	select {
	case <-s.pumpDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("capture: wait for pump: %w", ctx.Err()))
	}

	if err := s.stt.Close(); err != nil {
		errs = append(errs, fmt.Errorf("capture: close stt: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		s.consumers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("capture: drain finals: %w", ctx.Err()))
	}

	if s.vad != nil {
		if err := s.vad.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: close vad: %w", err))
		}
	}
	return errors.Join(errs...)
}
