package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/notetaker/internal/transcript"
	"github.com/MrWong99/notetaker/pkg/audio"
	audiomock "github.com/MrWong99/notetaker/pkg/audio/mock"
	"github.com/MrWong99/notetaker/pkg/provider/stt"
	sttmock "github.com/MrWong99/notetaker/pkg/provider/stt/mock"
	"github.com/MrWong99/notetaker/pkg/provider/vad"
	vadmock "github.com/MrWong99/notetaker/pkg/provider/vad/mock"
)

const waitTimeout = 2 * time.Second

// frame16k returns one 20 ms 16 kHz mono frame.
func frame16k() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	conn *audiomock.Connection
	stt  *sttmock.Provider
	vad  *vadmock.Engine
	agg  *transcript.Aggregator
}

func newFixture() *fixture {
	return &fixture{
		conn: &audiomock.Connection{},
		stt:  &sttmock.Provider{},
		agg:  transcript.NewAggregator(),
	}
}

func (f *fixture) opener(t *testing.T, cfg Config) *Opener {
	t.Helper()
	cfg.Conn = f.conn
	cfg.STT = f.stt
	cfg.Sink = f.agg
	if f.vad != nil {
		cfg.VAD = f.vad
	}
	o, err := NewOpener(cfg)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	return o
}

func TestNewOpener_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewOpener(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"connection", "stt", "sink"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	f := newFixture()
	_, err = NewOpener(Config{
		Conn: f.conn, STT: f.stt, Sink: f.agg, VAD: &vadmock.Engine{},
		VADConfig: vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.6},
	})
	if err == nil {
		t.Error("expected error for inverted VAD thresholds")
	}
}

func TestOpen_ForcesSixteenKilohertzMono(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o := f.opener(t, Config{STTConfig: stt.StreamConfig{SampleRate: 48000, Channels: 2, Language: "multi"}})

	h, err := o.Open(context.Background(), "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close(context.Background())

	got := f.stt.StartStreamCalls[0].Cfg
	if got.SampleRate != 16000 || got.Channels != 1 || got.Language != "multi" {
		t.Errorf("stream config = %+v", got)
	}
}

func TestSession_UngatedPumpAndFinals(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o := f.opener(t, Config{})

	h, err := o.Open(context.Background(), "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess := f.stt.Created()[0]

	// 20 ms of 48 kHz stereo becomes 20 ms of 16 kHz mono.
	f.conn.Feed("A", audio.AudioFrame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2})
	waitFor(t, "audio forwarded", func() bool { return sess.SendAudioCallCount() == 1 })

	sess.EmitFinal("  hello  ")
	sess.EmitFinal("   ")
	sess.EmitFinal("bye")
	waitFor(t, "finals appended", func() bool { return f.agg.Len() == 2 })

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.agg.Flatten(); got != "A: hello\nA: bye" {
		t.Errorf("transcript = %q", got)
	}
	if n := len(sess.SendAudioCalls[0].Chunk); n != 640 {
		t.Errorf("forwarded %d bytes, want 640", n)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("stt close count = %d, want 1", sess.CloseCount())
	}
}

func TestSession_VADGatingWithPreRoll(t *testing.T) {
	t.Parallel()
	f := newFixture()
	vs := &vadmock.Session{
		Script: []vad.VADEventType{
			vad.VADSilence, vad.VADSilence, vad.VADSilence,
			vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechEnd,
			vad.VADSilence,
		},
		EventResult: vad.VADEvent{Type: vad.VADSilence},
	}
	f.vad = &vadmock.Engine{Session: vs}
	o := f.opener(t, Config{PreRollFrames: 2})

	h, err := o.Open(context.Background(), "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess := f.stt.Created()[0]

	for range 7 {
		f.conn.Feed("A", frame16k())
	}
	waitFor(t, "all frames through vad", func() bool { return vs.FrameCount() == 7 })

	// Two pre-roll frames plus start, continue and end.
	if got := sess.SendAudioCallCount(); got != 5 {
		t.Errorf("forwarded frames = %d, want 5", got)
	}
	if got := sess.FlushCount(); got != 1 {
		t.Errorf("flush count = %d, want 1", got)
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if vs.CloseCount() != 1 {
		t.Errorf("vad close count = %d, want 1", vs.CloseCount())
	}
}

func TestSession_VADErrorForwardsAudio(t *testing.T) {
	t.Parallel()
	f := newFixture()
	vs := &vadmock.Session{ProcessFrameErr: errors.New("bad frame")}
	f.vad = &vadmock.Engine{Session: vs}
	o := f.opener(t, Config{})

	h, err := o.Open(context.Background(), "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close(context.Background())
	sess := f.stt.Created()[0]

	f.conn.Feed("A", frame16k())
	f.conn.Feed("A", frame16k())
	waitFor(t, "ungated frames", func() bool { return sess.SendAudioCallCount() == 2 })
}

func TestOpen_STTFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.stt.StartStreamErr = errors.New("deepgram down")
	f.vad = &vadmock.Engine{}
	o := f.opener(t, Config{})

	if _, err := o.Open(context.Background(), "A"); err == nil {
		t.Fatal("expected error")
	}
	if f.vad.CallCount() != 0 {
		t.Error("vad session created after stt failure")
	}
}

func TestOpen_VADFailureClosesSTT(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.vad = &vadmock.Engine{NewSessionErr: errors.New("no model")}
	o := f.opener(t, Config{})

	if _, err := o.Open(context.Background(), "A"); err == nil {
		t.Fatal("expected error")
	}
	created := f.stt.Created()
	if len(created) != 1 || created[0].CloseCount() != 1 {
		t.Error("stt session not closed after vad failure")
	}
}

func TestSession_CloseAfterInputEnds(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o := f.opener(t, Config{})

	h, err := o.Open(context.Background(), "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.conn.CloseStream("A")

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got := f.stt.Created()[0].CloseCount(); got != 1 {
		t.Errorf("stt close count = %d, want 1", got)
	}
}
