// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// The defaults match a multilingual meeting transcriber: nova-3 in
// code-switching ("multi") mode with smart formatting, numerals, filler words,
// a short 25 ms endpointing window, and model-improvement opt-out.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/notetaker/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "multi"
	defaultSampleRate = 16000
	defaultEndpointMs = 25

	// keepAliveInterval keeps the socket open across long silences; Deepgram
	// closes idle streams after roughly ten seconds without data.
	keepAliveInterval = 5 * time.Second

	// closeTimeout bounds how long Close waits for the server to flush the
	// remaining finals after CloseStream.
	closeTimeout = 5 * time.Second
)

var (
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
)

// ErrSessionClosed is returned by SendAudio and Flush after Close.
var ErrSessionClosed = errors.New("deepgram: session is closed")

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the recognition language ("multi", "en", "hi", ...).
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpointing sets the silence duration in milliseconds after which
// Deepgram finalizes an utterance. Zero disables endpointing.
func WithEndpointing(ms int) Option {
	return func(p *Provider) { p.endpointingMs = ms }
}

// WithFeatures overrides the boolean recognition features.
func WithFeatures(f Features) Option {
	return func(p *Provider) { p.features = f }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and for
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Features are the boolean query parameters sent on every stream.
type Features struct {
	InterimResults  bool
	Punctuate       bool
	SmartFormat     bool
	Numerals        bool
	NoDelay         bool
	FillerWords     bool
	ProfanityFilter bool
	MIPOptOut       bool
}

// DefaultFeatures is the feature set used when WithFeatures is not given.
var DefaultFeatures = Features{
	InterimResults: true,
	Punctuate:      true,
	SmartFormat:    true,
	Numerals:       true,
	NoDelay:        true,
	FillerWords:    true,
	MIPOptOut:      true,
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	language      string
	sampleRate    int
	endpointingMs int
	features      Features
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		endpoint:      deepgramEndpoint,
		model:         defaultModel,
		language:      defaultLanguage,
		sampleRate:    defaultSampleRate,
		endpointingMs: defaultEndpointMs,
		features:      DefaultFeatures,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. ctx
// bounds the WebSocket handshake only.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		control:  make(chan []byte, 4),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("endpointing", endpointingParam(p.endpointingMs))

	f := p.features
	q.Set("interim_results", strconv.FormatBool(f.InterimResults))
	q.Set("punctuate", strconv.FormatBool(f.Punctuate))
	q.Set("smart_format", strconv.FormatBool(f.SmartFormat))
	q.Set("numerals", strconv.FormatBool(f.Numerals))
	q.Set("no_delay", strconv.FormatBool(f.NoDelay))
	q.Set("filler_words", strconv.FormatBool(f.FillerWords))
	q.Set("profanity_filter", strconv.FormatBool(f.ProfanityFilter))
	q.Set("mip_opt_out", strconv.FormatBool(f.MIPOptOut))

	// nova-3 replaced boosted keywords with plain key terms.
	for _, kw := range cfg.Keywords {
		if strings.HasPrefix(p.model, "nova-3") {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func endpointingParam(ms int) string {
	if ms <= 0 {
		return "false"
	}
	return strconv.Itoa(ms)
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle
// and stt.Flusher.
//
// All socket writes happen on writeLoop. Close asks writeLoop to send
// CloseStream, then waits for readLoop to see the server close the stream so
// that trailing finals are not lost.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte
	control  chan []byte

	closing  chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	}
}

// Flush asks Deepgram to finalize whatever audio it has buffered.
func (s *session) Flush() error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	select {
	case s.control <- msgFinalize:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	default:
		// A flush is already queued.
		return nil
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close drains queued audio, sends CloseStream, waits up to closeTimeout for
// the server to deliver the remaining results, and then tears down the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closing)
		select {
		case <-s.readDone:
		case <-time.After(closeTimeout):
		}
		s.cancel()
		s.wg.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop is the only writer on the socket. It forwards audio and control
// messages, sends KeepAlive while idle, and on close drains the audio queue
// before sending CloseStream.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			lastWrite = time.Now()
		case msg := <-s.control:
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < keepAliveInterval {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return
			}
			lastWrite = time.Now()
		case <-s.closing:
			if s.drainAudio(ctx) {
				_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
			}
			return
		}
	}
}

// drainAudio writes every chunk still queued. It reports false if the socket
// failed.
func (s *session) drainAudio(ctx context.Context) bool {
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them. Finals are
// delivered with backpressure until the session is torn down; partials are
// dropped when nobody keeps up with them.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			if t.Text == "" {
				continue
			}
			select {
			case s.finals <- t:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case s.partials <- t:
			default:
			}
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	t := stt.Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(resp.Start),
		Duration:   seconds(resp.Duration),
	}
	if len(alt.Languages) > 0 {
		t.Language = alt.Languages[0]
	}
	return t, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
