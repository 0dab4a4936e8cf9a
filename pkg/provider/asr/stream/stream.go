// Package stream implements asr.Provider and asr.Streamer against a remote
// streaming recognition endpoint speaking a Deepgram-style WebSocket
// protocol: binary frames carry PCM upstream, JSON result messages come back
// with interim and final hypotheses.
package stream

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

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/asr"
)

const (
	defaultSampleRate = 16000
	defaultLanguage   = "en"
)

var (
	_ asr.Provider = (*Provider)(nil)
	_ asr.Streamer = (*Provider)(nil)
)

// Provider connects to a remote streaming ASR service.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the remote model name.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// New creates a Provider for the given wss:// endpoint.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("stream: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements asr.Provider by opening a one-shot streaming session,
// pushing the whole utterance, and concatenating the final hypotheses.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	sess, err := p.StartStream(ctx, asr.StreamConfig{})
	if err != nil {
		return asr.Result{}, err
	}

	if err := sess.SendAudio(pcm); err != nil {
		_ = sess.Close()
		return asr.Result{}, err
	}

	// Close flushes the stream; collect finals until the channel closes.
	finals := sess.Finals()
	closeErr := make(chan error, 1)
	go func() { closeErr <- sess.Close() }()

	var parts []string
	var confidence float64
	for {
		select {
		case t, ok := <-finals:
			if !ok {
				if err := <-closeErr; err != nil {
					return asr.Result{}, err
				}
				return asr.Result{Text: strings.Join(parts, " "), Confidence: confidence}, nil
			}
			if t.Text != "" {
				parts = append(parts, t.Text)
				confidence = t.Confidence
			}
		case <-ctx.Done():
			_ = sess.Close()
			return asr.Result{}, fmt.Errorf("stream: %w", ctx.Err())
		}
	}
}

// StartStream implements asr.Streamer.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream: build URL: %w", err)
	}

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Token "+p.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan asr.Transcript, 64),
		finals:   make(chan asr.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
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

	q := u.Query()
	if p.model != "" {
		q.Set("model", p.model)
	}
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "linear16")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resultMessage is the JSON shape of a recognition result event.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type session struct {
	conn     *websocket.Conn
	partials chan asr.Transcript
	finals   chan asr.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ asr.SessionHandle = (*session)(nil)

// SendAudio implements asr.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("stream: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("stream: session is closed")
	}
}

// Partials implements asr.SessionHandle.
func (s *session) Partials() <-chan asr.Transcript { return s.partials }

// Finals implements asr.SessionHandle.
func (s *session) Finals() <-chan asr.Transcript { return s.finals }

// Close implements asr.SessionHandle.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain pending audio so the flush carries the full utterance.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseResult(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.Final {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

func parseResult(data []byte) (asr.Transcript, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return asr.Transcript{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return asr.Transcript{}, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return asr.Transcript{}, false
	}
	return asr.Transcript{
		Text:       alt.Transcript,
		Final:      msg.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
