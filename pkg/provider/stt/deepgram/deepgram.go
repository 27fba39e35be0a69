// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/livecaption/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint      = "wss://api.deepgram.com/v1/listen"
	defaultModel          = "nova-3"
	defaultLanguage       = "multi"
	defaultSampleRate     = 16000
	defaultEncoding       = "linear16"
	defaultEndpointingMs  = 300
	defaultUtteranceEndMs = 1000
	defaultKeepAlive      = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	eventBufferSize       = 64
	closeStreamMessage    = `{"type":"CloseStream"}`
	keepAliveMessage      = `{"type":"KeepAlive"}`
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default recognition language. "multi" enables
// multi-language detection.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Tests point this at a
// local server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithEndpointing sets how many milliseconds of silence end an utterance.
func WithEndpointing(ms int) Option {
	return func(p *Provider) {
		p.endpointingMs = ms
	}
}

// WithUtteranceEnd sets the word gap, in milliseconds, after which Deepgram
// sends an UtteranceEnd message.
func WithUtteranceEnd(ms int) Option {
	return func(p *Provider) {
		p.utteranceEndMs = ms
	}
}

// WithKeepAlive sets the interval between KeepAlive messages.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepAlive = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey         string
	endpoint       string
	model          string
	language       string
	endpointingMs  int
	utteranceEndMs int
	keepAlive      time.Duration
	writeTimeout   time.Duration
	httpClient     *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		endpoint:       deepgramEndpoint,
		model:          defaultModel,
		language:       defaultLanguage,
		endpointingMs:  defaultEndpointingMs,
		utteranceEndMs: defaultUtteranceEndMs,
		keepAlive:      defaultKeepAlive,
		writeTimeout:   defaultWriteTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. ctx
// bounds the handshake and the lifetime of the session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := newSession(ctx, conn, p.keepAlive, p.writeTimeout)
	slog.Info("deepgram: connection opened",
		"model", p.model,
		"keepalive", p.keepAlive,
	)
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
		sr = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}

	q := u.Query()
	q.Set("smart_format", "true")
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(p.endpointingMs))
	q.Set("utterance_end_ms", strconv.Itoa(p.utteranceEndMs))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", encoding)

	for _, kt := range cfg.Keyterms {
		q.Add("keyterm", kt)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}
