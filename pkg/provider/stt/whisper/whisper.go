// Package whisper provides whisper.cpp-backed recognition engines.
//
// [Provider] talks to a running whisper-server binary, which exposes a REST
// API at POST /inference. [NativeProvider] links whisper.cpp directly through
// its Go bindings. whisper.cpp is a batch engine, so both buffer the audio of
// an utterance and transcribe it when the session is closed; the
// recognition adapter closes the session once the utterance ends. Partials
// can optionally be produced by re-transcribing the growing buffer at a
// fixed interval.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8081",
//	    whisper.WithLanguage("en"),
//	    whisper.WithPartialInterval(time.Second),
//	)
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Close()
//	transcript := <-handle.Finals()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio/wavfile"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/batch"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). When empty the server uses the model it was started
// with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en").
// Defaults to "en". A StreamConfig language takes precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the sample rate assumed when StreamConfig leaves it
// unset. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.seg.SampleRate = rate
	}
}

// WithPartialInterval sets how often partial transcripts are produced: every
// d of new audio the buffered utterance is transcribed again and the result
// emitted as a partial. Defaults to [batch.DefaultPartialEvery]; zero
// disables partials.
func WithPartialInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.seg.PartialEvery = d
	}
}

// WithMaxBufferDuration sets how much audio may accumulate before a final is
// committed early, bounding memory and request size for very long
// utterances. Defaults to 30s.
func WithMaxBufferDuration(d time.Duration) Option {
	return func(p *Provider) {
		p.seg.MaxBuffer = d
	}
}

// WithHTTPClient replaces the HTTP client. The default has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each keeps its own buffer
// and goroutine.
type Provider struct {
	serverURL  string
	model      string
	language   string
	seg        batch.Config
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL
// (e.g., "http://localhost:8081"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		seg: batch.Config{
			Name:         "whisper",
			SampleRate:   defaultSampleRate,
			PartialEvery: batch.DefaultPartialEvery,
			MaxBuffer:    batch.DefaultMaxBuffer,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No request is made until
// the first partial or the final flush.
//
// Returns an error if ctx is already cancelled or the audio is not mono.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: %d channels requested, only mono is supported", cfg.Channels)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	seg := p.seg
	if cfg.SampleRate > 0 {
		seg.SampleRate = cfg.SampleRate
	}
	infer := func(ictx context.Context, samples []int16) (batch.Result, error) {
		text, err := p.infer(ictx, samples, seg.SampleRate, lang)
		return batch.Result{Text: text}, err
	}
	return batch.NewSession(ctx, seg, infer), nil
}

// infer encodes samples as WAV and POSTs them to the /inference endpoint as
// multipart/form-data.
func (p *Provider) infer(ctx context.Context, samples []int16, rate int, lang string) (string, error) {
	wav, err := wavfile.Encode(samples, rate)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{"response_format": "json", "language": lang, "model": p.model}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}
