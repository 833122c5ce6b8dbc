// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/batch"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings,
// avoiding the HTTP round trip. The model is loaded once and shared across
// sessions; each inference creates its own context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	seg      batch.Config
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription. Defaults to
// "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativePartialInterval enables periodic partials, see
// [WithPartialInterval].
func WithNativePartialInterval(d time.Duration) NativeOption {
	return func(p *NativeProvider) { p.seg.PartialEvery = d }
}

// WithNativeMaxBufferDuration bounds the buffered audio, see
// [WithMaxBufferDuration].
func WithNativeMaxBufferDuration(d time.Duration) NativeOption {
	return func(p *NativeProvider) { p.seg.MaxBuffer = d }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		seg: batch.Config{
			Name:         "whisper-native",
			SampleRate:   defaultSampleRate,
			PartialEvery: batch.DefaultPartialEvery,
			MaxBuffer:    batch.DefaultMaxBuffer,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. whisper.cpp requires 16 kHz
// mono input, which is what callscribe's canonical format provides.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: %d channels requested, only mono is supported", cfg.Channels)
	}
	if cfg.SampleRate > 0 && cfg.SampleRate != defaultSampleRate {
		return nil, fmt.Errorf("whisper: sample rate %d Hz unsupported, need %d", cfg.SampleRate, defaultSampleRate)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	infer := func(_ context.Context, samples []int16) (batch.Result, error) {
		text, err := p.infer(samples, lang)
		return batch.Result{Text: text}, err
	}
	return batch.NewSession(ctx, p.seg, infer), nil
}

// infer runs whisper.cpp on samples with a fresh context and returns the
// joined segment text. Contexts are not thread-safe but the model is.
func (p *NativeProvider) infer(samples []int16, lang string) (string, error) {
	data := make([]float32, len(samples))
	for i, s := range samples {
		data[i] = float32(s) / 32768
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(data, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
