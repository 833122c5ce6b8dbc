// Package exec runs an external command-line recognizer once per utterance,
// e.g. a Vosk or whisper.cpp CLI wrapper. The utterance is written to a
// temporary WAV file and the command's stdout is read as the transcript.
//
// The command line is split with shell quoting rules. The placeholders
// {audio} and {language} are replaced in every argument; when no argument
// mentions {audio}, "--audio <path>" is appended, and likewise
// "--language <lang>" when a language is set.
//
// The command prints either a JSON object {"text": "...", "confidence": 0.9}
// or plain text.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/callscribe/pkg/audio/wavfile"
	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/provider/stt/batch"
)

const defaultTimeout = 60 * time.Second

var _ stt.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language passed to the command when the stream
// config does not name one.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds a single command run. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithPartialInterval sets how much new audio triggers a re-run of the
// command on the growing utterance to produce a partial. Defaults to
// [batch.DefaultPartialEvery]; zero disables partials.
func WithPartialInterval(d time.Duration) Option {
	return func(p *Provider) { p.seg.PartialEvery = d }
}

// WithTempDir sets where utterance WAV files are written. Default:
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(p *Provider) { p.tempDir = dir }
}

// Provider implements stt.Provider by running an external command.
type Provider struct {
	args     []string
	language string
	timeout  time.Duration
	tempDir  string
	seg      batch.Config
}

type result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// New parses command and returns a Provider that runs it.
func New(command string, opts ...Option) (*Provider, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("exec: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("exec: command is empty")
	}
	p := &Provider{
		args:    args,
		timeout: defaultTimeout,
		seg: batch.Config{
			Name:         "exec:" + args[0],
			PartialEvery: batch.DefaultPartialEvery,
			MaxBuffer:    batch.DefaultMaxBuffer,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a session that runs the command when the utterance
// ends.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("exec: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("exec: %d channels requested, only mono is supported", cfg.Channels)
	}
	seg := p.seg
	if cfg.SampleRate > 0 {
		seg.SampleRate = cfg.SampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	infer := func(ictx context.Context, samples []int16) (batch.Result, error) {
		return p.run(ictx, samples, seg.SampleRate, lang)
	}
	return batch.NewSession(ctx, seg, infer), nil
}

// run writes samples to a temporary WAV file and runs the command on it.
func (p *Provider) run(ctx context.Context, samples []int16, rate int, lang string) (batch.Result, error) {
	f, err := os.CreateTemp(p.tempDir, "callscribe_utt_*.wav")
	if err != nil {
		return batch.Result{}, fmt.Errorf("exec: temp file: %w", err)
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path)

	w, err := wavfile.Create(path, rate)
	if err != nil {
		return batch.Result{}, fmt.Errorf("exec: %w", err)
	}
	if err := w.Write(samples); err != nil {
		_ = w.Close()
		return batch.Result{}, fmt.Errorf("exec: %w", err)
	}
	if err := w.Close(); err != nil {
		return batch.Result{}, fmt.Errorf("exec: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	args := p.commandArgs(path, lang)
	cmd := osexec.CommandContext(rctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return batch.Result{}, fmt.Errorf("exec: %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(stdout.Bytes()), nil
}

// commandArgs expands placeholders and appends the default flags.
func (p *Provider) commandArgs(audioPath, lang string) []string {
	var hasAudio, hasLang bool
	args := make([]string, 0, len(p.args)+4)
	for _, a := range p.args {
		if strings.Contains(a, "{audio}") {
			hasAudio = true
		}
		if strings.Contains(a, "{language}") {
			hasLang = true
		}
		a = strings.ReplaceAll(a, "{audio}", audioPath)
		a = strings.ReplaceAll(a, "{language}", lang)
		args = append(args, a)
	}
	if !hasAudio {
		args = append(args, "--audio", audioPath)
	}
	if !hasLang && lang != "" {
		args = append(args, "--language", lang)
	}
	return args
}

// parseOutput accepts a JSON result object or plain text.
func parseOutput(out []byte) batch.Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r result
		if err := json.Unmarshal(trimmed, &r); err == nil {
			return batch.Result{Text: r.Text, Confidence: r.Confidence}
		}
	}
	return batch.Result{Text: string(trimmed)}
}
