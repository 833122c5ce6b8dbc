// Package recording writes each channel's canonical audio to a WAV file so a
// call can be reviewed afterwards. Files are laid out as
// <dir>/<session id>/<channel>.wav.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio/wavfile"
	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrNotRecording is returned by [Recorder.Write] outside a session.
var ErrNotRecording = errors.New("recording: no session")

// Recorder manages the WAV files of one session at a time. Safe for
// concurrent use.
type Recorder struct {
	dir  string
	rate int

	mu      sync.Mutex
	session string
	writers map[types.ChannelRole]*wavfile.Writer
	failed  map[types.ChannelRole]bool
}

// New creates a Recorder storing files under dir at sampleRate.
func New(dir string, sampleRate int) *Recorder {
	return &Recorder{dir: dir, rate: sampleRate}
}

// Begin starts recording sessionID. A session still open is ended first.
func (r *Recorder) Begin(sessionID string) error {
	if _, err := r.End(); err != nil {
		slog.Warn("recording: closing previous session", "err", err)
	}
	path := filepath.Join(r.dir, sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("recording: create %q: %w", path, err)
	}
	r.mu.Lock()
	r.session = sessionID
	r.writers = make(map[types.ChannelRole]*wavfile.Writer)
	r.failed = make(map[types.ChannelRole]bool)
	r.mu.Unlock()
	return nil
}

// Write appends samples to role's file, creating it on first use. After a
// write error the channel stops recording and later writes are ignored.
func (r *Recorder) Write(role types.ChannelRole, samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == "" {
		return ErrNotRecording
	}
	if r.failed[role] {
		return nil
	}
	w, ok := r.writers[role]
	if !ok {
		var err error
		w, err = wavfile.Create(filepath.Join(r.dir, r.session, string(role)+".wav"), r.rate)
		if err != nil {
			r.failed[role] = true
			return err
		}
		r.writers[role] = w
	}
	if err := w.Write(samples); err != nil {
		r.failed[role] = true
		return err
	}
	return nil
}

// End finalises all files and returns their paths.
func (r *Recorder) End() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		paths []string
		errs  []error
	)
	for role, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recording: close %s: %w", role, err))
			continue
		}
		paths = append(paths, w.Path())
		slog.Info("recording: saved channel", "session_id", r.session, "channel", role, "path", w.Path(), "samples", w.Samples())
	}
	r.session = ""
	r.writers = nil
	return paths, errors.Join(errs...)
}
