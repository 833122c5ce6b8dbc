package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/internal/config"
)

const baseYAML = `
server:
  log_level: info
recognizer:
  engines:
    - name: mock
vocabulary:
  terms: [Acme]
`

// rewrite replaces the file content and moves its mtime forward so the
// change is visible on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	ts := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, name, content string, apply func(config.Reload)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := config.NewWatcher(path, apply, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_DeliversHotReloadDiff(t *testing.T) {
	t.Parallel()
	reloads := make(chan config.Reload, 4)
	w, path := startWatcher(t, "callscribe.yaml", baseYAML, func(r config.Reload) { reloads <- r })

	if got := w.Current().Vocabulary.Terms; len(got) != 1 {
		t.Fatalf("initial terms = %v", got)
	}

	rewrite(t, path, `
server:
  log_level: debug
recognizer:
  engines:
    - name: mock
vocabulary:
  terms: [Acme, Globex]
`, 1)

	var r config.Reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload delivered")
	}
	if !r.Diff.LogLevelChanged || r.Diff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", r.Diff)
	}
	if !r.Diff.VocabularyChanged || r.Diff.KeywordsChanged || r.Diff.HealthChanged {
		t.Errorf("diff flags = %+v", r.Diff)
	}
	if r.Old.Server.LogLevel != config.LogInfo || r.New != w.Current() {
		t.Error("reload does not carry the previous and current config")
	}
	if s := w.Stats(); s.Reloads != 1 || s.Rejected != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWatcher_RejectsBadEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"invalid level", "server:\n  log_level: loud\n"},
		{"unknown key", "server:\n  colour: blue\n"},
		{"not yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			applied := make(chan struct{}, 1)
			w, path := startWatcher(t, "c.yaml", baseYAML, func(config.Reload) { applied <- struct{}{} })

			rewrite(t, path, tt.content, 1)
			eventually(t, "rejection", func() bool { return w.Stats().Rejected > 0 })

			select {
			case <-applied:
				t.Fatal("a rejected file must not be applied")
			default:
			}
			if w.Current().Server.LogLevel != config.LogInfo {
				t.Error("last good config was replaced")
			}
			if w.Stats().LastError == nil {
				t.Error("LastError not recorded")
			}
		})
	}
}

func TestWatcher_RecoversAfterFix(t *testing.T) {
	t.Parallel()
	reloads := make(chan config.Reload, 4)
	w, path := startWatcher(t, "c.yaml", baseYAML, func(r config.Reload) { reloads <- r })

	rewrite(t, path, "server:\n  log_level: loud\n", 1)
	eventually(t, "rejection", func() bool { return w.Stats().Rejected > 0 })

	rewrite(t, path, "server:\n  log_level: warn\nrecognizer:\n  engines:\n    - name: mock\nvocabulary:\n  terms: [Acme]\n", 2)
	select {
	case r := <-reloads:
		if r.Diff.NewLogLevel != config.LogWarn {
			t.Errorf("level = %q", r.Diff.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fixed file was not applied")
	}
	if w.Stats().LastError != nil {
		t.Error("LastError not cleared by a good reload")
	}
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	applied := make(chan struct{}, 1)
	w, path := startWatcher(t, "c.yaml", baseYAML, func(config.Reload) { applied <- struct{}{} })

	rewrite(t, path, baseYAML, 1)
	eventually(t, "a poll after the touch", func() bool {
		return !w.Stats().LastCheck.IsZero()
	})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-applied:
		t.Fatal("touch without content change was applied")
	default:
	}
	if s := w.Stats(); s.Reloads != 0 || s.Rejected != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWatcher_RestartOnlyChangeIsNotApplied(t *testing.T) {
	t.Parallel()
	applied := make(chan struct{}, 1)
	w, path := startWatcher(t, "c.yaml", baseYAML, func(config.Reload) { applied <- struct{}{} })

	rewrite(t, path, `
server:
  log_level: info
  listen_addr: ":9999"
recognizer:
  engines:
    - name: mock
vocabulary:
  terms: [Acme]
`, 1)
	eventually(t, "reload", func() bool { return w.Stats().Reloads == 1 })

	select {
	case <-applied:
		t.Fatal("listen_addr is not hot-reloadable")
	default:
	}
	if got := w.Current().Server.ListenAddr; got != ":9999" {
		t.Errorf("Current().Server.ListenAddr = %q", got)
	}
}

func TestWatcher_TOML(t *testing.T) {
	t.Parallel()
	reloads := make(chan config.Reload, 1)
	w, path := startWatcher(t, "c.toml", "[server]\nlog_level = \"warn\"\n", func(r config.Reload) { reloads <- r })

	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("initial level = %q", got)
	}
	rewrite(t, path, "[server]\nlog_level = \"error\"\n", 1)
	select {
	case r := <-reloads:
		if r.New.Server.LogLevel != config.LogError {
			t.Errorf("level = %q", r.New.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("toml change not applied")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	w, path := startWatcher(t, "c.yaml", baseYAML, nil)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	eventually(t, "rejection", func() bool { return w.Stats().Rejected > 0 })
	if w.Current() == nil {
		t.Error("config dropped after the file disappeared")
	}
	w.Stop()
	w.Stop()
}
