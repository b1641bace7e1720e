package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/config"
)

const watcherBaseYAML = `
server:
  log_level: info
providers:
  llm_fast:
    name: openai
  tts:
    name: elevenlabs
workflow:
  bot_name: Eva
  default_language: fr-FR
  languages: [fr-FR, en-US]
`

// watcherDebugYAML is watcherBaseYAML with the log level flipped.
const watcherDebugYAML = `
server:
  log_level: debug
providers:
  llm_fast:
    name: openai
  tts:
    name: elevenlabs
workflow:
  bot_name: Eva
  default_language: fr-FR
  languages: [fr-FR, en-US]
`

// startWatcher writes yaml to a temp config file, starts a fast-polling
// watcher over it, and returns the watcher plus the file path and a counter
// of onChange invocations.
func startWatcher(t *testing.T, yaml string) (*config.Watcher, string, *atomic.Int32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, yaml)

	var fired atomic.Int32
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		fired.Add(1)
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, &fired
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherBaseYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/voxloop.yaml", nil); err == nil {
		t.Fatal("NewWatcher on a missing file: want error")
	}
}

func TestWatcher_ReloadsEditedFile(t *testing.T) {
	t.Parallel()
	w, path, fired := startWatcher(t, watcherBaseYAML)

	rewrite(t, path, watcherDebugYAML)

	if !waitFor(t, 2*time.Second, func() bool { return fired.Load() > 0 }) {
		t.Fatal("onChange never fired after edit")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log_level = %q, want %q after reload", got, config.LogDebug)
	}
}

func TestWatcher_NoReload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
	}{
		{
			name: "invalid edit keeps previous config",
			mutate: func(t *testing.T, path string) {
				rewrite(t, path, "server:\n  log_level: bananas\n")
			},
		},
		{
			name: "touch without content change",
			mutate: func(t *testing.T, path string) {
				now := time.Now().Add(time.Second)
				if err := os.Chtimes(path, now, now); err != nil {
					t.Fatalf("touch %s: %v", path, err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path, fired := startWatcher(t, watcherBaseYAML)

			tt.mutate(t, path)

			// Several polling intervals pass without a callback.
			time.Sleep(300 * time.Millisecond)
			if n := fired.Load(); n != 0 {
				t.Errorf("onChange fired %d times, want 0", n)
			}
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current log_level = %q, want unchanged %q", got, config.LogInfo)
			}
		})
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherBaseYAML)
	w.Stop()
	w.Stop()
}
