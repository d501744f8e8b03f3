package watcher_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/scanrelay/agent/internal/watcher"
)

// ---------------------------------------------------------------------------
// Helpers shared by the backend tests
// ---------------------------------------------------------------------------

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWatcher builds a watcher for root with the given backend, starts it,
// waits for Ready(), and registers Stop via t.Cleanup.
func startWatcher(t *testing.T, root, backend string) watcher.Watcher {
	t.Helper()
	w, err := watcher.NewWatcher(watcher.Config{
		Root:        root,
		Backend:     backend,
		SettleDelay: 100 * time.Millisecond,
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewWatcher(%s): %v", backend, err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	select {
	case <-w.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready() timed out")
	}
	return w
}

// waitCompleted drains events until one classifies as a completed file or
// timeout elapses. It returns the completed path.
func waitCompleted(w watcher.Watcher, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return "", false
			}
			if path, done, _ := watcher.Classify(ev); done {
				return path, true
			}
		case <-deadline:
			return "", false
		}
	}
}

// waitCompletedPath drains events until target is reported as completed.
// Completions for other paths are skipped.
func waitCompletedPath(w watcher.Watcher, target string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return false
			}
			if path, done, _ := watcher.Classify(ev); done && path == target {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// collectCompleted gathers every completed path seen during d.
func collectCompleted(w watcher.Watcher, d time.Duration) []string {
	var paths []string
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return paths
			}
			if path, done, _ := watcher.Classify(ev); done {
				paths = append(paths, path)
			}
		case <-deadline:
			return paths
		}
	}
}

func waitError(w watcher.Watcher, timeout time.Duration) (error, bool) {
	select {
	case err, ok := <-w.Errors():
		return err, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// stopWithin calls Stop and fails the test if it does not return in time.
func stopWithin(t *testing.T, w watcher.Watcher, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("Stop did not return within %s", d)
	}
}
