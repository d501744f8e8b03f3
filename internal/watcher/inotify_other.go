//go:build !linux

package watcher

import (
	"fmt"
	"log/slog"
)

const defaultBackend = BackendFsnotify

// newInotifyWatcher always fails outside Linux; use the fsnotify backend.
func newInotifyWatcher(_ Config, _ *slog.Logger) (Watcher, error) {
	return nil, fmt.Errorf("%w: inotify", ErrUnsupported)
}
