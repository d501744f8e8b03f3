// Package watcher observes a directory tree and reports raw filesystem
// events, and classifies which of them mean "a file was written and closed".
//
// Two backends are available:
//
//	inotify  (Linux only)  recursive raw inotify; reports IN_CLOSE_WRITE
//	                       directly, so completion is exact.
//	fsnotify (portable)    recursive fsnotify; a close-write event is
//	                       synthesized once a file has been quiet for
//	                       SettleDelay.
//
// NewWatcher selects inotify on Linux and fsnotify elsewhere unless
// Config.Backend names one explicitly.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventKind classifies a raw filesystem event.
type EventKind uint8

const (
	// KindOther is any event the backend does not classify further.
	KindOther EventKind = iota
	// KindCreate indicates a file or directory was created.
	KindCreate
	// KindModify indicates file content was written.
	KindModify
	// KindMetadata indicates permissions, timestamps or other attributes
	// changed.
	KindMetadata
	// KindAccessOpen indicates a file was opened.
	KindAccessOpen
	// KindAccessCloseWrite indicates a file opened for writing was closed.
	KindAccessCloseWrite
	// KindAccessCloseRead indicates a file opened read-only was closed.
	KindAccessCloseRead
	// KindRemove indicates a file or directory was deleted.
	KindRemove
	// KindRename indicates a file or directory was moved.
	KindRename
)

var kindNames = [...]string{
	KindOther:            "other",
	KindCreate:           "create",
	KindModify:           "modify",
	KindMetadata:         "metadata",
	KindAccessOpen:       "access-open",
	KindAccessCloseWrite: "access-close-write",
	KindAccessCloseRead:  "access-close-read",
	KindRemove:           "remove",
	KindRename:           "rename",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// RawEvent is one notification from the watch backend. It is consumed
// immediately by the classifier.
type RawEvent struct {
	// Kind classifies the change.
	Kind EventKind
	// Paths holds the absolute path(s) affected by the event. Backends
	// always emit one path; an empty slice is a backend contract violation
	// surfaced by Classify.
	Paths []string
	// Dir is true when the subject of the event is a directory.
	Dir bool
	// Time is when the backend observed the event.
	Time time.Time
}

// Backend names accepted in Config.Backend.
const (
	BackendAuto     = "auto"
	BackendInotify  = "inotify"
	BackendFsnotify = "fsnotify"
)

// Errors reported on Watcher.Errors.
var (
	// ErrRootRemoved is reported when the watch root is deleted or moved.
	// No further events will arrive; callers should treat it as fatal.
	ErrRootRemoved = errors.New("watcher: watch root removed")
	// ErrOverflow is reported when the kernel event queue overflowed and
	// events were lost.
	ErrOverflow = errors.New("watcher: event queue overflow, events were lost")
	// ErrUnsupported is returned when the requested backend is not
	// available on this platform.
	ErrUnsupported = errors.New("watcher: backend not supported on this platform")
)

// Watcher is a recursive filesystem watcher rooted at one directory.
type Watcher interface {
	// Start attaches the watch to the root and every directory below it
	// and begins delivering events. An error here is a setup failure: the
	// root is missing, not a directory, or cannot be watched.
	Start(ctx context.Context) error
	// Stop releases all resources and closes Events and Errors. It is
	// idempotent.
	Stop()
	// Events returns the ordered stream of raw events. A single goroutine
	// produces it.
	Events() <-chan RawEvent
	// Errors returns asynchronous watch failures.
	Errors() <-chan error
	// Ready is closed once the initial watches are registered.
	Ready() <-chan struct{}
	// Backend returns the backend name, for logging.
	Backend() string
}

// defaultBufferSize is the default capacity of the Events channel.
const defaultBufferSize = 256

// defaultSettleDelay is the fsnotify backend's default quiet period.
const defaultSettleDelay = 2 * time.Second

// Config holds the options used to construct a Watcher.
type Config struct {
	// Root is the absolute, canonicalized directory to watch. Required.
	Root string

	// Backend is one of "auto", "inotify" or "fsnotify". Empty means auto.
	Backend string

	// BufferSize is the capacity of the Events channel. A value of 0 or
	// negative uses defaultBufferSize.
	BufferSize int

	// SettleDelay is the quiet period after the last write before the
	// fsnotify backend reports a close-write. A value of 0 or negative
	// uses defaultSettleDelay. The inotify backend ignores it.
	SettleDelay time.Duration
}

// NewWatcher constructs the Watcher selected by cfg.Backend. The watcher is
// idle until Start is called.
func NewWatcher(cfg Config, logger *slog.Logger) (Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watcher: root is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == "" || backend == BackendAuto {
		backend = defaultBackend
	}

	switch backend {
	case BackendInotify:
		return newInotifyWatcher(cfg, logger)
	case BackendFsnotify:
		return newFsnotifyWatcher(cfg, logger), nil
	default:
		return nil, fmt.Errorf("watcher: unknown backend %q", cfg.Backend)
	}
}
