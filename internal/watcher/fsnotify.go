package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyWatcher is the portable backend. fsnotify watches are not
// recursive, so every directory is added individually and new directories
// are added as their create events arrive. Platforms without a close
// notification get a synthesized KindAccessCloseWrite once a written file
// has been quiet for the settle delay.
type fsnotifyWatcher struct {
	root        string
	settleDelay time.Duration
	bufferSize  int
	logger      *slog.Logger

	fw      *fsnotify.Watcher
	settler *settler

	events   chan RawEvent
	errs     chan error
	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFsnotifyWatcher(cfg Config, logger *slog.Logger) *fsnotifyWatcher {
	return &fsnotifyWatcher{
		root:        filepath.Clean(cfg.Root),
		settleDelay: cfg.SettleDelay,
		bufferSize:  cfg.BufferSize,
		logger:      logger,
		events:      make(chan RawEvent, cfg.BufferSize),
		errs:        make(chan error, 8),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
	}
}

func (w *fsnotifyWatcher) Backend() string { return BackendFsnotify }

// Start creates the fsnotify watcher, adds the root and every directory
// below it, and launches the event loop.
func (w *fsnotifyWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("fsnotify: watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("fsnotify: watch root %q is not a directory", w.root)
	}

	fw, err := fsnotify.NewBufferedWatcher(uint(w.bufferSize))
	if err != nil {
		return fmt.Errorf("fsnotify: create watcher: %w", err)
	}
	if err := fw.Add(w.root); err != nil {
		_ = fw.Close()
		return fmt.Errorf("fsnotify: cannot watch %q: %w", w.root, err)
	}
	w.fw = fw
	w.settler = newSettler(w.settleDelay, w.bufferSize)
	w.addTree(w.root, false)

	w.logger.Info("fsnotify: watching tree",
		slog.String("root", w.root),
		slog.Int("directories", len(fw.WatchList())),
		slog.Duration("settle_delay", w.settleDelay),
	)

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop closes the fsnotify watcher, waits for the event loop, and closes
// both channels. It is safe to call Stop multiple times, and before Start.
func (w *fsnotifyWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		if w.settler != nil {
			w.settler.stop()
		}
		if w.fw != nil {
			_ = w.fw.Close()
		}
		close(w.events)
		close(w.errs)
	})
}

func (w *fsnotifyWatcher) Events() <-chan RawEvent { return w.events }

func (w *fsnotifyWatcher) Errors() <-chan error { return w.errs }

func (w *fsnotifyWatcher) Ready() <-chan struct{} { return w.ready }

// addTree adds every directory below dir. When emitCreates is set, files
// found during the walk are reported as created and scheduled to settle.
func (w *fsnotifyWatcher) addTree(dir string, emitCreates bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		if !d.IsDir() {
			if emitCreates {
				w.emit(RawEvent{Kind: KindCreate, Paths: []string{path}, Time: time.Now().UTC()})
				w.settler.touch(path)
			}
			return nil
		}
		if err := w.fw.Add(path); err != nil {
			w.logger.Warn("fsnotify: cannot add watch",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return fs.SkipDir
		}
		return nil
	})
}

// run is the single producer of the events channel: it forwards fsnotify
// events and the settler's synthesized close-writes.
func (w *fsnotifyWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	close(w.ready)

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.handle(ev) {
				return
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify: watch error", slog.Any("error", err))
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = ErrOverflow
			}
			w.report(err)
		case path := <-w.settler.settled():
			w.emit(RawEvent{
				Kind:  KindAccessCloseWrite,
				Paths: []string{path},
				Time:  time.Now().UTC(),
			})
		}
	}
}

// handle converts one fsnotify event. It returns false once the root itself
// was removed or renamed.
func (w *fsnotifyWatcher) handle(ev fsnotify.Event) bool {
	path := filepath.Clean(ev.Name)

	if path == w.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		w.logger.Error("fsnotify: watch root removed", slog.String("root", w.root))
		w.report(ErrRootRemoved)
		return false
	}

	isDir := false
	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			isDir = true
		}
	}

	now := time.Now().UTC()
	for _, op := range []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Remove, fsnotify.Rename, fsnotify.Chmod} {
		if !ev.Has(op) {
			continue
		}
		w.emit(RawEvent{Kind: opToKind(op), Paths: []string{path}, Dir: isDir, Time: now})
	}

	switch {
	case isDir:
		if err := w.fw.Add(path); err != nil {
			w.logger.Warn("fsnotify: cannot add watch",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return true
		}
		w.addTree(path, true)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.settler.forget(path)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.settler.touch(path)
	}
	return true
}

func opToKind(op fsnotify.Op) EventKind {
	switch op {
	case fsnotify.Create:
		return KindCreate
	case fsnotify.Write:
		return KindModify
	case fsnotify.Remove:
		return KindRemove
	case fsnotify.Rename:
		return KindRename
	case fsnotify.Chmod:
		return KindMetadata
	default:
		return KindOther
	}
}

func (w *fsnotifyWatcher) emit(ev RawEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *fsnotifyWatcher) report(err error) {
	select {
	case w.errs <- err:
	default:
		w.logger.Warn("fsnotify: error channel full, dropping error", slog.Any("error", err))
	}
}
