//go:build linux

package watcher

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const defaultBackend = BackendInotify

// inotifyMask is the set of events subscribed to on every watched directory.
//
//   - IN_CREATE, IN_MODIFY, IN_ATTRIB: entry created, written, or changed
//   - IN_OPEN, IN_CLOSE_WRITE, IN_CLOSE_NOWRITE: access open/close
//   - IN_DELETE, IN_MOVED_FROM, IN_MOVED_TO: entry removed or moved
//   - IN_DELETE_SELF, IN_MOVE_SELF: the watched directory itself went away
const inotifyMask uint32 = unix.IN_CREATE |
	unix.IN_MODIFY |
	unix.IN_ATTRIB |
	unix.IN_OPEN |
	unix.IN_CLOSE_WRITE |
	unix.IN_CLOSE_NOWRITE |
	unix.IN_DELETE |
	unix.IN_MOVED_FROM |
	unix.IN_MOVED_TO |
	unix.IN_DELETE_SELF |
	unix.IN_MOVE_SELF |
	unix.IN_ONLYDIR

// inotifyEventHeaderSize is the fixed-width portion of a raw inotify_event
// structure. The variable-length name (InotifyEvent.Len bytes) follows it.
const inotifyEventHeaderSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// inotifyWatcher watches a directory tree with one inotify instance. Every
// directory below the root gets its own watch descriptor; directories
// created later are added as their IN_CREATE events arrive.
type inotifyWatcher struct {
	root   string
	logger *slog.Logger

	fd int // inotify file descriptor

	// dirs is touched only by Start (before run begins) and by run.
	dirs map[int32]string // watch descriptor → directory path

	events   chan RawEvent
	errs     chan error
	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newInotifyWatcher(cfg Config, logger *slog.Logger) (Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init: %w", err)
	}
	return &inotifyWatcher{
		root:   filepath.Clean(cfg.Root),
		logger: logger,
		fd:     fd,
		dirs:   make(map[int32]string),
		events: make(chan RawEvent, cfg.BufferSize),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}, nil
}

func (iw *inotifyWatcher) Backend() string { return BackendInotify }

// Start registers a watch on the root and on every directory below it, then
// launches the read loop. Failing to watch the root is fatal; failing to
// watch a subdirectory is logged and skipped.
func (iw *inotifyWatcher) Start(ctx context.Context) error {
	info, err := os.Stat(iw.root)
	if err != nil {
		return fmt.Errorf("inotify: watch root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("inotify: watch root %q is not a directory", iw.root)
	}

	if _, err := iw.addWatch(iw.root); err != nil {
		return fmt.Errorf("inotify: cannot watch %q: %w", iw.root, err)
	}
	iw.addTree(iw.root, false)

	iw.logger.Info("inotify: watching tree",
		slog.String("root", iw.root),
		slog.Int("directories", len(iw.dirs)),
	)

	iw.wg.Add(1)
	go iw.run(ctx)
	return nil
}

// Stop signals the read loop to exit, waits for it, and closes the inotify
// descriptor and both channels. It is safe to call Stop multiple times.
func (iw *inotifyWatcher) Stop() {
	iw.stopOnce.Do(func() {
		close(iw.done)
		iw.wg.Wait()
		// Close the fd only after the goroutine exits to avoid racing its
		// Poll/Read calls.
		_ = unix.Close(iw.fd)
		close(iw.events)
		close(iw.errs)
	})
}

func (iw *inotifyWatcher) Events() <-chan RawEvent { return iw.events }

func (iw *inotifyWatcher) Errors() <-chan error { return iw.errs }

func (iw *inotifyWatcher) Ready() <-chan struct{} { return iw.ready }

func (iw *inotifyWatcher) addWatch(dir string) (int32, error) {
	wd, err := unix.InotifyAddWatch(iw.fd, dir, inotifyMask)
	if err != nil {
		return -1, err
	}
	iw.dirs[int32(wd)] = dir
	return int32(wd), nil
}

// addTree watches every directory below dir. When emitCreates is set, files
// found during the walk appeared in a new directory before its watch was
// attached, so their IN_CLOSE_WRITE may already be gone. Each regular file
// is reported as created and then as close-written; a writer that still
// holds one open produces a second close-write later.
func (iw *inotifyWatcher) addTree(dir string, emitCreates bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			iw.logger.Debug("inotify: walk error",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return nil
		}
		if path == dir {
			return nil
		}
		if !d.IsDir() {
			if emitCreates {
				now := time.Now().UTC()
				iw.emit(RawEvent{Kind: KindCreate, Paths: []string{path}, Time: now})
				if d.Type().IsRegular() {
					iw.emit(RawEvent{Kind: KindAccessCloseWrite, Paths: []string{path}, Time: now})
				}
			}
			return nil
		}
		if _, err := iw.addWatch(path); err != nil {
			iw.logger.Warn("inotify: cannot add watch",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return fs.SkipDir
		}
		return nil
	})
}

// run polls the inotify descriptor and decodes events until Stop is called
// or ctx is cancelled.
func (iw *inotifyWatcher) run(ctx context.Context) {
	defer iw.wg.Done()

	close(iw.ready)

	// Room for many events: header plus up to NAME_MAX+1 bytes of name.
	buf := make([]byte, 64*(inotifyEventHeaderSize+unix.NAME_MAX+1))
	pfd := []unix.PollFd{{Fd: int32(iw.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-iw.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		// A 100 ms timeout keeps the done channel responsive without
		// busy-waiting.
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			iw.logger.Error("inotify: poll error", slog.Any("error", err))
			iw.report(fmt.Errorf("inotify: poll: %w", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(iw.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			iw.logger.Error("inotify: read error", slog.Any("error", err))
			iw.report(fmt.Errorf("inotify: read: %w", err))
			return
		}
		if nr <= 0 {
			continue
		}

		if !iw.parseEvents(buf[:nr]) {
			return
		}
	}
}

// parseEvents decodes a buffer holding one or more consecutive inotify
// events. It returns false once the root is gone and the loop should stop.
func (iw *inotifyWatcher) parseEvents(buf []byte) bool {
	for offset := 0; offset+inotifyEventHeaderSize <= len(buf); {
		// The kernel aligns events to their largest member, so the cast is
		// safe; bounds are checked by the loop condition.
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			// The name is NUL-padded to a 4-byte boundary.
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		if !iw.handle(raw.Wd, raw.Mask, name) {
			return false
		}
	}
	return true
}

// handle turns one decoded inotify event into a RawEvent. It returns false
// when the root itself was removed.
func (iw *inotifyWatcher) handle(wd int32, mask uint32, name string) bool {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		iw.logger.Warn("inotify: kernel event queue overflowed; some events were lost")
		iw.report(ErrOverflow)
		return true
	}

	dir, ok := iw.dirs[wd]
	if !ok {
		return true
	}

	if mask&unix.IN_IGNORED != 0 {
		delete(iw.dirs, wd)
		if dir == iw.root {
			iw.report(ErrRootRemoved)
			return false
		}
		return true
	}

	path := dir
	if name != "" {
		path = filepath.Join(dir, name)
	}
	isDir := mask&unix.IN_ISDIR != 0

	if name == "" && dir == iw.root && mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
		iw.logger.Error("inotify: watch root removed", slog.String("root", iw.root))
		iw.report(ErrRootRemoved)
		return false
	}

	iw.emit(RawEvent{
		Kind:  maskToKind(mask),
		Paths: []string{path},
		Dir:   isDir,
		Time:  time.Now().UTC(),
	})

	if isDir && mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
		if _, err := iw.addWatch(path); err != nil {
			iw.logger.Warn("inotify: cannot add watch",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return true
		}
		iw.logger.Debug("inotify: watching new directory", slog.String("path", path))
		iw.addTree(path, true)
	}
	return true
}

// maskToKind maps a single inotify event mask to an EventKind.
func maskToKind(mask uint32) EventKind {
	switch {
	case mask&unix.IN_CLOSE_WRITE != 0:
		return KindAccessCloseWrite
	case mask&unix.IN_CLOSE_NOWRITE != 0:
		return KindAccessCloseRead
	case mask&unix.IN_OPEN != 0:
		return KindAccessOpen
	case mask&unix.IN_CREATE != 0:
		return KindCreate
	case mask&unix.IN_MODIFY != 0:
		return KindModify
	case mask&unix.IN_ATTRIB != 0:
		return KindMetadata
	case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0:
		return KindRemove
	case mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO|unix.IN_MOVE_SELF) != 0:
		return KindRename
	default:
		return KindOther
	}
}

// emit hands ev to the consumer. It blocks while the channel is full rather
// than dropping completion signals; the kernel queue absorbs bursts and
// reports IN_Q_OVERFLOW if it cannot.
func (iw *inotifyWatcher) emit(ev RawEvent) {
	select {
	case iw.events <- ev:
	case <-iw.done:
	}
}

// report sends err on the errors channel without blocking.
func (iw *inotifyWatcher) report(err error) {
	select {
	case iw.errs <- err:
	default:
		iw.logger.Warn("inotify: error channel full, dropping error", slog.Any("error", err))
	}
}
