package watcher

import "errors"

// ErrNoPath is returned by Classify for a close-write event that carries no
// path.
var ErrNoPath = errors.New("watcher: no path in close-write event")

// Classify reports whether ev means "a file opened for writing has just been
// closed" and, if so, returns that file's path. Create and modify events fire
// repeatedly while a file is being written, so only the close-after-write
// signal marks the content as complete.
//
// Every other kind, and close-write on a directory, yields ok == false with
// a nil error.
func Classify(ev RawEvent) (path string, ok bool, err error) {
	if ev.Kind != KindAccessCloseWrite {
		return "", false, nil
	}
	if len(ev.Paths) == 0 {
		return "", false, ErrNoPath
	}
	if ev.Dir {
		return "", false, nil
	}
	return ev.Paths[0], true, nil
}
