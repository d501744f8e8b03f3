package watcher_test

import (
	"errors"
	"testing"

	"github.com/scanrelay/agent/internal/watcher"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		ev       watcher.RawEvent
		wantPath string
		wantOK   bool
	}{
		{
			name:     "close write on file",
			ev:       watcher.RawEvent{Kind: watcher.KindAccessCloseWrite, Paths: []string{"/w/a/x.pdf"}},
			wantPath: "/w/a/x.pdf",
			wantOK:   true,
		},
		{
			name:     "first path wins",
			ev:       watcher.RawEvent{Kind: watcher.KindAccessCloseWrite, Paths: []string{"/w/a/x.pdf", "/w/a/y.pdf"}},
			wantPath: "/w/a/x.pdf",
			wantOK:   true,
		},
		{
			name: "close write on directory",
			ev:   watcher.RawEvent{Kind: watcher.KindAccessCloseWrite, Paths: []string{"/w/a"}, Dir: true},
		},
		{
			name: "create",
			ev:   watcher.RawEvent{Kind: watcher.KindCreate, Paths: []string{"/w/a/x.pdf"}},
		},
		{
			name: "modify",
			ev:   watcher.RawEvent{Kind: watcher.KindModify, Paths: []string{"/w/a/x.pdf"}},
		},
		{
			name: "close after read",
			ev:   watcher.RawEvent{Kind: watcher.KindAccessCloseRead, Paths: []string{"/w/a/x.pdf"}},
		},
		{
			name: "open",
			ev:   watcher.RawEvent{Kind: watcher.KindAccessOpen, Paths: []string{"/w/a/x.pdf"}},
		},
		{
			name: "metadata",
			ev:   watcher.RawEvent{Kind: watcher.KindMetadata, Paths: []string{"/w/a/x.pdf"}},
		},
		{
			name: "remove without paths",
			ev:   watcher.RawEvent{Kind: watcher.KindRemove},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path, ok, err := watcher.Classify(tc.ev)
			if err != nil {
				t.Fatalf("Classify: unexpected error %v", err)
			}
			if ok != tc.wantOK || path != tc.wantPath {
				t.Errorf("Classify = (%q, %v), want (%q, %v)", path, ok, tc.wantPath, tc.wantOK)
			}
		})
	}
}

// TestClassify_CloseWriteWithoutPath verifies that a close-write event with no
// path is surfaced as an error instead of being silently ignored.
func TestClassify_CloseWriteWithoutPath(t *testing.T) {
	_, ok, err := watcher.Classify(watcher.RawEvent{Kind: watcher.KindAccessCloseWrite})
	if ok {
		t.Error("expected ok == false")
	}
	if !errors.Is(err, watcher.ErrNoPath) {
		t.Errorf("err = %v, want ErrNoPath", err)
	}
}

func TestEventKind_String(t *testing.T) {
	if got := watcher.KindAccessCloseWrite.String(); got != "access-close-write" {
		t.Errorf("String() = %q", got)
	}
	if got := watcher.EventKind(200).String(); got != "kind(200)" {
		t.Errorf("String() = %q", got)
	}
}
