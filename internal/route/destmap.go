// Package route maps a changed file to the destination that should receive
// it. A Resolver turns an absolute path into the file's parent directory and
// name relative to the watch root; a DestinationMap turns that parent
// directory into a destination identifier.
//
// Both types are immutable after construction and safe for concurrent use
// without locking.
package route

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Entry is one directory-to-destination pair.
type Entry struct {
	Dir         string
	Destination string
}

// DestinationMap is a read-only lookup from a directory name, relative to
// the watch root, to a destination identifier.
type DestinationMap struct {
	entries map[string]string
}

// NewDestinationMap copies entries into a DestinationMap. Keys are
// case-sensitive directory names. Unless allowNested is set, each key must be
// exactly one path segment; with allowNested, "/"-separated keys such as
// "invoices/2024" are accepted and matched against the full relative parent
// directory.
func NewDestinationMap(entries map[string]string, allowNested bool) (*DestinationMap, error) {
	dirs := make([]string, 0, len(entries))
	for dir := range entries {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var errs []error
	m := make(map[string]string, len(entries))
	for _, dir := range dirs {
		dest := entries[dir]
		if err := checkKey(dir, allowNested); err != nil {
			errs = append(errs, err)
			continue
		}
		if strings.TrimSpace(dest) == "" {
			errs = append(errs, fmt.Errorf("route: directory %q has an empty destination", dir))
			continue
		}
		m[dir] = dest
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &DestinationMap{entries: m}, nil
}

func checkKey(dir string, allowNested bool) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("route: empty directory name")
	}
	if strings.ContainsRune(dir, '\\') {
		return fmt.Errorf("route: directory %q contains a backslash", dir)
	}
	segments := strings.Split(dir, "/")
	if len(segments) > 1 && !allowNested {
		return fmt.Errorf("route: directory %q has more than one path segment; nested keys require allow_nested", dir)
	}
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return fmt.Errorf("route: directory %q has an invalid segment %q", dir, s)
		}
	}
	return nil
}

// Lookup returns the destination mapped to dir, or ok == false when dir is
// unmapped.
func (m *DestinationMap) Lookup(dir string) (destination string, ok bool) {
	destination, ok = m.entries[dir]
	return destination, ok
}

// Len returns the number of mapped directories.
func (m *DestinationMap) Len() int { return len(m.entries) }

// Entries returns the mapping sorted by directory name.
func (m *DestinationMap) Entries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for dir, dest := range m.entries {
		out = append(out, Entry{Dir: dir, Destination: dest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}
