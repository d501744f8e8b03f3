package route

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Resolution errors. They are returned wrapped with the offending path.
var (
	// ErrNotRelative is returned when a path cannot be expressed relative to
	// the watch root, for example because it lies outside it.
	ErrNotRelative = errors.New("cannot get relative path of modified file")
	// ErrNoParent is returned for the root itself and for files sitting
	// directly in the root, which have no owning subdirectory.
	ErrNoParent = errors.New("no parent folder to modified file")
	// ErrNoFilename is returned when the relative path has no final element.
	ErrNoFilename = errors.New("modified file has no filename")
	// ErrInvalidText is returned when the parent directory or the filename
	// is not valid UTF-8.
	ErrInvalidText = errors.New("path is not valid utf-8")
)

// Location is a changed file placed relative to the watch root.
type Location struct {
	// Relative is the slash-separated path relative to the root.
	Relative string
	// Parent is the slash-separated relative parent directory, e.g.
	// "invoices" or "invoices/2024". It is the DestinationMap lookup key.
	Parent string
	// Filename is the final path element.
	Filename string
}

// Resolver computes Locations relative to a fixed root.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver for root, which must be absolute. The
// caller is expected to pass the canonicalized watch root.
func NewResolver(root string) (*Resolver, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("route: watch root %q is not absolute", root)
	}
	return &Resolver{root: filepath.Clean(root)}, nil
}

// Root returns the cleaned watch root.
func (r *Resolver) Root() string { return r.root }

// Resolve places path relative to the root. It never panics; every failure
// is one of the package's sentinel errors wrapped with the path.
func (r *Resolver) Resolve(path string) (Location, error) {
	if !filepath.IsAbs(path) {
		return Location{}, fmt.Errorf("%w: %q", ErrNotRelative, path)
	}
	rel, err := filepath.Rel(r.root, filepath.Clean(path))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %q: %v", ErrNotRelative, path, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Location{}, fmt.Errorf("%w: %q is outside %q", ErrNotRelative, path, r.root)
	}
	if rel == "." {
		return Location{}, fmt.Errorf("%w: %q", ErrNoParent, path)
	}

	dir, name := filepath.Split(rel)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" {
		return Location{}, fmt.Errorf("%w: %q", ErrNoParent, path)
	}
	if name == "" {
		return Location{}, fmt.Errorf("%w: %q", ErrNoFilename, path)
	}

	parent := filepath.ToSlash(dir)
	if !utf8.ValidString(parent) {
		return Location{}, fmt.Errorf("%w: parent folder of %q", ErrInvalidText, path)
	}
	if !utf8.ValidString(name) {
		return Location{}, fmt.Errorf("%w: filename of %q", ErrInvalidText, path)
	}

	return Location{
		Relative: filepath.ToSlash(rel),
		Parent:   parent,
		Filename: name,
	}, nil
}
