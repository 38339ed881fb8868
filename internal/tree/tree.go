// Package tree builds and merges immutable directory trees. A Stage is a
// mutable overlay over a base tree: edits touch only the paths they name,
// and Root writes back just the dirty spine. Merge is the three-way tree
// merge used when optimistic commits race.
package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotExist    = errors.New("path does not exist")
	ErrExist       = errors.New("path already exists")
	ErrIsDir       = errors.New("is a directory")
	ErrNotDir      = errors.New("not a directory")
)

// maxNameLen caps a single path element.
const maxNameLen = 255

// ValidName reports whether name is usable as a single path element.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxNameLen {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// SplitPath validates a slash-separated relative path and returns its
// elements. The empty path is the root and returns nil elements.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if !ValidName(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// Load reads and decodes the tree object at d. Undef loads an empty tree.
func Load(ctx context.Context, s store.Store, d object.Digest) (*object.Tree, error) {
	if !d.Defined() {
		return object.NewTree(), nil
	}
	data, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	return object.DecodeTree(data)
}

// Resolve walks path from the tree at root and returns the entry found.
// The root itself resolves to a synthetic dir entry with Target root.
func Resolve(ctx context.Context, s store.Store, root object.Digest, path string) (object.Entry, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return object.Entry{}, err
	}
	cur := object.Entry{Kind: object.KindDir, Target: root}
	for i, name := range parts {
		if cur.Kind != object.KindDir {
			return object.Entry{}, fmt.Errorf("%w: %s", ErrNotDir, strings.Join(parts[:i], "/"))
		}
		t, err := Load(ctx, s, cur.Target)
		if err != nil {
			return object.Entry{}, err
		}
		e, ok := t.Lookup(name)
		if !ok {
			return object.Entry{}, fmt.Errorf("%w: %s", ErrNotExist, strings.Join(parts[:i+1], "/"))
		}
		cur = e
	}
	return cur, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
