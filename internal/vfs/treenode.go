package vfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/tree"
)

// treeNode is one entry of a pinned, immutable tree: the head tree a
// walk resolved, a log entry's tree, or a snapshot. The pin is the root
// tree digest; everything below it is content-addressed and can never
// go stale.
type treeNode struct {
	ns    *Namespace
	root  object.Digest
	path  string
	entry object.Entry
	mtime time.Time
}

// newTreeDir roots a pinned tree at the given root tree digest.
func newTreeDir(ns *Namespace, root object.Digest, mtime time.Time) *treeNode {
	return &treeNode{
		ns:    ns,
		root:  root,
		entry: object.Entry{Kind: object.KindDir, Target: root},
		mtime: mtime,
	}
}

func (t *treeNode) isDir() bool { return t.entry.Kind == object.KindDir }

func (t *treeNode) Attr(ctx context.Context) (Attr, error) {
	a := Attr{
		Qid:   Qid{Path: qidPath("tree", t.root.String(), t.path), Dir: t.isDir()},
		Mtime: t.mtime,
	}
	switch t.entry.Kind {
	case object.KindDir:
		a.Mode = 0555
	case object.KindExec:
		a.Mode = 0555
		a.Length = t.entry.Size
	default:
		a.Mode = 0444
		a.Length = t.entry.Size
	}
	return a, nil
}

func (t *treeNode) load(ctx context.Context) (*object.Tree, error) {
	return tree.Load(ctx, t.ns.s, t.entry.Target)
}

func (t *treeNode) Child(ctx context.Context, name string) (Node, error) {
	if !t.isDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, t.path)
	}
	tr, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := tr.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &treeNode{ns: t.ns, root: t.root, path: join(t.path, name), entry: e, mtime: t.mtime}, nil
}

func (t *treeNode) Children(ctx context.Context) ([]Dirent, error) {
	if !t.isDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, t.path)
	}
	tr, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Dirent, 0, len(tr.Entries))
	for _, e := range tr.Entries {
		out = append(out, Dirent{
			Name: e.Name,
			Node: &treeNode{ns: t.ns, root: t.root, path: join(t.path, e.Name), entry: e, mtime: t.mtime},
		})
	}
	return out, nil
}

// Open serves blob content. Symlinks read as the target path bytes.
func (t *treeNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	if t.isDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, t.path)
	}
	if flag.CanWrite() {
		return nil, ErrPerm
	}
	data, err := t.ns.s.Get(ctx, t.entry.Target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, t.entry.Target.Short())
		}
		return nil, err
	}
	return &staticHandle{data: data}, nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
