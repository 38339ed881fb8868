package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// node is one entry in the overlay. Clean nodes carry the digest of their
// stored form; dirty nodes carry staged state that Root writes back.
type node struct {
	kind   object.Kind
	target object.Digest
	size   int64

	// dirs
	children  map[string]*node
	loaded    bool
	explicit  bool // created by Mkdir; survives emptying
	pruneable bool // lost a child to Remove in this stage

	// files
	content    []byte
	hasContent bool

	dirty bool
}

// Stage is a mutable overlay over a base tree. It is not safe for
// concurrent use; callers serialize access.
type Stage struct {
	store store.Store
	base  object.Digest
	root  *node
}

// NewStage opens an overlay over the tree at base. Undef starts from an
// empty tree.
func NewStage(ctx context.Context, s store.Store, base object.Digest) (*Stage, error) {
	st := &Stage{store: s, base: base}
	if base.Defined() {
		st.root = &node{kind: object.KindDir, target: base}
		if err := st.loadDir(ctx, st.root); err != nil {
			return nil, err
		}
	} else {
		st.root = &node{kind: object.KindDir, loaded: true, dirty: true, children: map[string]*node{}}
	}
	return st, nil
}

// Base returns the tree digest the stage was opened over.
func (st *Stage) Base() object.Digest { return st.base }

func (st *Stage) loadDir(ctx context.Context, n *node) error {
	if n.loaded {
		return nil
	}
	t, err := Load(ctx, st.store, n.target)
	if err != nil {
		return err
	}
	n.children = make(map[string]*node, len(t.Entries))
	for _, e := range t.Entries {
		n.children[e.Name] = &node{kind: e.Kind, target: e.Target, size: e.Size}
	}
	n.loaded = true
	return nil
}

// walk resolves the parent directory of path, optionally creating missing
// intermediate directories. Returns the parent node, the final element,
// and the dirs traversed (root first, parent last) for dirty marking.
func (st *Stage) walk(ctx context.Context, path string, create bool) (*node, string, []*node, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, "", nil, err
	}
	if len(parts) == 0 {
		return nil, "", nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	cur := st.root
	spine := []*node{cur}
	for _, name := range parts[:len(parts)-1] {
		if err := st.loadDir(ctx, cur); err != nil {
			return nil, "", nil, err
		}
		child, ok := cur.children[name]
		if !ok {
			if !create {
				return nil, "", nil, fmt.Errorf("%w: %s", ErrNotExist, path)
			}
			child = &node{kind: object.KindDir, loaded: true, dirty: true, children: map[string]*node{}}
			cur.children[name] = child
		}
		if child.kind != object.KindDir {
			return nil, "", nil, fmt.Errorf("%w: %s", ErrNotDir, path)
		}
		cur = child
		spine = append(spine, cur)
	}
	if err := st.loadDir(ctx, cur); err != nil {
		return nil, "", nil, err
	}
	return cur, parts[len(parts)-1], spine, nil
}

func markDirty(spine []*node) {
	for _, n := range spine {
		n.dirty = true
	}
}

// Put stages file content at path, creating missing parents. Exec sets the
// executable kind. Replacing a directory is an error.
func (st *Stage) Put(ctx context.Context, path string, content []byte, exec bool) error {
	parent, name, spine, err := st.walk(ctx, path, true)
	if err != nil {
		return err
	}
	if old, ok := parent.children[name]; ok && old.kind == object.KindDir {
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	kind := object.KindFile
	if exec {
		kind = object.KindExec
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	parent.children[name] = &node{kind: kind, content: cp, hasContent: true, size: int64(len(cp)), dirty: true}
	markDirty(spine)
	return nil
}

// Mkdir stages an explicit directory at path, creating missing parents.
func (st *Stage) Mkdir(ctx context.Context, path string) error {
	parent, name, spine, err := st.walk(ctx, path, true)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return fmt.Errorf("%w: %s", ErrExist, path)
	}
	parent.children[name] = &node{
		kind: object.KindDir, loaded: true, dirty: true, explicit: true,
		children: map[string]*node{},
	}
	markDirty(spine)
	return nil
}

// Symlink stages a symlink at path whose blob content is the target path.
func (st *Stage) Symlink(ctx context.Context, path, target string) error {
	parent, name, spine, err := st.walk(ctx, path, true)
	if err != nil {
		return err
	}
	if old, ok := parent.children[name]; ok && old.kind == object.KindDir {
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	parent.children[name] = &node{
		kind: object.KindSymlink, content: []byte(target), hasContent: true,
		size: int64(len(target)), dirty: true,
	}
	markDirty(spine)
	return nil
}

// Chmod toggles the executable kind of a regular file. Content is untouched.
func (st *Stage) Chmod(ctx context.Context, path string, exec bool) error {
	parent, name, spine, err := st.walk(ctx, path, false)
	if err != nil {
		return err
	}
	n, ok := parent.children[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if n.kind != object.KindFile && n.kind != object.KindExec {
		return fmt.Errorf("chmod %s: not a regular file", path)
	}
	want := object.KindFile
	if exec {
		want = object.KindExec
	}
	if n.kind == want {
		return nil
	}
	n.kind = want
	n.dirty = true
	markDirty(spine)
	return nil
}

// Remove deletes the entry at path; directories go with their subtree.
// Parents emptied by removals are pruned at Root time unless they were
// made by an explicit Mkdir.
func (st *Stage) Remove(ctx context.Context, path string) error {
	parent, name, spine, err := st.walk(ctx, path, false)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	delete(parent.children, name)
	parent.pruneable = true
	markDirty(spine)
	return nil
}

// Rename moves the entry at path to newName within the same directory.
func (st *Stage) Rename(ctx context.Context, path, newName string) error {
	if !ValidName(newName) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, newName)
	}
	parent, name, spine, err := st.walk(ctx, path, false)
	if err != nil {
		return err
	}
	n, ok := parent.children[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if name == newName {
		return nil
	}
	if _, ok := parent.children[newName]; ok {
		return fmt.Errorf("%w: %s", ErrExist, newName)
	}
	delete(parent.children, name)
	parent.children[newName] = n
	markDirty(spine)
	return nil
}

// Info describes a staged entry. Target is Undef while the entry is dirty.
type Info struct {
	Name   string
	Kind   object.Kind
	Size   int64
	Target object.Digest
}

func infoOf(name string, n *node) Info {
	i := Info{Name: name, Kind: n.kind, Size: n.size}
	if !n.dirty {
		i.Target = n.target
	}
	return i
}

// Lookup resolves path in the overlay. The empty path is the root dir.
func (st *Stage) Lookup(ctx context.Context, path string) (Info, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return Info{}, err
	}
	if len(parts) == 0 {
		return infoOf("", st.root), nil
	}
	parent, name, _, err := st.walk(ctx, path, false)
	if err != nil {
		return Info{}, err
	}
	n, ok := parent.children[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return infoOf(name, n), nil
}

// List returns the entries of the directory at path, sorted by name.
func (st *Stage) List(ctx context.Context, path string) ([]Info, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	n := st.root
	if len(parts) > 0 {
		parent, name, _, err := st.walk(ctx, path, false)
		if err != nil {
			return nil, err
		}
		child, ok := parent.children[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		n = child
	}
	if n.kind != object.KindDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, path)
	}
	if err := st.loadDir(ctx, n); err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(n.children))
	for name, child := range n.children {
		infos = append(infos, infoOf(name, child))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Read returns the content of the file at path.
func (st *Stage) Read(ctx context.Context, path string) ([]byte, error) {
	parent, name, _, err := st.walk(ctx, path, false)
	if err != nil {
		return nil, err
	}
	n, ok := parent.children[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if n.kind == object.KindDir {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, path)
	}
	if n.hasContent {
		out := make([]byte, len(n.content))
		copy(out, n.content)
		return out, nil
	}
	return st.store.Get(ctx, n.target)
}

// Root prunes directories emptied by removals, writes every dirty node
// back to the store, and returns the new root tree digest. The stage
// stays usable; further edits dirty only what they touch.
func (st *Stage) Root(ctx context.Context) (object.Digest, error) {
	prune(st.root)
	d, _, err := st.materialize(ctx, st.root)
	return d, err
}

// prune removes dirs emptied by Remove, cascading upward. Explicit
// Mkdir dirs and dirs that were already empty in the base stay.
func prune(n *node) {
	if n.kind != object.KindDir || !n.loaded {
		return
	}
	for name, child := range n.children {
		prune(child)
		if child.kind == object.KindDir && child.loaded &&
			len(child.children) == 0 && child.pruneable && !child.explicit {
			delete(n.children, name)
			n.pruneable = true
		}
	}
}

func (st *Stage) materialize(ctx context.Context, n *node) (object.Digest, int64, error) {
	if !n.dirty {
		return n.target, n.size, nil
	}
	if n.kind != object.KindDir {
		if n.hasContent {
			d, err := st.store.Put(ctx, n.content)
			if err != nil {
				return object.Undef, 0, err
			}
			n.target = d
			n.size = int64(len(n.content))
			n.content = nil
			n.hasContent = false
		}
		n.dirty = false
		return n.target, n.size, nil
	}

	t := object.NewTree()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := n.children[name]
		d, size, err := st.materialize(ctx, child)
		if err != nil {
			return object.Undef, 0, err
		}
		e := object.Entry{Name: name, Kind: child.kind, Target: d}
		if child.kind != object.KindDir {
			e.Size = size
		}
		t.Upsert(e)
	}
	data, d, err := object.EncodeTree(t)
	if err != nil {
		return object.Undef, 0, err
	}
	if _, err := st.store.Put(ctx, data); err != nil {
		return object.Undef, 0, err
	}
	n.target = d
	n.dirty = false
	n.pruneable = false
	return d, 0, nil
}
