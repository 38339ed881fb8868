package tree

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// MergeResult is the outcome of a three-way merge. When Conflicts is
// non-empty, Tree still names a complete merged tree: conflicted files
// hold conflict markers and type conflicts keep the "ours" side.
type MergeResult struct {
	Tree      object.Digest
	Conflicts []string
}

// Merge merges the trees at ours and theirs against their common base.
// Per path: unchanged on both sides keeps the base; changed on one side
// takes that side; changed on both sides identically is clean; diverging
// file content produces a marker file; diverging kinds (dir vs file,
// symlink vs regular) always conflict and keep ours.
func Merge(ctx context.Context, s store.Store, base, ours, theirs object.Digest) (MergeResult, error) {
	m := &merger{store: s, empty: object.EmptyTreeDigest()}
	d, err := m.dir(ctx, "", base, ours, theirs)
	if err != nil {
		return MergeResult{}, err
	}
	sort.Strings(m.conflicts)
	return MergeResult{Tree: d, Conflicts: m.conflicts}, nil
}

type merger struct {
	store     store.Store
	empty     object.Digest
	conflicts []string
}

func (m *merger) conflict(path string) {
	m.conflicts = append(m.conflicts, path)
}

func (m *merger) dir(ctx context.Context, prefix string, base, ours, theirs object.Digest) (object.Digest, error) {
	// Subtree short-circuits: no divergence below here.
	if ours == theirs {
		return m.ensureTree(ctx, ours)
	}
	if theirs == base {
		return m.ensureTree(ctx, ours)
	}
	if ours == base {
		return m.ensureTree(ctx, theirs)
	}

	bt, err := Load(ctx, m.store, base)
	if err != nil {
		return object.Undef, err
	}
	ot, err := Load(ctx, m.store, ours)
	if err != nil {
		return object.Undef, err
	}
	tt, err := Load(ctx, m.store, theirs)
	if err != nil {
		return object.Undef, err
	}

	names := map[string]bool{}
	for _, e := range bt.Entries {
		names[e.Name] = true
	}
	for _, e := range ot.Entries {
		names[e.Name] = true
	}
	for _, e := range tt.Entries {
		names[e.Name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := object.NewTree()
	for _, name := range sorted {
		be, bok := bt.Lookup(name)
		oe, ook := ot.Lookup(name)
		te, tok := tt.Lookup(name)
		e, keep, err := m.entry(ctx, joinPath(prefix, name), be, bok, oe, ook, te, tok)
		if err != nil {
			return object.Undef, err
		}
		if keep {
			e.Name = name
			out.Upsert(e)
		}
	}

	data, d, err := object.EncodeTree(out)
	if err != nil {
		return object.Undef, err
	}
	if _, err := m.store.Put(ctx, data); err != nil {
		return object.Undef, err
	}
	return d, nil
}

// ensureTree resolves the short-circuit result: Undef denotes the empty
// tree, which must actually exist in the store for the result to be usable.
func (m *merger) ensureTree(ctx context.Context, d object.Digest) (object.Digest, error) {
	if d.Defined() {
		return d, nil
	}
	data, ed, err := object.EncodeTree(object.NewTree())
	if err != nil {
		return object.Undef, err
	}
	if _, err := m.store.Put(ctx, data); err != nil {
		return object.Undef, err
	}
	return ed, nil
}

func eqEntry(a, b object.Entry) bool {
	return a.Kind == b.Kind && a.Target == b.Target
}

// eqState compares two optional entries: equal when both absent or both
// present with the same kind and target.
func eqState(a object.Entry, aok bool, b object.Entry, bok bool) bool {
	if aok != bok {
		return false
	}
	return !aok || eqEntry(a, b)
}

func (m *merger) entry(ctx context.Context, path string, be object.Entry, bok bool, oe object.Entry, ook bool, te object.Entry, tok bool) (object.Entry, bool, error) {
	switch {
	case eqState(oe, ook, te, tok): // both agree
		return oe, ook, nil
	case eqState(be, bok, oe, ook): // only theirs changed
		return te, tok, nil
	case eqState(be, bok, te, tok): // only ours changed
		return oe, ook, nil
	}

	// Divergence.
	oDir := ook && oe.Kind == object.KindDir
	tDir := tok && te.Kind == object.KindDir
	switch {
	case oDir && tDir:
		var baseSub object.Digest
		if bok && be.Kind == object.KindDir {
			baseSub = be.Target
		}
		d, err := m.dir(ctx, path, baseSub, oe.Target, te.Target)
		if err != nil {
			return object.Entry{}, false, err
		}
		if d == m.empty {
			// Each side deleted what the other kept editing away; the
			// directory emptied out, so it goes too.
			return object.Entry{}, false, nil
		}
		return object.Entry{Kind: object.KindDir, Target: d}, true, nil
	case !ook: // deleted by ours, changed by theirs
		m.conflict(path)
		return te, true, nil
	case !tok: // changed by ours, deleted by theirs
		m.conflict(path)
		return oe, true, nil
	case oDir != tDir: // dir vs file
		m.conflict(path)
		return oe, true, nil
	}

	// Both sides have a file-ish entry and they diverge.
	if (oe.Kind == object.KindSymlink) != (te.Kind == object.KindSymlink) {
		m.conflict(path)
		return oe, true, nil
	}

	var cb object.Digest
	var xb bool
	if bok && be.Kind != object.KindDir {
		cb = be.Target
		xb = be.Kind == object.KindExec
	}
	co, xo := oe.Target, oe.Kind == object.KindExec
	ct, xt := te.Target, te.Kind == object.KindExec

	// Exec bit: the side that changed it from base wins. Both sides
	// differing from base means they agree, so order does not matter.
	x := xb
	if xo != xb {
		x = xo
	}
	if xt != xb {
		x = xt
	}

	// Content: take the changed side; changed differently on both sides
	// is a conflict and stages a marker file.
	var target object.Digest
	var size int64
	conflicted := false
	switch {
	case co == ct:
		target, size = co, oe.Size
	case ct == cb:
		target, size = co, oe.Size
	case co == cb:
		target, size = ct, te.Size
	default:
		marker, err := m.marker(ctx, co, ct)
		if err != nil {
			return object.Entry{}, false, err
		}
		d, err := m.store.Put(ctx, marker)
		if err != nil {
			return object.Entry{}, false, err
		}
		target, size = d, int64(len(marker))
		conflicted = true
		m.conflict(path)
	}

	kind := object.KindFile
	switch {
	case conflicted:
		// Markers are resolution artifacts: plain files.
	case oe.Kind == object.KindSymlink: // both symlinks here
		kind = object.KindSymlink
	case x:
		kind = object.KindExec
	}
	return object.Entry{Kind: kind, Target: target, Size: size}, true, nil
}

// marker renders a git-style conflict marker from both blobs.
func (m *merger) marker(ctx context.Context, ours, theirs object.Digest) ([]byte, error) {
	ob, err := m.store.Get(ctx, ours)
	if err != nil {
		return nil, fmt.Errorf("merge marker: %w", err)
	}
	tb, err := m.store.Get(ctx, theirs)
	if err != nil {
		return nil, fmt.Errorf("merge marker: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("<<<<<<< ours\n")
	writeChunk(&buf, ob)
	buf.WriteString("=======\n")
	writeChunk(&buf, tb)
	buf.WriteString(">>>>>>> theirs\n")
	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, chunk []byte) {
	buf.Write(chunk)
	if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' {
		buf.WriteByte('\n')
	}
}
