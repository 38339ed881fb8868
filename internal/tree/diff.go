package tree

import (
	"context"
	"sort"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// ChangeKind classifies one entry of a tree diff.
type ChangeKind uint8

const (
	Added ChangeKind = iota + 1
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "A"
	case Modified:
		return "M"
	case Deleted:
		return "D"
	default:
		return "?"
	}
}

// Change is one file-level difference between two trees. OldTarget is
// Undef for Added, NewTarget for Deleted.
type Change struct {
	Path      string
	Kind      ChangeKind
	OldTarget object.Digest
	NewTarget object.Digest
	OldKind   object.Kind
	NewKind   object.Kind
	Size      int64
}

// Diff lists file-level changes between the trees at old and new, sorted
// by path. Directories are walked, not reported: a deleted directory
// shows up as a deletion per file under it. Unchanged subtrees are
// skipped by digest without loading.
func Diff(ctx context.Context, s store.Store, old, new object.Digest) ([]Change, error) {
	d := &differ{store: s}
	if err := d.dir(ctx, "", old, new); err != nil {
		return nil, err
	}
	sort.Slice(d.changes, func(i, j int) bool { return d.changes[i].Path < d.changes[j].Path })
	return d.changes, nil
}

type differ struct {
	store   store.Store
	changes []Change
}

func (d *differ) dir(ctx context.Context, prefix string, old, new object.Digest) error {
	if old == new {
		return nil
	}
	ot, err := Load(ctx, d.store, old)
	if err != nil {
		return err
	}
	nt, err := Load(ctx, d.store, new)
	if err != nil {
		return err
	}

	names := map[string]bool{}
	for _, e := range ot.Entries {
		names[e.Name] = true
	}
	for _, e := range nt.Entries {
		names[e.Name] = true
	}

	for name := range names {
		oe, ook := ot.Lookup(name)
		ne, nok := nt.Lookup(name)
		path := joinPath(prefix, name)
		switch {
		case ook && nok:
			if eqEntry(oe, ne) {
				continue
			}
			oDir := oe.Kind == object.KindDir
			nDir := ne.Kind == object.KindDir
			switch {
			case oDir && nDir:
				if err := d.dir(ctx, path, oe.Target, ne.Target); err != nil {
					return err
				}
			case oDir:
				if err := d.walkAll(ctx, path, oe.Target, Deleted); err != nil {
					return err
				}
				d.changes = append(d.changes, Change{
					Path: path, Kind: Added, NewTarget: ne.Target, NewKind: ne.Kind, Size: ne.Size,
				})
			case nDir:
				d.changes = append(d.changes, Change{
					Path: path, Kind: Deleted, OldTarget: oe.Target, OldKind: oe.Kind,
				})
				if err := d.walkAll(ctx, path, ne.Target, Added); err != nil {
					return err
				}
			default:
				d.changes = append(d.changes, Change{
					Path: path, Kind: Modified,
					OldTarget: oe.Target, NewTarget: ne.Target,
					OldKind: oe.Kind, NewKind: ne.Kind, Size: ne.Size,
				})
			}
		case ook:
			if oe.Kind == object.KindDir {
				if err := d.walkAll(ctx, path, oe.Target, Deleted); err != nil {
					return err
				}
			} else {
				d.changes = append(d.changes, Change{
					Path: path, Kind: Deleted, OldTarget: oe.Target, OldKind: oe.Kind,
				})
			}
		case nok:
			if ne.Kind == object.KindDir {
				if err := d.walkAll(ctx, path, ne.Target, Added); err != nil {
					return err
				}
			} else {
				d.changes = append(d.changes, Change{
					Path: path, Kind: Added, NewTarget: ne.Target, NewKind: ne.Kind, Size: ne.Size,
				})
			}
		}
	}
	return nil
}

// walkAll reports every file under the tree at root as kind.
func (d *differ) walkAll(ctx context.Context, prefix string, root object.Digest, kind ChangeKind) error {
	t, err := Load(ctx, d.store, root)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		path := joinPath(prefix, e.Name)
		if e.Kind == object.KindDir {
			if err := d.walkAll(ctx, path, e.Target, kind); err != nil {
				return err
			}
			continue
		}
		c := Change{Path: path, Kind: kind}
		if kind == Deleted {
			c.OldTarget, c.OldKind = e.Target, e.Kind
		} else {
			c.NewTarget, c.NewKind, c.Size = e.Target, e.Kind, e.Size
		}
		d.changes = append(d.changes, c)
	}
	return nil
}
