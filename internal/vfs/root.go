package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// rootNode is the attach point. Branches appear as its children next to
// the fixed ctl, snap and debug entries.
type rootNode struct {
	ns    *Namespace
	owner string
}

func (r *rootNode) Attr(ctx context.Context) (Attr, error) {
	return Attr{
		Qid:   Qid{Path: qidPath("root"), Dir: true},
		Mode:  0555,
		Mtime: r.ns.started,
	}, nil
}

func (r *rootNode) Child(ctx context.Context, name string) (Node, error) {
	switch name {
	case "ctl":
		return &ctlNode{ns: r.ns, owner: r.owner}, nil
	case "snap":
		return &snapDir{ns: r.ns}, nil
	case "debug":
		return &debugDir{ns: r.ns}, nil
	}
	if !store.ValidRefName(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if _, err := r.ns.s.ReadRef(ctx, name); err != nil {
		if errors.Is(err, store.ErrRefNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return &branchNode{ns: r.ns, owner: r.owner, name: name}, nil
}

func (r *rootNode) Children(ctx context.Context) ([]Dirent, error) {
	out := []Dirent{
		{Name: "ctl", Node: &ctlNode{ns: r.ns, owner: r.owner}},
		{Name: "debug", Node: &debugDir{ns: r.ns}},
		{Name: "snap", Node: &snapDir{ns: r.ns}},
	}
	refs, err := r.ns.s.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		out = append(out, Dirent{
			Name: ref.Name,
			Node: &branchNode{ns: r.ns, owner: r.owner, name: ref.Name},
		})
	}
	return out, nil
}

// ctlNode is the administrative control file. Reading lists branches;
// writing runs commands: branch, remove, force, sync.
type ctlNode struct {
	ns    *Namespace
	owner string
}

func (c *ctlNode) Attr(ctx context.Context) (Attr, error) {
	data, err := c.summary(ctx)
	if err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:    Qid{Path: qidPath("ctl")},
		Mode:   0644,
		Length: int64(len(data)),
		Mtime:  c.ns.started,
	}, nil
}

func (c *ctlNode) summary(ctx context.Context) ([]byte, error) {
	refs, err := c.ns.s.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	for _, ref := range refs {
		fmt.Fprintf(&b, "branch %s %s\n", ref.Name, ref.Digest)
	}
	return b.Bytes(), nil
}

func (c *ctlNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	var data []byte
	if flag.CanRead() {
		var err error
		data, err = c.summary(ctx)
		if err != nil {
			return nil, err
		}
	}
	return &lineHandle{data: data, exec: c.command}, nil
}

func (c *ctlNode) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "branch":
		if len(fields) != 2 && len(fields) != 3 {
			return fmt.Errorf("usage: branch <name> [<from>]")
		}
		from := ""
		if len(fields) == 3 {
			from = fields[2]
		}
		return c.createBranch(ctx, fields[1], from)
	case "remove":
		if len(fields) != 2 {
			return fmt.Errorf("usage: remove <name>")
		}
		return c.removeBranch(ctx, fields[1])
	case "force":
		if len(fields) != 3 {
			return fmt.Errorf("usage: force <name> <digest>")
		}
		return c.forceBranch(ctx, fields[1], fields[2])
	case "sync":
		if len(fields) != 2 {
			return fmt.Errorf("usage: sync <name>")
		}
		if c.ns.remotes == nil {
			return fmt.Errorf("sync %s: no remotes configured", fields[1])
		}
		return c.ns.remotes.Sync(ctx, fields[1])
	default:
		return fmt.Errorf("unknown control command %q", fields[0])
	}
}

func (c *ctlNode) createBranch(ctx context.Context, name, from string) error {
	if !store.ValidRefName(name) || Reserved(name) {
		return fmt.Errorf("%w: branch %q", ErrBadName, name)
	}
	if _, err := c.ns.s.ReadRef(ctx, name); err == nil {
		return fmt.Errorf("%w: branch %s", ErrExist, name)
	} else if !errors.Is(err, store.ErrRefNotFound) {
		return err
	}

	if from == "" {
		// No starting point: publish a fresh root commit with an empty
		// tree through a throwaway transaction.
		tx, err := c.ns.txns.Open(ctx, name, "", c.owner)
		if err != nil {
			return err
		}
		if _, err := tx.Commit(ctx, "branch "+name+" created"); err != nil {
			tx.Abort()
			return err
		}
		c.ns.log.Info("branch created", "branch", name)
		return nil
	}

	head, err := c.resolveCommit(ctx, from)
	if err != nil {
		return err
	}
	if err := c.ns.s.CompareAndSwapRef(ctx, name, object.Undef, head); err != nil {
		if errors.Is(err, store.ErrCasConflict) {
			return fmt.Errorf("%w: branch %s", ErrExist, name)
		}
		return err
	}
	c.ns.log.Info("branch created", "branch", name, "from", from)
	return nil
}

func (c *ctlNode) removeBranch(ctx context.Context, name string) error {
	head, err := c.ns.s.ReadRef(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrRefNotFound) {
			return fmt.Errorf("%w: branch %s", ErrNotFound, name)
		}
		return err
	}
	if err := c.ns.s.CompareAndSwapRef(ctx, name, head, object.Undef); err != nil {
		return err
	}
	c.ns.log.Info("branch removed", "branch", name)
	return nil
}

// forceBranch points a branch at an arbitrary commit, the one sanctioned
// way to move a head somewhere that is not a descendant.
func (c *ctlNode) forceBranch(ctx context.Context, name, digest string) error {
	if !store.ValidRefName(name) || Reserved(name) {
		return fmt.Errorf("%w: branch %q", ErrBadName, name)
	}
	d, err := c.resolveCommit(ctx, digest)
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		cur, err := c.ns.s.ReadRef(ctx, name)
		if err != nil && !errors.Is(err, store.ErrRefNotFound) {
			return err
		}
		err = c.ns.s.CompareAndSwapRef(ctx, name, cur, d)
		if err == nil {
			c.ns.log.Info("branch forced", "branch", name, "head", d.Short())
			return nil
		}
		if !errors.Is(err, store.ErrCasConflict) {
			return err
		}
	}
	return fmt.Errorf("force %s: ref too contended", name)
}

// resolveCommit turns a branch name or commit digest into a verified
// commit digest.
func (c *ctlNode) resolveCommit(ctx context.Context, ref string) (object.Digest, error) {
	if store.ValidRefName(ref) && !Reserved(ref) {
		if head, err := c.ns.s.ReadRef(ctx, ref); err == nil {
			return head, nil
		} else if !errors.Is(err, store.ErrRefNotFound) {
			return object.Undef, err
		}
	}
	d, err := object.ParseDigest(ref)
	if err != nil {
		return object.Undef, fmt.Errorf("%w: %q is neither a branch nor a digest", ErrNotFound, ref)
	}
	data, err := c.ns.s.Get(ctx, d)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return object.Undef, fmt.Errorf("%w: commit %s", ErrNotFound, d.Short())
		}
		return object.Undef, err
	}
	if _, err := object.DecodeCommit(data); err != nil {
		return object.Undef, fmt.Errorf("object %s is not a commit: %w", d.Short(), err)
	}
	return d, nil
}

// debugDir exposes introspection files.
type debugDir struct {
	ns *Namespace
}

func (d *debugDir) Attr(ctx context.Context) (Attr, error) {
	return Attr{
		Qid:   Qid{Path: qidPath("debug"), Dir: true},
		Mode:  0555,
		Mtime: d.ns.started,
	}, nil
}

func (d *debugDir) stats(ctx context.Context) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "uptime %s\n", time.Since(d.ns.started).Round(time.Second))
	fmt.Fprintf(&b, "sessions %d\n", d.ns.sessions.Load())
	fmt.Fprintf(&b, "transactions %d\n", d.ns.txns.Count())
	for _, g := range d.ns.watch.Gens() {
		fmt.Fprintf(&b, "gen %s %d %s\n", g.Branch, g.Gen, g.Head)
	}
	return b.Bytes(), nil
}

func (d *debugDir) version(ctx context.Context) ([]byte, error) {
	return []byte("grove " + d.ns.version + "\n"), nil
}

func (d *debugDir) Child(ctx context.Context, name string) (Node, error) {
	switch name {
	case "stats":
		return newFuncFile(d.ns.started, d.stats, "debug", "stats"), nil
	case "version":
		return newFuncFile(d.ns.started, d.version, "debug", "version"), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (d *debugDir) Children(ctx context.Context) ([]Dirent, error) {
	return []Dirent{
		{Name: "stats", Node: newFuncFile(d.ns.started, d.stats, "debug", "stats")},
		{Name: "version", Node: newFuncFile(d.ns.started, d.version, "debug", "version")},
	}, nil
}

// snapDir resolves any commit digest to a detached read-only tree. It
// lists empty: snapshots are reached by walking to a digest you know.
type snapDir struct {
	ns *Namespace
}

func (s *snapDir) Attr(ctx context.Context) (Attr, error) {
	return Attr{
		Qid:   Qid{Path: qidPath("snap"), Dir: true},
		Mode:  0555,
		Mtime: s.ns.started,
	}, nil
}

func (s *snapDir) Child(ctx context.Context, name string) (Node, error) {
	d, err := object.ParseDigest(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, err := s.ns.s.Get(ctx, d)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	c, err := object.DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a commit", ErrNotFound, name)
	}
	return newTreeDir(s.ns, c.Tree, c.Author.When()), nil
}

func (s *snapDir) Children(ctx context.Context) ([]Dirent, error) {
	return nil, nil
}
