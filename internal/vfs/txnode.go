package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/tree"
	"github.com/grovedb/grove/internal/txn"
)

// mapTreeErr translates staging errors into the namespace taxonomy.
func mapTreeErr(err error, path string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, txn.ErrNotActive):
		return fmt.Errorf("%w: transaction ended", ErrStale)
	case errors.Is(err, tree.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, tree.ErrExist):
		return fmt.Errorf("%w: %s", ErrExist, path)
	case errors.Is(err, tree.ErrIsDir):
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	case errors.Is(err, tree.ErrNotDir):
		return fmt.Errorf("%w: %s", ErrNotDir, path)
	case errors.Is(err, tree.ErrInvalidPath):
		return fmt.Errorf("%w: %s", ErrBadName, path)
	default:
		return err
	}
}

// txDir is /<branch>/tx: the open transactions plus the "new" allocator.
// Creating a directory here opens a transaction under that name.
type txDir struct {
	ns     *Namespace
	owner  string
	branch string
}

func (d *txDir) Attr(ctx context.Context) (Attr, error) {
	if _, _, err := (&branchNode{ns: d.ns, name: d.branch}).head(ctx); err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("txdir", d.branch), Dir: true},
		Mode:  0755,
		Mtime: d.ns.started,
	}, nil
}

func (d *txDir) Child(ctx context.Context, name string) (Node, error) {
	if name == "new" {
		return &txNewNode{ns: d.ns, owner: d.owner, branch: d.branch}, nil
	}
	tx, ok := d.ns.txns.Get(d.branch, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &txNode{ns: d.ns, tx: tx}, nil
}

func (d *txDir) Children(ctx context.Context) ([]Dirent, error) {
	out := []Dirent{{Name: "new", Node: &txNewNode{ns: d.ns, owner: d.owner, branch: d.branch}}}
	for _, tx := range d.ns.txns.List(d.branch) {
		out = append(out, Dirent{Name: tx.ID(), Node: &txNode{ns: d.ns, tx: tx}})
	}
	return out, nil
}

func (d *txDir) Create(ctx context.Context, name string, dir, exec bool) (Node, Handle, error) {
	if !dir {
		return nil, nil, fmt.Errorf("%w: transactions are directories", ErrPerm)
	}
	if name == "new" {
		return nil, nil, fmt.Errorf("%w: new", ErrExist)
	}
	tx, err := d.ns.txns.Open(ctx, d.branch, name, d.owner)
	if err != nil {
		return nil, nil, err
	}
	return &txNode{ns: d.ns, tx: tx}, nil, nil
}

// txNewNode allocates a transaction per open and reads back its id.
type txNewNode struct {
	ns     *Namespace
	owner  string
	branch string
}

func (n *txNewNode) Attr(ctx context.Context) (Attr, error) {
	return Attr{
		Qid:   Qid{Path: qidPath("txnew", n.branch)},
		Mode:  0444,
		Mtime: n.ns.started,
	}, nil
}

func (n *txNewNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	if flag.CanWrite() {
		return nil, ErrPerm
	}
	tx, err := n.ns.txns.Open(ctx, n.branch, "", n.owner)
	if err != nil {
		return nil, err
	}
	n.ns.log.Debug("transaction allocated", "branch", n.branch, "id", tx.ID(), "owner", n.owner)
	return &staticHandle{data: []byte(tx.ID() + "\n")}, nil
}

// txNode is one open transaction's directory: root/, ctl, conflicts.
// Removing it aborts the transaction.
type txNode struct {
	ns *Namespace
	tx *txn.Tx
}

func (t *txNode) stale() error {
	if t.tx.Status() != txn.StatusActive {
		return fmt.Errorf("%w: transaction %s ended", ErrStale, t.tx.ID())
	}
	return nil
}

func (t *txNode) Attr(ctx context.Context) (Attr, error) {
	if err := t.stale(); err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("tx", t.tx.Branch(), t.tx.ID()), Dir: true},
		Mode:  0755,
		Mtime: t.tx.Created(),
	}, nil
}

func (t *txNode) Child(ctx context.Context, name string) (Node, error) {
	if err := t.stale(); err != nil {
		return nil, err
	}
	switch name {
	case "root":
		return &txTreeNode{ns: t.ns, tx: t.tx, path: ""}, nil
	case "ctl":
		return &txCtlNode{ns: t.ns, tx: t.tx}, nil
	case "conflicts":
		return t.conflictsFile(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (t *txNode) Children(ctx context.Context) ([]Dirent, error) {
	if err := t.stale(); err != nil {
		return nil, err
	}
	return []Dirent{
		{Name: "conflicts", Node: t.conflictsFile()},
		{Name: "ctl", Node: &txCtlNode{ns: t.ns, tx: t.tx}},
		{Name: "root", Node: &txTreeNode{ns: t.ns, tx: t.tx, path: ""}},
	}, nil
}

func (t *txNode) conflictsFile() Node {
	tx := t.tx
	return newFuncFile(tx.Created(), func(context.Context) ([]byte, error) {
		var b bytes.Buffer
		for _, p := range tx.Conflicts() {
			fmt.Fprintln(&b, p)
		}
		return b.Bytes(), nil
	}, "tx", tx.Branch(), tx.ID(), "conflicts")
}

func (t *txNode) Remove(ctx context.Context) error {
	t.tx.Abort()
	t.ns.log.Debug("transaction aborted by remove", "branch", t.tx.Branch(), "id", t.tx.ID())
	return nil
}

// txCtlNode reads transaction status and takes "commit <message>" and
// "abort" commands.
type txCtlNode struct {
	ns *Namespace
	tx *txn.Tx
}

func (c *txCtlNode) status() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "id %s\n", c.tx.ID())
	fmt.Fprintf(&b, "branch %s\n", c.tx.Branch())
	fmt.Fprintf(&b, "status %s\n", c.tx.Status())
	if base := c.tx.Base(); base.Defined() {
		fmt.Fprintf(&b, "base %s\n", base)
	} else {
		fmt.Fprintln(&b, "base -")
	}
	fmt.Fprintf(&b, "edits %d\n", c.tx.EditCount())
	for _, p := range c.tx.Conflicts() {
		fmt.Fprintf(&b, "conflict %s\n", p)
	}
	return b.Bytes()
}

func (c *txCtlNode) Attr(ctx context.Context) (Attr, error) {
	data := c.status()
	return Attr{
		Qid:    Qid{Path: qidPath("tx", c.tx.Branch(), c.tx.ID(), "ctl")},
		Mode:   0644,
		Length: int64(len(data)),
		Mtime:  c.tx.Created(),
	}, nil
}

func (c *txCtlNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	var data []byte
	if flag.CanRead() {
		data = c.status()
	}
	return &lineHandle{data: data, exec: c.command}, nil
}

func (c *txCtlNode) command(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "commit":
		digest, err := c.tx.Commit(ctx, strings.TrimSpace(rest))
		if err != nil {
			return err
		}
		c.ns.log.Info("transaction committed",
			"branch", c.tx.Branch(), "id", c.tx.ID(), "commit", digest.Short())
		return nil
	case "abort":
		c.tx.Abort()
		c.ns.log.Debug("transaction aborted", "branch", c.tx.Branch(), "id", c.tx.ID())
		return nil
	default:
		return fmt.Errorf("unknown transaction command %q", cmd)
	}
}

// txTreeNode is a path inside a transaction's staging tree. It is fully
// read-write: creates, writes, removes, renames and exec-bit changes all
// stage edits on the transaction.
type txTreeNode struct {
	ns *Namespace
	tx *txn.Tx

	mu   sync.Mutex
	path string
}

func (t *txTreeNode) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

func (t *txTreeNode) info(ctx context.Context) (tree.Info, error) {
	path := t.current()
	info, err := t.tx.Lookup(ctx, path)
	if err != nil {
		return tree.Info{}, mapTreeErr(err, path)
	}
	return info, nil
}

func (t *txTreeNode) Attr(ctx context.Context) (Attr, error) {
	info, err := t.info(ctx)
	if err != nil {
		return Attr{}, err
	}
	a := Attr{
		Qid: Qid{
			Path: qidPath("tx", t.tx.Branch(), t.tx.ID(), "root", t.current()),
			Vers: uint32(t.tx.EditCount()),
			Dir:  info.Kind == object.KindDir,
		},
		Mtime: t.tx.Created(),
	}
	switch info.Kind {
	case object.KindDir:
		a.Mode = 0755
	case object.KindExec:
		a.Mode = 0755
		a.Length = info.Size
	default:
		a.Mode = 0644
		a.Length = info.Size
	}
	return a, nil
}

func (t *txTreeNode) Child(ctx context.Context, name string) (Node, error) {
	child := join(t.current(), name)
	if _, err := t.tx.Lookup(ctx, child); err != nil {
		return nil, mapTreeErr(err, child)
	}
	return &txTreeNode{ns: t.ns, tx: t.tx, path: child}, nil
}

func (t *txTreeNode) Children(ctx context.Context) ([]Dirent, error) {
	path := t.current()
	infos, err := t.tx.List(ctx, path)
	if err != nil {
		return nil, mapTreeErr(err, path)
	}
	out := make([]Dirent, 0, len(infos))
	for _, info := range infos {
		out = append(out, Dirent{
			Name: info.Name,
			Node: &txTreeNode{ns: t.ns, tx: t.tx, path: join(path, info.Name)},
		})
	}
	return out, nil
}

func (t *txTreeNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	info, err := t.info(ctx)
	if err != nil {
		return nil, err
	}
	if info.Kind == object.KindDir {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, t.current())
	}
	if flag&TruncFlag != 0 && flag.CanWrite() {
		if err := t.tx.Put(ctx, t.current(), nil, info.Kind == object.KindExec); err != nil {
			return nil, mapTreeErr(err, t.current())
		}
	}
	return &txFileHandle{node: t}, nil
}

func (t *txTreeNode) Create(ctx context.Context, name string, dir, exec bool) (Node, Handle, error) {
	child := join(t.current(), name)
	if dir {
		if err := t.tx.Mkdir(ctx, child); err != nil {
			return nil, nil, mapTreeErr(err, child)
		}
		return &txTreeNode{ns: t.ns, tx: t.tx, path: child}, nil, nil
	}
	if _, err := t.tx.Lookup(ctx, child); err == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrExist, child)
	}
	if err := t.tx.Put(ctx, child, nil, exec); err != nil {
		return nil, nil, mapTreeErr(err, child)
	}
	node := &txTreeNode{ns: t.ns, tx: t.tx, path: child}
	return node, &txFileHandle{node: node}, nil
}

func (t *txTreeNode) Remove(ctx context.Context) error {
	path := t.current()
	if path == "" {
		return fmt.Errorf("%w: cannot remove transaction root", ErrPerm)
	}
	if err := t.tx.Remove(ctx, path); err != nil {
		return mapTreeErr(err, path)
	}
	return nil
}

func (t *txTreeNode) Wstat(ctx context.Context, req WstatReq) error {
	path := t.current()
	if req.Name != nil && *req.Name != "" {
		if err := t.tx.Rename(ctx, path, *req.Name); err != nil {
			return mapTreeErr(err, path)
		}
		dir, _ := splitLast(path)
		t.mu.Lock()
		t.path = join(dir, *req.Name)
		t.mu.Unlock()
	}
	if req.Exec != nil {
		if err := t.tx.Chmod(ctx, t.current(), *req.Exec); err != nil {
			return mapTreeErr(err, t.current())
		}
	}
	return nil
}

// splitLast splits a path into its parent and final element.
func splitLast(path string) (dir, name string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// txFileHandle does byte I/O against one staged file. Writes are
// read-modify-write against the staging area, so partial writes at an
// offset behave like a normal file.
type txFileHandle struct {
	node *txTreeNode
	mu   sync.Mutex
}

func (h *txFileHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	path := h.node.current()
	data, err := h.node.tx.Read(ctx, path)
	if err != nil {
		return 0, mapTreeErr(err, path)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(p, data[off:]), nil
}

func (h *txFileHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path := h.node.current()
	cur, err := h.node.tx.Read(ctx, path)
	if err != nil {
		if !errors.Is(err, tree.ErrNotExist) {
			return 0, mapTreeErr(err, path)
		}
		cur = nil
	}
	exec := false
	if info, err := h.node.tx.Lookup(ctx, path); err == nil {
		exec = info.Kind == object.KindExec
	}

	end := off + int64(len(p))
	next := make([]byte, 0, max(int64(len(cur)), end))
	next = append(next, cur...)
	for int64(len(next)) < off {
		next = append(next, 0)
	}
	if int64(len(next)) < end {
		next = next[:off]
		next = append(next, p...)
	} else {
		copy(next[off:end], p)
	}
	if err := h.node.tx.Put(ctx, path, next, exec); err != nil {
		return 0, mapTreeErr(err, path)
	}
	return len(p), nil
}

func (h *txFileHandle) Close(ctx context.Context) error { return nil }
