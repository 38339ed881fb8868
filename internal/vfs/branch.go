package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/watch"
)

// branchNode is a live branch directory. Its stat and listing reflect
// the head at the instant of the call; the head subtree is pinned per
// walk. Once the ref is deleted the node answers ErrStale.
type branchNode struct {
	ns    *Namespace
	owner string
	name  string
}

func (b *branchNode) head(ctx context.Context) (object.Digest, *object.Commit, error) {
	h, err := b.ns.s.ReadRef(ctx, b.name)
	if err != nil {
		if errors.Is(err, store.ErrRefNotFound) {
			return object.Undef, nil, fmt.Errorf("%w: branch %s deleted", ErrStale, b.name)
		}
		return object.Undef, nil, err
	}
	c, err := history.ReadCommit(ctx, b.ns.s, h)
	if err != nil {
		return object.Undef, nil, err
	}
	return h, c, nil
}

func (b *branchNode) Attr(ctx context.Context) (Attr, error) {
	_, c, err := b.head(ctx)
	if err != nil {
		return Attr{}, err
	}
	u, err := b.ns.watch.State(ctx, b.name)
	if err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("branch", b.name), Vers: uint32(u.Gen), Dir: true},
		Mode:  0555,
		Mtime: c.Author.When(),
	}, nil
}

func (b *branchNode) Child(ctx context.Context, name string) (Node, error) {
	_, c, err := b.head(ctx)
	if err != nil {
		return nil, err
	}
	switch name {
	case "head":
		return newTreeDir(b.ns, c.Tree, c.Author.When()), nil
	case "tx":
		return &txDir{ns: b.ns, owner: b.owner, branch: b.name}, nil
	case "log":
		return &logDir{ns: b.ns, branch: b.name}, nil
	case "watch":
		return &watchNode{ns: b.ns, branch: b.name}, nil
	case "remotes":
		if b.ns.remotes == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return &remotesDir{ns: b.ns, branch: b.name}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (b *branchNode) Children(ctx context.Context) ([]Dirent, error) {
	_, c, err := b.head(ctx)
	if err != nil {
		return nil, err
	}
	out := []Dirent{
		{Name: "head", Node: newTreeDir(b.ns, c.Tree, c.Author.When())},
		{Name: "log", Node: &logDir{ns: b.ns, branch: b.name}},
		{Name: "tx", Node: &txDir{ns: b.ns, owner: b.owner, branch: b.name}},
		{Name: "watch", Node: &watchNode{ns: b.ns, branch: b.name}},
	}
	if b.ns.remotes != nil {
		out = append(out, Dirent{Name: "remotes", Node: &remotesDir{ns: b.ns, branch: b.name}})
	}
	return out, nil
}

// logDir exposes first-parent history: a HEAD file plus one numbered
// directory per ancestor, 0 being the head commit.
type logDir struct {
	ns     *Namespace
	branch string
}

func (l *logDir) head(ctx context.Context) (object.Digest, *object.Commit, error) {
	return (&branchNode{ns: l.ns, name: l.branch}).head(ctx)
}

func (l *logDir) Attr(ctx context.Context) (Attr, error) {
	_, c, err := l.head(ctx)
	if err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("log", l.branch), Dir: true},
		Mode:  0555,
		Mtime: c.Author.When(),
	}, nil
}

func (l *logDir) Child(ctx context.Context, name string) (Node, error) {
	head, c, err := l.head(ctx)
	if err != nil {
		return nil, err
	}
	if name == "HEAD" {
		line := []byte(head.String() + "\n")
		return newFuncFile(c.Author.When(), func(context.Context) ([]byte, error) {
			return line, nil
		}, "log", l.branch, "HEAD", head.String()), nil
	}
	seq, err := strconv.Atoi(name)
	if err != nil || seq < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d, commit, err := history.At(ctx, l.ns.s, head, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &logEntry{ns: l.ns, digest: d, c: commit}, nil
}

func (l *logDir) Children(ctx context.Context) ([]Dirent, error) {
	head, c, err := l.head(ctx)
	if err != nil {
		return nil, err
	}
	line := []byte(head.String() + "\n")
	out := []Dirent{{
		Name: "HEAD",
		Node: newFuncFile(c.Author.When(), func(context.Context) ([]byte, error) {
			return line, nil
		}, "log", l.branch, "HEAD", head.String()),
	}}
	entries, err := history.Log(ctx, l.ns.s, head, 0)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		out = append(out, Dirent{
			Name: strconv.Itoa(i),
			Node: &logEntry{ns: l.ns, digest: e.Digest, c: e.Commit},
		})
	}
	return out, nil
}

// logEntry is one commit in the log: metadata files plus a pinned tree.
type logEntry struct {
	ns     *Namespace
	digest object.Digest
	c      *object.Commit
}

func (e *logEntry) Attr(ctx context.Context) (Attr, error) {
	return Attr{
		Qid:   Qid{Path: qidPath("commit", e.digest.String()), Dir: true},
		Mode:  0555,
		Mtime: e.c.Author.When(),
	}, nil
}

func (e *logEntry) file(name string) Node {
	var content string
	switch name {
	case "commit":
		content = e.digest.String() + "\n"
	case "message":
		content = e.c.Message
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
	case "author":
		content = fmt.Sprintf("%s <%s>\n", e.c.Author.Name, e.c.Author.Email)
	case "time":
		content = e.c.Author.When().Format(time.RFC3339) + "\n"
	case "parents":
		var b bytes.Buffer
		for _, p := range e.c.Parents {
			fmt.Fprintln(&b, p)
		}
		content = b.String()
	default:
		return nil
	}
	data := []byte(content)
	return newFuncFile(e.c.Author.When(), func(context.Context) ([]byte, error) {
		return data, nil
	}, "commit", e.digest.String(), name)
}

func (e *logEntry) Child(ctx context.Context, name string) (Node, error) {
	if name == "tree" {
		return newTreeDir(e.ns, e.c.Tree, e.c.Author.When()), nil
	}
	if n := e.file(name); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (e *logEntry) Children(ctx context.Context) ([]Dirent, error) {
	out := make([]Dirent, 0, 6)
	for _, name := range []string{"author", "commit", "message", "parents", "time"} {
		out = append(out, Dirent{Name: name, Node: e.file(name)})
	}
	out = append(out, Dirent{Name: "tree", Node: newTreeDir(e.ns, e.c.Tree, e.c.Author.When())})
	return out, nil
}

// watchNode is the branch's blocking change feed. Reads block until the
// head moves past the reader's position; writing "prefix <path>" before
// reading narrows the feed to one subtree.
type watchNode struct {
	ns     *Namespace
	branch string
}

func (w *watchNode) Attr(ctx context.Context) (Attr, error) {
	if _, _, err := (&branchNode{ns: w.ns, name: w.branch}).head(ctx); err != nil {
		return Attr{}, err
	}
	u, err := w.ns.watch.State(ctx, w.branch)
	if err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("watch", w.branch), Vers: uint32(u.Gen)},
		Mode:  0644,
		Mtime: w.ns.started,
	}, nil
}

func (w *watchNode) Open(ctx context.Context, flag OpenFlag) (Handle, error) {
	cur, err := watch.NewCursor(ctx, w.ns.watch, w.branch, "")
	if err != nil {
		if errors.Is(err, store.ErrRefNotFound) {
			return nil, fmt.Errorf("%w: branch %s deleted", ErrStale, w.branch)
		}
		return nil, err
	}
	return &watchHandle{ns: w.ns, branch: w.branch, cur: cur}, nil
}

type watchHandle struct {
	ns     *Namespace
	branch string

	mu  sync.Mutex // guards cur; reads block outside the lock
	cur *watch.Cursor
}

func (h *watchHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	// The feed is a stream; offsets carry no meaning.
	h.mu.Lock()
	cur := h.cur
	h.mu.Unlock()
	n, err := cur.Read(ctx, p)
	if errors.Is(err, watch.ErrBranchDeleted) {
		return n, fmt.Errorf("%w: branch %s deleted", ErrStale, h.branch)
	}
	return n, err
}

func (h *watchHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	line := strings.TrimSpace(string(p))
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "prefix" {
		return 0, fmt.Errorf("watch: expected \"prefix <path>\", got %q", line)
	}
	cur, err := watch.NewCursor(ctx, h.ns.watch, h.branch, fields[1])
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.cur = cur
	h.mu.Unlock()
	return len(p), nil
}

func (h *watchHandle) Close(ctx context.Context) error { return nil }

// remotesDir lists replication state, one file per configured remote.
type remotesDir struct {
	ns     *Namespace
	branch string
}

func (r *remotesDir) Attr(ctx context.Context) (Attr, error) {
	if _, _, err := (&branchNode{ns: r.ns, name: r.branch}).head(ctx); err != nil {
		return Attr{}, err
	}
	return Attr{
		Qid:   Qid{Path: qidPath("remotes", r.branch), Dir: true},
		Mode:  0555,
		Mtime: r.ns.started,
	}, nil
}

func (r *remotesDir) file(st RemoteState) Node {
	var b bytes.Buffer
	if st.Digest == "" {
		fmt.Fprintln(&b, "digest -")
	} else {
		fmt.Fprintf(&b, "digest %s\n", st.Digest)
	}
	if st.LastPush.IsZero() {
		fmt.Fprintln(&b, "pushed never")
	} else {
		fmt.Fprintf(&b, "pushed %s\n", st.LastPush.Format(time.RFC3339))
	}
	if st.Err != "" {
		fmt.Fprintf(&b, "error %s\n", st.Err)
	}
	data := b.Bytes()
	mtime := st.LastPush
	if mtime.IsZero() {
		mtime = r.ns.started
	}
	return newFuncFile(mtime, func(context.Context) ([]byte, error) {
		return data, nil
	}, "remotes", r.branch, st.Name)
}

func (r *remotesDir) Child(ctx context.Context, name string) (Node, error) {
	for _, st := range r.ns.remotes.States(r.branch) {
		if st.Name == name {
			return r.file(st), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (r *remotesDir) Children(ctx context.Context) ([]Dirent, error) {
	states := r.ns.remotes.States(r.branch)
	out := make([]Dirent, 0, len(states))
	for _, st := range states {
		out = append(out, Dirent{Name: st.Name, Node: r.file(st)})
	}
	return out, nil
}
