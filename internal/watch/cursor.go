package watch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/tree"
)

// maxDiffBytes caps the blob size the cursor will render a textual diff
// for. Bigger or binary files get their change line only.
const maxDiffBytes = 64 * 1024

// Cursor is one reader's position in a branch's change feed. Each Next
// call blocks until the branch moves past the cursor, then renders a
// change summary against the previously seen head. A non-empty prefix
// narrows the feed to changes under that path; updates that touch
// nothing under the prefix are skipped.
type Cursor struct {
	e      *Engine
	branch string
	prefix string

	mu       sync.Mutex
	lastGen  uint64
	lastHead object.Digest
	buf      []byte
}

// NewCursor positions a cursor at branch's current state, so the first
// Next blocks until the next change.
func NewCursor(ctx context.Context, e *Engine, branch, prefix string) (*Cursor, error) {
	u, err := e.State(ctx, branch)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		e:        e,
		branch:   branch,
		prefix:   strings.Trim(prefix, "/"),
		lastGen:  u.Gen,
		lastHead: u.Head,
	}, nil
}

// Next blocks for the next relevant update and returns its rendered
// summary: a "commit <digest>" line, one "A|M|D <path>" line per change,
// then unified diff hunks for modified text files.
func (c *Cursor) Next(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next(ctx)
}

func (c *Cursor) next(ctx context.Context) ([]byte, error) {
	for {
		u, err := c.e.Wait(ctx, c.branch, c.lastGen)
		if err != nil {
			return nil, err
		}
		old := c.lastHead
		c.lastGen, c.lastHead = u.Gen, u.Head

		if !u.Head.Defined() {
			return nil, ErrBranchDeleted
		}
		payload, err := c.render(ctx, old, u.Head)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			// Nothing under the prefix changed; keep waiting.
			continue
		}
		return payload, nil
	}
}

// Read serves the feed as a byte stream: it drains the previously
// rendered payload and blocks for the next update when the buffer runs
// dry. Offsets are meaningless on the feed; callers read sequentially.
func (c *Cursor) Read(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		payload, err := c.next(ctx)
		if err != nil {
			return 0, err
		}
		c.buf = payload
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// underPrefix reports whether path falls under the cursor's prefix.
func (c *Cursor) underPrefix(path string) bool {
	if c.prefix == "" {
		return true
	}
	return path == c.prefix || strings.HasPrefix(path, c.prefix+"/")
}

func (c *Cursor) render(ctx context.Context, old, new object.Digest) ([]byte, error) {
	oldTree, err := commitTree(ctx, c.e, old)
	if err != nil {
		return nil, err
	}
	newTree, err := commitTree(ctx, c.e, new)
	if err != nil {
		return nil, err
	}

	changes, err := tree.Diff(ctx, c.e.s, oldTree, newTree)
	if err != nil {
		return nil, err
	}
	kept := changes[:0]
	for _, ch := range changes {
		if c.underPrefix(ch.Path) {
			kept = append(kept, ch)
		}
	}
	if len(kept) == 0 && old.Defined() {
		return nil, nil
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "commit %s\n", new)
	for _, ch := range kept {
		fmt.Fprintf(&b, "%s %s\n", ch.Kind, ch.Path)
	}
	for _, ch := range kept {
		if ch.Kind != tree.Modified || !ch.OldKind.IsFile() || !ch.NewKind.IsFile() {
			continue
		}
		if err := c.renderDiff(ctx, &b, ch); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

func (c *Cursor) renderDiff(ctx context.Context, b *bytes.Buffer, ch tree.Change) error {
	oldData, err := c.e.s.Get(ctx, ch.OldTarget)
	if err != nil {
		return err
	}
	newData, err := c.e.s.Get(ctx, ch.NewTarget)
	if err != nil {
		return err
	}
	if len(oldData) > maxDiffBytes || len(newData) > maxDiffBytes {
		return nil
	}
	if bytes.IndexByte(oldData, 0) >= 0 || bytes.IndexByte(newData, 0) >= 0 {
		fmt.Fprintf(b, "--- a/%s\n+++ b/%s\n(binary files differ)\n", ch.Path, ch.Path)
		return nil
	}

	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(oldData)),
		B:        difflib.SplitLines(string(newData)),
		FromFile: fmt.Sprintf("a/%s", ch.Path),
		ToFile:   fmt.Sprintf("b/%s", ch.Path),
		Context:  3,
	}
	diffText, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return err
	}
	b.WriteString(diffText)
	if diffText != "" && !strings.HasSuffix(diffText, "\n") {
		b.WriteString("\n")
	}
	return nil
}

// commitTree maps a head digest to its root tree; Undef maps to Undef,
// which Diff treats as the empty tree.
func commitTree(ctx context.Context, e *Engine, head object.Digest) (object.Digest, error) {
	if !head.Defined() {
		return object.Undef, nil
	}
	c, err := history.ReadCommit(ctx, e.s, head)
	if err != nil {
		return object.Undef, err
	}
	return c.Tree, nil
}
