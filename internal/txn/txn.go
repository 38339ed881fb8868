// Package txn implements optimistic write transactions against branch
// heads. A transaction stages edits against the head it was opened on;
// commit swaps the branch ref forward with CAS and, when the head moved
// underneath, three-way merges before retrying. Branches are never
// locked: the ref swap is the only synchronization point.
package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/tree"
)

// Status is a transaction's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusCommitting
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// ErrNotActive is returned for operations on a finished transaction.
var ErrNotActive = errors.New("transaction not active")

// ErrBranchGone is returned when the transaction's branch was deleted
// while the transaction was open.
var ErrBranchGone = errors.New("branch deleted")

// MergeConflictError reports a commit stopped by divergent concurrent
// edits. With a non-empty Paths the conflicting files now carry conflict
// markers in the transaction's staging area and the transaction has been
// rebased onto the new head; resolve and commit again. An empty Paths
// means the retry budget ran out against a busy branch.
type MergeConflictError struct {
	Paths []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Paths) == 0 {
		return "merge conflict: branch too contended, retries exhausted"
	}
	return fmt.Sprintf("merge conflict in %d path(s): %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

// Tx is one open transaction. All methods are safe for concurrent use;
// a single mutex covers the staging tree.
type Tx struct {
	id      string
	branch  string
	owner   string
	created time.Time

	s          store.Store
	author     func() object.Signature
	maxRetries int
	reg        *Registry

	mu        sync.Mutex
	status    Status
	base      object.Digest // commit the stage builds on; Undef on an empty branch
	baseTree  object.Digest
	stage     *tree.Stage
	editCount int
	conflicts []string
}

func (t *Tx) ID() string         { return t.id }
func (t *Tx) Branch() string     { return t.branch }
func (t *Tx) Owner() string      { return t.owner }
func (t *Tx) Created() time.Time { return t.created }

func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Base returns the commit the staging area is based on.
func (t *Tx) Base() object.Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// Conflicts returns the paths from the last conflicted commit attempt.
func (t *Tx) Conflicts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.conflicts...)
}

// EditCount returns how many staged mutations this transaction has made.
func (t *Tx) EditCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.editCount
}

func (t *Tx) ensureActive() error {
	if t.status != StatusActive {
		return fmt.Errorf("%w: %s", ErrNotActive, t.status)
	}
	return nil
}

// edit runs a mutating stage operation under the lock.
func (t *Tx) edit(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureActive(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	t.editCount++
	return nil
}

func (t *Tx) Put(ctx context.Context, path string, content []byte, exec bool) error {
	return t.edit(func() error { return t.stage.Put(ctx, path, content, exec) })
}

func (t *Tx) Mkdir(ctx context.Context, path string) error {
	return t.edit(func() error { return t.stage.Mkdir(ctx, path) })
}

func (t *Tx) Symlink(ctx context.Context, path, target string) error {
	return t.edit(func() error { return t.stage.Symlink(ctx, path, target) })
}

func (t *Tx) Chmod(ctx context.Context, path string, exec bool) error {
	return t.edit(func() error { return t.stage.Chmod(ctx, path, exec) })
}

func (t *Tx) Remove(ctx context.Context, path string) error {
	return t.edit(func() error { return t.stage.Remove(ctx, path) })
}

func (t *Tx) Rename(ctx context.Context, path, newName string) error {
	return t.edit(func() error { return t.stage.Rename(ctx, path, newName) })
}

func (t *Tx) Read(ctx context.Context, path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureActive(); err != nil {
		return nil, err
	}
	return t.stage.Read(ctx, path)
}

func (t *Tx) Lookup(ctx context.Context, path string) (tree.Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureActive(); err != nil {
		return tree.Info{}, err
	}
	return t.stage.Lookup(ctx, path)
}

func (t *Tx) List(ctx context.Context, path string) ([]tree.Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureActive(); err != nil {
		return nil, err
	}
	return t.stage.List(ctx, path)
}

// Commit publishes the staged tree as a new commit on the branch and
// returns its digest. When the head has moved, staged edits are merged
// over it; clean merges retry the ref swap up to the retry budget, and
// conflicts rebase the staging area onto the new head, stage marker
// files, and return a MergeConflictError with the paths.
func (t *Tx) Commit(ctx context.Context, message string) (object.Digest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureActive(); err != nil {
		return object.Undef, err
	}
	t.status = StatusCommitting

	ourTree, err := t.stage.Root(ctx)
	if err != nil {
		t.status = StatusActive
		return object.Undef, err
	}

	curBase, curBaseTree := t.base, t.baseTree
	origBase := t.base

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		head, err := t.s.ReadRef(ctx, t.branch)
		switch {
		case errors.Is(err, store.ErrRefNotFound):
			if t.base.Defined() {
				t.status = StatusActive
				return object.Undef, fmt.Errorf("%w: %s", ErrBranchGone, t.branch)
			}
			head = object.Undef
		case err != nil:
			t.status = StatusActive
			return object.Undef, err
		}

		commitTree := ourTree
		parents := []object.Digest{}
		if head.Defined() {
			parents = append(parents, head)
		}

		if head != curBase {
			headCommit, err := history.ReadCommit(ctx, t.s, head)
			if err != nil {
				t.status = StatusActive
				return object.Undef, err
			}
			res, err := tree.Merge(ctx, t.s, curBaseTree, ourTree, headCommit.Tree)
			if err != nil {
				t.status = StatusActive
				return object.Undef, err
			}
			if len(res.Conflicts) > 0 {
				stage, err := tree.NewStage(ctx, t.s, res.Tree)
				if err != nil {
					t.status = StatusActive
					return object.Undef, err
				}
				t.stage = stage
				t.base = head
				t.baseTree = headCommit.Tree
				t.conflicts = res.Conflicts
				t.status = StatusActive
				return object.Undef, &MergeConflictError{Paths: res.Conflicts}
			}
			commitTree = res.Tree
			ourTree = res.Tree
			curBase, curBaseTree = head, headCommit.Tree
			if origBase.Defined() && origBase != head {
				parents = append(parents, origBase)
			}
		}

		commit := &object.Commit{
			V:       1,
			Tree:    commitTree,
			Parents: parents,
			Author:  t.author(),
			Message: message,
		}
		data, digest, err := object.EncodeCommit(commit)
		if err != nil {
			t.status = StatusActive
			return object.Undef, err
		}
		if _, err := t.s.Put(ctx, data); err != nil {
			t.status = StatusActive
			return object.Undef, err
		}

		err = t.s.CompareAndSwapRef(ctx, t.branch, head, digest)
		if err == nil {
			t.status = StatusCommitted
			t.conflicts = nil
			t.reg.finish(t)
			return digest, nil
		}
		if !errors.Is(err, store.ErrCasConflict) {
			t.status = StatusActive
			return object.Undef, err
		}
		// Head moved between read and swap; go around again.
	}

	t.status = StatusActive
	return object.Undef, &MergeConflictError{}
}

// Abort discards the transaction.
func (t *Tx) Abort() {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	t.status = StatusAborted
	t.mu.Unlock()
	t.reg.finish(t)
}
