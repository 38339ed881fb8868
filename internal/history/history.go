// Package history answers reachability questions over the commit graph:
// ancestry, merge bases, and first-parent logs. Commits form a DAG through
// their parent digests; all walks are breadth-first and memoized per call.
package history

import (
	"context"
	"fmt"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

// ReadCommit loads and decodes the commit at d.
func ReadCommit(ctx context.Context, s store.Store, d object.Digest) (*object.Commit, error) {
	data, err := s.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	c, err := object.DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", d.Short(), err)
	}
	return c, nil
}

// IsAncestor reports whether a is reachable from b through parent edges.
// Every commit is an ancestor of itself.
func IsAncestor(ctx context.Context, s store.Store, a, b object.Digest) (bool, error) {
	if !a.Defined() || !b.Defined() {
		return false, nil
	}
	seen := map[object.Digest]bool{}
	queue := []object.Digest{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == a {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		c, err := ReadCommit(ctx, s, cur)
		if err != nil {
			return false, err
		}
		queue = append(queue, c.Parents...)
	}
	return false, nil
}

// ancestors collects every commit reachable from start, itself included.
func ancestors(ctx context.Context, s store.Store, start object.Digest) (map[object.Digest]*object.Commit, error) {
	out := map[object.Digest]*object.Commit{}
	queue := []object.Digest{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := out[cur]; ok {
			continue
		}
		c, err := ReadCommit(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		out[cur] = c
		queue = append(queue, c.Parents...)
	}
	return out, nil
}

// MergeBase returns the best common ancestor of a and b: among common
// ancestors not dominated by another common ancestor, the one with the
// latest author timestamp, digests breaking exact ties. Undef means the
// histories are unrelated. MergeBase(c, c) == c.
func MergeBase(ctx context.Context, s store.Store, a, b object.Digest) (object.Digest, error) {
	if !a.Defined() || !b.Defined() {
		return object.Undef, nil
	}
	if a == b {
		return a, nil
	}

	fromA, err := ancestors(ctx, s, a)
	if err != nil {
		return object.Undef, err
	}
	fromB, err := ancestors(ctx, s, b)
	if err != nil {
		return object.Undef, err
	}

	common := map[object.Digest]*object.Commit{}
	for d, c := range fromA {
		if _, ok := fromB[d]; ok {
			common[d] = c
		}
	}
	if len(common) == 0 {
		return object.Undef, nil
	}

	// Drop every common ancestor that is a strict ancestor of another
	// candidate; what survives are the "closest" ones.
	dominated := map[object.Digest]bool{}
	for d, c := range common {
		if dominated[d] {
			continue
		}
		queue := append([]object.Digest{}, c.Parents...)
		seen := map[object.Digest]bool{}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if seen[cur] {
				continue
			}
			seen[cur] = true
			if _, ok := common[cur]; ok {
				dominated[cur] = true
			}
			// All commits here were already loaded by the ancestor scans.
			if cc, ok := fromA[cur]; ok {
				queue = append(queue, cc.Parents...)
			}
		}
	}

	best := object.Undef
	var bestCommit *object.Commit
	for d, c := range common {
		if dominated[d] {
			continue
		}
		if !best.Defined() || laterThan(c, d, bestCommit, best) {
			best, bestCommit = d, c
		}
	}
	return best, nil
}

// laterThan orders candidates by author time descending, then digest
// ascending, so tie-breaks are deterministic everywhere.
func laterThan(c *object.Commit, d object.Digest, than *object.Commit, thanD object.Digest) bool {
	if c.Author.Time != than.Author.Time {
		return c.Author.Time > than.Author.Time
	}
	return d < thanD
}

// Entry is one commit in a log walk.
type Entry struct {
	Digest object.Digest
	Commit *object.Commit
}

// Log walks the first-parent chain from head, newest first, returning at
// most limit entries (0 means no limit).
func Log(ctx context.Context, s store.Store, head object.Digest, limit int) ([]Entry, error) {
	var out []Entry
	cur := head
	for cur.Defined() {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := ReadCommit(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Digest: cur, Commit: c})
		if len(c.Parents) == 0 {
			break
		}
		cur = c.Parents[0]
	}
	return out, nil
}

// At returns the commit seq steps back along the first-parent chain from
// head; seq 0 is head itself.
func At(ctx context.Context, s store.Store, head object.Digest, seq int) (object.Digest, *object.Commit, error) {
	cur := head
	for i := 0; ; i++ {
		if !cur.Defined() {
			return object.Undef, nil, fmt.Errorf("history ends before seq %d", seq)
		}
		c, err := ReadCommit(ctx, s, cur)
		if err != nil {
			return object.Undef, nil, err
		}
		if i == seq {
			return cur, c, nil
		}
		if len(c.Parents) == 0 {
			return object.Undef, nil, fmt.Errorf("history ends before seq %d", seq)
		}
		cur = c.Parents[0]
	}
}
