package store

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/grovedb/grove/internal/object"
)

// Closure returns every digest reachable from the commit at root: the
// commit object itself, its tree, all subtrees, and all blobs. Parent
// commits are not followed; history is replicated one head at a time.
func Closure(ctx context.Context, s Store, root object.Digest) ([]object.Digest, error) {
	data, err := s.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	commit, err := object.DecodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("closure of %s: %w", root.Short(), err)
	}

	seen := map[object.Digest]bool{root: true}
	out := []object.Digest{root}
	queue := []object.Digest{commit.Tree}
	for len(queue) > 0 {
		td := queue[0]
		queue = queue[1:]
		if seen[td] {
			continue
		}
		seen[td] = true
		out = append(out, td)

		tdata, err := s.Get(ctx, td)
		if err != nil {
			return nil, err
		}
		tree, err := object.DecodeTree(tdata)
		if err != nil {
			return nil, fmt.Errorf("closure of %s: %w", root.Short(), err)
		}
		for _, e := range tree.Entries {
			if e.Kind == object.KindDir {
				queue = append(queue, e.Target)
				continue
			}
			if !seen[e.Target] {
				seen[e.Target] = true
				out = append(out, e.Target)
			}
		}
	}
	return out, nil
}

// copyConcurrency bounds parallel object transfers in Copy.
const copyConcurrency = 8

// Copy transfers the given objects from src to dst, skipping ones dst
// already has. Transfers run in parallel; the first error cancels the rest.
func Copy(ctx context.Context, dst, src Store, digests []object.Digest) error {
	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(copyConcurrency).
		WithCancelOnError()

	for _, dg := range digests {
		p.Go(func(ctx context.Context) error {
			ok, err := dst.Has(ctx, dg)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			data, err := src.Get(ctx, dg)
			if err != nil {
				return err
			}
			if _, err := dst.Put(ctx, data); err != nil {
				return err
			}
			return nil
		})
	}
	return p.Wait()
}
