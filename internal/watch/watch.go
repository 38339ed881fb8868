// Package watch turns the store's ref update feed into per-branch
// generation counters that blocking readers can wait on. Generations are
// engine-local and monotonic per branch; intermediate heads may be
// skipped, the newest one is always observable.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

var (
	// ErrClosed is returned by waits on a closed engine.
	ErrClosed = errors.New("watch engine closed")
	// ErrBranchDeleted is returned when the watched branch's ref went away.
	ErrBranchDeleted = errors.New("branch deleted")
)

// Update is one observed head change.
type Update struct {
	Gen  uint64
	Head object.Digest
}

type branchState struct {
	gen    uint64
	head   object.Digest
	notify chan struct{} // closed and replaced on every bump
}

// Engine consumes the store's ref feed and hands out generation-ordered
// head updates.
type Engine struct {
	s   store.Store
	sub *store.Subscription
	log *slog.Logger

	mu       sync.Mutex
	branches map[string]*branchState
	closed   bool
	done     chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine subscribes to s and starts tracking branch generations.
// Existing refs are seeded at generation zero, so only changes after the
// engine started count as updates.
func NewEngine(ctx context.Context, s store.Store, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		s:        s,
		log:      slog.Default(),
		branches: make(map[string]*branchState),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "watch")

	sub, err := s.WatchRef("")
	if err != nil {
		return nil, err
	}
	e.sub = sub

	// Subscribe first, list second: a change racing the snapshot shows up
	// as an equal-valued event and is skipped in run.
	refs, err := s.ListRefs(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	for _, r := range refs {
		e.branches[r.Name] = &branchState{head: r.Digest, notify: make(chan struct{})}
	}

	go e.run()
	return e, nil
}

func (e *Engine) run() {
	for u := range e.sub.C {
		e.mu.Lock()
		st := e.branches[u.Name]
		if st == nil {
			if !u.Digest.Defined() {
				e.mu.Unlock()
				continue
			}
			st = &branchState{notify: make(chan struct{})}
			e.branches[u.Name] = st
		}
		if st.head == u.Digest {
			e.mu.Unlock()
			continue
		}
		st.gen++
		st.head = u.Digest
		close(st.notify)
		st.notify = make(chan struct{})
		gen := st.gen
		e.mu.Unlock()
		e.log.Debug("head moved", "branch", u.Name, "gen", gen, "head", u.Digest.Short())
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	close(e.done)
}

// State returns the branch's current generation and head. A branch the
// engine has never seen reads as generation zero with the store's
// current ref value.
func (e *Engine) State(ctx context.Context, branch string) (Update, error) {
	e.mu.Lock()
	if st, ok := e.branches[branch]; ok {
		u := Update{Gen: st.gen, Head: st.head}
		e.mu.Unlock()
		return u, nil
	}
	e.mu.Unlock()

	head, err := e.s.ReadRef(ctx, branch)
	if err != nil {
		return Update{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.branches[branch]; ok {
		return Update{Gen: st.gen, Head: st.head}, nil
	}
	e.branches[branch] = &branchState{head: head, notify: make(chan struct{})}
	return Update{Head: head}, nil
}

// Wait blocks until branch's generation exceeds afterGen, then returns
// the newest state. Intermediate generations are coalesced away.
func (e *Engine) Wait(ctx context.Context, branch string, afterGen uint64) (Update, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Update{}, ErrClosed
		}
		st := e.branches[branch]
		if st == nil {
			st = &branchState{notify: make(chan struct{})}
			e.branches[branch] = st
		}
		if st.gen > afterGen {
			u := Update{Gen: st.gen, Head: st.head}
			e.mu.Unlock()
			return u, nil
		}
		ch := st.notify
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-e.done:
			return Update{}, ErrClosed
		case <-ch:
		}
	}
}

// Gens returns every tracked branch's generation, sorted by name. Feeds
// the debug surface.
func (e *Engine) Gens() []BranchGen {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BranchGen, 0, len(e.branches))
	for name, st := range e.branches {
		out = append(out, BranchGen{Branch: name, Gen: st.gen, Head: st.head})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

// BranchGen is one branch's watch state.
type BranchGen struct {
	Branch string
	Gen    uint64
	Head   object.Digest
}

// Close stops the engine and wakes all waiters with ErrClosed.
func (e *Engine) Close() {
	e.sub.Close()
	<-e.done
}
