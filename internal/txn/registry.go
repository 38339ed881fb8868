package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/tree"
)

// DefaultMaxRetries bounds how often a commit re-merges against a head
// that keeps moving before giving up.
const DefaultMaxRetries = 3

// Registry tracks the open transactions of all sessions. Transactions
// are addressed by (branch, id); ids are unique within a branch.
type Registry struct {
	s          store.Store
	author     func() object.Signature
	maxRetries int
	log        *slog.Logger

	mu  sync.Mutex
	txs map[string]map[string]*Tx // branch -> id -> tx
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxRetries overrides the commit retry budget.
func WithMaxRetries(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for transaction lifecycle events.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns a registry that opens transactions against s.
// author is called once per commit to stamp the signature.
func NewRegistry(s store.Store, author func() object.Signature, opts ...RegistryOption) *Registry {
	r := &Registry{
		s:          s,
		author:     author,
		maxRetries: DefaultMaxRetries,
		log:        slog.Default(),
		txs:        make(map[string]map[string]*Tx),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "txn")
	return r
}

// Open starts a transaction on branch, staging on top of its current
// head. An empty id picks a fresh random one; a caller-chosen id must
// not collide with an open transaction on the same branch. owner names
// the session the transaction belongs to and scopes implicit aborts.
func (r *Registry) Open(ctx context.Context, branch, id, owner string) (*Tx, error) {
	if !store.ValidRefName(branch) {
		return nil, fmt.Errorf("open transaction: invalid branch name %q", branch)
	}
	if id != "" && !validTxID(id) {
		return nil, fmt.Errorf("open transaction: invalid id %q", id)
	}

	head, err := r.s.ReadRef(ctx, branch)
	if err != nil && !errors.Is(err, store.ErrRefNotFound) {
		return nil, err
	}
	baseTree := object.Undef
	if head.Defined() {
		c, err := history.ReadCommit(ctx, r.s, head)
		if err != nil {
			return nil, err
		}
		baseTree = c.Tree
	}
	stage, err := tree.NewStage(ctx, r.s, baseTree)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.txs[branch]
	if byID == nil {
		byID = make(map[string]*Tx)
		r.txs[branch] = byID
	}
	if id == "" {
		for {
			id = uuid.NewString()[:8]
			if _, taken := byID[id]; !taken {
				break
			}
		}
	} else if _, taken := byID[id]; taken {
		return nil, fmt.Errorf("open transaction: id %q already open on %s", id, branch)
	}

	t := &Tx{
		id:         id,
		branch:     branch,
		owner:      owner,
		created:    time.Now(),
		s:          r.s,
		author:     r.author,
		maxRetries: r.maxRetries,
		reg:        r,
		status:     StatusActive,
		base:       head,
		baseTree:   baseTree,
		stage:      stage,
	}
	byID[id] = t
	r.log.Debug("transaction opened", "branch", branch, "id", id, "base", head.Short())
	return t, nil
}

// Get returns the open transaction (branch, id), if any.
func (r *Registry) Get(branch, id string) (*Tx, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[branch][id]
	return t, ok
}

// List returns the open transactions on branch sorted by id.
func (r *Registry) List(branch string) []*Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tx, 0, len(r.txs[branch]))
	for _, t := range r.txs[branch] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of open transactions across all branches.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byID := range r.txs {
		n += len(byID)
	}
	return n
}

// ReleaseOwner aborts every transaction opened by owner. Called when a
// session goes away without cleaning up.
func (r *Registry) ReleaseOwner(owner string) {
	r.mu.Lock()
	var stale []*Tx
	for _, byID := range r.txs {
		for _, t := range byID {
			if t.owner == owner {
				stale = append(stale, t)
			}
		}
	}
	r.mu.Unlock()
	for _, t := range stale {
		t.Abort()
		r.log.Debug("transaction aborted with session", "branch", t.branch, "id", t.id, "owner", owner)
	}
}

// finish drops a terminal transaction from the registry.
func (r *Registry) finish(t *Tx) {
	r.mu.Lock()
	if byID := r.txs[t.branch]; byID != nil && byID[t.id] == t {
		delete(byID, t.id)
		if len(byID) == 0 {
			delete(r.txs, t.branch)
		}
	}
	r.mu.Unlock()
}

func validTxID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' {
			continue
		}
		return false
	}
	return !strings.HasPrefix(id, ".")
}
