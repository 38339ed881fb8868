// Package remote replicates branch heads to off-host targets. The
// shipped target is an OCI registry: a push packs the head commit's
// closure into one image layer under the branch's tag, so any registry
// doubles as an off-site copy of the branch. A Manager fans pushes out
// to every configured remote and feeds replication state into the
// namespace; a Replicator watches the ref feed and pushes automatically
// after each commit.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/vfs"
)

// Remote is one replication target.
type Remote interface {
	// Name identifies the remote in ctl output and status files.
	Name() string
	// Push uploads head and its objects under branch's tag, replacing
	// whatever the tag held before.
	Push(ctx context.Context, branch string, head object.Digest, objects map[object.Digest][]byte) error
	// Fetch downloads branch's head digest and objects.
	Fetch(ctx context.Context, branch string) (object.Digest, map[object.Digest][]byte, error)
}

// Manager pushes branches to a set of remotes and tracks the outcome
// per branch and remote. It implements the namespace's RemoteSource.
type Manager struct {
	s       store.Store
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	remotes []Remote
	state   map[string]map[string]vfs.RemoteState
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithPushTimeout bounds each push to one remote. Zero disables the
// bound.
func WithPushTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// NewManager builds a manager over the local store and the given
// remotes.
func NewManager(s store.Store, remotes []Remote, opts ...ManagerOption) *Manager {
	m := &Manager{
		s:       s,
		log:     slog.Default(),
		timeout: 2 * time.Minute,
		remotes: remotes,
		state:   make(map[string]map[string]vfs.RemoteState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "remote")
	return m
}

// States reports the branch's replication state, one entry per
// configured remote in configuration order.
func (m *Manager) States(branch string) []vfs.RemoteState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vfs.RemoteState, 0, len(m.remotes))
	for _, r := range m.remotes {
		st, ok := m.state[branch][r.Name()]
		if !ok {
			st = vfs.RemoteState{Name: r.Name()}
		}
		out = append(out, st)
	}
	return out
}

// Sync pushes the branch's current head to every remote. The closure is
// collected once; each remote's failure is recorded in its state and
// the joined error returned.
func (m *Manager) Sync(ctx context.Context, branch string) error {
	m.mu.Lock()
	remotes := append([]Remote(nil), m.remotes...)
	m.mu.Unlock()
	if len(remotes) == 0 {
		return nil
	}

	head, err := m.s.ReadRef(ctx, branch)
	if err != nil {
		return err
	}
	objects, err := m.collect(ctx, head)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range remotes {
		if err := m.pushOne(ctx, r, branch, head, objects); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) collect(ctx context.Context, head object.Digest) (map[object.Digest][]byte, error) {
	digests, err := store.Closure(ctx, m.s, head)
	if err != nil {
		return nil, err
	}
	objects := make(map[object.Digest][]byte, len(digests))
	for _, d := range digests {
		data, err := m.s.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		objects[d] = data
	}
	return objects, nil
}

func (m *Manager) pushOne(ctx context.Context, r Remote, branch string, head object.Digest, objects map[object.Digest][]byte) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	err := r.Push(ctx, branch, head, objects)

	m.mu.Lock()
	if m.state[branch] == nil {
		m.state[branch] = make(map[string]vfs.RemoteState)
	}
	st := m.state[branch][r.Name()]
	st.Name = r.Name()
	if err != nil {
		st.Err = err.Error()
	} else {
		st.Digest = head.String()
		st.LastPush = time.Now()
		st.Err = ""
	}
	m.state[branch][r.Name()] = st
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("push failed", "remote", r.Name(), "branch", branch, "err", err)
		return err
	}
	m.log.Info("pushed", "remote", r.Name(), "branch", branch,
		"head", head.Short(), "objects", len(objects))
	return nil
}

// Fetch imports branch from the named remote into the local store and
// points the local branch at the fetched head. The ref only moves when
// the fetched head is a fast-forward of the local one, and moves by CAS
// from its observed value, so a fetch never clobbers local commits. A
// diverged branch is left untouched; resolve with ctl force.
func (m *Manager) Fetch(ctx context.Context, remoteName, branch string) (object.Digest, error) {
	var r Remote
	m.mu.Lock()
	for _, cand := range m.remotes {
		if cand.Name() == remoteName {
			r = cand
			break
		}
	}
	m.mu.Unlock()
	if r == nil {
		return object.Undef, fmt.Errorf("unknown remote %q", remoteName)
	}

	head, objects, err := r.Fetch(ctx, branch)
	if err != nil {
		return object.Undef, err
	}
	for d, data := range objects {
		got, err := m.s.Put(ctx, data)
		if err != nil {
			return object.Undef, err
		}
		if got != d {
			return object.Undef, fmt.Errorf("fetched object %s hashes to %s", d.Short(), got.Short())
		}
	}
	ok, err := m.s.Has(ctx, head)
	if err != nil {
		return object.Undef, err
	}
	if !ok {
		return object.Undef, fmt.Errorf("remote %s: head %s not in fetched objects", remoteName, head.Short())
	}

	old, err := m.s.ReadRef(ctx, branch)
	if err != nil && !errors.Is(err, store.ErrRefNotFound) {
		return object.Undef, err
	}
	if old == head {
		return head, nil
	}
	if old.Defined() {
		// Pushes ship one head's closure at a time, so parent commits
		// can be absent locally; ancestry that cannot be proven is
		// treated as divergence.
		ff, err := history.IsAncestor(ctx, m.s, old, head)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return object.Undef, err
		}
		if !ff {
			return object.Undef, fmt.Errorf("remote %s: branch %s: fetched head %s is not a fast-forward of local %s",
				remoteName, branch, head.Short(), old.Short())
		}
	}
	if err := m.s.CompareAndSwapRef(ctx, branch, old, head); err != nil {
		return object.Undef, err
	}
	m.log.Info("fetched", "remote", remoteName, "branch", branch, "head", head.Short())
	return head, nil
}

// Forget drops replication state for a deleted branch.
func (m *Manager) Forget(branch string) {
	m.mu.Lock()
	delete(m.state, branch)
	m.mu.Unlock()
}

// Replicator pushes automatically after every head move. Failures are
// logged and do not stop the worker; the next head move retries.
type Replicator struct {
	m   *Manager
	log *slog.Logger
	sub *store.Subscription

	stopCh chan struct{}
	doneCh chan struct{}
}

// ReplicatorOption configures a Replicator.
type ReplicatorOption func(*Replicator)

// WithReplicatorLogger sets the worker's logger.
func WithReplicatorLogger(log *slog.Logger) ReplicatorOption {
	return func(r *Replicator) { r.log = log }
}

// NewReplicator subscribes to the store's ref feed. Call Start to begin
// pushing.
func NewReplicator(s store.Store, m *Manager, opts ...ReplicatorOption) (*Replicator, error) {
	sub, err := s.WatchRef("")
	if err != nil {
		return nil, err
	}
	r := &Replicator{
		m:      m,
		log:    slog.Default(),
		sub:    sub,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "replicator")
	return r, nil
}

// Start launches the background push loop.
func (r *Replicator) Start() {
	go func() {
		defer close(r.doneCh)
		for {
			select {
			case <-r.stopCh:
				return
			case u, ok := <-r.sub.C:
				if !ok {
					return
				}
				if !u.Digest.Defined() {
					r.m.Forget(u.Name)
					continue
				}
				if err := r.m.Sync(context.Background(), u.Name); err != nil {
					r.log.Warn("auto push failed", "branch", u.Name, "err", err)
				}
			}
		}
	}()
}

// Stop ends the worker and waits for it to finish.
func (r *Replicator) Stop() {
	r.sub.Close()
	close(r.stopCh)
	<-r.doneCh
}
