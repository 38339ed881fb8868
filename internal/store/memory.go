package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grovedb/grove/internal/object"
)

// Memory is an in-process Store. State is lost on Close; refs behave
// exactly like Disk's, including CAS semantics and watch delivery.
type Memory struct {
	mu      sync.RWMutex
	objects map[object.Digest][]byte
	refs    map[string]object.Digest
	hub     *refHub
	closed  bool
}

// NewMemory returns an empty volatile store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[object.Digest][]byte),
		refs:    make(map[string]object.Digest),
		hub:     newRefHub(),
	}
}

func (m *Memory) Get(ctx context.Context, d object.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.objects[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d.Short())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, data []byte) (object.Digest, error) {
	d := object.Sum(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return object.Undef, ErrClosed
	}
	if _, ok := m.objects[d]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.objects[d] = cp
	}
	return d, nil
}

func (m *Memory) Has(ctx context.Context, d object.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.objects[d]
	return ok, nil
}

func (m *Memory) ReadRef(ctx context.Context, name string) (object.Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return object.Undef, ErrClosed
	}
	d, ok := m.refs[name]
	if !ok {
		return object.Undef, fmt.Errorf("%w: %s", ErrRefNotFound, name)
	}
	return d, nil
}

func (m *Memory) CompareAndSwapRef(ctx context.Context, name string, old, new object.Digest) error {
	if !ValidRefName(name) {
		return fmt.Errorf("invalid ref name %q", name)
	}
	if !old.Defined() && !new.Defined() {
		return fmt.Errorf("ref %s: old and new both undefined", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, exists := m.refs[name]
	switch {
	case !old.Defined():
		if exists {
			return fmt.Errorf("%w: %s exists as %s", ErrCasConflict, name, cur.Short())
		}
	case !exists:
		return fmt.Errorf("%w: %s deleted, expected %s", ErrCasConflict, name, old.Short())
	case cur != old:
		return fmt.Errorf("%w: %s is %s, expected %s", ErrCasConflict, name, cur.Short(), old.Short())
	}
	if new.Defined() {
		m.refs[name] = new
	} else {
		delete(m.refs, name)
	}
	m.hub.publish(name, new)
	return nil
}

func (m *Memory) ListRefs(ctx context.Context) ([]Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	refs := make([]Ref, 0, len(m.refs))
	for name, d := range m.refs {
		refs = append(refs, Ref{Name: name, Digest: d})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (m *Memory) WatchRef(name string) (*Subscription, error) {
	return m.hub.subscribe(name), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.close()
	return nil
}
