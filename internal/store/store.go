// Package store provides the object store adapter: content-addressed
// immutable objects plus named refs with compare-and-swap updates. Two
// implementations exist, Disk for durable repositories and Memory for
// tests and throwaway servers. Both deliver ref changes to subscribers
// through a shared broadcast hub.
package store

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/grovedb/grove/internal/object"
)

var (
	// ErrNotFound is returned by Get for a digest with no stored object.
	ErrNotFound = errors.New("object not found")
	// ErrRefNotFound is returned by ReadRef for an unknown ref.
	ErrRefNotFound = errors.New("ref not found")
	// ErrCasConflict is returned by CompareAndSwapRef when the ref's
	// current value does not match the expected one.
	ErrCasConflict = errors.New("ref cas conflict")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Ref is a named pointer to a commit.
type Ref struct {
	Name   string
	Digest object.Digest
}

// RefUpdate is delivered to subscribers when a ref changes. Digest is the
// ref's newest value; Undef means the ref was deleted.
type RefUpdate struct {
	Name   string
	Digest object.Digest
}

// Store is the object store adapter. Objects are immutable and keyed by
// digest; refs are mutable names updated only by compare-and-swap, so the
// ref write is the single point where concurrent writers are ordered.
type Store interface {
	// Get returns the object bytes for d, or ErrNotFound.
	Get(ctx context.Context, d object.Digest) ([]byte, error)
	// Put stores data and returns its digest. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (object.Digest, error)
	// Has reports whether d is stored.
	Has(ctx context.Context, d object.Digest) (bool, error)

	// ReadRef returns the current value of a ref, or ErrRefNotFound.
	ReadRef(ctx context.Context, name string) (object.Digest, error)
	// CompareAndSwapRef atomically updates a ref from old to new.
	// old == Undef creates the ref, which must not exist; new == Undef
	// deletes it. A current value different from old is ErrCasConflict.
	CompareAndSwapRef(ctx context.Context, name string, old, new object.Digest) error
	// ListRefs returns all refs sorted by name.
	ListRefs(ctx context.Context) ([]Ref, error)
	// WatchRef subscribes to updates of the named ref. An empty name
	// subscribes to every ref.
	WatchRef(name string) (*Subscription, error)

	Close() error
}

var refNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidRefName reports whether name is usable as a ref. Names map to
// files on disk, so the charset is deliberately narrow; no path
// separators, no leading dot.
func ValidRefName(name string) bool {
	return refNameRe.MatchString(name)
}

// Subscription is a live feed of ref updates. Updates for a slow consumer
// are dropped oldest-first; the newest value always arrives eventually.
type Subscription struct {
	C <-chan RefUpdate

	hub *refHub
	s   *sub
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.s)
}

// subBuffer is the per-subscriber channel capacity. Overflow drops the
// oldest queued update, never the newest.
const subBuffer = 64

type sub struct {
	name string // "" means all refs
	ch   chan RefUpdate
}

// refHub fans ref updates out to subscribers. Both store implementations
// publish into a hub: Disk additionally feeds it from fsnotify so changes
// made by other processes are observed too.
type refHub struct {
	mu     sync.Mutex
	last   map[string]object.Digest
	subs   map[*sub]struct{}
	closed bool
}

func newRefHub() *refHub {
	return &refHub{
		last: make(map[string]object.Digest),
		subs: make(map[*sub]struct{}),
	}
}

// publish records the ref's newest value and notifies subscribers.
// Publishing the value already on record is a no-op, which absorbs the
// fsnotify echo of the hub owner's own writes.
func (h *refHub) publish(name string, d object.Digest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if prev, ok := h.last[name]; ok && prev == d {
		return
	}
	if d.Defined() {
		h.last[name] = d
	} else {
		delete(h.last, name)
	}
	u := RefUpdate{Name: name, Digest: d}
	for s := range h.subs {
		if s.name != "" && s.name != name {
			continue
		}
		for {
			select {
			case s.ch <- u:
			default:
				select {
				case <-s.ch: // drop oldest
				default:
				}
				continue
			}
			break
		}
	}
}

// seed primes the dedupe table without notifying anyone. Used when a store
// opens over existing state.
func (h *refHub) seed(name string, d object.Digest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[name] = d
}

func (h *refHub) subscribe(name string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &sub{name: name, ch: make(chan RefUpdate, subBuffer)}
	if !h.closed {
		h.subs[s] = struct{}{}
	} else {
		close(s.ch)
	}
	return &Subscription{C: s.ch, hub: h, s: s}
}

func (h *refHub) unsubscribe(s *sub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *refHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = map[*sub]struct{}{}
}
