package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grovedb/grove/internal/object"
)

// Disk is the durable Store.
//
// Layout:
//
//	root/
//	  objects/
//	    ba/fybeig...   (zstd-compressed objects, git-style sharding)
//	  refs/
//	    main           (plain text: digest + newline)
//
// Refs are updated under a per-store mutex plus an on-disk lockfile, so
// CAS holds across processes sharing the directory. An fsnotify watcher
// on refs/ feeds externally-made changes into the same hub that local
// writes publish to.
type Disk struct {
	root    string
	objects string
	refs    string
	comp    *compressor
	hub     *refHub
	log     *slog.Logger

	casMu sync.Mutex // serializes in-process ref writes

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// DiskOption configures OpenDisk.
type DiskOption func(*diskConfig)

type diskConfig struct {
	level int
	log   *slog.Logger
}

// WithCompressionLevel sets the zstd level for stored objects: 0 disables,
// 1 fastest, 2 default, 3 best. Reads always accept both forms.
func WithCompressionLevel(level int) DiskOption {
	return func(c *diskConfig) { c.level = level }
}

// WithLogger sets the logger for background watch activity.
func WithLogger(log *slog.Logger) DiskOption {
	return func(c *diskConfig) { c.log = log }
}

// OpenDisk opens (creating if needed) a durable store rooted at dir.
func OpenDisk(dir string, opts ...DiskOption) (*Disk, error) {
	cfg := diskConfig{level: 2, log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Disk{
		root:    dir,
		objects: filepath.Join(dir, "objects"),
		refs:    filepath.Join(dir, "refs"),
		hub:     newRefHub(),
		log:     cfg.log.With("component", "store"),
		done:    make(chan struct{}),
	}
	for _, sub := range []string{d.objects, d.refs} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	comp, err := newCompressor(cfg.level)
	if err != nil {
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	d.comp = comp

	// Prime the hub so the first external event is not mistaken for a
	// change when the value is already current.
	refs, err := d.ListRefs(context.Background())
	if err != nil {
		comp.close()
		return nil, err
	}
	for _, r := range refs {
		d.hub.seed(r.Name, r.Digest)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		comp.close()
		return nil, fmt.Errorf("init ref watcher: %w", err)
	}
	if err := watcher.Add(d.refs); err != nil {
		watcher.Close()
		comp.close()
		return nil, fmt.Errorf("watch refs dir: %w", err)
	}
	d.watcher = watcher
	go d.watchLoop()

	return d, nil
}

// watchLoop turns filesystem events on refs/ into hub updates. The hub
// dedupes values, so the echo of this process's own writes is absorbed.
func (d *Disk) watchLoop() {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, ".lock") || strings.HasPrefix(name, ".tmp-") {
				continue
			}
			if !ValidRefName(name) {
				continue
			}
			cur, err := d.ReadRef(context.Background(), name)
			if err != nil && !errors.Is(err, ErrRefNotFound) {
				d.log.Warn("re-read ref after event", "ref", name, "err", err)
				continue
			}
			d.hub.publish(name, cur)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("ref watcher", "err", err)
		}
	}
}

func (d *Disk) objectPath(dg object.Digest) string {
	s := string(dg)
	if len(s) < 3 {
		return filepath.Join(d.objects, s)
	}
	return filepath.Join(d.objects, s[:2], s[2:])
}

func (d *Disk) refPath(name string) string {
	return filepath.Join(d.refs, name)
}

func (d *Disk) Get(ctx context.Context, dg object.Digest) ([]byte, error) {
	if !dg.Defined() {
		return nil, fmt.Errorf("%w: undefined digest", ErrNotFound)
	}
	raw, err := os.ReadFile(d.objectPath(dg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dg.Short())
		}
		return nil, fmt.Errorf("read object %s: %w", dg.Short(), err)
	}
	data := d.comp.decompress(raw)
	if object.Sum(data) != dg {
		return nil, fmt.Errorf("object %s: corrupt on disk", dg.Short())
	}
	return data, nil
}

func (d *Disk) Put(ctx context.Context, data []byte) (object.Digest, error) {
	dg := object.Sum(data)
	path := d.objectPath(dg)
	if _, err := os.Stat(path); err == nil {
		return dg, nil // already exists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return object.Undef, fmt.Errorf("create object dir: %w", err)
	}
	if err := SafeWrite(path, d.comp.compress(data), 0644); err != nil {
		return object.Undef, fmt.Errorf("write object: %w", err)
	}
	return dg, nil
}

func (d *Disk) Has(ctx context.Context, dg object.Digest) (bool, error) {
	if !dg.Defined() {
		return false, nil
	}
	_, err := os.Stat(d.objectPath(dg))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *Disk) ReadRef(ctx context.Context, name string) (object.Digest, error) {
	data, err := os.ReadFile(d.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return object.Undef, fmt.Errorf("%w: %s", ErrRefNotFound, name)
		}
		return object.Undef, fmt.Errorf("read ref %s: %w", name, err)
	}
	dg, err := object.ParseDigest(strings.TrimSpace(string(data)))
	if err != nil {
		return object.Undef, fmt.Errorf("ref %s: %w", name, err)
	}
	return dg, nil
}

func (d *Disk) CompareAndSwapRef(ctx context.Context, name string, old, new object.Digest) error {
	if !ValidRefName(name) {
		return fmt.Errorf("invalid ref name %q", name)
	}
	if !old.Defined() && !new.Defined() {
		return fmt.Errorf("ref %s: old and new both undefined", name)
	}

	d.casMu.Lock()
	defer d.casMu.Unlock()

	unlock, err := d.lockRef(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := d.ReadRef(ctx, name)
	if err != nil && !errors.Is(err, ErrRefNotFound) {
		return err
	}
	switch {
	case !old.Defined():
		if cur.Defined() {
			return fmt.Errorf("%w: %s exists as %s", ErrCasConflict, name, cur.Short())
		}
	case !cur.Defined():
		return fmt.Errorf("%w: %s deleted, expected %s", ErrCasConflict, name, old.Short())
	case cur != old:
		return fmt.Errorf("%w: %s is %s, expected %s", ErrCasConflict, name, cur.Short(), old.Short())
	}

	if new.Defined() {
		if err := SafeWrite(d.refPath(name), []byte(string(new)+"\n"), 0644); err != nil {
			return fmt.Errorf("write ref %s: %w", name, err)
		}
	} else {
		if err := os.Remove(d.refPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete ref %s: %w", name, err)
		}
	}
	d.hub.publish(name, new)
	return nil
}

// Lockfile acquisition bounds. A lock older than staleLockAge belongs to a
// dead process and is broken.
const (
	lockRetryDelay = 10 * time.Millisecond
	lockTimeout    = 3 * time.Second
	staleLockAge   = 10 * time.Second
)

// lockRef takes the cross-process lock for a ref by creating name.lock
// exclusively. The returned func releases it.
func (d *Disk) lockRef(ctx context.Context, name string) (func(), error) {
	lockPath := d.refPath(name) + ".lock"
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock ref %s: %w", name, err)
		}
		if fi, serr := os.Stat(lockPath); serr == nil && time.Since(fi.ModTime()) > staleLockAge {
			d.log.Warn("breaking stale ref lock", "ref", name)
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock ref %s: timeout", name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}

func (d *Disk) ListRefs(ctx context.Context) ([]Ref, error) {
	entries, err := os.ReadDir(d.refs)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !ValidRefName(name) {
			continue
		}
		if strings.HasSuffix(name, ".lock") {
			continue
		}
		dg, err := d.ReadRef(ctx, name)
		if err != nil {
			if errors.Is(err, ErrRefNotFound) {
				continue // raced with a delete
			}
			d.log.Warn("skip unreadable ref", "ref", name, "err", err)
			continue
		}
		refs = append(refs, Ref{Name: name, Digest: dg})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (d *Disk) WatchRef(name string) (*Subscription, error) {
	return d.hub.subscribe(name), nil
}

func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.watcher.Close()
	<-d.done
	d.hub.close()
	d.comp.close()
	return err
}
