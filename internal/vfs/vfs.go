// Package vfs generates the synthetic namespace served to clients: a
// hierarchy of branches, head trees, transactions, history, watch feeds
// and debug nodes, resolved on demand from live store state. Nothing
// under the namespace exists as a real object until a transaction
// materializes it; nodes are cheap values recreated on every walk.
package vfs

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/txn"
	"github.com/grovedb/grove/internal/watch"
)

var (
	// ErrNotFound is returned when a name does not resolve.
	ErrNotFound = errors.New("file not found")
	// ErrExist is returned when a created name is taken.
	ErrExist = errors.New("file exists")
	// ErrNotDir is returned when walking through a non-directory.
	ErrNotDir = errors.New("not a directory")
	// ErrIsDir is returned for byte I/O on a directory.
	ErrIsDir = errors.New("is a directory")
	// ErrPerm is returned for operations a node does not allow.
	ErrPerm = errors.New("permission denied")
	// ErrStale is returned when a handle's resolved entity is gone:
	// branch deleted, transaction ended. The handle must be re-walked.
	ErrStale = errors.New("stale handle")
	// ErrBadName is returned for names that escape the tree model.
	ErrBadName = errors.New("invalid name")
)

// Qid identifies a node. Path is stable for a node's identity; Vers
// moves when the node's content does, where that is meaningful.
type Qid struct {
	Path uint64
	Vers uint32
	Dir  bool
}

// Attr is a node's stat material. The directory bit lives on the Qid;
// Mode carries permission bits only.
type Attr struct {
	Qid    Qid
	Mode   uint32
	Length int64
	Mtime  time.Time
}

// OpenFlag is the requested access for Open.
type OpenFlag uint8

const (
	ReadFlag OpenFlag = 1 << iota
	WriteFlag
	TruncFlag
)

func (f OpenFlag) CanRead() bool  { return f&ReadFlag != 0 }
func (f OpenFlag) CanWrite() bool { return f&WriteFlag != 0 }

// Node is anything resolvable in the namespace.
type Node interface {
	Attr(ctx context.Context) (Attr, error)
}

// Dirent is one directory entry.
type Dirent struct {
	Name string
	Node Node
}

// Dir is a walkable node.
type Dir interface {
	Node
	// Child resolves one name, or ErrNotFound.
	Child(ctx context.Context, name string) (Node, error)
	// Children lists the directory. Order is stable between calls as
	// long as the underlying state does not change.
	Children(ctx context.Context) ([]Dirent, error)
}

// Opener is a node that can be opened for byte I/O.
type Opener interface {
	Open(ctx context.Context, flag OpenFlag) (Handle, error)
}

// Creator is a directory that can create children. exec carries the
// execute permission bit for new files.
type Creator interface {
	Create(ctx context.Context, name string, dir, exec bool) (Node, Handle, error)
}

// Remover is a node that can be removed through the protocol.
type Remover interface {
	Remove(ctx context.Context) error
}

// WstatReq carries the mutable fields of a wstat. Nil means unchanged.
type WstatReq struct {
	Name *string
	Exec *bool
}

// Wstater is a node that accepts metadata updates.
type Wstater interface {
	Wstat(ctx context.Context, req WstatReq) error
}

// Handle is an open file. Offsets are explicit so concurrent requests
// on one handle need no shared cursor; feed-style handles may ignore
// them.
type Handle interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Close(ctx context.Context) error
}

// RemoteState is one remote's view of one branch.
type RemoteState struct {
	Name     string
	Digest   string
	LastPush time.Time
	Err      string
}

// RemoteSource surfaces replication state into the namespace and takes
// manual sync requests from the control file.
type RemoteSource interface {
	States(branch string) []RemoteState
	Sync(ctx context.Context, branch string) error
}

// Namespace resolves paths against a store, a transaction registry and
// a watch engine. One Namespace serves all connections; per-connection
// identity enters through Root's owner.
type Namespace struct {
	s       store.Store
	txns    *txn.Registry
	watch   *watch.Engine
	remotes RemoteSource
	log     *slog.Logger
	version string
	started time.Time

	sessions atomic.Int64
}

// Option configures a Namespace.
type Option func(*Namespace)

// WithLogger sets the namespace logger.
func WithLogger(log *slog.Logger) Option {
	return func(ns *Namespace) { ns.log = log }
}

// WithVersion sets the string served by /debug/version.
func WithVersion(v string) Option {
	return func(ns *Namespace) { ns.version = v }
}

// WithRemotes plugs replication state into /<branch>/remotes and the
// control file's sync command.
func WithRemotes(r RemoteSource) Option {
	return func(ns *Namespace) { ns.remotes = r }
}

// New builds a namespace over the given store, transactions and watch
// engine.
func New(s store.Store, txns *txn.Registry, w *watch.Engine, opts ...Option) *Namespace {
	ns := &Namespace{
		s:       s,
		txns:    txns,
		watch:   w,
		log:     slog.Default(),
		version: "dev",
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(ns)
	}
	ns.log = ns.log.With("component", "vfs")
	return ns
}

// Root returns the namespace root for one attached session. owner tags
// transactions opened through this root so they die with the session.
func (ns *Namespace) Root(owner string) Dir {
	return &rootNode{ns: ns, owner: owner}
}

// SessionOpened and SessionClosed maintain the live session gauge shown
// under /debug/stats.
func (ns *Namespace) SessionOpened() { ns.sessions.Add(1) }
func (ns *Namespace) SessionClosed() { ns.sessions.Add(-1) }

// ReleaseOwner aborts every transaction the owner still holds open, the
// teardown path for a vanished session.
func (ns *Namespace) ReleaseOwner(owner string) {
	ns.txns.ReleaseOwner(owner)
}

// reserved top-level names; branches cannot shadow them.
var reservedNames = map[string]bool{
	"ctl":   true,
	"snap":  true,
	"debug": true,
}

// Reserved reports whether name is claimed by the namespace itself.
func Reserved(name string) bool {
	return reservedNames[name]
}

// qidPath hashes a node identity into a stable 64-bit qid path.
func qidPath(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
