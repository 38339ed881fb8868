// Package object defines the immutable object model: blobs, trees, and
// commits, addressed by the digest of their canonical encoding. Trees and
// commits are JSON documents passed through RFC 8785 canonicalization before
// hashing, so the same logical object always has the same digest.
package object

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Object format version.
const formatV = 1

// Kind classifies a tree entry.
type Kind string

const (
	KindFile    Kind = "file"
	KindExec    Kind = "exec"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
)

// IsFile reports whether k names blob content (file, exec, or symlink).
func (k Kind) IsFile() bool {
	return k == KindFile || k == KindExec || k == KindSymlink
}

// Entry is one name inside a Tree. Target is a blob digest for file kinds
// and a tree digest for dirs. Size is the blob length in bytes; zero for dirs.
type Entry struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Target Digest `json:"target"`
	Size   int64  `json:"size,omitempty"`
}

// Tree is a directory object: entries sorted by name, names unique.
type Tree struct {
	V       int     `json:"v"`
	Entries []Entry `json:"entries"`
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{V: formatV, Entries: []Entry{}}
}

// Lookup finds the entry named name.
func (t *Tree) Lookup(name string) (Entry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return Entry{}, false
}

// Upsert inserts e, replacing any existing entry with the same name.
func (t *Tree) Upsert(e Entry) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= e.Name })
	if i < len(t.Entries) && t.Entries[i].Name == e.Name {
		t.Entries[i] = e
		return
	}
	t.Entries = append(t.Entries, Entry{})
	copy(t.Entries[i+1:], t.Entries[i:])
	t.Entries[i] = e
}

// Remove deletes the entry named name, reporting whether it was present.
func (t *Tree) Remove(name string) bool {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		t.Entries = append(t.Entries[:i], t.Entries[i+1:]...)
		return true
	}
	return false
}

// Signature records who made a commit and when. Time is unix seconds with a
// fixed zone offset, kept out of RFC 3339 so the canonical encoding never
// depends on formatting.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Time  int64  `json:"time"`
	Zone  string `json:"zone,omitempty"` // "+0200" style offset
}

// When returns the signature time in its recorded zone.
func (s Signature) When() time.Time {
	t := time.Unix(s.Time, 0)
	if s.Zone != "" {
		if loc, err := time.Parse("-0700", s.Zone); err == nil {
			return t.In(loc.Location())
		}
	}
	return t.UTC()
}

// Commit is a history node: a tree snapshot plus zero or more parents.
// Root commits have no parents; merge commits have two or more.
type Commit struct {
	V       int       `json:"v"`
	Tree    Digest    `json:"tree"`
	Parents []Digest  `json:"parents,omitempty"`
	Author  Signature `json:"author"`
	Message string    `json:"message,omitempty"`
}

// canonical marshals v and applies RFC 8785 canonicalization.
func canonical(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(data)
}

// EncodeTree serializes t canonically and returns the bytes and their digest.
func EncodeTree(t *Tree) ([]byte, Digest, error) {
	if err := validateTree(t); err != nil {
		return nil, Undef, err
	}
	data, err := canonical(t)
	if err != nil {
		return nil, Undef, fmt.Errorf("encode tree: %w", err)
	}
	return data, Sum(data), nil
}

// DecodeTree parses and validates a tree object.
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if err := validateTree(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

func validateTree(t *Tree) error {
	if t.V != formatV {
		return fmt.Errorf("tree: unsupported version %d", t.V)
	}
	prev := ""
	for _, e := range t.Entries {
		if e.Name == "" || strings.Contains(e.Name, "/") || e.Name == "." || e.Name == ".." {
			return fmt.Errorf("tree: bad entry name %q", e.Name)
		}
		if prev != "" && e.Name <= prev {
			return fmt.Errorf("tree: entries not sorted at %q", e.Name)
		}
		prev = e.Name
		switch e.Kind {
		case KindFile, KindExec, KindDir, KindSymlink:
		default:
			return fmt.Errorf("tree: entry %q: unknown kind %q", e.Name, e.Kind)
		}
		if !e.Target.Defined() {
			return fmt.Errorf("tree: entry %q: missing target", e.Name)
		}
	}
	return nil
}

// EncodeCommit serializes c canonically and returns the bytes and their digest.
func EncodeCommit(c *Commit) ([]byte, Digest, error) {
	if !c.Tree.Defined() {
		return nil, Undef, fmt.Errorf("encode commit: missing tree")
	}
	data, err := canonical(c)
	if err != nil {
		return nil, Undef, fmt.Errorf("encode commit: %w", err)
	}
	return data, Sum(data), nil
}

// DecodeCommit parses and validates a commit object.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	if c.V != formatV {
		return nil, fmt.Errorf("commit: unsupported version %d", c.V)
	}
	if !c.Tree.Defined() {
		return nil, fmt.Errorf("commit: missing tree")
	}
	for _, p := range c.Parents {
		if !p.Defined() {
			return nil, fmt.Errorf("commit: undefined parent")
		}
	}
	return &c, nil
}

// EmptyTreeDigest returns the digest of the canonical empty tree. The value
// is the same for every store, so fresh branches agree on their root.
func EmptyTreeDigest() Digest {
	_, d, err := EncodeTree(NewTree())
	if err != nil {
		panic(err)
	}
	return d
}
