package txn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/grovedb/grove/internal/history"
	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
	"github.com/grovedb/grove/internal/tree"
)

func testAuthor() object.Signature {
	return object.Signature{Name: "Test", Email: "test@example.com", Time: 1700000000, Zone: "+0000"}
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, testAuthor, opts...), s
}

// seed commits files onto branch through a throwaway transaction and
// returns the resulting head.
func seed(t *testing.T, r *Registry, branch string, files map[string]string) object.Digest {
	t.Helper()
	ctx := context.Background()
	tx, err := r.Open(ctx, branch, "", "seed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for path, content := range files {
		if err := tx.Put(ctx, path, []byte(content), false); err != nil {
			t.Fatalf("Put %s: %v", path, err)
		}
	}
	head, err := tx.Commit(ctx, "seed")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return head
}

func headFile(t *testing.T, s store.Store, branch, path string) string {
	t.Helper()
	ctx := context.Background()
	head, err := s.ReadRef(ctx, branch)
	if err != nil {
		t.Fatalf("ReadRef %s: %v", branch, err)
	}
	c, err := history.ReadCommit(ctx, s, head)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	e, err := tree.Resolve(ctx, s, c.Tree, path)
	if err != nil {
		t.Fatalf("Resolve %s: %v", path, err)
	}
	data, err := s.Get(ctx, e.Target)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return string(data)
}

func TestCommit_EmptyBranch(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "hello.txt", []byte("hi\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	digest, err := tx.Commit(ctx, "first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	head, err := s.ReadRef(ctx, "main")
	if err != nil {
		t.Fatalf("ReadRef: %v", err)
	}
	if head != digest {
		t.Errorf("head = %s, want %s", head, digest)
	}
	c, err := history.ReadCommit(ctx, s, digest)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 0 {
		t.Errorf("parents = %v, want none", c.Parents)
	}
	if c.Message != "first" {
		t.Errorf("message = %q, want %q", c.Message, "first")
	}
	if got := headFile(t, s, "main", "hello.txt"); got != "hi\n" {
		t.Errorf("hello.txt = %q, want %q", got, "hi\n")
	}
	if tx.Status() != StatusCommitted {
		t.Errorf("status = %s, want committed", tx.Status())
	}
	if _, ok := r.Get("main", tx.ID()); ok {
		t.Error("committed transaction still registered")
	}
}

func TestCommit_ChildOfHead(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	base := seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "b.txt", []byte("b\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	digest, err := tx.Commit(ctx, "add b")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	c, err := history.ReadCommit(ctx, s, digest)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != base {
		t.Errorf("parents = %v, want [%s]", c.Parents, base)
	}
	if got := headFile(t, s, "main", "a.txt"); got != "a\n" {
		t.Errorf("a.txt = %q, want untouched", got)
	}
}

func TestCommit_ConcurrentDisjointEditsMerge(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	base := seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx1, err := r.Open(ctx, "main", "", "s1")
	if err != nil {
		t.Fatalf("Open tx1: %v", err)
	}
	tx2, err := r.Open(ctx, "main", "", "s2")
	if err != nil {
		t.Fatalf("Open tx2: %v", err)
	}

	if err := tx1.Put(ctx, "b.txt", []byte("b\n"), false); err != nil {
		t.Fatalf("tx1 Put: %v", err)
	}
	if err := tx2.Put(ctx, "c.txt", []byte("c\n"), false); err != nil {
		t.Fatalf("tx2 Put: %v", err)
	}

	first, err := tx1.Commit(ctx, "add b")
	if err != nil {
		t.Fatalf("tx1 Commit: %v", err)
	}
	second, err := tx2.Commit(ctx, "add c")
	if err != nil {
		t.Fatalf("tx2 Commit (should auto-merge): %v", err)
	}

	// The second commit merges over the moved head: both parents
	// recorded, all three files present.
	c, err := history.ReadCommit(ctx, s, second)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 2 || c.Parents[0] != first || c.Parents[1] != base {
		t.Errorf("parents = %v, want [%s %s]", c.Parents, first, base)
	}
	for path, want := range map[string]string{"a.txt": "a\n", "b.txt": "b\n", "c.txt": "c\n"} {
		if got := headFile(t, s, "main", path); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestCommit_ConflictStagesMarkers(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	seed(t, r, "main", map[string]string{"note.txt": "base\n"})

	tx1, err := r.Open(ctx, "main", "", "s1")
	if err != nil {
		t.Fatalf("Open tx1: %v", err)
	}
	tx2, err := r.Open(ctx, "main", "", "s2")
	if err != nil {
		t.Fatalf("Open tx2: %v", err)
	}
	if err := tx1.Put(ctx, "note.txt", []byte("theirs\n"), false); err != nil {
		t.Fatalf("tx1 Put: %v", err)
	}
	if err := tx2.Put(ctx, "note.txt", []byte("ours\n"), false); err != nil {
		t.Fatalf("tx2 Put: %v", err)
	}

	winner, err := tx1.Commit(ctx, "theirs")
	if err != nil {
		t.Fatalf("tx1 Commit: %v", err)
	}

	_, err = tx2.Commit(ctx, "ours")
	var mc *MergeConflictError
	if !errors.As(err, &mc) {
		t.Fatalf("tx2 Commit err = %v, want MergeConflictError", err)
	}
	if len(mc.Paths) != 1 || mc.Paths[0] != "note.txt" {
		t.Errorf("conflict paths = %v, want [note.txt]", mc.Paths)
	}

	// The transaction is active again, rebased on the winner, with
	// markers staged in the conflicted file.
	if tx2.Status() != StatusActive {
		t.Errorf("status = %s, want active", tx2.Status())
	}
	if tx2.Base() != winner {
		t.Errorf("base = %s, want %s", tx2.Base(), winner)
	}
	if got := tx2.Conflicts(); len(got) != 1 || got[0] != "note.txt" {
		t.Errorf("Conflicts() = %v, want [note.txt]", got)
	}
	staged, err := tx2.Read(ctx, "note.txt")
	if err != nil {
		t.Fatalf("Read staged: %v", err)
	}
	for _, marker := range []string{"<<<<<<< ours", "=======", ">>>>>>> theirs", "ours\n", "theirs\n"} {
		if !strings.Contains(string(staged), marker) {
			t.Errorf("staged conflict file missing %q:\n%s", marker, staged)
		}
	}

	// The published head is untouched by the failed attempt.
	if got := headFile(t, s, "main", "note.txt"); got != "theirs\n" {
		t.Errorf("head note.txt = %q, want winner's content", got)
	}

	// Resolving and committing again succeeds as a child of the winner.
	if err := tx2.Put(ctx, "note.txt", []byte("resolved\n"), false); err != nil {
		t.Fatalf("resolve Put: %v", err)
	}
	resolved, err := tx2.Commit(ctx, "resolve")
	if err != nil {
		t.Fatalf("resolve Commit: %v", err)
	}
	c, err := history.ReadCommit(ctx, s, resolved)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != winner {
		t.Errorf("parents = %v, want [%s]", c.Parents, winner)
	}
	if got := headFile(t, s, "main", "note.txt"); got != "resolved\n" {
		t.Errorf("head note.txt = %q, want %q", got, "resolved\n")
	}
}

// casHook wraps a store and runs a hook before every ref swap, which
// lets tests move the head between a transaction's read and its CAS.
type casHook struct {
	store.Store
	mu sync.Mutex
	fn func()
}

func (h *casHook) CompareAndSwapRef(ctx context.Context, name string, old, new object.Digest) error {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Store.CompareAndSwapRef(ctx, name, old, new)
}

func (h *casHook) set(fn func()) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func TestCommit_RetriesAfterLostRace(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	hooked := &casHook{Store: mem}
	r := NewRegistry(hooked, testAuthor)
	ctx := context.Background()

	base := seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "b.txt", []byte("b\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Sneak a disjoint commit in just before the first swap. One shot:
	// the retry must then succeed with a merge.
	var sneaked object.Digest
	var once sync.Once
	hooked.set(func() {
		once.Do(func() {
			hooked.set(nil)
			other, err := r.Open(ctx, "main", "", "racer")
			if err != nil {
				t.Errorf("racer Open: %v", err)
				return
			}
			if err := other.Put(ctx, "c.txt", []byte("c\n"), false); err != nil {
				t.Errorf("racer Put: %v", err)
				return
			}
			sneaked, err = other.Commit(ctx, "sneak")
			if err != nil {
				t.Errorf("racer Commit: %v", err)
			}
		})
	})

	digest, err := tx.Commit(ctx, "add b")
	if err != nil {
		t.Fatalf("Commit after lost race: %v", err)
	}
	c, err := history.ReadCommit(ctx, mem, digest)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 2 || c.Parents[0] != sneaked || c.Parents[1] != base {
		t.Errorf("parents = %v, want [%s %s]", c.Parents, sneaked, base)
	}
	for _, path := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := tree.Resolve(ctx, mem, c.Tree, path); err != nil {
			t.Errorf("Resolve %s after merge retry: %v", path, err)
		}
	}
}

func TestCommit_RetryBudgetExhausted(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	hooked := &casHook{Store: mem}
	r := NewRegistry(hooked, testAuthor, WithMaxRetries(2))
	ctx := context.Background()

	seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "b.txt", []byte("b\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Every swap attempt loses: the head advances each time. The nested
	// guard keeps the racer's own swap from re-triggering the hook.
	n := 0
	nested := false
	hooked.set(func() {
		if nested {
			return
		}
		nested = true
		defer func() { nested = false }()
		n++
		other, err := r.Open(ctx, "main", "", "racer")
		if err != nil {
			t.Errorf("racer Open: %v", err)
			return
		}
		if err := other.Put(ctx, "spin.txt", []byte(strings.Repeat("x", n)), false); err != nil {
			t.Errorf("racer Put: %v", err)
			return
		}
		if _, err := other.Commit(ctx, "spin"); err != nil {
			t.Errorf("racer Commit: %v", err)
		}
	})

	_, err = tx.Commit(ctx, "add b")
	var mc *MergeConflictError
	if !errors.As(err, &mc) {
		t.Fatalf("Commit err = %v, want MergeConflictError", err)
	}
	if len(mc.Paths) != 0 {
		t.Errorf("exhausted retry reported paths %v, want none", mc.Paths)
	}
	if tx.Status() != StatusActive {
		t.Errorf("status = %s, want active after exhausted retries", tx.Status())
	}
	if n != 3 {
		t.Errorf("swap attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestReadYourWrites(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	seed(t, r, "main", map[string]string{"a.txt": "old\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "a.txt", []byte("new\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := tx.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "new\n" {
		t.Errorf("tx read = %q, want staged value", got)
	}
	if got := headFile(t, s, "main", "a.txt"); got != "old\n" {
		t.Errorf("head read = %q, want committed value until commit", got)
	}

	if _, err := tx.Commit(ctx, "update"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := headFile(t, s, "main", "a.txt"); got != "new\n" {
		t.Errorf("head read after commit = %q, want %q", got, "new\n")
	}
}

func TestAbort(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	head := seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "junk.txt", []byte("junk"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	tx.Abort()

	if tx.Status() != StatusAborted {
		t.Errorf("status = %s, want aborted", tx.Status())
	}
	if _, ok := r.Get("main", tx.ID()); ok {
		t.Error("aborted transaction still registered")
	}
	if err := tx.Put(ctx, "more.txt", nil, false); !errors.Is(err, ErrNotActive) {
		t.Errorf("Put after abort err = %v, want ErrNotActive", err)
	}
	if _, err := tx.Commit(ctx, "zombie"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Commit after abort err = %v, want ErrNotActive", err)
	}
	if got, _ := s.ReadRef(ctx, "main"); got != head {
		t.Errorf("head = %s, want unchanged %s", got, head)
	}
}

func TestCommit_BranchDeleted(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	head := seed(t, r, "main", map[string]string{"a.txt": "a\n"})

	tx, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tx.Put(ctx, "b.txt", []byte("b\n"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.CompareAndSwapRef(ctx, "main", head, object.Undef); err != nil {
		t.Fatalf("delete ref: %v", err)
	}

	if _, err := tx.Commit(ctx, "orphan"); !errors.Is(err, ErrBranchGone) {
		t.Errorf("Commit err = %v, want ErrBranchGone", err)
	}
	if tx.Status() != StatusActive {
		t.Errorf("status = %s, want active", tx.Status())
	}
}

func TestRegistry_IDs(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tx, err := r.Open(ctx, "main", "fix-1", "sess")
	if err != nil {
		t.Fatalf("Open named: %v", err)
	}
	if tx.ID() != "fix-1" {
		t.Errorf("ID = %q, want %q", tx.ID(), "fix-1")
	}
	if _, err := r.Open(ctx, "main", "fix-1", "sess"); err == nil {
		t.Error("duplicate id accepted")
	}
	if _, err := r.Open(ctx, "other", "fix-1", "sess"); err != nil {
		t.Errorf("same id on other branch rejected: %v", err)
	}
	for _, bad := range []string{".hidden", "has space", "a/b", strings.Repeat("x", 65)} {
		if _, err := r.Open(ctx, "main", bad, "sess"); err == nil {
			t.Errorf("id %q accepted", bad)
		}
	}

	auto, err := r.Open(ctx, "main", "", "sess")
	if err != nil {
		t.Fatalf("Open auto: %v", err)
	}
	if len(auto.ID()) != 8 {
		t.Errorf("auto id %q, want 8 chars", auto.ID())
	}
}

func TestRegistry_ListAndRelease(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Open(ctx, "main", "bb", "sess-1")
	b, _ := r.Open(ctx, "main", "aa", "sess-2")
	c, _ := r.Open(ctx, "dev", "cc", "sess-1")
	if a == nil || b == nil || c == nil {
		t.Fatal("Open failed")
	}

	list := r.List("main")
	if len(list) != 2 || list[0].ID() != "aa" || list[1].ID() != "bb" {
		ids := make([]string, len(list))
		for i, tx := range list {
			ids[i] = tx.ID()
		}
		t.Errorf("List(main) ids = %v, want [aa bb]", ids)
	}
	if got := r.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	r.ReleaseOwner("sess-1")
	if a.Status() != StatusAborted || c.Status() != StatusAborted {
		t.Error("sess-1 transactions not aborted")
	}
	if b.Status() != StatusActive {
		t.Error("sess-2 transaction aborted by foreign release")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count after release = %d, want 1", got)
	}
}
