package history

import (
	"context"
	"testing"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

// mkCommit stores a commit with the given author time and parents.
func mkCommit(t *testing.T, s store.Store, msg string, at int64, parents ...object.Digest) object.Digest {
	t.Helper()
	c := &object.Commit{
		V:       1,
		Tree:    object.EmptyTreeDigest(),
		Parents: parents,
		Author:  object.Signature{Name: "t", Email: "t@example.com", Time: at},
		Message: msg,
	}
	data, d, err := object.EncodeCommit(c)
	if err != nil {
		t.Fatalf("encode commit: %v", err)
	}
	if _, err := s.Put(context.Background(), data); err != nil {
		t.Fatalf("put commit: %v", err)
	}
	return d
}

func TestIsAncestor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 2, a)
	c := mkCommit(t, s, "c", 3, b)
	side := mkCommit(t, s, "side", 2)

	cases := []struct {
		anc, desc object.Digest
		want      bool
	}{
		{a, c, true},
		{a, b, true},
		{b, c, true},
		{c, a, false},
		{c, c, true}, // self
		{side, c, false},
	}
	for _, tc := range cases {
		got, err := IsAncestor(ctx, s, tc.anc, tc.desc)
		if err != nil {
			t.Fatalf("IsAncestor: %v", err)
		}
		if got != tc.want {
			t.Errorf("IsAncestor(%s, %s) = %v, want %v", tc.anc.Short(), tc.desc.Short(), got, tc.want)
		}
	}
}

func TestIsAncestor_MergeCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := mkCommit(t, s, "root", 1)
	left := mkCommit(t, s, "left", 2, root)
	right := mkCommit(t, s, "right", 2, root)
	merge := mkCommit(t, s, "merge", 3, left, right)

	// Both parents of a merge are ancestors.
	for _, anc := range []object.Digest{root, left, right} {
		ok, err := IsAncestor(ctx, s, anc, merge)
		if err != nil || !ok {
			t.Errorf("IsAncestor(%s, merge) = %v, %v", anc.Short(), ok, err)
		}
	}
}

func TestMergeBase_Linear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 2, a)
	c := mkCommit(t, s, "c", 3, b)

	got, err := MergeBase(ctx, s, b, c)
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Errorf("MergeBase(b, c) = %s, want b", got.Short())
	}

	// Identity.
	got, err = MergeBase(ctx, s, c, c)
	if err != nil || got != c {
		t.Errorf("MergeBase(c, c) = %s, %v; want c", got.Short(), err)
	}
}

func TestMergeBase_Diverged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 2, a)
	c := mkCommit(t, s, "c", 3, a)

	got, err := MergeBase(ctx, s, b, c)
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Errorf("MergeBase(b, c) = %s, want a", got.Short())
	}
	// Symmetric.
	rev, err := MergeBase(ctx, s, c, b)
	if err != nil || rev != a {
		t.Errorf("MergeBase(c, b) = %s, %v; want a", rev.Short(), err)
	}
}

func TestMergeBase_CrissCrossTimestampTieBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := mkCommit(t, s, "root", 1)
	older := mkCommit(t, s, "older", 10, root)
	newer := mkCommit(t, s, "newer", 20, root)
	left := mkCommit(t, s, "left", 30, older, newer)
	right := mkCommit(t, s, "right", 30, newer, older)

	// Both older and newer are closest common ancestors; the later
	// timestamp wins.
	got, err := MergeBase(ctx, s, left, right)
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Errorf("MergeBase = %s, want newer", got.Short())
	}
}

func TestMergeBase_DigestTieBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	root := mkCommit(t, s, "root", 1)
	x := mkCommit(t, s, "x", 10, root)
	y := mkCommit(t, s, "y", 10, root)
	left := mkCommit(t, s, "left", 30, x, y)
	right := mkCommit(t, s, "right", 30, y, x)

	want := x
	if y < x {
		want = y
	}
	got, err := MergeBase(ctx, s, left, right)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("MergeBase = %s, want lexicographically smaller candidate %s", got.Short(), want.Short())
	}
}

func TestMergeBase_Unrelated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 1)

	got, err := MergeBase(ctx, s, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Defined() {
		t.Errorf("MergeBase of unrelated roots = %s, want Undef", got.Short())
	}
}

func TestLog_FirstParent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 2, a)
	side := mkCommit(t, s, "side", 2, a)
	merge := mkCommit(t, s, "merge", 3, b, side)

	entries, err := Log(ctx, s, merge, 0)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	want := []object.Digest{merge, b, a}
	if len(entries) != len(want) {
		t.Fatalf("log length = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Digest != want[i] {
			t.Errorf("log[%d] = %s (%s), want %s", i, e.Digest.Short(), e.Commit.Message, want[i].Short())
		}
	}

	limited, err := Log(ctx, s, merge, 2)
	if err != nil || len(limited) != 2 {
		t.Errorf("Log limit: got %d entries, %v", len(limited), err)
	}
}

func TestAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := mkCommit(t, s, "a", 1)
	b := mkCommit(t, s, "b", 2, a)
	c := mkCommit(t, s, "c", 3, b)

	d0, c0, err := At(ctx, s, c, 0)
	if err != nil || d0 != c || c0.Message != "c" {
		t.Errorf("At(0) = %s, %v", d0.Short(), err)
	}
	d2, _, err := At(ctx, s, c, 2)
	if err != nil || d2 != a {
		t.Errorf("At(2) = %s, %v; want a", d2.Short(), err)
	}
	if _, _, err := At(ctx, s, c, 3); err == nil {
		t.Error("At past root should error")
	}
}
