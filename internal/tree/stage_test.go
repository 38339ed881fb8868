package tree

import (
	"context"
	"errors"
	"testing"

	"github.com/grovedb/grove/internal/object"
	"github.com/grovedb/grove/internal/store"
)

func newTestStage(t *testing.T) (*Stage, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	st, err := NewStage(context.Background(), s, object.Undef)
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	return st, s
}

func mustRoot(t *testing.T, st *Stage) object.Digest {
	t.Helper()
	d, err := st.Root(context.Background())
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	return d
}

func TestStage_PutReadRoot(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)

	if err := st.Put(ctx, "hello.txt", []byte("hi"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := st.Read(ctx, "hello.txt")
	if err != nil || string(got) != "hi" {
		t.Fatalf("Read = %q, %v", got, err)
	}

	root := mustRoot(t, st)
	e, err := Resolve(ctx, s, root, "hello.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Kind != object.KindFile || e.Size != 2 {
		t.Errorf("entry = %+v", e)
	}
	blob, err := s.Get(ctx, e.Target)
	if err != nil || string(blob) != "hi" {
		t.Errorf("blob = %q, %v", blob, err)
	}

	// Root is stable when nothing changed.
	if again := mustRoot(t, st); again != root {
		t.Errorf("repeated Root = %s, want %s", again, root)
	}
}

func TestStage_OverExistingBase(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	if err := st.Put(ctx, "a.txt", []byte("a"), false); err != nil {
		t.Fatal(err)
	}
	base := mustRoot(t, st)

	st2, err := NewStage(ctx, s, base)
	if err != nil {
		t.Fatalf("NewStage over base: %v", err)
	}
	if st2.Base() != base {
		t.Errorf("Base = %s, want %s", st2.Base(), base)
	}
	// No edits: same digest back.
	if got := mustRoot(t, st2); got != base {
		t.Errorf("Root = %s, want %s", got, base)
	}
	got, err := st2.Read(ctx, "a.txt")
	if err != nil || string(got) != "a" {
		t.Errorf("Read = %q, %v", got, err)
	}
}

func TestStage_ImplicitParents(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)

	if err := st.Put(ctx, "a/b/c.txt", []byte("deep"), false); err != nil {
		t.Fatalf("Put: %v", err)
	}
	infos, err := st.List(ctx, "a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "b" || infos[0].Kind != object.KindDir {
		t.Errorf("List(a) = %+v", infos)
	}

	root := mustRoot(t, st)
	if _, err := Resolve(ctx, s, root, "a/b/c.txt"); err != nil {
		t.Errorf("Resolve after Root: %v", err)
	}
}

func TestStage_RemovePrunesEmptiedDirs(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)

	st.Put(ctx, "dir/a.txt", []byte("a"), false)
	st.Put(ctx, "dir/b.txt", []byte("b"), false)
	st.Put(ctx, "other.txt", []byte("o"), false)
	base := mustRoot(t, st)

	st2, err := NewStage(ctx, s, base)
	if err != nil {
		t.Fatal(err)
	}
	if err := st2.Remove(ctx, "dir/a.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	mid := mustRoot(t, st2)
	if _, err := Resolve(ctx, s, mid, "dir"); err != nil {
		t.Fatalf("dir should survive while non-empty: %v", err)
	}

	if err := st2.Remove(ctx, "dir/b.txt"); err != nil {
		t.Fatal(err)
	}
	final := mustRoot(t, st2)
	if _, err := Resolve(ctx, s, final, "dir"); !errors.Is(err, ErrNotExist) {
		t.Errorf("emptied dir should be pruned, got %v", err)
	}
	if _, err := Resolve(ctx, s, final, "other.txt"); err != nil {
		t.Errorf("sibling lost: %v", err)
	}
}

func TestStage_RemoveCascades(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)

	st.Put(ctx, "a/b/c/d.txt", []byte("x"), false)
	st.Put(ctx, "top.txt", []byte("t"), false)
	base := mustRoot(t, st)

	st2, _ := NewStage(ctx, s, base)
	if err := st2.Remove(ctx, "a/b/c/d.txt"); err != nil {
		t.Fatal(err)
	}
	root := mustRoot(t, st2)
	if _, err := Resolve(ctx, s, root, "a"); !errors.Is(err, ErrNotExist) {
		t.Errorf("emptied chain should be pruned, got %v", err)
	}
}

func TestStage_ExplicitMkdirSurvivesEmptying(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)

	if err := st.Mkdir(ctx, "keep"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	st.Put(ctx, "keep/tmp.txt", []byte("x"), false)
	if err := st.Remove(ctx, "keep/tmp.txt"); err != nil {
		t.Fatal(err)
	}
	root := mustRoot(t, st)
	e, err := Resolve(ctx, s, root, "keep")
	if err != nil {
		t.Fatalf("explicit dir pruned: %v", err)
	}
	if e.Kind != object.KindDir {
		t.Errorf("keep kind = %q", e.Kind)
	}
}

func TestStage_PreexistingEmptyDirStays(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	st.Mkdir(ctx, "empty")
	st.Put(ctx, "f.txt", []byte("x"), false)
	base := mustRoot(t, st)

	st2, _ := NewStage(ctx, s, base)
	if err := st2.Remove(ctx, "f.txt"); err != nil {
		t.Fatal(err)
	}
	root := mustRoot(t, st2)
	if _, err := Resolve(ctx, s, root, "empty"); err != nil {
		t.Errorf("pre-existing empty dir pruned: %v", err)
	}
}

func TestStage_Chmod(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	st.Put(ctx, "tool.sh", []byte("#!/bin/sh\n"), false)
	base := mustRoot(t, st)
	baseEntry, _ := Resolve(ctx, s, base, "tool.sh")

	st2, _ := NewStage(ctx, s, base)
	if err := st2.Chmod(ctx, "tool.sh", true); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	root := mustRoot(t, st2)
	e, err := Resolve(ctx, s, root, "tool.sh")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != object.KindExec {
		t.Errorf("kind = %q, want exec", e.Kind)
	}
	if e.Target != baseEntry.Target {
		t.Error("chmod should not rewrite the blob")
	}

	// chmod on a dir is rejected
	st2.Mkdir(ctx, "d")
	if err := st2.Chmod(ctx, "d", true); err == nil {
		t.Error("chmod on dir should fail")
	}
}

func TestStage_Symlink(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	if err := st.Symlink(ctx, "link", "target/file.txt"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := mustRoot(t, st)
	e, err := Resolve(ctx, s, root, "link")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != object.KindSymlink {
		t.Errorf("kind = %q, want symlink", e.Kind)
	}
	blob, _ := s.Get(ctx, e.Target)
	if string(blob) != "target/file.txt" {
		t.Errorf("link target = %q", blob)
	}
}

func TestStage_Rename(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	st.Put(ctx, "dir/old.txt", []byte("content"), false)
	st.Put(ctx, "dir/other.txt", []byte("o"), false)

	if err := st.Rename(ctx, "dir/old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := st.Read(ctx, "dir/old.txt"); !errors.Is(err, ErrNotExist) {
		t.Errorf("old name still resolves: %v", err)
	}
	got, err := st.Read(ctx, "dir/new.txt")
	if err != nil || string(got) != "content" {
		t.Errorf("Read renamed = %q, %v", got, err)
	}

	// Rename onto an existing name is rejected.
	if err := st.Rename(ctx, "dir/new.txt", "other.txt"); !errors.Is(err, ErrExist) {
		t.Errorf("rename onto existing = %v, want ErrExist", err)
	}

	root := mustRoot(t, st)
	if _, err := Resolve(ctx, s, root, "dir/new.txt"); err != nil {
		t.Errorf("Resolve after Root: %v", err)
	}
}

func TestStage_Errors(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStage(t)
	st.Mkdir(ctx, "dir")
	st.Put(ctx, "file.txt", []byte("x"), false)

	if err := st.Put(ctx, "dir", []byte("x"), false); !errors.Is(err, ErrIsDir) {
		t.Errorf("Put over dir = %v, want ErrIsDir", err)
	}
	if err := st.Mkdir(ctx, "dir"); !errors.Is(err, ErrExist) {
		t.Errorf("Mkdir existing = %v, want ErrExist", err)
	}
	if err := st.Remove(ctx, "missing"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Remove missing = %v, want ErrNotExist", err)
	}
	if err := st.Put(ctx, "file.txt/under", []byte("x"), false); !errors.Is(err, ErrNotDir) {
		t.Errorf("Put under file = %v, want ErrNotDir", err)
	}
	for _, bad := range []string{"../escape", "a/../b", "a//b", ".", ".."} {
		if err := st.Put(ctx, bad, []byte("x"), false); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Put(%q) = %v, want ErrInvalidPath", bad, err)
		}
	}
	if _, err := st.Read(ctx, "dir"); !errors.Is(err, ErrIsDir) {
		t.Errorf("Read dir = %v, want ErrIsDir", err)
	}
	if _, err := st.List(ctx, "file.txt"); !errors.Is(err, ErrNotDir) {
		t.Errorf("List file = %v, want ErrNotDir", err)
	}
}

func TestStage_UntouchedSubtreeKeepsDigest(t *testing.T) {
	ctx := context.Background()
	st, s := newTestStage(t)
	st.Put(ctx, "stable/a.txt", []byte("a"), false)
	st.Put(ctx, "stable/b.txt", []byte("b"), false)
	st.Put(ctx, "volatile/c.txt", []byte("c"), false)
	base := mustRoot(t, st)
	stableBefore, _ := Resolve(ctx, s, base, "stable")

	st2, _ := NewStage(ctx, s, base)
	st2.Put(ctx, "volatile/c.txt", []byte("changed"), false)
	root := mustRoot(t, st2)

	stableAfter, err := Resolve(ctx, s, root, "stable")
	if err != nil {
		t.Fatal(err)
	}
	if stableAfter.Target != stableBefore.Target {
		t.Error("untouched subtree was rewritten")
	}
	if root == base {
		t.Error("root should have changed")
	}
}

func TestApply_OrderIndependentForDisjointPaths(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer s.Close()

	edits := []Edit{
		{Op: OpPut, Path: "a/x.txt", Content: []byte("1")},
		{Op: OpPut, Path: "a/y.txt", Content: []byte("2")},
		{Op: OpPut, Path: "b/z.txt", Content: []byte("3"), Exec: true},
		{Op: OpMkdir, Path: "c"},
		{Op: OpSymlink, Path: "l", Content: []byte("a/x.txt")},
	}
	reversed := make([]Edit, len(edits))
	for i, e := range edits {
		reversed[len(edits)-1-i] = e
	}

	d1, err := Apply(ctx, s, object.Undef, edits)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	d2, err := Apply(ctx, s, object.Undef, reversed)
	if err != nil {
		t.Fatalf("Apply reversed: %v", err)
	}
	if d1 != d2 {
		t.Errorf("edit order changed digest: %s vs %s", d1, d2)
	}
}

func TestApply_RemoveThenPutInSameBatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	defer s.Close()

	base, err := Apply(ctx, s, object.Undef, []Edit{
		{Op: OpPut, Path: "d/only.txt", Content: []byte("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Removing the last entry and adding a new one in one batch must not
	// prune the directory, in either order.
	forward := []Edit{
		{Op: OpRemove, Path: "d/only.txt"},
		{Op: OpPut, Path: "d/new.txt", Content: []byte("y")},
	}
	backward := []Edit{
		{Op: OpPut, Path: "d/new.txt", Content: []byte("y")},
		{Op: OpRemove, Path: "d/only.txt"},
	}
	d1, err := Apply(ctx, s, base, forward)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Apply(ctx, s, base, backward)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("prune decision depended on order: %s vs %s", d1, d2)
	}
	if _, err := Resolve(ctx, s, d1, "d/new.txt"); err != nil {
		t.Errorf("d/new.txt missing: %v", err)
	}
}
