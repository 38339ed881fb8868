package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grovedb/grove/internal/object"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := OpenDisk(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	mem := NewMemory()
	t.Cleanup(func() { mem.Close() })
	return map[string]Store{"disk": disk, "memory": mem}
}

func recvUpdate(t *testing.T, sub *Subscription) RefUpdate {
	t.Helper()
	select {
	case u := <-sub.C:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ref update")
		return RefUpdate{}
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d, err := s.Put(ctx, []byte("hello world"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if d != object.Sum([]byte("hello world")) {
				t.Errorf("Put digest = %s, want content digest", d)
			}

			got, err := s.Get(ctx, d)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "hello world" {
				t.Errorf("Get = %q, want %q", got, "hello world")
			}

			ok, err := s.Has(ctx, d)
			if err != nil || !ok {
				t.Errorf("Has = %v, %v; want true, nil", ok, err)
			}

			// Idempotent put
			d2, err := s.Put(ctx, []byte("hello world"))
			if err != nil || d2 != d {
				t.Errorf("second Put = %s, %v; want %s", d2, err, d)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, object.Sum([]byte("never stored")))
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get = %v, want ErrNotFound", err)
			}
			ok, err := s.Has(ctx, object.Sum([]byte("never stored")))
			if err != nil || ok {
				t.Errorf("Has = %v, %v; want false, nil", ok, err)
			}
		})
	}
}

func TestCompareAndSwapRef(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := s.Put(ctx, []byte("a"))
			b, _ := s.Put(ctx, []byte("b"))

			// Create
			if err := s.CompareAndSwapRef(ctx, "main", object.Undef, a); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := s.ReadRef(ctx, "main")
			if err != nil || got != a {
				t.Fatalf("ReadRef = %s, %v; want %s", got, err, a)
			}

			// Create over existing ref
			if err := s.CompareAndSwapRef(ctx, "main", object.Undef, b); !errors.Is(err, ErrCasConflict) {
				t.Errorf("create over existing = %v, want ErrCasConflict", err)
			}

			// Stale expected value
			if err := s.CompareAndSwapRef(ctx, "main", b, a); !errors.Is(err, ErrCasConflict) {
				t.Errorf("stale swap = %v, want ErrCasConflict", err)
			}

			// Update
			if err := s.CompareAndSwapRef(ctx, "main", a, b); err != nil {
				t.Fatalf("update: %v", err)
			}

			// Delete with wrong expected value
			if err := s.CompareAndSwapRef(ctx, "main", a, object.Undef); !errors.Is(err, ErrCasConflict) {
				t.Errorf("stale delete = %v, want ErrCasConflict", err)
			}

			// Delete
			if err := s.CompareAndSwapRef(ctx, "main", b, object.Undef); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.ReadRef(ctx, "main"); !errors.Is(err, ErrRefNotFound) {
				t.Errorf("ReadRef after delete = %v, want ErrRefNotFound", err)
			}

			// Update of deleted ref
			if err := s.CompareAndSwapRef(ctx, "main", b, a); !errors.Is(err, ErrCasConflict) {
				t.Errorf("update deleted = %v, want ErrCasConflict", err)
			}
		})
	}
}

func TestCompareAndSwapRef_BadName(t *testing.T) {
	ctx := context.Background()
	d := object.Sum([]byte("x"))
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"", ".hidden", "a/b", "a b", strings.Repeat("x", 65)} {
				if err := s.CompareAndSwapRef(ctx, bad, object.Undef, d); err == nil {
					t.Errorf("ref name %q accepted", bad)
				}
			}
		})
	}
}

func TestListRefs(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			d, _ := s.Put(ctx, []byte("x"))
			for _, ref := range []string{"zeta", "alpha", "mid"} {
				if err := s.CompareAndSwapRef(ctx, ref, object.Undef, d); err != nil {
					t.Fatalf("create %s: %v", ref, err)
				}
			}
			refs, err := s.ListRefs(ctx)
			if err != nil {
				t.Fatalf("ListRefs: %v", err)
			}
			if len(refs) != 3 {
				t.Fatalf("ListRefs: got %d, want 3", len(refs))
			}
			want := []string{"alpha", "mid", "zeta"}
			for i, r := range refs {
				if r.Name != want[i] {
					t.Errorf("refs[%d] = %q, want %q", i, r.Name, want[i])
				}
			}
		})
	}
}

func TestWatchRef(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			sub, err := s.WatchRef("main")
			if err != nil {
				t.Fatalf("WatchRef: %v", err)
			}
			defer sub.Close()

			other, err := s.WatchRef("")
			if err != nil {
				t.Fatal(err)
			}
			defer other.Close()

			a, _ := s.Put(ctx, []byte("a"))
			if err := s.CompareAndSwapRef(ctx, "main", object.Undef, a); err != nil {
				t.Fatalf("create: %v", err)
			}

			u := recvUpdate(t, sub)
			if u.Name != "main" || u.Digest != a {
				t.Errorf("update = %+v, want main -> %s", u, a)
			}
			u = recvUpdate(t, other)
			if u.Name != "main" || u.Digest != a {
				t.Errorf("wildcard update = %+v, want main -> %s", u, a)
			}

			// Name-filtered sub ignores other refs.
			if err := s.CompareAndSwapRef(ctx, "side", object.Undef, a); err != nil {
				t.Fatal(err)
			}
			u = recvUpdate(t, other)
			if u.Name != "side" {
				t.Errorf("wildcard update = %+v, want side", u)
			}
			select {
			case u := <-sub.C:
				t.Errorf("filtered sub saw %+v", u)
			case <-time.After(50 * time.Millisecond):
			}

			// Deletion delivers Undef.
			if err := s.CompareAndSwapRef(ctx, "main", a, object.Undef); err != nil {
				t.Fatal(err)
			}
			u = recvUpdate(t, sub)
			if u.Name != "main" || u.Digest.Defined() {
				t.Errorf("delete update = %+v, want undefined digest", u)
			}
		})
	}
}

func TestDisk_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := OpenDisk(dir)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	d, err := s1.Put(ctx, []byte("persistent"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.CompareAndSwapRef(ctx, "main", object.Undef, d); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenDisk(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, d)
	if err != nil || string(got) != "persistent" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
	ref, err := s2.ReadRef(ctx, "main")
	if err != nil || ref != d {
		t.Errorf("ReadRef after reopen = %s, %v; want %s", ref, err, d)
	}
}

func TestDisk_CompressionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenDisk(t.TempDir(), WithCompressionLevel(3))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Compressible payload well above the raw-storage threshold.
	big := []byte(strings.Repeat("abcdefgh", 4096))
	d, err := s.Put(ctx, big)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(big) {
		t.Error("compressed round trip corrupted data")
	}

	// Tiny payloads are stored raw and still round-trip.
	small, err := s.Put(ctx, []byte("tiny"))
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.Get(ctx, small); err != nil || string(got) != "tiny" {
		t.Errorf("small Get = %q, %v", got, err)
	}
}

func TestDisk_CorruptObject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenDisk(dir, WithCompressionLevel(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d, err := s.Put(ctx, []byte("intact"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "objects", string(d)[:2], string(d)[2:])
	if err := os.WriteFile(path, []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, d); err == nil {
		t.Error("expected error for corrupt object")
	}
}

func TestDisk_ExternalRefChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	d, err := s.Put(ctx, []byte("external"))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := s.WatchRef("main")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Simulate another process writing the ref file directly.
	if err := os.WriteFile(filepath.Join(dir, "refs", "main"), []byte(string(d)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	u := recvUpdate(t, sub)
	if u.Name != "main" || u.Digest != d {
		t.Errorf("external update = %+v, want main -> %s", u, d)
	}
	got, err := s.ReadRef(ctx, "main")
	if err != nil || got != d {
		t.Errorf("ReadRef = %s, %v; want %s", got, err, d)
	}
}

func buildTestCommit(t *testing.T, s Store) object.Digest {
	t.Helper()
	ctx := context.Background()

	blobA, err := s.Put(ctx, []byte("file a"))
	if err != nil {
		t.Fatal(err)
	}
	blobB, err := s.Put(ctx, []byte("file b"))
	if err != nil {
		t.Fatal(err)
	}

	sub := object.NewTree()
	sub.Upsert(object.Entry{Name: "b.txt", Kind: object.KindFile, Target: blobB, Size: 6})
	subData, subDigest, err := object.EncodeTree(sub)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, subData); err != nil {
		t.Fatal(err)
	}

	root := object.NewTree()
	root.Upsert(object.Entry{Name: "a.txt", Kind: object.KindFile, Target: blobA, Size: 6})
	root.Upsert(object.Entry{Name: "dir", Kind: object.KindDir, Target: subDigest})
	rootData, rootDigest, err := object.EncodeTree(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, rootData); err != nil {
		t.Fatal(err)
	}

	commit := &object.Commit{
		V:      1,
		Tree:   rootDigest,
		Author: object.Signature{Name: "t", Email: "t@example.com", Time: 1700000000},
	}
	commitData, commitDigest, err := object.EncodeCommit(commit)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, commitData); err != nil {
		t.Fatal(err)
	}
	return commitDigest
}

func TestClosure(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	head := buildTestCommit(t, s)
	digests, err := Closure(ctx, s, head)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	// commit + root tree + subtree + 2 blobs
	if len(digests) != 5 {
		t.Fatalf("closure size = %d, want 5", len(digests))
	}
	for _, dg := range digests {
		if ok, _ := s.Has(ctx, dg); !ok {
			t.Errorf("closure names missing object %s", dg.Short())
		}
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()
	defer src.Close()
	dst := NewMemory()
	defer dst.Close()

	head := buildTestCommit(t, src)
	digests, err := Closure(ctx, src, head)
	if err != nil {
		t.Fatal(err)
	}
	if err := Copy(ctx, dst, src, digests); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for _, dg := range digests {
		if ok, _ := dst.Has(ctx, dg); !ok {
			t.Errorf("dst missing %s after copy", dg.Short())
		}
	}

	// Copying again is a no-op.
	if err := Copy(ctx, dst, src, digests); err != nil {
		t.Errorf("second Copy: %v", err)
	}
}
