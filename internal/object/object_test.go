package object

import (
	"strings"
	"testing"
)

func TestSum_Deterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Errorf("same data, different digests: %s vs %s", a, b)
	}
	c := Sum([]byte("hello!"))
	if a == c {
		t.Error("different data, same digest")
	}
	if !strings.HasPrefix(string(a), "b") {
		t.Errorf("digest should be base32lower (b-prefixed), got %q", a)
	}
}

func TestParseDigest(t *testing.T) {
	d := Sum([]byte("x"))
	parsed, err := ParseDigest(string(d))
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != d {
		t.Errorf("ParseDigest = %s, want %s", parsed, d)
	}

	if _, err := ParseDigest("not a digest"); err == nil {
		t.Error("expected error for garbage digest")
	}
	if _, err := ParseDigest(""); err == nil {
		t.Error("expected error for empty digest")
	}
}

func TestTree_EncodeStable(t *testing.T) {
	blob := Sum([]byte("content"))
	tr := NewTree()
	tr.Upsert(Entry{Name: "b.txt", Kind: KindFile, Target: blob, Size: 7})
	tr.Upsert(Entry{Name: "a.txt", Kind: KindFile, Target: blob, Size: 7})

	_, d1, err := EncodeTree(tr)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}

	// Same entries inserted in the other order must hash identically.
	tr2 := NewTree()
	tr2.Upsert(Entry{Name: "a.txt", Kind: KindFile, Target: blob, Size: 7})
	tr2.Upsert(Entry{Name: "b.txt", Kind: KindFile, Target: blob, Size: 7})
	_, d2, err := EncodeTree(tr2)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("insertion order changed digest: %s vs %s", d1, d2)
	}
}

func TestTree_RoundTrip(t *testing.T) {
	blob := Sum([]byte("data"))
	sub := Sum([]byte("subtree"))
	tr := NewTree()
	tr.Upsert(Entry{Name: "bin", Kind: KindExec, Target: blob, Size: 4})
	tr.Upsert(Entry{Name: "docs", Kind: KindDir, Target: sub})
	tr.Upsert(Entry{Name: "link", Kind: KindSymlink, Target: blob, Size: 4})

	data, d, err := EncodeTree(tr)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	got, err := DecodeTree(data)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(got.Entries))
	}
	e, ok := got.Lookup("bin")
	if !ok || e.Kind != KindExec {
		t.Errorf("bin: got %+v, ok=%v", e, ok)
	}
	if Sum(data) != d {
		t.Error("digest does not match encoded bytes")
	}
}

func TestTree_UpsertRemove(t *testing.T) {
	blob := Sum([]byte("v"))
	tr := NewTree()
	tr.Upsert(Entry{Name: "x", Kind: KindFile, Target: blob, Size: 1})
	tr.Upsert(Entry{Name: "x", Kind: KindExec, Target: blob, Size: 1})
	if len(tr.Entries) != 1 {
		t.Fatalf("upsert duplicated entry: %d entries", len(tr.Entries))
	}
	if e, _ := tr.Lookup("x"); e.Kind != KindExec {
		t.Errorf("upsert did not replace: kind = %q", e.Kind)
	}
	if !tr.Remove("x") {
		t.Error("Remove(x) = false, want true")
	}
	if tr.Remove("x") {
		t.Error("second Remove(x) = true, want false")
	}
}

func TestDecodeTree_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":     `{`,
		"bad version":  `{"v":9,"entries":[]}`,
		"slash name":   `{"v":1,"entries":[{"name":"a/b","kind":"file","target":"bafy"}]}`,
		"dot name":     `{"v":1,"entries":[{"name":".","kind":"dir","target":"bafy"}]}`,
		"unsorted":     `{"v":1,"entries":[{"name":"b","kind":"file","target":"bafy"},{"name":"a","kind":"file","target":"bafy"}]}`,
		"dup name":     `{"v":1,"entries":[{"name":"a","kind":"file","target":"bafy"},{"name":"a","kind":"file","target":"bafy"}]}`,
		"unknown kind": `{"v":1,"entries":[{"name":"a","kind":"pipe","target":"bafy"}]}`,
		"no target":    `{"v":1,"entries":[{"name":"a","kind":"file","target":""}]}`,
	}
	for name, raw := range cases {
		if _, err := DecodeTree([]byte(raw)); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestCommit_RoundTrip(t *testing.T) {
	tree := EmptyTreeDigest()
	parent := Sum([]byte("fake parent"))
	c := &Commit{
		V:       1,
		Tree:    tree,
		Parents: []Digest{parent},
		Author:  Signature{Name: "alice", Email: "alice@example.com", Time: 1700000000, Zone: "+0200"},
		Message: "first",
	}
	data, d, err := EncodeCommit(c)
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}
	got, err := DecodeCommit(data)
	if err != nil {
		t.Fatalf("DecodeCommit: %v", err)
	}
	if got.Tree != tree {
		t.Errorf("Tree = %s, want %s", got.Tree, tree)
	}
	if len(got.Parents) != 1 || got.Parents[0] != parent {
		t.Errorf("Parents = %v, want [%s]", got.Parents, parent)
	}
	if got.Author.Name != "alice" || got.Author.Time != 1700000000 {
		t.Errorf("Author = %+v", got.Author)
	}
	if Sum(data) != d {
		t.Error("digest does not match encoded bytes")
	}
}

func TestEncodeCommit_MissingTree(t *testing.T) {
	_, _, err := EncodeCommit(&Commit{V: 1})
	if err == nil {
		t.Error("expected error for commit without tree")
	}
}

func TestSignature_When(t *testing.T) {
	s := Signature{Name: "a", Email: "a@b", Time: 1700000000, Zone: "+0300"}
	when := s.When()
	if when.Unix() != 1700000000 {
		t.Errorf("Unix = %d, want 1700000000", when.Unix())
	}
	_, off := when.Zone()
	if off != 3*3600 {
		t.Errorf("zone offset = %d, want %d", off, 3*3600)
	}
}

func TestEmptyTreeDigest_Stable(t *testing.T) {
	if EmptyTreeDigest() != EmptyTreeDigest() {
		t.Error("empty tree digest not stable")
	}
}
