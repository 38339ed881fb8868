package object

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Digest identifies an immutable object: a CIDv1 (raw codec, SHA2-256)
// rendered in base32lower. The string form is used everywhere an object is
// named: ref files, commit parents, tree entries, namespace paths.
type Digest string

// Undef is the zero Digest, meaning "no object".
const Undef = Digest("")

// Sum computes the Digest of data.
func Sum(data []byte) Digest {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// SHA2-256 over a byte slice cannot fail.
		panic(fmt.Sprintf("multihash: %v", err))
	}
	c := gocid.NewCidV1(gocid.Raw, mh)
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return Digest(encoded)
}

// ParseDigest validates s as a base32 CID string and returns it as a Digest.
func ParseDigest(s string) (Digest, error) {
	enc, raw, err := multibase.Decode(s)
	if err != nil {
		return Undef, fmt.Errorf("decode digest %q: %w", s, err)
	}
	if enc != multibase.Base32 {
		return Undef, fmt.Errorf("digest %q: want base32 encoding", s)
	}
	if _, err := gocid.Cast(raw); err != nil {
		return Undef, fmt.Errorf("digest %q: %w", s, err)
	}
	return Digest(s), nil
}

// Defined reports whether d names an object.
func (d Digest) Defined() bool { return d != Undef }

func (d Digest) String() string { return string(d) }

// Short returns a truncated form for logs and messages.
func (d Digest) Short() string {
	if len(d) <= 16 {
		return string(d)
	}
	return string(d[:16])
}
