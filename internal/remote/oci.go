package remote

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"

	"github.com/grovedb/grove/internal/object"
)

// Labels on the image config carrying the replicated state.
const (
	headLabel   = "dev.grove.head"
	branchLabel = "dev.grove.branch"
)

// OCIRemote replicates branches to an OCI registry, one tag per branch.
// An image is a single packed layer of objects; the config labels name
// the head the tag was built from.
type OCIRemote struct {
	name string
	repo name.Repository
	auth remote.Option
	jobs int
}

type ociConfig struct {
	insecure bool
	auth     remote.Option
	jobs     int
}

// OCIOption configures an OCIRemote.
type OCIOption func(*ociConfig)

// WithBasicAuth authenticates with a fixed username and password
// instead of the ambient keychain.
func WithBasicAuth(username, password string) OCIOption {
	return func(c *ociConfig) {
		c.auth = remote.WithAuth(&authn.Basic{Username: username, Password: password})
	}
}

// WithInsecure allows plain-HTTP registries.
func WithInsecure() OCIOption {
	return func(c *ociConfig) { c.insecure = true }
}

// WithJobs sets the per-push upload concurrency.
func WithJobs(n int) OCIOption {
	return func(c *ociConfig) {
		if n > 0 {
			c.jobs = n
		}
	}
}

// NewOCI builds a remote pushing to repoRef, e.g.
// "registry.example.com/team/db". nick names the remote in status
// surfaces.
func NewOCI(nick, repoRef string, opts ...OCIOption) (*OCIRemote, error) {
	cfg := ociConfig{
		auth: remote.WithAuthFromKeychain(authn.DefaultKeychain),
		jobs: 4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	var nopts []name.Option
	if cfg.insecure {
		nopts = append(nopts, name.Insecure)
	}
	repo, err := name.NewRepository(repoRef, nopts...)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repoRef, err)
	}
	return &OCIRemote{name: nick, repo: repo, auth: cfg.auth, jobs: cfg.jobs}, nil
}

// Name returns the remote's configured name.
func (r *OCIRemote) Name() string { return r.name }

// String returns the repository reference.
func (r *OCIRemote) String() string { return r.repo.String() }

func (r *OCIRemote) options(ctx context.Context) []remote.Option {
	return []remote.Option{remote.WithContext(ctx), remote.WithJobs(r.jobs), r.auth}
}

// Push uploads head's closure as a fresh image under branch's tag.
func (r *OCIRemote) Push(ctx context.Context, branch string, head object.Digest, objects map[object.Digest][]byte) error {
	img, err := buildImage(branch, head, objects)
	if err != nil {
		return err
	}
	tag := r.repo.Tag(branch)
	_, err = retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(tag, img, r.options(ctx)...)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", tag, err)
	}
	return nil
}

// Fetch downloads the branch tag and unpacks every layer.
func (r *OCIRemote) Fetch(ctx context.Context, branch string) (object.Digest, map[object.Digest][]byte, error) {
	tag := r.repo.Tag(branch)
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(tag, r.options(ctx)...)
	})
	if err != nil {
		return object.Undef, nil, fmt.Errorf("fetch %s: %w", tag, err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return object.Undef, nil, err
	}
	head, err := object.ParseDigest(cfg.Config.Labels[headLabel])
	if err != nil {
		return object.Undef, nil, fmt.Errorf("%s is not a replicated branch: %w", tag, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return object.Undef, nil, err
	}
	objects := make(map[object.Digest][]byte)
	for _, layer := range layers {
		rc, err := layer.Uncompressed()
		if err != nil {
			return object.Undef, nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return object.Undef, nil, err
		}
		if err := unpackObjects(data, objects); err != nil {
			return object.Undef, nil, err
		}
	}
	return head, objects, nil
}

func buildImage(branch string, head object.Digest, objects map[object.Digest][]byte) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, newPackLayer(objects))
	if err != nil {
		return nil, err
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg.Config.Labels = map[string]string{
		headLabel:   head.String(),
		branchLabel: branch,
	}
	return mutate.ConfigFile(img, cfg)
}

// packLayer is one image layer of packed objects: zstd on the wire, raw
// bytes for the diff id.
type packLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newPackLayer(objects map[object.Digest][]byte) *packLayer {
	data := packObjects(objects)
	return &packLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *packLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *packLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *packLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *packLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *packLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *packLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// packObjects serializes objects as repeated
// [digest len u16][digest][data len u64][data] records, sorted by
// digest so equal object sets pack to equal bytes.
func packObjects(objects map[object.Digest][]byte) []byte {
	digests := make([]object.Digest, 0, len(objects))
	for d := range objects {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	var buf bytes.Buffer
	var n [8]byte
	for _, d := range digests {
		binary.BigEndian.PutUint16(n[:2], uint16(len(d)))
		buf.Write(n[:2])
		buf.WriteString(string(d))
		binary.BigEndian.PutUint64(n[:], uint64(len(objects[d])))
		buf.Write(n[:])
		buf.Write(objects[d])
	}
	return buf.Bytes()
}

func unpackObjects(data []byte, into map[object.Digest][]byte) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return fmt.Errorf("truncated pack record")
		}
		dlen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < dlen+8 {
			return fmt.Errorf("truncated pack record")
		}
		d := object.Digest(data[:dlen])
		data = data[dlen:]
		size := binary.BigEndian.Uint64(data)
		data = data[8:]
		if uint64(len(data)) < size {
			return fmt.Errorf("truncated pack record for %s", d.Short())
		}
		into[d] = append([]byte(nil), data[:size]...)
		data = data[size:]
	}
	return nil
}

// retry runs fn up to maxAttempts times with exponential backoff.
func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
