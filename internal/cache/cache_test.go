package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razelbuild/razel/internal/digest"
)

// fakeRemote is an in-memory cache.Remote.
type fakeRemote struct {
	mu    sync.Mutex
	ac    map[string]*repb.ActionResult
	cas   map[string][]byte
	fail  bool
	calls int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{ac: map[string]*repb.ActionResult{}, cas: map[string][]byte{}}
}

func (r *fakeRemote) GetActionResult(ctx context.Context, d *repb.Digest) (*repb.ActionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return nil, errors.New("server error")
	}
	return r.ac[d.Hash], nil
}

func (r *fakeRemote) PushActionResult(ctx context.Context, d *repb.Digest, ar *repb.ActionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("server error")
	}
	r.ac[d.Hash] = ar
	return nil
}

func (r *fakeRemote) FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []*repb.Digest
	for _, d := range digests {
		if _, ok := r.cas[d.Hash]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (r *fakeRemote) ReadBlobs(ctx context.Context, digests []*repb.Digest) ([]Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errors.New("server error")
	}
	var blobs []Blob
	for _, d := range digests {
		if data, ok := r.cas[d.Hash]; ok {
			blobs = append(blobs, Blob{Digest: d, Data: data})
		}
	}
	return blobs, nil
}

func (r *fakeRemote) PushBlobs(ctx context.Context, blobs []Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("server error")
	}
	for _, b := range blobs {
		r.cas[b.Digest.Hash] = b.Data
	}
	return nil
}

func (r *fakeRemote) Close() error { return nil }

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return c
}

func TestRemoteHitPopulatesLocal(t *testing.T) {
	c := newTestCache(t)
	remote := newFakeRemote()
	c.SetRemote(remote)

	payload := []byte("remote blob")
	blobDigest := digest.OfBytes(payload)
	remote.cas[blobDigest.Hash] = payload
	actionDigest := digest.OfBytes([]byte("action"))
	remote.ac[actionDigest.Hash] = &repb.ActionResult{
		OutputFiles: []*repb.OutputFile{{Path: "razel-out/x", Digest: blobDigest}},
	}

	ar, source := c.GetActionResult(context.Background(), actionDigest, true)
	require.NotNil(t, ar)
	assert.Equal(t, SourceRemote, source)
	assert.True(t, c.Local.HasBlob(blobDigest))

	// Second lookup must be served locally.
	_, source = c.GetActionResult(context.Background(), actionDigest, true)
	assert.Equal(t, SourceLocal, source)
}

func TestRemoteErrorDisablesHost(t *testing.T) {
	c := newTestCache(t)
	remote := newFakeRemote()
	remote.fail = true
	c.SetRemote(remote)

	d := digest.OfBytes([]byte("action"))
	ar, _ := c.GetActionResult(context.Background(), d, true)
	assert.Nil(t, ar)

	calls := remote.calls
	c.GetActionResult(context.Background(), d, true)
	assert.Equal(t, calls, remote.calls, "disabled host must not be queried again")
}

func TestNoRemoteLookupWhenDisallowed(t *testing.T) {
	c := newTestCache(t)
	remote := newFakeRemote()
	c.SetRemote(remote)
	d := digest.OfBytes([]byte("action"))
	remote.ac[d.Hash] = &repb.ActionResult{}

	ar, _ := c.GetActionResult(context.Background(), d, false)
	assert.Nil(t, ar)
	assert.Zero(t, remote.calls)
}

func TestPushUploadsAsync(t *testing.T) {
	c := newTestCache(t)
	remote := newFakeRemote()
	c.SetRemote(remote)

	blobDigest, err := c.Local.PutBlobBytes([]byte("out"))
	require.NoError(t, err)
	actionDigest := digest.OfBytes([]byte("action"))
	ar := &repb.ActionResult{OutputFiles: []*repb.OutputFile{{Path: "razel-out/x", Digest: blobDigest}}}

	require.NoError(t, c.Push(context.Background(), actionDigest, ar, nil, true, 1000))
	c.Wait()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Contains(t, remote.ac, actionDigest.Hash)
	assert.Contains(t, remote.cas, blobDigest.Hash)
}

func TestPushSkipsUploadAboveThreshold(t *testing.T) {
	c := newTestCache(t)
	remote := newFakeRemote()
	c.SetRemote(remote)
	c.UploadThreshold = 0.5 // bytes per millisecond

	blobDigest, err := c.Local.PutBlobBytes(make([]byte, 10_000))
	require.NoError(t, err)
	actionDigest := digest.OfBytes([]byte("cheap huge action"))
	ar := &repb.ActionResult{OutputFiles: []*repb.OutputFile{{Path: "razel-out/x", Digest: blobDigest}}}

	// 10 kB in 1 ms is far above 0.5 B/ms: no upload.
	require.NoError(t, c.Push(context.Background(), actionDigest, ar, nil, true, 1))
	c.Wait()
	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.NotContains(t, remote.ac, actionDigest.Hash)
}
