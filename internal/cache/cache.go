package cache

import (
	"context"
	"log/slog"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Source records where a cache hit came from.
type Source int

const (
	SourceMiss Source = iota
	SourceLocal
	SourceRemote
	SourceNotCached
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceNotCached:
		return "not-cached"
	default:
		return "miss"
	}
}

// Blob pairs a digest with its bytes for remote transfers.
type Blob struct {
	Digest *repb.Digest
	Data   []byte
}

// Remote is the capability set of a remote cache backend: AC get/put and
// CAS batch transfers. Implementations are in internal/remote.
type Remote interface {
	GetActionResult(ctx context.Context, d *repb.Digest) (*repb.ActionResult, error)
	PushActionResult(ctx context.Context, d *repb.Digest, ar *repb.ActionResult) error
	FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error)
	ReadBlobs(ctx context.Context, digests []*repb.Digest) ([]Blob, error)
	PushBlobs(ctx context.Context, blobs []Blob) error
	Close() error
}

// OutputBlob is one declared output staged for ingestion after execution.
type OutputBlob struct {
	Digest       *repb.Digest
	SrcPath      string
	IsExecutable bool
}

// Cache combines the local cache with an optional remote backend.
// Uploads run asynchronously; Wait flushes them before the run ends.
type Cache struct {
	Local  *LocalCache
	logger *slog.Logger

	// Threshold in bytes per millisecond of execution time; uploads of
	// results above it are skipped so cheap, huge outputs do not evict
	// genuinely expensive ones. Zero disables the threshold.
	UploadThreshold float64

	mu      sync.Mutex
	remote  Remote
	uploads sync.WaitGroup
}

// New creates a cache rooted at dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	local, err := NewLocal(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{Local: local, logger: logger}, nil
}

// SetRemote attaches a connected remote backend.
func (c *Cache) SetRemote(r Remote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = r
}

func (c *Cache) getRemote(use bool) Remote {
	if !use {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// disableRemote drops the remote backend for the remainder of the run.
func (c *Cache) disableRemote(err error) {
	c.mu.Lock()
	remote := c.remote
	c.remote = nil
	c.mu.Unlock()
	if remote != nil {
		c.logger.Warn("remote cache disabled for this run", "error", err)
		remote.Close()
	}
}

// GetActionResult implements the lookup protocol: local AC first, then the
// remote AC, then a batch fetch of blobs missing locally. The result is
// returned only if every referenced blob ends up in the local CAS.
func (c *Cache) GetActionResult(ctx context.Context, d *repb.Digest, useRemote bool) (*repb.ActionResult, Source) {
	if ar := c.Local.Check(d); ar != nil {
		return ar, SourceLocal
	}
	remote := c.getRemote(useRemote)
	if remote == nil {
		return nil, SourceMiss
	}

	ar := c.Local.GetActionResult(d)
	source := SourceLocal
	if ar == nil {
		var err error
		ar, err = remote.GetActionResult(ctx, d)
		if err != nil {
			c.disableRemote(err)
			return nil, SourceMiss
		}
		if ar == nil {
			return nil, SourceMiss
		}
		source = SourceRemote
	}

	missing := c.Local.MissingBlobs(ar)
	if len(missing) > 0 {
		blobs, err := remote.ReadBlobs(ctx, missing)
		if err != nil {
			c.disableRemote(err)
			return nil, SourceMiss
		}
		if len(blobs) < len(missing) {
			return nil, SourceMiss
		}
		for _, blob := range blobs {
			if _, err := c.Local.PutBlobBytes(blob.Data); err != nil {
				c.logger.Warn("storing downloaded blob failed", "error", err)
				return nil, SourceMiss
			}
		}
		source = SourceRemote
	}
	if source == SourceRemote {
		if err := c.Local.PutActionResult(d, ar); err != nil {
			c.logger.Warn("storing downloaded action result failed", "error", err)
		}
	}
	return ar, source
}

// Push ingests the declared outputs into the CAS, writes the AC entry, and
// schedules an asynchronous remote upload when permitted.
func (c *Cache) Push(ctx context.Context, d *repb.Digest, ar *repb.ActionResult, blobs []OutputBlob, useRemote bool, execMillis int64) error {
	for _, blob := range blobs {
		if err := c.Local.MoveBlobFile(blob.SrcPath, blob.Digest, blob.IsExecutable); err != nil {
			return err
		}
	}
	if err := c.Local.PutActionResult(d, ar); err != nil {
		return err
	}
	remote := c.getRemote(useRemote)
	if remote == nil {
		return nil
	}
	if c.exceedsThreshold(ar, execMillis) {
		c.logger.Debug("skipping remote upload, output size per exec time above threshold")
		return nil
	}
	c.uploads.Add(1)
	go func() {
		defer c.uploads.Done()
		c.upload(ctx, remote, d, ar)
	}()
	return nil
}

func (c *Cache) upload(ctx context.Context, remote Remote, d *repb.Digest, ar *repb.ActionResult) {
	var digests []*repb.Digest
	for _, f := range ar.OutputFiles {
		digests = append(digests, f.Digest)
	}
	for _, sd := range []*repb.Digest{ar.StdoutDigest, ar.StderrDigest} {
		if sd != nil && sd.SizeBytes > 0 {
			digests = append(digests, sd)
		}
	}
	missing, err := remote.FindMissingBlobs(ctx, digests)
	if err != nil {
		c.disableRemote(err)
		return
	}
	blobs := make([]Blob, 0, len(missing))
	for _, md := range missing {
		data, err := c.Local.ReadBlob(md)
		if err != nil || data == nil {
			c.logger.Warn("blob vanished before upload", "hash", md.Hash)
			return
		}
		blobs = append(blobs, Blob{Digest: md, Data: data})
	}
	if len(blobs) > 0 {
		if err := remote.PushBlobs(ctx, blobs); err != nil {
			c.disableRemote(err)
			return
		}
	}
	if err := remote.PushActionResult(ctx, d, ar); err != nil {
		c.disableRemote(err)
	}
}

func (c *Cache) exceedsThreshold(ar *repb.ActionResult, execMillis int64) bool {
	if c.UploadThreshold <= 0 {
		return false
	}
	var size int64
	for _, f := range ar.OutputFiles {
		if f.Digest != nil {
			size += f.Digest.SizeBytes
		}
	}
	if execMillis < 1 {
		execMillis = 1
	}
	return float64(size)/float64(execMillis) > c.UploadThreshold
}

// Wait blocks until pending remote uploads finish.
func (c *Cache) Wait() {
	c.uploads.Wait()
}
