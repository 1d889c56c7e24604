// Package cache implements the content-addressed store and action cache,
// local filesystem backed with an optional remote backend.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/razelbuild/razel/internal/digest"
)

// LocalCache stores blobs under <dir>/cas/<xx>/<hash> and action results
// under <dir>/ac/<xx>/<hash>. Writes go through a temp file in <dir>/tmp
// plus fsync and rename so readers never observe partial entries.
type LocalCache struct {
	Dir    string
	acDir  string
	casDir string
	tmpDir string

	// acLocks serializes writers per action digest to avoid torn reads.
	mu      sync.Mutex
	acLocks map[string]*sync.Mutex
}

// NewLocal creates the cache directory layout.
func NewLocal(dir string) (*LocalCache, error) {
	c := &LocalCache{
		Dir:     dir,
		acDir:   filepath.Join(dir, "ac"),
		casDir:  filepath.Join(dir, "cas"),
		tmpDir:  filepath.Join(dir, "tmp"),
		acLocks: map[string]*sync.Mutex{},
	}
	for _, d := range []string{c.acDir, c.casDir, c.tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	return c, nil
}

// TmpDir returns a directory on the cache filesystem for staging files and
// sandboxes, so moves into the CAS are renames.
func (c *LocalCache) TmpDir() string {
	return c.tmpDir
}

// BlobPath returns the CAS path for a digest.
func (c *LocalCache) BlobPath(d *repb.Digest) string {
	return filepath.Join(c.casDir, d.Hash[:2], d.Hash)
}

func (c *LocalCache) acPath(d *repb.Digest) string {
	return filepath.Join(c.acDir, d.Hash[:2], d.Hash)
}

// HasBlob reports whether the blob exists with the expected size.
func (c *LocalCache) HasBlob(d *repb.Digest) bool {
	info, err := os.Stat(c.BlobPath(d))
	return err == nil && info.Size() == d.SizeBytes
}

// ReadBlob returns the blob bytes, or nil if missing.
func (c *LocalCache) ReadBlob(d *repb.Digest) ([]byte, error) {
	data, err := os.ReadFile(c.BlobPath(d))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// PutBlobBytes ingests an in-memory blob and returns its digest.
// Content-addressed inserts are idempotent; an existing entry wins.
func (c *LocalCache) PutBlobBytes(data []byte) (*repb.Digest, error) {
	d := digest.OfBytes(data)
	if c.HasBlob(d) {
		return d, nil
	}
	tmp, err := os.CreateTemp(c.tmpDir, "blob-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := commitTemp(tmp, c.BlobPath(d), false); err != nil {
		return nil, err
	}
	return d, nil
}

// MoveBlobFile moves a file into the CAS under a precomputed digest.
// The file size is verified against the digest to resist partial writes.
func (c *LocalCache) MoveBlobFile(src string, d *repb.Digest, executable bool) error {
	if c.HasBlob(d) {
		os.Remove(src)
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.Size() != d.SizeBytes {
		return fmt.Errorf("blob size mismatch for %s: got %d, digest says %d",
			src, info.Size(), d.SizeBytes)
	}
	dst := c.BlobPath(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	if err := os.Chmod(src, mode); err != nil {
		return err
	}
	if err := syncFile(src); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		// The source may live on another filesystem; fall back to a copy.
		return c.copyBlobFile(src, dst, mode)
	}
	return nil
}

func (c *LocalCache) copyBlobFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(c.tmpDir, "blob-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := commitTemp(tmp, dst, true); err != nil {
		return err
	}
	os.Remove(src)
	return nil
}

// GetActionResult reads an AC entry, or nil on miss. A corrupt entry is
// removed and treated as a miss.
func (c *LocalCache) GetActionResult(d *repb.Digest) *repb.ActionResult {
	path := c.acPath(d)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var ar repb.ActionResult
	if err := proto.Unmarshal(data, &ar); err != nil {
		os.Remove(path)
		return nil
	}
	return &ar
}

// PutActionResult writes an AC entry under a per-digest lock.
func (c *LocalCache) PutActionResult(d *repb.Digest, ar *repb.ActionResult) error {
	lock := c.lockFor(d.Hash)
	lock.Lock()
	defer lock.Unlock()

	data, err := proto.Marshal(ar)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.tmpDir, "ac-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	return commitTemp(tmp, c.acPath(d), false)
}

// Check returns the AC entry only if every referenced blob exists in the CAS.
func (c *LocalCache) Check(d *repb.Digest) *repb.ActionResult {
	ar := c.GetActionResult(d)
	if ar == nil {
		return nil
	}
	if len(c.MissingBlobs(ar)) > 0 {
		return nil
	}
	return ar
}

// MissingBlobs lists blobs referenced by the result but absent locally.
func (c *LocalCache) MissingBlobs(ar *repb.ActionResult) []*repb.Digest {
	var missing []*repb.Digest
	for _, f := range ar.OutputFiles {
		if f.Digest != nil && !c.HasBlob(f.Digest) {
			missing = append(missing, f.Digest)
		}
	}
	for _, d := range []*repb.Digest{ar.StdoutDigest, ar.StderrDigest} {
		if d != nil && d.SizeBytes > 0 && !c.HasBlob(d) {
			missing = append(missing, d)
		}
	}
	return missing
}

func (c *LocalCache) lockFor(hash string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.acLocks[hash]
	if !ok {
		lock = &sync.Mutex{}
		c.acLocks[hash] = lock
	}
	return lock
}

// commitTemp fsyncs the temp file, closes it and renames it into place.
func commitTemp(tmp *os.File, dst string, keepMode bool) error {
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if !keepMode {
		if err := tmp.Chmod(0o444); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// Read-only files can still be synced through a read handle.
		f, err = os.Open(path)
		if err != nil {
			return err
		}
	}
	defer f.Close()
	return f.Sync()
}
