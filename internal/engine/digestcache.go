package engine

import (
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/razelbuild/razel/internal/digest"
)

// digestCache memoizes blob digests of data input files. Workers may hash
// the same file concurrently; the first result wins and both are equal.
type digestCache struct {
	mu     sync.Mutex
	byPath map[string]*repb.Digest
}

func newDigestCache() *digestCache {
	return &digestCache{byPath: map[string]*repb.Digest{}}
}

func (c *digestCache) fileDigest(path string) (*repb.Digest, error) {
	c.mu.Lock()
	if d, ok := c.byPath[path]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	d, err := digest.OfFile(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byPath[path] = d
	c.mu.Unlock()
	return d, nil
}
