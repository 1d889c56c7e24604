package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/razelbuild/razel/internal/cache"
)

// HTTPCache speaks the bazel-remote disk cache HTTP protocol:
// GET/PUT <base>/ac/<hash> and <base>/cas/<hash>.
type HTTPCache struct {
	base   string
	client *http.Client
}

// DialHTTP probes an http(s):// cache URL with a HEAD request.
func DialHTTP(ctx context.Context, rawURL string) (*HTTPCache, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("not an HTTP cache URL: %s", rawURL)
	}
	c := &HTTPCache{
		base:   strings.TrimSuffix(rawURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, c.base+"/cas/"+strings.Repeat("0", 64), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote cache %s not responsive: %w", rawURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("remote cache %s not responsive: %s", rawURL, resp.Status)
	}
	return c, nil
}

func (c *HTTPCache) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *HTTPCache) put(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: %s", path, resp.Status)
	}
	return nil
}

func (c *HTTPCache) GetActionResult(ctx context.Context, d *repb.Digest) (*repb.ActionResult, error) {
	data, err := c.get(ctx, "/ac/"+d.Hash)
	if err != nil || data == nil {
		return nil, err
	}
	var ar repb.ActionResult
	if err := proto.Unmarshal(data, &ar); err != nil {
		return nil, nil
	}
	return &ar, nil
}

func (c *HTTPCache) PushActionResult(ctx context.Context, d *repb.Digest, ar *repb.ActionResult) error {
	data, err := proto.Marshal(ar)
	if err != nil {
		return err
	}
	return c.put(ctx, "/ac/"+d.Hash, data)
}

// FindMissingBlobs probes each blob with a HEAD request.
func (c *HTTPCache) FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error) {
	var missing []*repb.Digest
	for _, d := range digests {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/cas/"+d.Hash, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			missing = append(missing, d)
		} else if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HEAD /cas/%s: %s", d.Hash, resp.Status)
		}
	}
	return missing, nil
}

func (c *HTTPCache) ReadBlobs(ctx context.Context, digests []*repb.Digest) ([]cache.Blob, error) {
	blobs := make([]cache.Blob, len(digests))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, d := range digests {
		g.Go(func() error {
			data, err := c.get(ctx, "/cas/"+d.Hash)
			if err != nil {
				return err
			}
			if data != nil {
				blobs[i] = cache.Blob{Digest: d, Data: data}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	found := blobs[:0]
	for _, b := range blobs {
		if b.Digest != nil {
			found = append(found, b)
		}
	}
	return found, nil
}

func (c *HTTPCache) PushBlobs(ctx context.Context, blobs []cache.Blob) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, b := range blobs {
		g.Go(func() error {
			return c.put(ctx, "/cas/"+b.Digest.Hash, b.Data)
		})
	}
	return g.Wait()
}

func (c *HTTPCache) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
