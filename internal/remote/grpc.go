// Package remote implements cache.Remote backends speaking the Bazel
// Remote Execution API over gRPC and the bazel-remote HTTP protocol.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/razelbuild/razel/internal/cache"
)

const dialTimeout = 5 * time.Second

// GrpcCache talks to a Bazel remote cache's ActionCache and
// ContentAddressableStorage services.
type GrpcCache struct {
	conn     *grpc.ClientConn
	ac       repb.ActionCacheClient
	cas      repb.ContentAddressableStorageClient
	instance string
}

// DialGrpc connects to a grpc://host:port[/instance] URL and probes the
// server's capabilities so unresponsive hosts are rejected up front.
func DialGrpc(ctx context.Context, rawURL string) (*GrpcCache, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "grpc" || u.Host == "" {
		return nil, fmt.Errorf("remote cache should be an URI, e.g. grpc://localhost:9092[/instance_name]: %s", rawURL)
	}
	instance := strings.Trim(u.Path, "/")
	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to remote cache %s: %w", rawURL, err)
	}
	c := &GrpcCache{
		conn:     conn,
		ac:       repb.NewActionCacheClient(conn),
		cas:      repb.NewContentAddressableStorageClient(conn),
		instance: instance,
	}
	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	caps := repb.NewCapabilitiesClient(conn)
	if _, err := caps.GetCapabilities(probeCtx, &repb.GetCapabilitiesRequest{InstanceName: instance}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote cache %s not responsive: %w", rawURL, err)
	}
	return c, nil
}

func (c *GrpcCache) GetActionResult(ctx context.Context, d *repb.Digest) (*repb.ActionResult, error) {
	ar, err := c.ac.GetActionResult(ctx, &repb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: d,
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ar, nil
}

func (c *GrpcCache) PushActionResult(ctx context.Context, d *repb.Digest, ar *repb.ActionResult) error {
	_, err := c.ac.UpdateActionResult(ctx, &repb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: d,
		ActionResult: ar,
	})
	return err
}

func (c *GrpcCache) FindMissingBlobs(ctx context.Context, digests []*repb.Digest) ([]*repb.Digest, error) {
	resp, err := c.cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		InstanceName: c.instance,
		BlobDigests:  digests,
	})
	if err != nil {
		return nil, err
	}
	return resp.MissingBlobDigests, nil
}

func (c *GrpcCache) ReadBlobs(ctx context.Context, digests []*repb.Digest) ([]cache.Blob, error) {
	resp, err := c.cas.BatchReadBlobs(ctx, &repb.BatchReadBlobsRequest{
		InstanceName: c.instance,
		Digests:      digests,
	})
	if err != nil {
		return nil, err
	}
	blobs := make([]cache.Blob, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status != nil && codes.Code(r.Status.Code) != codes.OK {
			continue
		}
		blobs = append(blobs, cache.Blob{Digest: r.Digest, Data: r.Data})
	}
	return blobs, nil
}

func (c *GrpcCache) PushBlobs(ctx context.Context, blobs []cache.Blob) error {
	req := &repb.BatchUpdateBlobsRequest{InstanceName: c.instance}
	for _, b := range blobs {
		req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
			Digest: b.Digest,
			Data:   b.Data,
		})
	}
	resp, err := c.cas.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return err
	}
	for _, r := range resp.Responses {
		if r.Status != nil && codes.Code(r.Status.Code) != codes.OK {
			return fmt.Errorf("uploading blob %s: %s", r.Digest.Hash, r.Status.Message)
		}
	}
	return nil
}

func (c *GrpcCache) Close() error {
	return c.conn.Close()
}
