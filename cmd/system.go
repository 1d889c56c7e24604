package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/digest"
	"github.com/razelbuild/razel/internal/remote"
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Maintenance helpers",
}

var checkRemoteCacheCmd = &cobra.Command{
	Use:   "check-remote-cache <url>",
	Short: "Round-trip a probe blob through a remote cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkRemoteCache(cmd.Context(), args[0])
	},
}

func init() {
	systemCmd.AddCommand(checkRemoteCacheCmd)
	rootCmd.AddCommand(systemCmd)
}

func checkRemoteCache(ctx context.Context, url string) error {
	logger := newLogger()
	backend := remote.Connect(ctx, []string{url}, logger)
	if backend == nil {
		return fmt.Errorf("remote cache not reachable: %s", url)
	}
	defer backend.Close()

	// A unique probe payload so the round trip cannot hit stale state.
	payload := []byte("razel probe " + uuid.NewString())
	blobDigest := digest.OfBytes(payload)
	actionDigest := digest.OfBytes(append([]byte("probe action "), payload...))

	start := time.Now()
	if err := backend.PushBlobs(ctx, []cache.Blob{{Digest: blobDigest, Data: payload}}); err != nil {
		return fmt.Errorf("uploading probe blob: %w", err)
	}
	ar := &repb.ActionResult{
		ExitCode:    0,
		OutputFiles: []*repb.OutputFile{{Path: "probe", Digest: blobDigest}},
	}
	if err := backend.PushActionResult(ctx, actionDigest, ar); err != nil {
		return fmt.Errorf("uploading probe action result: %w", err)
	}
	uploaded := time.Since(start)

	start = time.Now()
	got, err := backend.GetActionResult(ctx, actionDigest)
	if err != nil {
		return fmt.Errorf("reading probe action result: %w", err)
	}
	if got == nil {
		return fmt.Errorf("probe action result not found after upload")
	}
	blobs, err := backend.ReadBlobs(ctx, []*repb.Digest{blobDigest})
	if err != nil {
		return fmt.Errorf("reading probe blob: %w", err)
	}
	if len(blobs) != 1 || !digest.Equal(digest.OfBytes(blobs[0].Data), blobDigest) {
		return fmt.Errorf("probe blob corrupted in transfer")
	}
	downloaded := time.Since(start)

	fmt.Printf("remote cache ok: upload %s, download %s\n",
		uploaded.Round(time.Millisecond), downloaded.Round(time.Millisecond))
	return nil
}
