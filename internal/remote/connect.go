package remote

import (
	"context"
	"log/slog"
	"strings"

	"github.com/razelbuild/razel/internal/cache"
)

// Connect tries the remote cache URLs in preference order and returns the
// first responsive backend, or nil when none connects.
func Connect(ctx context.Context, urls []string, logger *slog.Logger) cache.Remote {
	for _, u := range urls {
		backend, err := dial(ctx, u)
		if err != nil {
			logger.Info("failed to connect to remote cache", "url", u, "error", err)
			continue
		}
		logger.Info("connected to remote cache", "url", u)
		return backend
	}
	return nil
}

func dial(ctx context.Context, rawURL string) (cache.Remote, error) {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return DialHTTP(ctx, rawURL)
	}
	return DialGrpc(ctx, rawURL)
}
