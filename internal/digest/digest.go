// Package digest computes content addresses compatible with the Bazel
// Remote Execution API: SHA-256 over deterministically serialized protobuf
// messages for actions, and over raw bytes for blobs.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// marshal is the canonical encoding: deterministic map ordering, so equal
// messages always produce equal bytes.
var marshal = proto.MarshalOptions{Deterministic: true}

// OfBytes digests a blob held in memory.
func OfBytes(data []byte) *repb.Digest {
	sum := sha256.Sum256(data)
	return &repb.Digest{
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}
}

// OfFile digests a file's raw contents by streaming.
func OfFile(path string) (*repb.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, fmt.Errorf("digesting %s: %w", path, err)
	}
	return &repb.Digest{
		Hash:      hex.EncodeToString(h.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// OfMessage digests the canonical encoding of a protobuf message.
func OfMessage(msg proto.Message) (*repb.Digest, []byte, error) {
	data, err := marshal.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return OfBytes(data), data, nil
}

// Equal compares two digests by value.
func Equal(a, b *repb.Digest) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash == b.Hash && a.SizeBytes == b.SizeBytes
}

// Empty is the digest of the empty blob.
func Empty() *repb.Digest {
	return OfBytes(nil)
}
