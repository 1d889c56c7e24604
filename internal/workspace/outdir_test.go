package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razelbuild/razel/internal/metadata"
)

func TestLinkReplacesExisting(t *testing.T) {
	cwd := t.TempDir()
	out, err := NewOutDir(cwd)
	require.NoError(t, err)

	blob1 := filepath.Join(cwd, "blob1")
	blob2 := filepath.Join(cwd, "blob2")
	require.NoError(t, os.WriteFile(blob1, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(blob2, []byte("two"), 0o644))

	require.NoError(t, out.Link(blob1, "sub/x.txt"))
	require.NoError(t, out.Link(blob2, "sub/x.txt"))

	data, err := os.ReadFile(out.Path("sub/x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestSweepRemovesUnclaimed(t *testing.T) {
	cwd := t.TempDir()
	out, err := NewOutDir(cwd)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(out.Path("stale/dir"), 0o755))
	require.NoError(t, os.WriteFile(out.Path("stale/dir/old.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(out.Path("kept.txt"), []byte("y"), 0o644))

	require.NoError(t, out.Sweep(map[string]bool{"kept.txt": true}))

	_, err = os.Lstat(out.Path("stale/dir/old.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(out.Path("stale"))
	assert.True(t, os.IsNotExist(err), "empty dirs are removed")
	_, err = os.Lstat(out.Path("kept.txt"))
	assert.NoError(t, err)
}

func TestSweepKeepsMetadataDir(t *testing.T) {
	cwd := t.TempDir()
	out, err := NewOutDir(cwd)
	require.NoError(t, err)
	w, err := NewMetadataWriter(out)
	require.NoError(t, err)
	require.NoError(t, w.WriteExecutionTimes(map[string]float64{"a": 1.5}))

	require.NoError(t, out.Sweep(map[string]bool{}))
	_, err = os.Lstat(filepath.Join(out.Root, MetadataDirName, "execution_times.json"))
	assert.NoError(t, err)
}

func TestMetadataWriterFiles(t *testing.T) {
	cwd := t.TempDir()
	out, err := NewOutDir(cwd)
	require.NoError(t, err)
	w, err := NewMetadataWriter(out)
	require.NoError(t, err)

	require.NoError(t, w.WriteLog(&metadata.RunLog{InvocationID: "id"}))
	require.NoError(t, w.WriteMeasurements(map[string][]metadata.Measurement{
		"cmd": {{Name: "score", Value: "1"}},
	}))
	require.NoError(t, w.WriteExecutionTimes(map[string]float64{"cmd": 0.25}))

	for _, name := range []string{"log.json", "measurements.csv", "execution_times.json"} {
		_, err := os.Stat(filepath.Join(out.Root, MetadataDirName, name))
		assert.NoError(t, err, name)
	}
}
