package digest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfBytes(t *testing.T) {
	d := OfBytes([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.Hash)
	assert.Equal(t, int64(5), d.SizeBytes)
}

func TestOfFileMatchesOfBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	d, err := OfFile(path)
	require.NoError(t, err)
	assert.Equal(t, OfBytes([]byte("hello")).Hash, d.Hash)
}

func TestOfFileMissing(t *testing.T) {
	_, err := OfFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func sampleSpec() ActionSpec {
	return ActionSpec{
		Arguments:   []string{"tool", "-o", "razel-out/x"},
		Env:         map[string]string{"A": "1", "B": "2"},
		OutputFiles: []string{"razel-out/x"},
		Inputs: []InputFile{
			{Path: "data/a.csv", Digest: OfBytes([]byte("a"))},
			{Path: "data/b.csv", Digest: OfBytes([]byte("b"))},
		},
	}
}

func TestActionDigestDeterministic(t *testing.T) {
	d1, err := ForAction(sampleSpec())
	require.NoError(t, err)
	d2, err := ForAction(sampleSpec())
	require.NoError(t, err)
	assert.True(t, Equal(d1, d2))
}

func TestActionDigestIgnoresEnvOrder(t *testing.T) {
	// Maps are unordered by construction; reversing insertion order and
	// reordering inputs must not change the digest.
	spec := sampleSpec()
	spec.Env = map[string]string{"B": "2", "A": "1"}
	spec.Inputs = []InputFile{spec.Inputs[1], spec.Inputs[0]}
	d1, err := ForAction(sampleSpec())
	require.NoError(t, err)
	d2, err := ForAction(spec)
	require.NoError(t, err)
	assert.Equal(t, d1.Hash, d2.Hash)
}

func TestActionDigestChangesWithExtraInput(t *testing.T) {
	spec := sampleSpec()
	spec.Inputs = append(spec.Inputs, InputFile{Path: "data/c.csv", Digest: OfBytes([]byte("c"))})
	d1, err := ForAction(sampleSpec())
	require.NoError(t, err)
	d2, err := ForAction(spec)
	require.NoError(t, err)
	assert.NotEqual(t, d1.Hash, d2.Hash)
}

func TestActionDigestChangesWithArgs(t *testing.T) {
	spec := sampleSpec()
	spec.Arguments = append(spec.Arguments, "--extra")
	d1, _ := ForAction(sampleSpec())
	d2, _ := ForAction(spec)
	assert.NotEqual(t, d1.Hash, d2.Hash)
}

func TestInputRootNestedDirectories(t *testing.T) {
	d1, err := InputRoot([]InputFile{
		{Path: "a/b/c.txt", Digest: OfBytes([]byte("c"))},
		{Path: "a/d.txt", Digest: OfBytes([]byte("d"))},
	})
	require.NoError(t, err)
	// Leaf order must not matter.
	d2, err := InputRoot([]InputFile{
		{Path: "a/d.txt", Digest: OfBytes([]byte("d"))},
		{Path: "a/b/c.txt", Digest: OfBytes([]byte("c"))},
	})
	require.NoError(t, err)
	assert.Equal(t, d1.Hash, d2.Hash)
}

func TestInputRootFileDirConflict(t *testing.T) {
	_, err := InputRoot([]InputFile{
		{Path: "a", Digest: OfBytes([]byte("x"))},
		{Path: "a/b", Digest: OfBytes([]byte("y"))},
	})
	assert.Error(t, err)
}

func TestInputRootMissingDigest(t *testing.T) {
	_, err := InputRoot([]InputFile{{Path: "a"}})
	assert.Error(t, err)
}
