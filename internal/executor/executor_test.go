//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProcessCapturesOutput(t *testing.T) {
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/bin/sh", "-c", "echo out; echo err >&2"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, res.Err)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestRunProcessExitCode(t *testing.T) {
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/bin/sh", "-c", "exit 3"},
		WorkDir: t.TempDir(),
	})
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunProcessTimeout(t *testing.T) {
	start := time.Now()
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/bin/sh", "-c", "sleep 10"},
		WorkDir: t.TempDir(),
		Timeout: 200 * time.Millisecond,
	})
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRunProcessDeclaredCapture(t *testing.T) {
	dir := t.TempDir()
	stdout := filepath.Join(dir, "captured.txt")
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:       []string{"/bin/sh", "-c", "echo hello"},
		WorkDir:    dir,
		StdoutPath: stdout,
	})
	require.True(t, res.Success())
	data, err := os.ReadFile(stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRunProcessEnv(t *testing.T) {
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/bin/sh", "-c", "echo $GREETING"},
		Env:     map[string]string{"GREETING": "hi"},
		WorkDir: t.TempDir(),
	})
	require.True(t, res.Success())
	assert.Equal(t, "hi\n", string(res.Stdout))
}

func TestRunProcessSpawnError(t *testing.T) {
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/no/such/binary"},
		WorkDir: t.TempDir(),
	})
	assert.Error(t, res.Err)
	assert.False(t, res.Success())
}

func TestKilledByOOMSignature(t *testing.T) {
	res := RunProcess(context.Background(), ProcessSpec{
		Argv:    []string{"/bin/sh", "-c", "exit 137"},
		WorkDir: t.TempDir(),
	})
	assert.Equal(t, 137, res.ExitCode)
	assert.True(t, res.OOMSuspected)
}

func TestPrepareArgvShortPassthrough(t *testing.T) {
	argv := []string{"tool", "-a", "-b"}
	got, err := prepareArgv(argv, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, argv, got)
}

func TestPrepareArgvSpillsToResponseFile(t *testing.T) {
	dir := t.TempDir()
	long := make([]string, 0, 4096)
	long = append(long, "tool")
	for i := 0; i < 4096; i++ {
		long = append(long, strings.Repeat("x", 64))
	}
	got, err := prepareArgv(long, dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, strings.HasPrefix(got[1], "@"))

	// Round trip: the file holds exactly the original arguments.
	data, err := os.ReadFile(strings.TrimPrefix(got[1], "@"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, long[1:], lines)
}

func TestPrepareArgvRejectsNewlines(t *testing.T) {
	long := []string{"tool", "bad\narg", strings.Repeat("x", argMax)}
	_, err := prepareArgv(long, t.TempDir())
	assert.Error(t, err)
}

func TestRunTask(t *testing.T) {
	ran := false
	res := RunTask(context.Background(), func(ctx context.Context, args []string) error {
		ran = true
		assert.Equal(t, []string{"a", "b"}, args)
		return nil
	}, []string{"a", "b"}, 0)
	assert.True(t, ran)
	assert.True(t, res.Success())
}

func TestRunTaskError(t *testing.T) {
	res := RunTask(context.Background(), func(ctx context.Context, args []string) error {
		return assert.AnError
	}, nil, 0)
	assert.False(t, res.Success())
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, string(res.Stderr), assert.AnError.Error())
}
