//go:build unix

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/razelbuild/razel/internal/buildfile"
	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/config"
	"github.com/razelbuild/razel/internal/engine"
	"github.com/razelbuild/razel/internal/events"
	"github.com/razelbuild/razel/internal/graph"
	"github.com/razelbuild/razel/internal/workspace"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) OnEvent(ev events.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds(name string) []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Kind
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (l *eventLog) lastStatus(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := ""
	for _, ev := range l.events {
		if ev.Name == name && ev.Status != "" {
			status = ev.Status
		}
	}
	return status
}

type world struct {
	workspace string
	cacheDir  string
	log       *eventLog
}

func newWorld(t *testing.T) *world {
	return &world{workspace: t.TempDir(), cacheDir: t.TempDir()}
}

func (w *world) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(w.workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (w *world) writeScript(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(w.workspace, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func (w *world) exec(t *testing.T, jsonl string) *engine.Summary {
	t.Helper()
	buildPath := filepath.Join(w.workspace, "razel.jsonl")
	require.NoError(t, os.WriteFile(buildPath, []byte(jsonl), 0o644))

	g := graph.New()
	loader := buildfile.NewLoader(g)
	require.NoError(t, loader.LoadFile(buildPath))
	require.NoError(t, loader.Finish())
	selected, err := graph.Select(g, graph.FilterSpec{})
	require.NoError(t, err)

	outDir, err := workspace.NewOutDir(w.workspace)
	require.NoError(t, err)
	store, err := cache.New(w.cacheDir, nil)
	require.NoError(t, err)

	w.log = &eventLog{}
	bus := events.NewBus(64, w.log)
	defer bus.Close()

	cfg := &config.Config{CacheDir: w.cacheDir, Jobs: 2}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(g, store, bus, cfg, w.workspace, outDir, logger)
	require.NoError(t, eng.CheckInputs(selected))
	summary, err := eng.Run(context.Background(), selected)
	require.NoError(t, err)
	return summary
}

func (w *world) outFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.workspace, workspace.OutDirName, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

// Chain of two tasks: write-file then csv-concat with header dedup, and a
// second run served fully from cache.
func TestChainOfTwoCommands(t *testing.T) {
	w := newWorld(t)
	w.writeFile(t, "data/a.csv", "a,b,xyz\n1,2,3\n")
	jsonl := `{"name": "b", "task": "write-file", "args": ["b.csv", "a,b,xyz", "3,4,56", "7,8,9"]}
{"name": "c", "task": "csv-concat", "args": ["data/a.csv", "b.csv", "c.csv"]}`

	summary := w.exec(t, jsonl)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, "a,b,xyz\n3,4,56\n7,8,9\n", w.outFile(t, "b.csv"))
	assert.Equal(t, "a,b,xyz\n1,2,3\n3,4,56\n7,8,9\n", w.outFile(t, "c.csv"))

	summary = w.exec(t, jsonl)
	assert.Equal(t, 2, summary.Cached)
	assert.Equal(t, "cached", w.log.lastStatus("b"))
	assert.Equal(t, "cached", w.log.lastStatus("c"))
}

func TestEnsureEqualSuccess(t *testing.T) {
	w := newWorld(t)
	w.writeFile(t, "data/x", "identical bytes")
	w.writeFile(t, "data/y", "identical bytes")
	summary := w.exec(t, `{"name": "check", "task": "ensure-equal", "args": ["data/x", "data/y"]}`)
	assert.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestEnsureNotEqualFailure(t *testing.T) {
	w := newWorld(t)
	w.writeFile(t, "data/x", "identical bytes")
	w.writeFile(t, "data/y", "identical bytes")

	// Without the condition tag the run fails.
	summary := w.exec(t, `{"name": "check", "task": "ensure-not-equal", "args": ["data/x", "data/y"]}`)
	assert.NotZero(t, summary.ExitCode)

	// With it, dependents are skipped and the run stays green.
	jsonl := `{"name": "check", "task": "ensure-not-equal", "args": ["data/x", "data/y"], "tags": ["razel:condition"]}
{"name": "after", "task": "write-file", "args": ["after.txt", "x"], "deps": ["check"]}`
	summary = w.exec(t, jsonl)
	assert.Zero(t, summary.ExitCode)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, "skipped", w.log.lastStatus("after"))
}

// Cache hit across processes: a fresh engine and a deleted razel-out still
// produce cache hits and re-link readable outputs.
func TestCacheHitAcrossProcesses(t *testing.T) {
	w := newWorld(t)
	jsonl := `{"name": "b", "task": "write-file", "args": ["b.csv", "a,b", "1,2"]}`
	w.exec(t, jsonl)

	require.NoError(t, os.RemoveAll(filepath.Join(w.workspace, workspace.OutDirName)))

	summary := w.exec(t, jsonl)
	assert.Equal(t, 1, summary.Cached)
	assert.Equal(t, "a,b\n1,2\n", w.outFile(t, "b.csv"))
}

// A custom command executed in a sandbox with an input tree of symlinks.
func TestCustomCommandInSandbox(t *testing.T) {
	w := newWorld(t)
	w.writeScript(t, "bin/upper.sh", "#!/bin/sh\ntr 'a-z' 'A-Z' < \"$1\" > \"$2\"\n")
	w.writeFile(t, "data/in.txt", "hello sandbox\n")
	jsonl := `{"name": "upper", "executable": "bin/upper.sh", "args": ["data/in.txt", "out.txt"], "inputs": ["data/in.txt"], "outputs": ["out.txt"]}`

	summary := w.exec(t, jsonl)
	require.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, "HELLO SANDBOX\n", w.outFile(t, "out.txt"))

	// Idempotent second run.
	summary = w.exec(t, jsonl)
	assert.Equal(t, 1, summary.Cached)
}

func TestStdoutCaptureBecomesOutput(t *testing.T) {
	w := newWorld(t)
	summary := w.exec(t, `{"name": "say", "executable": "/bin/sh", "args": ["-c", "echo captured"], "stdout": "say.txt"}`)
	require.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, "captured\n", w.outFile(t, "say.txt"))
}

func TestMissingDeclaredOutputFails(t *testing.T) {
	w := newWorld(t)
	summary := w.exec(t, `{"name": "lazy", "executable": "/bin/sh", "args": ["-c", "true"], "outputs": ["never.txt"]}`)
	assert.NotZero(t, summary.ExitCode)
	assert.Equal(t, "failed", w.log.lastStatus("lazy"))
}

// OOM retry: the command dies with the OOM signature once, then succeeds.
func TestOOMRetry(t *testing.T) {
	w := newWorld(t)
	marker := filepath.Join(t.TempDir(), "marker")
	w.writeScript(t, "bin/flaky.sh",
		"#!/bin/sh\nif [ -f \""+marker+"\" ]; then echo ok > \"$1\"; else touch \""+marker+"\"; exit 137; fi\n")
	jsonl := `{"name": "flaky", "executable": "bin/flaky.sh", "args": ["out.txt"], "outputs": ["out.txt"]}`

	summary := w.exec(t, jsonl)
	assert.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, 1, summary.Succeeded)
	kinds := w.log.kinds("flaky")
	assert.Contains(t, kinds, events.Retry)
	assert.Equal(t, "succeeded", w.log.lastStatus("flaky"))
	assert.Equal(t, "ok\n", w.outFile(t, "out.txt"))
}

// Name collision with conflicting payloads is a load error citing both.
func TestNameCollisionLoadError(t *testing.T) {
	w := newWorld(t)
	buildPath := filepath.Join(w.workspace, "razel.jsonl")
	jsonl := `{"name": "dup", "executable": "/bin/sh", "args": ["-c", "echo one"]}
{"name": "dup", "executable": "/bin/sh", "args": ["-c", "echo two"]}`
	require.NoError(t, os.WriteFile(buildPath, []byte(jsonl), 0o644))

	g := graph.New()
	loader := buildfile.NewLoader(g)
	err := loader.LoadFile(buildPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dup")
	assert.Contains(t, err.Error(), "echo one")
	assert.Contains(t, err.Error(), "echo two")
}

// Commands see a response file when their argument list would exceed the
// platform limit; the helper script expands it back.
func TestResponseFileRoundTrip(t *testing.T) {
	w := newWorld(t)
	w.writeScript(t, "bin/count.sh",
		`#!/bin/sh
case "$1" in
@*) set -- $(cat "${1#@}") ;;
esac
out="$1"; shift
echo "$#" > "$out"
`)
	// Enough arguments to overflow the conservative limit.
	args := `["out.txt"`
	for i := 0; i < 3000; i++ {
		args += `, "` + string(rune('a'+i%26)) + `xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"`
	}
	args += `]`
	jsonl := `{"name": "many", "executable": "bin/count.sh", "args": ` + args + `, "outputs": ["out.txt"]}`

	summary := w.exec(t, jsonl)
	require.Equal(t, 0, summary.ExitCode)
	assert.Equal(t, "3000\n", w.outFile(t, "out.txt"))
}

func TestQuietTagStillFailsLoudly(t *testing.T) {
	w := newWorld(t)
	summary := w.exec(t, `{"name": "boom", "executable": "/bin/sh", "args": ["-c", "echo 'error: kaput' >&2; exit 2"], "tags": ["razel:quiet"]}`)
	assert.Equal(t, 2, summary.ExitCode)
	assert.Equal(t, "failed", w.log.lastStatus("boom"))
}
