package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasiSpec describes executing a WebAssembly module under WASI. The sandbox
// directory is the only mount, so the module sees nothing but its declared
// inputs and output locations.
type WasiSpec struct {
	ModulePath string
	// Argv with the module name as element 0.
	Argv    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// RunWasi compiles and runs the module in-process.
func RunWasi(ctx context.Context, spec WasiSpec) *Result {
	res := &Result{}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	wasm, err := os.ReadFile(spec.ModulePath)
	if err != nil {
		res.Err = err
		return res
	}

	runtime := wazero.NewRuntimeWithConfig(runCtx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer runtime.Close(ctx)
	wasi_snapshot_preview1.MustInstantiate(runCtx, runtime)

	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithArgs(spec.Argv...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(spec.Dir, "/"))
	names := make([]string, 0, len(spec.Env))
	for name := range spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		config = config.WithEnv(name, spec.Env[name])
	}

	start := time.Now()
	compiled, err := runtime.CompileModule(runCtx, wasm)
	if err != nil {
		res.Err = err
		return res
	}
	_, runErr := runtime.InstantiateModule(runCtx, compiled, config)
	res.ExecDuration = time.Since(start)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if runErr == nil {
		return res
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}
	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = int(exitErr.ExitCode())
		return res
	}
	res.Err = runErr
	res.ExitCode = -1
	return res
}
