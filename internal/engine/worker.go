package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/digest"
	"github.com/razelbuild/razel/internal/executor"
	"github.com/razelbuild/razel/internal/graph"
	"github.com/razelbuild/razel/internal/metadata"
	"github.com/razelbuild/razel/internal/model"
	"github.com/razelbuild/razel/internal/sandbox"
	"github.com/razelbuild/razel/internal/task"
	"github.com/razelbuild/razel/internal/workspace"
)

type fileDigest struct {
	file model.FileID
	hash string
	size int64
}

// workerResult is the completion message a worker sends back to the
// controller loop.
type workerResult struct {
	id            model.CommandID
	status        graph.ExecStatus
	exitCode      int
	oomSuspected  bool
	cacheSource   cache.Source
	duration      time.Duration
	execTime      time.Duration
	outputBytes   int64
	outputDigests []fileDigest
	measurements  []metadata.Measurement
	errorText     string
}

// process runs the full lifecycle of one command on a worker: digest,
// cache lookup, execution, ingest and workspace linking.
func (e *Engine) process(ctx context.Context, c *model.Command) *workerResult {
	start := time.Now()
	res := e.processInner(ctx, c)
	res.duration = time.Since(start)
	return res
}

func (e *Engine) processInner(ctx context.Context, c *model.Command) *workerResult {
	res := &workerResult{id: c.ID, status: graph.StatusFailed, exitCode: -1, cacheSource: cache.SourceNotCached}

	var actionDigest *repb.Digest
	var digestErr error
	if spec, err := e.actionSpec(c); err != nil {
		digestErr = err
	} else if actionDigest, err = digest.ForAction(*spec); err != nil {
		digestErr = err
	}
	if digestErr != nil && c.IsCacheable() {
		// Without a digest the action can be neither cached nor trusted.
		res.errorText = digestErr.Error()
		return res
	}

	cacheable := c.IsCacheable()
	if cacheable {
		if ar, source := e.cache.GetActionResult(ctx, actionDigest, !c.Tags.NoRemoteCache); ar != nil {
			if err := e.applyCachedResult(c, ar, res, source); err == nil {
				return res
			}
			// Linking failed; fall through and execute for real.
		}
	}

	exec, dir := e.execute(ctx, c, res)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if exec == nil {
		return res
	}

	res.exitCode = exec.ExitCode
	res.oomSuspected = exec.OOMSuspected
	res.execTime = exec.ExecDuration
	res.measurements = metadata.ParseMeasurements(exec.Stdout)
	e.echoOutput(c, exec)

	switch {
	case exec.TimedOut:
		res.errorText = fmt.Sprintf("timed out after %s", c.Tags.Timeout)
		return res
	case exec.Err != nil:
		res.errorText = exec.Err.Error()
		return res
	case exec.ExitCode != 0:
		res.errorText = metadata.ExtractError(exec.Stderr, exec.Stdout)
		if res.errorText == "" {
			res.errorText = fmt.Sprintf("exited with code %d", exec.ExitCode)
		}
		return res
	}

	var err error
	if cacheable {
		err = e.ingestAndLink(ctx, c, actionDigest, dir, exec, res)
	} else if dir != "" {
		err = e.moveOutputsToWorkspace(c, dir, res)
	}
	if err != nil {
		res.errorText = err.Error()
		return res
	}
	res.status = graph.StatusSucceeded
	return res
}

// actionSpec assembles the digest input for a command. File arguments are
// rendered as the workspace-relative paths the command will see, so the
// digest is stable across machines.
func (e *Engine) actionSpec(c *model.Command) (*digest.ActionSpec, error) {
	spec := &digest.ActionSpec{
		Env:        c.Env,
		Timeout:    c.Tags.Timeout,
		DoNotCache: c.Tags.NoCache,
	}
	spec.Arguments = e.digestArgv(c)
	for _, out := range c.Outputs {
		spec.OutputFiles = append(spec.OutputFiles, e.execPath(e.graph.File(out)))
	}
	inputs := c.Inputs
	if c.Kind == model.KindCustom && c.Executable != model.NoFile {
		inputs = append(append([]model.FileID{}, inputs...), c.Executable)
	}
	for _, in := range inputs {
		f := e.graph.File(in)
		d, err := e.inputDigest(f)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", f.Path, err)
		}
		spec.Inputs = append(spec.Inputs, digest.InputFile{
			Path:         e.execPath(f),
			Digest:       d,
			IsExecutable: f.Type == model.ExecutableFile || in == c.Executable,
		})
	}
	return spec, nil
}

func (e *Engine) inputDigest(f *model.File) (*repb.Digest, error) {
	if f.IsOutput() && f.DigestHash != "" {
		return &repb.Digest{Hash: f.DigestHash, SizeBytes: f.DigestSize}, nil
	}
	return e.digests.fileDigest(e.hostPath(f))
}

// digestArgv renders the canonical argument vector.
func (e *Engine) digestArgv(c *model.Command) []string {
	var argv []string
	if c.Kind == model.KindTask {
		argv = append(argv, "razel", "task", c.Task)
	} else if c.Executable == model.NoFile {
		argv = append(argv, c.SystemExecutable)
	} else {
		argv = append(argv, e.execPath(e.graph.File(c.Executable)))
	}
	for _, a := range c.Args {
		argv = append(argv, e.renderArg(a))
	}
	return argv
}

func (e *Engine) renderArg(a model.Arg) string {
	if a.Kind == model.ArgLiteral {
		return a.Lit
	}
	return e.execPath(e.graph.File(a.File))
}

// execPath is the path a command uses for a file: outputs live below the
// output directory, inputs at their workspace-relative path.
func (e *Engine) execPath(f *model.File) string {
	if f.IsOutput() {
		return workspace.OutDirName + "/" + f.Path
	}
	return f.Path
}

// applyCachedResult links the cached outputs into the workspace.
func (e *Engine) applyCachedResult(c *model.Command, ar *repb.ActionResult, res *workerResult, source cache.Source) error {
	byPath := map[string]model.FileID{}
	for _, out := range c.Outputs {
		byPath[e.execPath(e.graph.File(out))] = out
	}
	for _, of := range ar.OutputFiles {
		id, ok := byPath[of.Path]
		if !ok {
			return fmt.Errorf("cached result contains undeclared output %q", of.Path)
		}
		f := e.graph.File(id)
		if err := e.outDir.Link(e.cache.Local.BlobPath(of.Digest), f.Path); err != nil {
			return err
		}
		res.outputDigests = append(res.outputDigests, fileDigest{file: id, hash: of.Digest.Hash, size: of.Digest.SizeBytes})
		res.outputBytes += of.Digest.SizeBytes
	}
	res.status = graph.StatusCached
	res.cacheSource = source
	res.exitCode = int(ar.ExitCode)
	return nil
}

// execute dispatches to the right runner and returns the execution result
// plus the per-action directory holding the produced outputs (empty for
// no-sandbox commands). A nil result means preparation failed.
func (e *Engine) execute(ctx context.Context, c *model.Command, res *workerResult) (*executor.Result, string) {
	if c.Kind == model.KindTask {
		return e.executeTask(ctx, c, res)
	}
	if c.Tags.NoSandbox {
		return e.executeUnsandboxed(ctx, c), ""
	}
	return e.executeSandboxed(ctx, c, res)
}

func (e *Engine) executeTask(ctx context.Context, c *model.Command, res *workerResult) (*executor.Result, string) {
	handler, err := task.Get(c.Task)
	if err != nil {
		res.errorText = err.Error()
		return nil, ""
	}
	dir, err := os.MkdirTemp(e.cache.Local.TmpDir(), "task-")
	if err != nil {
		res.errorText = err.Error()
		return nil, ""
	}

	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		if a.Kind == model.ArgLiteral {
			args = append(args, a.Lit)
			continue
		}
		f := e.graph.File(a.File)
		if f.IsOutput() && f.CreatedBy == c.ID {
			path := filepath.Join(dir, filepath.FromSlash(e.execPath(f)))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				res.errorText = err.Error()
				os.RemoveAll(dir)
				return nil, ""
			}
			args = append(args, path)
		} else {
			args = append(args, e.hostPath(f))
		}
	}

	exec := executor.RunTask(ctx, handler.Run, args, c.Tags.Timeout)
	e.collectOutputs(c, dir, exec)
	return exec, dir
}

func (e *Engine) executeSandboxed(ctx context.Context, c *model.Command, res *workerResult) (*executor.Result, string) {
	sb, err := sandbox.New(e.cache.Local.TmpDir(), c.Name)
	if err != nil {
		res.errorText = err.Error()
		return nil, ""
	}

	links, outputs := e.sandboxPlan(c)
	if err := sb.Populate(links, outputs); err != nil {
		res.errorText = err.Error()
		sb.Remove()
		return nil, ""
	}

	execRel := c.SystemExecutable
	isWorkspaceExec := c.Executable != model.NoFile
	if isWorkspaceExec {
		execRel = e.execPath(e.graph.File(c.Executable))
	}
	var exec *executor.Result
	if isWorkspaceExec && strings.HasSuffix(execRel, ".wasm") {
		argv := []string{execRel}
		for _, a := range c.Args {
			argv = append(argv, e.renderArg(a))
		}
		exec = executor.RunWasi(ctx, executor.WasiSpec{
			ModulePath: e.hostPath(e.graph.File(c.Executable)),
			Argv:       argv,
			Env:        c.Env,
			Dir:        sb.Dir,
			Timeout:    c.Tags.Timeout,
		})
	} else {
		// A relative argv[0] would resolve against the process cwd, not
		// the sandbox, so workspace executables are addressed absolutely.
		argv := []string{execRel}
		if isWorkspaceExec {
			argv[0] = sb.Path(execRel)
		}
		for _, a := range c.Args {
			argv = append(argv, e.renderArg(a))
		}
		spec := executor.ProcessSpec{
			Argv:    argv,
			Env:     c.Env,
			WorkDir: sb.Dir,
			Timeout: c.Tags.Timeout,
		}
		if c.Stdout != model.NoFile {
			spec.StdoutPath = sb.Path(e.execPath(e.graph.File(c.Stdout)))
		}
		if c.Stderr != model.NoFile {
			spec.StderrPath = sb.Path(e.execPath(e.graph.File(c.Stderr)))
		}
		exec = executor.RunProcess(ctx, spec)
	}

	e.collectOutputs(c, sb.Dir, exec)
	return exec, sb.Dir
}

// executeUnsandboxed runs in the workspace cwd; outputs land directly in
// the output directory and are excluded from caching.
func (e *Engine) executeUnsandboxed(ctx context.Context, c *model.Command) *executor.Result {
	argv := []string{c.SystemExecutable}
	if c.Executable != model.NoFile {
		argv[0] = e.hostPath(e.graph.File(c.Executable))
	}
	for _, a := range c.Args {
		argv = append(argv, e.renderArg(a))
	}
	for _, out := range c.Outputs {
		os.MkdirAll(filepath.Dir(e.outDir.Path(e.graph.File(out).Path)), 0o755)
	}
	spec := executor.ProcessSpec{
		Argv:    argv,
		Env:     c.Env,
		WorkDir: e.workspaceDir,
		Timeout: c.Tags.Timeout,
	}
	if c.Stdout != model.NoFile {
		spec.StdoutPath = e.outDir.Path(e.graph.File(c.Stdout).Path)
	}
	if c.Stderr != model.NoFile {
		spec.StderrPath = e.outDir.Path(e.graph.File(c.Stderr).Path)
	}
	exec := executor.RunProcess(ctx, spec)
	if exec.Success() {
		for _, out := range c.Outputs {
			f := e.graph.File(out)
			if _, err := os.Stat(e.outDir.Path(f.Path)); err != nil {
				exec.Err = fmt.Errorf("command did not create output file %q", f.Path)
				break
			}
		}
	}
	return exec
}

// sandboxPlan lists the input links and output paths for a sandbox.
func (e *Engine) sandboxPlan(c *model.Command) ([]sandbox.InputLink, []string) {
	var links []sandbox.InputLink
	inputs := append([]model.FileID{}, c.Inputs...)
	if c.Executable != model.NoFile {
		inputs = append(inputs, c.Executable)
	}
	for _, in := range inputs {
		f := e.graph.File(in)
		links = append(links, sandbox.InputLink{Rel: e.execPath(f), Host: e.hostPath(f)})
	}
	outputs := make([]string, 0, len(c.Outputs))
	for _, out := range c.Outputs {
		outputs = append(outputs, e.execPath(e.graph.File(out)))
	}
	return links, outputs
}

// collectOutputs verifies declared outputs exist inside dir after a
// successful exit.
func (e *Engine) collectOutputs(c *model.Command, dir string, exec *executor.Result) {
	if !exec.Success() {
		return
	}
	for _, out := range c.Outputs {
		f := e.graph.File(out)
		info, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(e.execPath(f))))
		if err != nil {
			exec.Err = fmt.Errorf("command did not create output file %q", f.Path)
			return
		}
		if !info.Mode().IsRegular() {
			exec.Err = fmt.Errorf("output %q is not a regular file", f.Path)
			return
		}
	}
}

// ingestAndLink hashes the outputs, stores blobs and the action result,
// and links the outputs into the workspace.
func (e *Engine) ingestAndLink(ctx context.Context, c *model.Command, actionDigest *repb.Digest, dir string, exec *executor.Result, res *workerResult) error {
	ar := &repb.ActionResult{ExitCode: int32(exec.ExitCode)}
	var blobs []cache.OutputBlob
	for _, out := range c.Outputs {
		f := e.graph.File(out)
		src := filepath.Join(dir, filepath.FromSlash(e.execPath(f)))
		d, err := digest.OfFile(src)
		if err != nil {
			return fmt.Errorf("hashing output %s: %w", f.Path, err)
		}
		executable := isExecutable(src)
		ar.OutputFiles = append(ar.OutputFiles, &repb.OutputFile{
			Path:         e.execPath(f),
			Digest:       d,
			IsExecutable: executable,
		})
		blobs = append(blobs, cache.OutputBlob{Digest: d, SrcPath: src, IsExecutable: executable})
		res.outputDigests = append(res.outputDigests, fileDigest{file: out, hash: d.Hash, size: d.SizeBytes})
		res.outputBytes += d.SizeBytes
	}
	if c.Stdout == model.NoFile && len(exec.Stdout) > 0 {
		d, err := e.cache.Local.PutBlobBytes(exec.Stdout)
		if err != nil {
			return err
		}
		ar.StdoutDigest = d
	}
	if c.Stderr == model.NoFile && len(exec.Stderr) > 0 {
		d, err := e.cache.Local.PutBlobBytes(exec.Stderr)
		if err != nil {
			return err
		}
		ar.StderrDigest = d
	}

	useRemote := !c.Tags.NoRemoteCache
	if err := e.cache.Push(ctx, actionDigest, ar, blobs, useRemote, exec.ExecDuration.Milliseconds()); err != nil {
		return fmt.Errorf("storing results of %s: %w", c.Name, err)
	}
	for _, out := range c.Outputs {
		f := e.graph.File(out)
		for _, of := range ar.OutputFiles {
			if of.Path == e.execPath(f) {
				if err := e.outDir.Link(e.cache.Local.BlobPath(of.Digest), f.Path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// moveOutputsToWorkspace moves outputs of uncacheable commands out of the
// per-action directory as real files, copying when a rename fails.
func (e *Engine) moveOutputsToWorkspace(c *model.Command, dir string, res *workerResult) error {
	for _, out := range c.Outputs {
		f := e.graph.File(out)
		src := filepath.Join(dir, filepath.FromSlash(e.execPath(f)))
		dst := e.outDir.Path(f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				return err
			}
		}
		d, err := digest.OfFile(dst)
		if err != nil {
			return err
		}
		res.outputDigests = append(res.outputDigests, fileDigest{file: out, hash: d.Hash, size: d.SizeBytes})
		res.outputBytes += d.SizeBytes
	}
	return nil
}

// echoOutput forwards command output to the console according to the
// quiet/verbose tags.
func (e *Engine) echoOutput(c *model.Command, exec *executor.Result) {
	failed := !exec.Success()
	verbose := c.Tags.Verbose || e.cfg.Verbose
	if (c.Tags.Quiet && !failed) || (!verbose && !failed) {
		return
	}
	if len(exec.Stdout) > 0 {
		os.Stderr.Write(exec.Stdout)
	}
	if len(exec.Stderr) > 0 {
		os.Stderr.Write(exec.Stderr)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&0o111 != 0
}
