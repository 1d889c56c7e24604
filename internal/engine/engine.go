// Package engine schedules the command graph: it pumps the ready queue,
// consults the cache, dispatches workers under the parallelism cap and
// reacts to failures, including the OOM retry loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/razelbuild/razel/internal/cache"
	"github.com/razelbuild/razel/internal/config"
	rzerr "github.com/razelbuild/razel/internal/errors"
	"github.com/razelbuild/razel/internal/events"
	"github.com/razelbuild/razel/internal/graph"
	"github.com/razelbuild/razel/internal/metadata"
	"github.com/razelbuild/razel/internal/model"
	"github.com/razelbuild/razel/internal/workspace"
)

// retryBudget bounds OOM-triggered re-executions per command.
const retryBudget = 3

// Engine owns all scheduling state. Mutations happen on the goroutine
// running Run; workers only execute and report back by message.
type Engine struct {
	graph        *graph.Graph
	cache        *cache.Cache
	bus          *events.Bus
	cfg          *config.Config
	logger       *slog.Logger
	workspaceDir string
	outDir       *workspace.OutDir

	selected map[model.CommandID]bool
	status   map[model.CommandID]graph.ExecStatus
	pending  map[model.CommandID]int
	fanOut   map[model.CommandID]int
	ready    readyQueue

	digests *digestCache

	running      int
	effectiveCap int
	results      chan *workerResult

	draining     bool
	oomWindow    bool
	retriesLeft  map[model.CommandID]int
	lastOOMKills int64

	invocationID string
	startedAt    time.Time
	logEntries   map[model.CommandID]*metadata.LogEntry
	failures     []failure
}

type failure struct {
	id       model.CommandID
	exitCode int
}

// Summary is the outcome of a run.
type Summary struct {
	Succeeded int
	Cached    int
	Failed    int
	Skipped   int
	ExitCode  int
}

// New wires an engine. The workspace dir is the build file's directory;
// all relative paths resolve against it.
func New(g *graph.Graph, c *cache.Cache, bus *events.Bus, cfg *config.Config, workspaceDir string, out *workspace.OutDir, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graph:        g,
		cache:        c,
		bus:          bus,
		cfg:          cfg,
		logger:       logger,
		workspaceDir: workspaceDir,
		outDir:       out,
		digests:      newDigestCache(),
		results:      make(chan *workerResult),
		retriesLeft:  map[model.CommandID]int{},
		invocationID: uuid.NewString(),
		logEntries:   map[model.CommandID]*metadata.LogEntry{},
	}
}

// Run executes the selected subgraph and returns the run summary.
func (e *Engine) Run(ctx context.Context, selected map[model.CommandID]bool) (*Summary, error) {
	e.selected = selected
	e.startedAt = time.Now()
	e.effectiveCap = e.cfg.Jobs
	e.lastOOMKills = cgroupOOMKills()

	if err := e.sweepStaleOutputs(); err != nil {
		return nil, err
	}
	e.computeFanOut()
	e.initState()

	for {
		for !e.draining && ctx.Err() == nil && e.running < e.effectiveCap {
			id, ok := e.popReady()
			if !ok {
				break
			}
			e.dispatch(ctx, id)
		}
		if e.running == 0 {
			break
		}
		res := <-e.results
		e.running--
		e.handleResult(res)
	}
	if ctx.Err() != nil {
		e.skipRemaining("interrupted")
	}

	e.cache.Wait()
	summary := e.summarize()
	if err := e.writeMetadata(); err != nil {
		e.logger.Warn("writing metadata failed", "error", err)
	}
	return summary, nil
}

// initState seeds per-command state and the initial ready set.
func (e *Engine) initState() {
	e.status = make(map[model.CommandID]graph.ExecStatus, len(e.selected))
	e.pending = make(map[model.CommandID]int, len(e.selected))
	for id := range e.selected {
		e.status[id] = graph.StatusPending
		count := 0
		for _, dep := range e.graph.Dependencies(id) {
			if e.selected[dep] {
				count++
			}
		}
		e.pending[id] = count
		e.retriesLeft[id] = retryBudget
	}
	for id := range e.selected {
		if e.pending[id] == 0 {
			e.setStatus(id, graph.StatusReady)
			e.pushReady(id)
		}
	}
}

func (e *Engine) setStatus(id model.CommandID, to graph.ExecStatus) {
	next, err := graph.Transition(e.status[id], to)
	if err != nil {
		// An illegal edge here is a scheduler bug; record loudly.
		e.logger.Error("invalid state transition", "command", e.graph.Command(id).Name, "error", err)
		return
	}
	e.status[id] = next
}

func (e *Engine) dispatch(ctx context.Context, id model.CommandID) {
	e.setStatus(id, graph.StatusRunning)
	e.running++
	c := e.graph.Command(id)
	e.bus.Publish(events.Event{Kind: events.Started, Command: id, Name: c.Name})
	go func() {
		e.results <- e.process(ctx, c)
	}()
}

// handleResult folds one worker completion back into the graph state.
func (e *Engine) handleResult(res *workerResult) {
	id := res.id
	c := e.graph.Command(id)

	if res.status == graph.StatusFailed && !res.oomSuspected {
		// The kernel OOM killer may have struck without a clean exit
		// signature; the cgroup counter is the second signal.
		if kills := cgroupOOMKills(); e.lastOOMKills >= 0 && kills > e.lastOOMKills {
			e.lastOOMKills = kills
			res.oomSuspected = true
		}
	}
	if res.status == graph.StatusFailed && e.retriesLeft[id] > 0 &&
		(res.oomSuspected || e.oomWindow) {
		// A failure during an open OOM window may be collateral of the
		// same memory pressure; re-enqueue it as well.
		e.retryAfterOOM(res)
		return
	}

	e.setStatus(id, res.status)
	for _, d := range res.outputDigests {
		f := e.graph.File(d.file)
		f.DigestHash = d.hash
		f.DigestSize = d.size
	}
	e.recordLogEntry(res)
	e.publishFinished(res)

	switch res.status {
	case graph.StatusSucceeded, graph.StatusCached:
		e.releaseDependents(id)
	case graph.StatusFailed:
		e.failures = append(e.failures, failure{id: id, exitCode: res.exitCode})
		if c.Tags.Condition {
			e.skipDependents(id)
		} else {
			e.draining = true
		}
	}
}

// releaseDependents decrements dependent counters and promotes zero-count
// commands to ready.
func (e *Engine) releaseDependents(id model.CommandID) {
	for _, dep := range e.graph.Dependents(id) {
		if !e.selected[dep] || e.status[dep] != graph.StatusPending {
			continue
		}
		e.pending[dep]--
		if e.pending[dep] == 0 {
			e.setStatus(dep, graph.StatusReady)
			e.pushReady(dep)
		}
	}
}

// skipDependents transitively marks all pending dependents as skipped.
func (e *Engine) skipDependents(id model.CommandID) {
	for _, dep := range e.graph.Dependents(id) {
		if !e.selected[dep] || e.status[dep] != graph.StatusPending {
			continue
		}
		e.setStatus(dep, graph.StatusSkipped)
		c := e.graph.Command(dep)
		e.logEntries[dep] = &metadata.LogEntry{Name: c.Name, Tags: c.Tags.Strings(), Status: "skipped"}
		e.bus.Publish(events.Event{Kind: events.Skipped, Command: dep, Name: c.Name, Status: "skipped"})
		e.skipDependents(dep)
	}
}

func (e *Engine) skipRemaining(reason string) {
	for id := range e.selected {
		if e.status[id] == graph.StatusPending || e.status[id] == graph.StatusReady {
			e.status[id] = graph.StatusSkipped
			c := e.graph.Command(id)
			e.logEntries[id] = &metadata.LogEntry{Name: c.Name, Status: "skipped", Error: reason}
			e.bus.Publish(events.Event{Kind: events.Skipped, Command: id, Name: c.Name, Status: "skipped"})
		}
	}
}

func (e *Engine) publishFinished(res *workerResult) {
	c := e.graph.Command(res.id)
	e.bus.Publish(events.Event{
		Kind:        events.Finished,
		Command:     res.id,
		Name:        c.Name,
		Status:      res.status.String(),
		Cache:       res.cacheSource,
		Duration:    res.duration,
		ExecTime:    res.execTime,
		OutputBytes: res.outputBytes,
		Error:       res.errorText,
	})
}

func (e *Engine) recordLogEntry(res *workerResult) {
	c := e.graph.Command(res.id)
	e.logEntries[res.id] = &metadata.LogEntry{
		Name:         c.Name,
		Tags:         c.Tags.Strings(),
		Status:       res.status.String(),
		Cache:        res.cacheSource.String(),
		ExitCode:     res.exitCode,
		Error:        res.errorText,
		Duration:     res.duration.Seconds(),
		ExecTime:     res.execTime.Seconds(),
		OutputBytes:  res.outputBytes,
		Measurements: res.measurements,
	}
}

func (e *Engine) summarize() *Summary {
	s := &Summary{}
	for id := range e.selected {
		switch e.status[id] {
		case graph.StatusSucceeded:
			s.Succeeded++
		case graph.StatusCached:
			s.Cached++
		case graph.StatusFailed:
			s.Failed++
		case graph.StatusSkipped:
			s.Skipped++
		}
	}
	s.ExitCode = e.exitCode()
	return s
}

// exitCode mirrors the first failed command when it is unambiguous.
func (e *Engine) exitCode() int {
	nonCondition := make([]failure, 0, len(e.failures))
	for _, f := range e.failures {
		if !e.graph.Command(f.id).Tags.Condition {
			nonCondition = append(nonCondition, f)
		}
	}
	if len(nonCondition) == 0 {
		return 0
	}
	code := nonCondition[0].exitCode
	for _, f := range nonCondition[1:] {
		if f.exitCode != code {
			return 1
		}
	}
	if code <= 0 {
		return 1
	}
	return code
}

// sweepStaleOutputs removes output paths no command of this graph claims.
func (e *Engine) sweepStaleOutputs() error {
	claimed := map[string]bool{}
	for _, f := range e.graph.Files() {
		if f.IsOutput() {
			claimed[f.Path] = true
		}
	}
	return e.outDir.Sweep(claimed)
}

func (e *Engine) writeMetadata() error {
	writer, err := workspace.NewMetadataWriter(e.outDir)
	if err != nil {
		return err
	}
	runLog := &metadata.RunLog{
		InvocationID: e.invocationID,
		StartedAt:    e.startedAt,
		FinishedAt:   time.Now(),
	}
	measurements := map[string][]metadata.Measurement{}
	execTimes := map[string]float64{}
	for _, entry := range e.logEntries {
		runLog.Commands = append(runLog.Commands, *entry)
		if len(entry.Measurements) > 0 {
			measurements[entry.Name] = entry.Measurements
		}
		if entry.Status == graph.StatusSucceeded.String() {
			execTimes[entry.Name] = entry.ExecTime
		}
	}
	if err := writer.WriteLog(runLog); err != nil {
		return err
	}
	if err := writer.WriteMeasurements(measurements); err != nil {
		return err
	}
	return writer.WriteExecutionTimes(execTimes)
}

// CheckInputs verifies all data inputs exist before scheduling starts.
func (e *Engine) CheckInputs(selected map[model.CommandID]bool) error {
	missing := map[string]bool{}
	for id := range selected {
		c := e.graph.Command(id)
		check := c.Inputs
		if c.Kind == model.KindCustom && c.Executable != model.NoFile {
			check = append(append([]model.FileID{}, check...), c.Executable)
		}
		for _, in := range check {
			f := e.graph.File(in)
			if f.IsOutput() {
				continue
			}
			if _, err := e.digests.fileDigest(e.hostPath(f)); err != nil {
				missing[f.Path] = true
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	paths := make([]string, 0, len(missing))
	for p := range missing {
		paths = append(paths, p)
	}
	return rzerr.NewLoadError(fmt.Sprintf("input files not found: %v", paths), "")
}

// hostPath resolves where a file really lives: data inputs in the
// workspace, outputs in the output directory.
func (e *Engine) hostPath(f *model.File) string {
	if f.IsOutput() {
		return e.outDir.Path(f.Path)
	}
	return filepath.Join(e.workspaceDir, filepath.FromSlash(f.Path))
}
