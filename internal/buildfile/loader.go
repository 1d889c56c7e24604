package buildfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	rzerr "github.com/razelbuild/razel/internal/errors"
	"github.com/razelbuild/razel/internal/graph"
	"github.com/razelbuild/razel/internal/model"
	"github.com/razelbuild/razel/internal/task"
)

// Loader accumulates commands into a graph. Explicit deps may reference
// commands declared later; they resolve in Finish.
type Loader struct {
	graph       *graph.Graph
	pendingDeps map[model.CommandID][]string
}

// NewLoader creates a loader targeting g.
func NewLoader(g *graph.Graph) *Loader {
	return &Loader{graph: g, pendingDeps: map[model.CommandID][]string{}}
}

// LoadFile parses a newline-delimited JSON build file. Empty lines and
// lines starting with // are skipped.
func (l *Loader) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return rzerr.NewLoadError(fmt.Sprintf("opening build file: %v", err), "")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if err := l.loadLine(line); err != nil {
			return rzerr.NewLoadError(
				fmt.Sprintf("failed to parse %s:%d\n%s\n%v", path, lineNumber, line, err), "")
		}
	}
	if err := scanner.Err(); err != nil {
		return rzerr.NewLoadError(fmt.Sprintf("reading build file: %v", err), "")
	}
	return nil
}

func (l *Loader) loadLine(line string) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(line)))
	dec.DisallowUnknownFields()
	var c commandJSON
	if err := dec.Decode(&c); err != nil {
		return err
	}
	if c.Name == "" {
		return fmt.Errorf("command has no name")
	}
	switch {
	case c.Task != "" && c.Executable != "":
		return fmt.Errorf("command %q sets both executable and task", c.Name)
	case c.Task != "":
		return l.addTask(c, line)
	case c.Executable != "":
		return l.addCustomCommand(c, line)
	default:
		return fmt.Errorf("command %q sets neither executable nor task", c.Name)
	}
}

func (l *Loader) addCustomCommand(c commandJSON, line string) error {
	tags, err := model.ParseTags(c.Tags)
	if err != nil {
		return err
	}
	cmd := &model.Command{
		ID:     model.NoCommand,
		Name:   model.SanitizeName(c.Name),
		Kind:   model.KindCustom,
		Env:    c.Env,
		Tags:   tags,
		Stdout: model.NoFile,
		Stderr: model.NoFile,
		JSON:   line,
	}
	id, err := l.graph.AddCommand(cmd)
	if err != nil {
		return err
	}
	if cmd.ID != id {
		// Idempotent re-declaration.
		return nil
	}

	if isSystemExecutable(c.Executable) {
		cmd.Executable = model.NoFile
		cmd.SystemExecutable = c.Executable
	} else {
		exe, err := l.graph.InternExecutable(c.Executable)
		if err != nil {
			return err
		}
		cmd.Executable = exe
	}

	outputSet := map[string]bool{}
	for _, out := range c.Outputs {
		outputSet[out] = true
	}
	inputSet := map[string]bool{}
	for _, in := range c.Inputs {
		inputSet[in] = true
	}

	for _, out := range c.Outputs {
		fid, err := l.graph.ClaimOutput(out, id)
		if err != nil {
			return err
		}
		cmd.Outputs = append(cmd.Outputs, fid)
	}
	for _, in := range c.Inputs {
		fid, err := l.graph.InternFile(in)
		if err != nil {
			return err
		}
		cmd.Inputs = append(cmd.Inputs, fid)
	}
	for _, arg := range c.Args {
		switch {
		case outputSet[arg] || inputSet[arg]:
			fid, _ := l.graph.FileByPath(arg)
			cmd.Args = append(cmd.Args, model.FileArg(fid))
		default:
			// A path produced by another command is an implicit input.
			if fid, ok := l.graph.FileByPath(arg); ok && l.graph.File(fid).IsOutput() {
				cmd.Inputs = append(cmd.Inputs, fid)
				cmd.Args = append(cmd.Args, model.FileArg(fid))
				continue
			}
			cmd.Args = append(cmd.Args, model.LiteralArg(arg))
		}
	}
	if c.Stdout != "" {
		fid, err := l.graph.ClaimOutput(c.Stdout, id)
		if err != nil {
			return err
		}
		cmd.Stdout = fid
		cmd.Outputs = append(cmd.Outputs, fid)
	}
	if c.Stderr != "" {
		fid, err := l.graph.ClaimOutput(c.Stderr, id)
		if err != nil {
			return err
		}
		cmd.Stderr = fid
		cmd.Outputs = append(cmd.Outputs, fid)
	}
	l.pendingDeps[id] = c.Deps
	return nil
}

func (l *Loader) addTask(c commandJSON, line string) error {
	tags, err := model.ParseTags(c.Tags)
	if err != nil {
		return err
	}
	t, err := task.Get(c.Task)
	if err != nil {
		return &rzerr.RunError{Kind: rzerr.TaskNotFound, Command: c.Name, Message: err.Error()}
	}
	inv, err := t.Parse(c.Args)
	if err != nil {
		return err
	}

	cmd := &model.Command{
		ID:     model.NoCommand,
		Name:   model.SanitizeName(c.Name),
		Kind:   model.KindTask,
		Task:   c.Task,
		Tags:   tags,
		Stdout: model.NoFile,
		Stderr: model.NoFile,
		JSON:   line,
	}
	id, err := l.graph.AddCommand(cmd)
	if err != nil {
		return err
	}
	if cmd.ID != id {
		return nil
	}

	inputSet := map[string]bool{}
	for _, in := range inv.Inputs {
		inputSet[in] = true
	}
	outputSet := map[string]bool{}
	for _, out := range inv.Outputs {
		outputSet[out] = true
	}

	for _, out := range inv.Outputs {
		fid, err := l.graph.ClaimOutput(out, id)
		if err != nil {
			return err
		}
		cmd.Outputs = append(cmd.Outputs, fid)
	}
	for _, in := range inv.Inputs {
		fid, err := l.graph.InternFile(in)
		if err != nil {
			return err
		}
		cmd.Inputs = append(cmd.Inputs, fid)
	}
	for _, arg := range c.Args {
		if inputSet[arg] || outputSet[arg] {
			fid, _ := l.graph.FileByPath(arg)
			cmd.Args = append(cmd.Args, model.FileArg(fid))
		} else {
			cmd.Args = append(cmd.Args, model.LiteralArg(arg))
		}
	}
	l.pendingDeps[id] = c.Deps
	return nil
}

// Finish resolves explicit deps, wires edges and validates the graph.
func (l *Loader) Finish() error {
	for id, deps := range l.pendingDeps {
		c := l.graph.Command(id)
		for _, name := range deps {
			dep, ok := l.graph.CommandByName(model.SanitizeName(name))
			if !ok {
				return rzerr.NewLoadError(
					fmt.Sprintf("command %q depends on unknown command %q", c.Name, name), "")
			}
			c.Deps = append(c.Deps, dep)
		}
	}
	l.graph.BuildEdges()
	return l.graph.Validate()
}

// isSystemExecutable reports whether the executable is looked up outside
// the workspace: an absolute path or a bare $PATH name.
func isSystemExecutable(exe string) bool {
	if filepath.IsAbs(exe) {
		return true
	}
	return !strings.ContainsAny(exe, "/\\")
}
