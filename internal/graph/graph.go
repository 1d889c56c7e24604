// Package graph owns the command and file arenas and the dependency edges
// between them. All records are addressed by integer handles; nothing in
// the graph holds owning pointers back into it.
package graph

import (
	"fmt"
	"path/filepath"
	"strings"

	rzerr "github.com/razelbuild/razel/internal/errors"
	"github.com/razelbuild/razel/internal/model"
)

// Graph is the single owner of all command and file records.
type Graph struct {
	commands []*model.Command
	files    []*model.File

	byName map[string]model.CommandID
	byPath map[string]model.FileID

	// dependents[i] lists commands that consume outputs of i or declare an
	// explicit dep on i.
	dependents map[model.CommandID][]model.CommandID
	// dependencies[i] is the reverse.
	dependencies map[model.CommandID][]model.CommandID
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		byName:       map[string]model.CommandID{},
		byPath:       map[string]model.FileID{},
		dependents:   map[model.CommandID][]model.CommandID{},
		dependencies: map[model.CommandID][]model.CommandID{},
	}
}

// Len returns the number of commands.
func (g *Graph) Len() int {
	return len(g.commands)
}

// Command returns the command record for a handle.
func (g *Graph) Command(id model.CommandID) *model.Command {
	return g.commands[id]
}

// File returns the file record for a handle.
func (g *Graph) File(id model.FileID) *model.File {
	return g.files[id]
}

// Commands iterates all command records in declaration order.
func (g *Graph) Commands() []*model.Command {
	return g.commands
}

// Files iterates all file records.
func (g *Graph) Files() []*model.File {
	return g.files
}

// CommandByName looks up a command handle by name.
func (g *Graph) CommandByName(name string) (model.CommandID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// FileByPath looks up a file handle by workspace-relative path.
func (g *Graph) FileByPath(path string) (model.FileID, bool) {
	id, ok := g.byPath[filepath.ToSlash(path)]
	return id, ok
}

// Dependencies returns the upstream commands of id.
func (g *Graph) Dependencies(id model.CommandID) []model.CommandID {
	return g.dependencies[id]
}

// Dependents returns the downstream commands of id.
func (g *Graph) Dependents(id model.CommandID) []model.CommandID {
	return g.dependents[id]
}

// InternFile returns the handle for path, creating a data-file record on
// first use. Paths are stored slash-separated relative to the workspace.
func (g *Graph) InternFile(path string) (model.FileID, error) {
	norm, err := normalizePath(path)
	if err != nil {
		return model.NoFile, err
	}
	if id, ok := g.byPath[norm]; ok {
		return id, nil
	}
	id := model.FileID(len(g.files))
	g.files = append(g.files, &model.File{
		ID:        id,
		Path:      norm,
		Type:      model.DataFile,
		CreatedBy: model.NoCommand,
	})
	g.byPath[norm] = id
	return id, nil
}

// InternExecutable interns path and marks it usable as an executable.
// An output file of another command may also serve as an executable.
func (g *Graph) InternExecutable(path string) (model.FileID, error) {
	id, err := g.InternFile(path)
	if err != nil {
		return model.NoFile, err
	}
	f := g.files[id]
	if f.Type == model.DataFile {
		f.Type = model.ExecutableFile
	}
	return id, nil
}

// ClaimOutput marks path as produced by owner. Each output path is owned by
// exactly one command.
func (g *Graph) ClaimOutput(path string, owner model.CommandID) (model.FileID, error) {
	id, err := g.InternFile(path)
	if err != nil {
		return model.NoFile, err
	}
	f := g.files[id]
	if f.Type == model.OutputFile && f.CreatedBy != owner {
		return model.NoFile, rzerr.NewLoadError(
			fmt.Sprintf("output file %q is already created by %q", f.Path, g.commands[f.CreatedBy].Name),
			"each output path must be produced by exactly one command")
	}
	f.Type = model.OutputFile
	f.CreatedBy = owner
	return id, nil
}

// AddCommand inserts a fully assembled command and returns the assigned
// handle. Dependency edges are wired later by BuildEdges.
//
// Re-declaring a name with an identical JSON payload is idempotent;
// a conflicting payload is a load error citing both definitions.
func (g *Graph) AddCommand(c *model.Command) (model.CommandID, error) {
	if prev, ok := g.byName[c.Name]; ok {
		if g.commands[prev].JSON == c.JSON {
			return prev, nil
		}
		return model.NoCommand, rzerr.NewLoadError(
			fmt.Sprintf("command name %q is declared twice with different definitions:\n%s\n%s",
				c.Name, g.commands[prev].JSON, c.JSON),
			"rename one of the commands")
	}
	id := model.CommandID(len(g.commands))
	c.ID = id
	g.commands = append(g.commands, c)
	g.byName[c.Name] = id
	return id, nil
}

// BuildEdges wires producer/consumer and explicit dependency edges. Must be
// called once after all commands are added and before Validate.
func (g *Graph) BuildEdges() {
	g.dependents = map[model.CommandID][]model.CommandID{}
	g.dependencies = map[model.CommandID][]model.CommandID{}
	for _, c := range g.commands {
		seen := map[model.CommandID]bool{}
		addDep := func(dep model.CommandID) {
			if dep == model.NoCommand || dep == c.ID || seen[dep] {
				return
			}
			seen[dep] = true
			g.dependencies[c.ID] = append(g.dependencies[c.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], c.ID)
		}
		for _, in := range c.Inputs {
			addDep(g.files[in].CreatedBy)
		}
		if c.Kind == model.KindCustom && c.Executable != model.NoFile {
			addDep(g.files[c.Executable].CreatedBy)
		}
		for _, dep := range c.Deps {
			addDep(dep)
		}
	}
}

// Validate checks structural invariants: acyclicity and disjoint
// input/output sets per command.
func (g *Graph) Validate() error {
	for _, c := range g.commands {
		outs := map[model.FileID]bool{}
		for _, o := range c.Outputs {
			outs[o] = true
		}
		for _, in := range c.Inputs {
			if outs[in] {
				return rzerr.NewLoadError(
					fmt.Sprintf("command %q declares %q as both input and output", c.Name, g.files[in].Path),
					"")
			}
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic runs a topological walk; any remaining node indicates a cycle,
// which is reported by name.
func (g *Graph) checkAcyclic() error {
	indegree := make([]int, len(g.commands))
	for id := range g.commands {
		indegree[id] = len(g.dependencies[model.CommandID(id)])
	}
	queue := make([]model.CommandID, 0, len(g.commands))
	for id := range g.commands {
		if indegree[id] == 0 {
			queue = append(queue, model.CommandID(id))
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(g.commands) {
		return nil
	}
	var cycle []string
	for id, c := range g.commands {
		if indegree[id] > 0 {
			cycle = append(cycle, c.Name)
		}
	}
	return rzerr.NewLoadError(
		fmt.Sprintf("dependency cycle between commands: %s", strings.Join(cycle, ", ")),
		"remove one of the dependencies")
}

func normalizePath(path string) (string, error) {
	norm := filepath.ToSlash(filepath.Clean(path))
	if norm == "" || norm == "." {
		return "", rzerr.NewLoadError("empty file path", "")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(norm, "../") {
		return "", rzerr.NewLoadError(
			fmt.Sprintf("file path must be relative to the workspace: %q", path), "")
	}
	return norm, nil
}
