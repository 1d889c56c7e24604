package graph

import (
	"fmt"
	"path"
	"regexp"

	rzerr "github.com/razelbuild/razel/internal/errors"
	"github.com/razelbuild/razel/internal/model"
)

// FilterSpec selects a subgraph by command name.
type FilterSpec struct {
	// Patterns are positional glob patterns on command names.
	Patterns []string
	// Regex matches select a command if ANY expression matches.
	Regex []string
	// RegexAll selects a command only if ALL expressions match.
	RegexAll []string
}

// IsEmpty reports whether the spec selects everything.
func (s FilterSpec) IsEmpty() bool {
	return len(s.Patterns) == 0 && len(s.Regex) == 0 && len(s.RegexAll) == 0
}

// Select computes the minimal executable subgraph: all commands matching the
// spec plus their transitive dependencies. An empty spec selects all.
func Select(g *Graph, spec FilterSpec) (map[model.CommandID]bool, error) {
	selected := map[model.CommandID]bool{}
	if spec.IsEmpty() {
		for _, c := range g.Commands() {
			selected[c.ID] = true
		}
		return selected, nil
	}

	anyRes, err := compileAll(spec.Regex)
	if err != nil {
		return nil, err
	}
	allRes, err := compileAll(spec.RegexAll)
	if err != nil {
		return nil, err
	}

	matched := false
	for _, c := range g.Commands() {
		if matches(c.Name, spec.Patterns, anyRes, allRes) {
			matched = true
			markWithDependencies(g, c.ID, selected)
		}
	}
	if !matched {
		return nil, rzerr.NewLoadError(
			fmt.Sprintf("no command matches the target filter %v", spec.Patterns),
			"check the command names in the build file")
	}
	return selected, nil
}

func matches(name string, patterns []string, anyRes, allRes []*regexp.Regexp) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	for _, re := range anyRes {
		if re.MatchString(name) {
			return true
		}
	}
	if len(allRes) > 0 {
		for _, re := range allRes {
			if !re.MatchString(name) {
				return false
			}
		}
		return true
	}
	return false
}

func markWithDependencies(g *Graph, id model.CommandID, selected map[model.CommandID]bool) {
	if selected[id] {
		return
	}
	selected[id] = true
	for _, dep := range g.Dependencies(id) {
		markWithDependencies(g, dep, selected)
	}
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, rzerr.NewLoadError(fmt.Sprintf("invalid filter regex %q: %v", e, err), "")
		}
		res = append(res, re)
	}
	return res, nil
}
