// Package task implements the built-in, in-process command handlers and
// their registry. Tasks never spawn processes; each handler receives its
// resolved argument vector and writes outputs directly.
package task

import (
	"context"
	"fmt"
)

// Invocation is the load-time classification of a task's arguments.
// Inputs and Outputs are workspace-relative paths.
type Invocation struct {
	Inputs  []string
	Outputs []string
}

// Task couples the argument parser, used at load time to classify files,
// with the runtime handler.
type Task struct {
	Name string
	// Parse validates the raw args and reports which are inputs/outputs.
	Parse func(args []string) (Invocation, error)
	// Run executes with the same argument shape, file paths resolved to
	// absolute locations.
	Run func(ctx context.Context, args []string) error
}

var registry = map[string]*Task{}

func register(t *Task) {
	registry[t.Name] = t
}

func init() {
	register(writeFileTask())
	register(csvConcatTask())
	register(csvFilterTask())
	register(ensureEqualTask())
	register(ensureNotEqualTask())
	register(captureRegexTask())
	register(downloadFileTask())
}

// Get returns a task by name.
func Get(name string) (*Task, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return t, nil
}

// Known reports whether the task name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}
