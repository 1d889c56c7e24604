// Package executor runs a single prepared action: a native process, a
// WebAssembly module, or an in-process task handler.
package executor

import "time"

// Result is the raw outcome of one execution attempt.
type Result struct {
	ExitCode     int
	TimedOut     bool
	OOMSuspected bool
	Stdout       []byte
	Stderr       []byte
	ExecDuration time.Duration

	// Err is set for failures outside the command itself: spawn errors,
	// sandbox I/O, missing outputs.
	Err error
}

// Success reports whether the attempt completed with exit code 0.
func (r *Result) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}
