package executor

import (
	"context"
	"time"
)

// TaskFn is an in-process task handler. It receives the resolved argument
// vector (file arguments replaced by absolute paths) and writes its outputs
// directly; the caller ingests them like any other command's outputs.
type TaskFn func(ctx context.Context, args []string) error

// RunTask invokes a task handler under the optional timeout. A handler
// error becomes exit code 1 with the message as stderr.
func RunTask(ctx context.Context, fn TaskFn, args []string, timeout time.Duration) *Result {
	res := &Result{}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(runCtx, args)
	res.ExecDuration = time.Since(start)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			res.TimedOut = true
			res.ExitCode = -1
			return res
		}
		res.ExitCode = 1
		res.Stderr = []byte(err.Error())
	}
	return res
}
