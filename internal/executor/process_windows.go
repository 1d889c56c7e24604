//go:build windows

package executor

import "os/exec"

func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// killedByOOM falls back to the exit-code heuristic; Windows has no signal
// based OOM signature.
func killedByOOM(exitErr *exec.ExitError) bool {
	return exitErr.ExitCode() == 137
}
