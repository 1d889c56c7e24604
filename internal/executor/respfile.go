package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Conservative command-line budget: the smallest published ARG_MAX of the
// supported platforms, minus a margin for the environment block.
const (
	argMax       = 128 * 1024
	argMaxMargin = 4 * 1024
)

// prepareArgv checks the total argument length against the platform limit
// and, when exceeded, spills everything after the executable into a
// response file referenced as @path. One argument per line, unquoted;
// arguments containing newlines cannot be spilled.
func prepareArgv(argv []string, dir string) ([]string, error) {
	total := 0
	for _, a := range argv {
		total += len(a) + 1
	}
	if total <= argMax-argMaxMargin {
		return argv, nil
	}
	for _, a := range argv[1:] {
		if strings.ContainsRune(a, '\n') {
			return nil, fmt.Errorf("argument list too long and arguments contain newlines, cannot use a response file")
		}
	}
	path := filepath.Join(dir, "params")
	content := strings.Join(argv[1:], "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing response file: %w", err)
	}
	return []string{argv[0], "@" + path}, nil
}
