//go:build linux

package engine

import (
	"os"
	"strconv"
	"strings"
)

// cgroupOOMKills reads the oom_kill counter of the current cgroup.
// Best-effort: -1 when unavailable (cgroup v1, containers without the
// controller); absence is not an error.
func cgroupOOMKills() int64 {
	data, err := os.ReadFile("/sys/fs/cgroup/memory.events")
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "oom_kill "); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return -1
			}
			return n
		}
	}
	return -1
}
