package metadata

import "time"

// LogEntry is the per-command record written to razel-metadata/log.json.
type LogEntry struct {
	Name         string        `json:"name"`
	Tags         []string      `json:"tags,omitempty"`
	Status       string        `json:"status"`
	Cache        string        `json:"cache,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Error        string        `json:"error,omitempty"`
	Duration     float64       `json:"duration_s"`
	ExecTime     float64       `json:"exec_time_s"`
	OutputBytes  int64         `json:"output_bytes"`
	Measurements []Measurement `json:"measurements,omitempty"`
}

// RunLog is the top-level structure of log.json.
type RunLog struct {
	InvocationID string     `json:"invocation_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Commands     []LogEntry `json:"commands"`
}
