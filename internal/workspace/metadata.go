package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/razelbuild/razel/internal/metadata"
)

// MetadataWriter rewrites the report files under razel-out/razel-metadata
// on every run.
type MetadataWriter struct {
	dir string
}

// NewMetadataWriter creates the metadata directory.
func NewMetadataWriter(out *OutDir) (*MetadataWriter, error) {
	dir := filepath.Join(out.Root, MetadataDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &MetadataWriter{dir: dir}, nil
}

// WriteLog writes log.json.
func (w *MetadataWriter) WriteLog(log *metadata.RunLog) error {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, "log.json"), data, 0o644)
}

// WriteMeasurements writes measurements.csv.
func (w *MetadataWriter) WriteMeasurements(rows map[string][]metadata.Measurement) error {
	return os.WriteFile(filepath.Join(w.dir, "measurements.csv"),
		[]byte(metadata.MeasurementsCSV(rows)), 0o644)
}

// WriteExecutionTimes writes execution_times.json: command name to
// execution seconds, cache hits excluded.
func (w *MetadataWriter) WriteExecutionTimes(times map[string]float64) error {
	data, err := json.MarshalIndent(times, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, "execution_times.json"), data, 0o644)
}
