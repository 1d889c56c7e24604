// Package workspace maintains the user-visible output directory: a view
// into the CAS via symlinks, plus the per-run metadata files.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// OutDirName is the output directory created in the current working directory.
const OutDirName = "razel-out"

// MetadataDirName holds the per-run report files inside the output dir.
const MetadataDirName = "razel-metadata"

// OutDir is the workspace output directory <cwd>/razel-out.
type OutDir struct {
	Root string
}

// NewOutDir creates the output directory below cwd.
func NewOutDir(cwd string) (*OutDir, error) {
	root := filepath.Join(cwd, OutDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &OutDir{Root: root}, nil
}

// Path resolves a workspace-relative output path.
func (o *OutDir) Path(rel string) string {
	return filepath.Join(o.Root, filepath.FromSlash(rel))
}

// Link materializes one output as a symlink to its CAS blob, replacing any
// previous link at that path.
func (o *OutDir) Link(casPath, rel string) error {
	dst := o.Path(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	abs, err := filepath.Abs(casPath)
	if err != nil {
		return err
	}
	return os.Symlink(abs, dst)
}

// Sweep removes everything under the output dir that is not claimed by an
// output declaration of the current graph. The metadata dir is kept; it is
// rewritten on every run.
func (o *OutDir) Sweep(claimed map[string]bool) error {
	var emptyCandidates []string
	err := filepath.WalkDir(o.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == o.Root {
			return nil
		}
		rel, err := filepath.Rel(o.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == MetadataDirName {
			return fs.SkipDir
		}
		if d.IsDir() {
			emptyCandidates = append(emptyCandidates, path)
			return nil
		}
		if !claimed[rel] {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweeping output dir: %w", err)
	}
	// Deepest first, so empty parents fall too.
	for i := len(emptyCandidates) - 1; i >= 0; i-- {
		os.Remove(emptyCandidates[i])
	}
	return nil
}
