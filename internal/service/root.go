package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/telesearch/telesearch/internal/model"
)

// RootMarker is the file identifying the project root holding the workers.
const RootMarker = "chat_list.py"

// rootDepth is how many directories are inspected from each start point.
const rootDepth = 6

// FindRoot returns explicit when set. Otherwise it looks for RootMarker in
// the directory of the running executable, then the working directory, and
// up to five of their parents.
func FindRoot(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	var starts []string
	if exe, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exe))
	}
	if cwd, err := os.Getwd(); err == nil {
		starts = append(starts, cwd)
	}
	return SearchRoot(starts...)
}

// SearchRoot walks up from every start directory looking for RootMarker.
func SearchRoot(starts ...string) (string, error) {
	for _, start := range starts {
		dir := start
		for range rootDepth {
			if isFile(filepath.Join(dir, RootMarker)) {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return "", fmt.Errorf("cannot find project root, set TELESEARCH_ROOT: %w", model.ErrNotFound)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
