// Package fsutil holds the small file helpers shared by the tracker and
// storage nodes.
package fsutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFile replaces path with data. The content goes to a temp file in
// the same directory first and is renamed over path, so readers see either
// the old or the new file.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	_, err := WriteFrom(path, bytes.NewReader(data), int64(len(data)), perm)
	return err
}

// WriteFrom copies exactly size bytes from r into path using the same
// temp file and rename sequence as WriteFile.
func WriteFrom(path string, r io.Reader, size int64, perm os.FileMode) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	n, err := io.CopyN(tmpFile, r, size)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
