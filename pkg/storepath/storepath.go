// Package storepath provides a write-then-rename helper so that periodic
// snapshots (the packet cache's destination ledger, the path table) survive
// a crash mid-write instead of leaving a truncated file behind.
package storepath

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path by first writing to a temporary file in
// the same directory and then renaming it over path. Rename is atomic on
// the same filesystem, so a reader never observes a partially written file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storepath: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storepath: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storepath: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storepath: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storepath: rename into place: %w", err)
	}
	return nil
}
