package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Write validates data and stores it as the archive file for day. The bytes
// land in a temporary file in the archive directory and are renamed into
// place, so concurrent scans never observe a partial file written here.
// Invalid data is not persisted.
func (a *Archive) Write(day time.Time, data []byte) (Record, error) {
	if err := a.Validate(data); err != nil {
		return Record{}, fmt.Errorf("report for %s: %w", day.Format("2006-01-02"), err)
	}
	path := a.PathFor(day)
	if err := WriteFileAtomic(path, data); err != nil {
		return Record{}, err
	}
	return Record{Date: day, Path: path, Size: int64(len(data))}, nil
}

// WriteFileAtomic writes data to path through a temporary sibling file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
