package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnsureDirectoryExist creates dirPath and its parents when missing. It
// reports whether the directory had to be created.
func EnsureDirectoryExist(dirPath string) (created bool, err error) {
	info, err := os.Stat(dirPath)
	switch {
	case err == nil && info.IsDir():
		return false, nil
	case err == nil:
		return false, fmt.Errorf("backup path %q exists and is not a directory", dirPath)
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat backup directory %q: %w", dirPath, err)
	}
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return false, fmt.Errorf("failed to create backup directory %q: %w", dirPath, err)
	}
	return true, nil
}

// FileName returns "<dataset>-backup-<timestamp>.tar.gz" where timestamp is
// t in UTC ISO-8601 with milliseconds and ':' and '.' replaced by '-'.
func FileName(dataset string, t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("%s-backup-%s.tar.gz", dataset, stamp)
}

// hasProjectConfig reports whether dir holds one of the files the backup
// binary reads to identify the project.
func hasProjectConfig(dir string) bool {
	for _, name := range ProjectConfigFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
