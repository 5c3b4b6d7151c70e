package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

var ErrCorruptArchive = errors.New("backup archive is unreadable")

// VerifyArchive reads a .tar.gz archive end to end and returns the number
// of entries it holds. An empty archive is treated as corrupt.
func VerifyArchive(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptArchive, path, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("%w: %s: entry %d: %v", ErrCorruptArchive, path, entries, err)
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return entries, fmt.Errorf("%w: %s: entry %d: %v", ErrCorruptArchive, path, entries, err)
		}
		entries++
	}
	if entries == 0 {
		return 0, fmt.Errorf("%w: %s: no entries", ErrCorruptArchive, path)
	}
	return entries, nil
}
