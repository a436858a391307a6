package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// tempPath returns the scratch path a generator writes to before promotion.
func tempPath(final string) string {
	dir, base := filepath.Split(final)
	return filepath.Join(dir, "."+base+".tmp")
}

// promote validates the temp file and renames it over the final path. An
// output below minBytes counts as a failed encode: the temp file is removed
// and any previous good file at the final path is left untouched.
func promote(tmp, final string, minBytes int64) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("encode produced no output: %w", err)
	}
	if info.Size() < minBytes {
		os.Remove(tmp)
		return fmt.Errorf("encode output too small: %d bytes (min %d)", info.Size(), minBytes)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to promote media file: %w", err)
	}
	return nil
}
