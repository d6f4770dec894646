package storage

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic writes content to a temp file next to path and renames it
// into place so that readers never see a partial file. Every call gets its
// own temp file, so concurrent writers of one path never share one.
func WriteFileAtomic(fs afero.Fs, path string, content []byte) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Chmod(tmpPath, 0644)
	}
	if err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		fs.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	return nil
}
