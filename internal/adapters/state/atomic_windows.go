//go:build windows

package state

import (
	"os"
	"path/filepath"
)

// atomicWriteFile writes data to path atomically using write-then-rename,
// since renameio does not support Windows. Rename is atomic on the same
// volume.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
