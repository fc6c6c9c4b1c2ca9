package core

import (
	"errors"
	"io/fs"
	"os"
)

// RemoveDuplicateOutput deletes a duplicate crate artifact and its
// companion manifest (the same path with ".d" appended). A companion that is
// already gone is not an error; failing to remove the artifact itself is.
func RemoveDuplicateOutput(path string) error {
	if err := os.Remove(path); err != nil {
		return &ConfigError{Code: CodeCleanupFailed, Path: path, Err: err}
	}
	companion := path + ExtManifest
	if err := os.Remove(companion); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ConfigError{Code: CodeCleanupFailed, Path: companion, Err: err}
	}
	return nil
}
