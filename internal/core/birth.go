package core

import (
	"os"
	"time"
)

// CreationTime returns when the file at path was created. Filesystems that
// do not record a birth time fall back to the modification time, which for
// compiler outputs written once is the same instant.
func CreationTime(path string) (time.Time, error) {
	born, ok, err := birthTime(path)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return born, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
