package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Stager owns the scratch directory and the binary output directory.
//
// The scratch directory is a single shared resource: it is deleted and
// recreated before every attempt so nothing staged for one candidate is
// visible to the linker in the next.
type Stager struct {
	ScratchDir string
	BinDir     string
}

// NewStager creates a Stager for the layout's scratch and bin directories.
func NewStager(layout Layout) *Stager {
	return &Stager{ScratchDir: layout.ScratchDir, BinDir: layout.BinDir}
}

// Reset deletes and recreates the scratch directory.
func (s *Stager) Reset() error {
	return resetDir(s.ScratchDir)
}

// ResetBinDir deletes and recreates the binary output directory. Called
// once per search, so binaries of earlier runs cannot be mistaken for
// results of this one.
func (s *Stager) ResetBinDir() error {
	return resetDir(s.BinDir)
}

// Stage copies a candidate file into the scratch directory under its own
// base name. A candidate that has vanished since its manifest was written
// fails this attempt only.
func (s *Stager) Stage(src string) (string, error) {
	dst := filepath.Join(s.ScratchDir, filepath.Base(src))
	if err := CopyFile(src, dst); err != nil {
		return "", &ToolchainError{Tool: "stage", Args: []string{src}, Err: err}
	}
	return dst, nil
}

// ObjectFiles returns every .o file currently in the scratch directory,
// sorted by path.
func (s *Stager) ObjectFiles() ([]string, error) {
	entries, err := os.ReadDir(s.ScratchDir)
	if err != nil {
		return nil, &ConfigError{Code: CodeScratchReset, Path: s.ScratchDir, Err: err}
	}
	var objects []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ExtObject {
			continue
		}
		objects = append(objects, filepath.Join(s.ScratchDir, entry.Name()))
	}
	sort.Strings(objects)
	return objects, nil
}

// BinaryPath returns the output path for attempt n. Attempt numbers are
// unique within a search, so binaries never overwrite each other.
func (s *Stager) BinaryPath(n int) string {
	return filepath.Join(s.BinDir, fmt.Sprintf("%d.bin", n))
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return &ConfigError{Code: CodeScratchReset, Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ConfigError{Code: CodeScratchReset, Path: dir, Err: err}
	}
	return nil
}

// CopyFile copies src to dst, replacing dst. The copy is synced before it
// is reported as done.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
