package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoRuns is returned by LatestRun when nothing has been recorded.
var ErrNoRuns = errors.New("no runs recorded")

// Report file names inside a run directory.
const (
	runFile     = "run.json"
	failureFile = "failure.json"
)

// stateDirName is the directory under the cargo profile that holds reports.
const stateDirName = ".osc"

// Store keeps run reports next to the compiler outputs they describe:
//
//	<profile>/.osc/runs/<run-id>/run.json
//	<profile>/.osc/runs/<run-id>/failure.json
//
// `cargo clean` removes them together with the profile.
type Store struct {
	root string
}

// NewStore opens the report store of a cargo profile directory. Nothing is
// created until the first report is saved.
func NewStore(profileDir string) (*Store, error) {
	if strings.TrimSpace(profileDir) == "" {
		return nil, errors.New("profile directory is required")
	}
	return &Store{root: filepath.Join(profileDir, stateDirName, "runs")}, nil
}

// RunPath returns the path of run.json for runID.
func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.root, runID, runFile)
}

// SaveRun replaces the run report of run.RunID.
func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.save(run.RunID, runFile, run)
}

// LoadRun reads and validates the run report of runID.
func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.load(runID, runFile, &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("run %s: invalid report: %w", runID, err)
	}
	return run, nil
}

// SaveFailure records why runID failed.
func (s *Store) SaveFailure(runID string, failure Failure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.save(runID, failureFile, failure)
}

// LoadFailure returns the failure record of runID. ok is false when the
// run did not fail.
func (s *Store) LoadFailure(runID string) (failure Failure, ok bool, err error) {
	if err := s.load(runID, failureFile, &failure); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failure{}, false, nil
		}
		return Failure{}, false, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, false, fmt.Errorf("run %s: invalid failure: %w", runID, err)
	}
	return failure, true, nil
}

// LatestRun returns the most recently started run. Run IDs sort in start
// order, so this is the lexicographically greatest directory.
func (s *Store) LatestRun() (Run, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Run{}, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return Run{}, ErrNoRuns
	}
	sort.Strings(ids)
	return s.LoadRun(ids[len(ids)-1])
}

func (s *Store) save(runID, name string, v any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := WriteFileAtomic(filepath.Join(s.root, runID, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// load decodes a report strictly: unknown fields and trailing content
// are errors, so a report written by another version is never misread.
func (s *Store) load(runID, name string, dst any) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	f, err := os.Open(filepath.Join(s.root, runID, name))
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("decode %s: trailing content", name)
	}
	return nil
}

// WriteFileAtomic writes data to path through a synced temporary file and
// a rename, creating parent directories as needed. Readers see the old
// content or the new content, never a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
