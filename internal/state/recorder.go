package state

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"osc/internal/clock"
)

// Recorder writes run reports and failure records for orchestrations.
//
// Callers provide the run metadata and, on failure, the triggering error.
// The recorder classifies the error and persists both through Store.
type Recorder struct {
	Store *Store
	Clock clock.Clock
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store *Store, clk clock.Clock) *Recorder {
	return &Recorder{Store: store, Clock: clk}
}

// NewRunID returns a run ID that sorts by start time: a UTC timestamp
// followed by a random suffix.
func (r *Recorder) NewRunID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return r.Clock.Now().UTC().Format("20060102T150405.000Z") + "-" + hex.EncodeToString(b[:]), nil
}

// StartRun assigns a run ID and start time when absent and persists the
// run as running.
func (r *Recorder) StartRun(run *Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if run.RunID == "" {
		id, err := r.NewRunID()
		if err != nil {
			return fmt.Errorf("generating run id: %w", err)
		}
		run.RunID = id
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.Clock.Now().UTC()
	}
	run.Status = StatusRunning
	return r.Store.SaveRun(*run)
}

// Finish stamps the end time and persists the final run state.
func (r *Recorder) Finish(run *Run, status RunStatus) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	end := r.Clock.Now().UTC()
	run.EndTime = &end
	run.Status = status
	return r.Store.SaveRun(*run)
}

// RecordFailure classifies err and writes failure.json for the run.
func (r *Recorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}
