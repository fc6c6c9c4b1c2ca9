package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the orchestrator mode that produced a run.
type Mode string

const (
	ModeBuild  Mode = "build"
	ModeRunner Mode = "runner"
	ModeWatch  Mode = "watch"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCleanedUp RunStatus = "cleaned-up"
)

// Run is the persistent report of one orchestration.
type Run struct {
	RunID      string     `json:"run_id" yaml:"run_id"`
	Crate      string     `json:"crate" yaml:"crate"`
	TargetPath string     `json:"target_path" yaml:"target_path"`
	Mode       Mode       `json:"mode" yaml:"mode"`
	StartTime  time.Time  `json:"start_time" yaml:"start_time"`
	EndTime    *time.Time `json:"end_time" yaml:"end_time,omitempty"`
	Status     RunStatus  `json:"status" yaml:"status"`

	// Search outcome. Zero while running and for cleanup runs.
	Termination string `json:"termination,omitempty" yaml:"termination,omitempty"`
	Rounds      int    `json:"rounds" yaml:"rounds"`
	Attempts    int    `json:"attempts" yaml:"attempts"`
	Successes   int    `json:"successes" yaml:"successes"`

	Winner *Winner `json:"winner" yaml:"winner,omitempty"`
	Image  *Image  `json:"image" yaml:"image,omitempty"`

	// TraceHash is the hash of the canonical resolution trace, when one
	// was recorded.
	TraceHash string `json:"trace_hash,omitempty" yaml:"trace_hash,omitempty"`
}

// Winner describes the selected link attempt.
type Winner struct {
	Attempt    int    `json:"attempt" yaml:"attempt"`
	Binary     string `json:"binary" yaml:"binary"`
	Object     string `json:"object,omitempty" yaml:"object,omitempty"`
	Archive    string `json:"archive" yaml:"archive"`
	ArchiveAge string `json:"archive_age" yaml:"archive_age"`
}

// Image describes the mastered image.
type Image struct {
	Path         string `json:"path" yaml:"path"`
	KernelDigest string `json:"kernel_blake3" yaml:"kernel_blake3"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Crate) == "" {
		errs = append(errs, errors.New("crate is required"))
	}
	if strings.TrimSpace(r.TargetPath) == "" {
		errs = append(errs, errors.New("target_path is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Mode {
	case ModeBuild, ModeRunner, ModeWatch:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	switch r.Status {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusCleanedUp:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Rounds < 0 || r.Attempts < 0 || r.Successes < 0 {
		errs = append(errs, errors.New("counters must be >= 0"))
	}
	if r.Successes > r.Attempts {
		errs = append(errs, errors.New("successes must not exceed attempts"))
	}
	if r.Status == StatusSucceeded && r.Winner == nil {
		errs = append(errs, errors.New("winner is required for a succeeded run"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassConfig is a fatal bookkeeping or configuration error.
	FailureClassConfig FailureClass = "config"

	// FailureClassToolchain is a tool failure outside the search, such as
	// cargo or image mastering.
	FailureClassToolchain FailureClass = "toolchain"

	// FailureClassSearch is a search that found no viable build.
	FailureClassSearch FailureClass = "search"

	// FailureClassSystem is anything else, including interruption.
	FailureClassSystem FailureClass = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class" yaml:"failure_class"`
	ErrorCode    string       `json:"error_code" yaml:"error_code"`
	ErrorMessage string       `json:"error_message" yaml:"error_message"`
	Path         string       `json:"path,omitempty" yaml:"path,omitempty"`
	Tool         string       `json:"tool,omitempty" yaml:"tool,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassToolchain, FailureClassSearch, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
