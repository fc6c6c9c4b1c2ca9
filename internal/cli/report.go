package cli

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"osc/internal/core"
	"osc/internal/state"
)

// runReportDocument is the YAML document printed by report mode.
type runReportDocument struct {
	Run     state.Run      `yaml:"run"`
	Failure *state.Failure `yaml:"failure,omitempty"`
}

// report prints the latest run report of the selected profile.
func (s *session) report() (CLIResult, error) {
	profileDir := s.project.ProfileDir(s.inv.Release)
	store, err := state.NewStore(profileDir)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed}, err
	}

	run, err := store.LatestRun()
	if err != nil {
		if errors.Is(err, state.ErrNoRuns) {
			err = &core.ConfigError{Code: core.CodeDirMissing, Path: profileDir, Err: err}
		}
		return CLIResult{ExitCode: exitCodeFor(err), Outcome: OutcomeFailed}, err
	}

	doc := runReportDocument{Run: run}
	failure, ok, err := store.LoadFailure(run.RunID)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed, RunID: run.RunID}, err
	}
	if ok {
		doc.Failure = &failure
	}

	enc := yaml.NewEncoder(s.opts.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed, RunID: run.RunID}, fmt.Errorf("encoding report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed, RunID: run.RunID}, err
	}
	return CLIResult{ExitCode: ExitSuccess, Outcome: OutcomeReported, RunID: run.RunID}, nil
}
