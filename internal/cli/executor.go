package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"osc/internal/clock"
	"osc/internal/config"
	"osc/internal/core"
	"osc/internal/image"
	"osc/internal/progress"
	"osc/internal/state"
	"osc/internal/trace"
)

// Outcome names how an execution ended.
type Outcome string

const (
	OutcomeImaged        Outcome = "imaged"
	OutcomeBooted        Outcome = "booted"
	OutcomeCleanedUp     Outcome = "cleaned-up"
	OutcomeNoViableBuild Outcome = "no-viable-build"
	OutcomeFailed        Outcome = "failed"
	OutcomeReported      Outcome = "reported"
	OutcomeWatchStopped  Outcome = "watch-stopped"
)

// Options carries the process-level dependencies of an execution. Tests
// replace the runner and clock; the zero value of any field is filled from
// DefaultOptions.
type Options struct {
	Runner core.ToolRunner
	Clock  clock.Clock

	Stdout io.Writer
	Stderr io.Writer

	// Logger defaults to NewLogger(Stderr, inv.Verbose).
	Logger *slog.Logger

	// CreatedAt reports archive creation times.
	CreatedAt func(path string) (time.Time, error)

	// Debounce is how long watch mode waits for compiler output to settle.
	Debounce time.Duration
}

// DefaultOptions returns the options of a real process.
func DefaultOptions() Options {
	return Options{
		Runner:    core.NewProcessRunner(),
		Clock:     clock.Real(),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		CreatedAt: core.CreationTime,
		Debounce:  300 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Runner == nil {
		o.Runner = d.Runner
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Stdout == nil {
		o.Stdout = d.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = d.Stderr
	}
	if o.CreatedAt == nil {
		o.CreatedAt = d.CreatedAt
	}
	if o.Debounce <= 0 {
		o.Debounce = d.Debounce
	}
	return o
}

type CLIResult struct {
	ExitCode int
	Outcome  Outcome

	// RunID identifies the run report, empty when none was written.
	RunID string

	Resolution *core.Resolution
	Image      *image.Image

	// EmulatorExitCode is the emulator's own exit code in runner mode,
	// before any test success code is mapped to 0.
	EmulatorExitCode int
}

// Execute runs inv against the real toolchain.
func Execute(ctx context.Context, inv CLIInvocation) (CLIResult, error) {
	return ExecuteWith(ctx, inv, DefaultOptions())
}

// ExecuteWith maps a canonical CLIInvocation to an orchestration.
//
// Responsibilities:
//   - Load Cargo.toml, .cargo/config.toml and osc.yaml from ProjectDir.
//   - Dispatch to the mode.
//   - Persist a run report per orchestration, including a failure record
//     on any error or panic.
//   - Translate outcomes to semantic exit codes.
func ExecuteWith(ctx context.Context, inv CLIInvocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(opts.Stderr, inv.Verbose)
	}

	defer func() {
		if r := recover(); r != nil {
			res = CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed, RunID: res.RunID}
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	project, settings, err := loadConfig(inv.ProjectDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		res.Outcome = OutcomeFailed
		return res, err
	}

	s := &session{
		inv:      inv,
		opts:     opts,
		project:  project,
		settings: settings,
		tools:    settings.ToolNames(),
		logger:   logger,
	}
	switch inv.Mode {
	case ModeBuild:
		return s.build(ctx)
	case ModeRunner:
		return s.runner(ctx)
	case ModeWatch:
		return s.watch(ctx)
	case ModeReport:
		return s.report()
	default:
		return res, invalidInvocationf("invalid mode %q", inv.Mode)
	}
}

func loadConfig(dir string) (*config.Project, *config.Settings, error) {
	project, err := config.LoadProject(dir)
	if err != nil {
		return nil, nil, &core.ConfigError{Code: core.CodeProjectConfig, Path: dir, Err: err}
	}
	settings, err := config.LoadSettings(dir)
	if err != nil {
		return nil, nil, &core.ConfigError{Code: core.CodeProjectConfig, Path: filepath.Join(dir, config.SettingsFile), Err: err}
	}
	return project, settings, nil
}

// session is one execution's resolved configuration.
type session struct {
	inv      CLIInvocation
	opts     Options
	project  *config.Project
	settings *config.Settings
	tools    core.Tools
	logger   *slog.Logger
}

// build runs cargo build with the pass-through args, then images the
// crate's binary and prints the image path.
func (s *session) build(ctx context.Context) (CLIResult, error) {
	cmd := core.Command{
		Name:   s.tools.Cargo,
		Args:   append([]string{"build"}, s.inv.Args...),
		Dir:    s.project.Dir,
		Attach: true,
	}
	s.logger.Info("running cargo", "args", cmd.Args)
	if _, err := core.RunTool(ctx, s.opts.Runner, cmd); err != nil {
		return CLIResult{ExitCode: exitCodeFor(err), Outcome: OutcomeFailed}, err
	}

	res, err := s.orchestrate(ctx, state.ModeBuild, s.project.DefaultArtifact(s.inv.Release))
	if err == nil && res.Image != nil {
		fmt.Fprintln(s.opts.Stdout, res.Image.Path)
	}
	return res, err
}

// runner images the binary cargo handed over and boots it. The emulator's
// exit code becomes the process exit code; a test binary's configured
// success code is mapped to 0.
func (s *session) runner(ctx context.Context) (CLIResult, error) {
	res, err := s.orchestrate(ctx, state.ModeRunner, s.inv.Path)
	if err != nil || res.Outcome != OutcomeImaged {
		return res, err
	}

	emulator := image.NewEmulator(s.opts.Runner, s.tools.Emulator, s.project.Dir)
	code, err := emulator.Boot(ctx, res.Image.Path, s.inv.Args, s.project.EmulatorArgs(s.inv.RawPath))
	if err != nil {
		res.ExitCode = exitCodeFor(err)
		res.Outcome = OutcomeFailed
		return res, err
	}
	res.Outcome = OutcomeBooted
	res.EmulatorExitCode = code
	res.ExitCode = s.project.EmulatorExitCode(s.inv.RawPath, code)
	s.logger.Info("emulator exited", "exit_code", code, "test", s.project.IsTestBinary(s.inv.RawPath))
	return res, nil
}

// orchestrate turns the artifact at path into a bootable image: it either
// removes a duplicate crate output or runs the resolution search and
// masters the winner.
func (s *session) orchestrate(ctx context.Context, mode state.Mode, path string) (res CLIResult, err error) {
	res.ExitCode = ExitInternalError
	res.Outcome = OutcomeFailed

	target, err := core.AnalyzeTarget(s.project.Dir, path, s.project.Crate)
	if err != nil {
		res.ExitCode = exitCodeFor(err)
		return res, err
	}

	report := s.startReport(target, mode)
	res.RunID = report.run.RunID
	defer func() {
		if r := recover(); r != nil {
			report.panicked(r)
			panic(r)
		}
	}()

	if target.IsDuplicateOutput() {
		if err := core.RemoveDuplicateOutput(target.Path); err != nil {
			report.fail(err)
			res.ExitCode = exitCodeFor(err)
			return res, err
		}
		s.logger.Info("removed duplicate crate output", "path", target.Path)
		report.finish(state.StatusCleanedUp)
		res.ExitCode = ExitSuccess
		res.Outcome = OutcomeCleanedUp
		return res, nil
	}

	search := s.settings.SearchOptions()
	bar := progress.ForWriter(s.opts.Stderr, search.ProgressTotal, s.opts.Clock, s.inv.NoProgress)
	recorder := trace.NewRecorder()

	resolver := core.NewResolver(target, s.tools, s.opts.Runner)
	resolver.Policy = s.settings.ManifestPolicy()
	resolver.Options = search
	resolver.Clock = s.opts.Clock
	resolver.CreatedAt = s.opts.CreatedAt
	resolver.Progress = bar
	resolver.Trace = recorder
	resolver.Logger = s.logger

	resolution, err := resolver.Resolve(ctx)
	bar.Finish()
	res.Resolution = resolution
	if resolution != nil {
		report.run.Termination = string(resolution.Termination)
		report.run.Rounds = resolution.Rounds
		report.run.Attempts = len(resolution.Attempts)
		report.run.Successes = len(resolution.Results)
		report.run.TraceHash = s.writeTrace(recorder, target)
	}
	if err != nil {
		report.fail(err)
		res.ExitCode = exitCodeFor(err)
		return res, err
	}

	winner := resolution.Winner
	if winner == nil {
		err := &core.NoViableBuildError{Termination: resolution.Termination, Attempts: len(resolution.Attempts)}
		report.fail(err)
		res.ExitCode = ExitBuildFailure
		res.Outcome = OutcomeNoViableBuild
		return res, err
	}
	report.run.Winner = &state.Winner{
		Attempt:    winner.Number,
		Binary:     winner.Binary,
		Object:     winner.Candidates.Object.Name(),
		Archive:    winner.Candidates.Archive.Name(),
		ArchiveAge: winner.ArchiveAge.String(),
	}
	s.logger.Info("selected build",
		"attempt", winner.Number,
		"archive", winner.Candidates.Archive.Name(),
		"archive_age", winner.ArchiveAge,
	)

	assembler := image.NewAssembler(s.opts.Runner, s.tools.ISOMaker, target.Layout, s.logger)
	img, err := assembler.Assemble(ctx, winner.Binary)
	if err != nil {
		report.fail(err)
		res.ExitCode = exitCodeFor(err)
		return res, err
	}
	report.run.Image = &state.Image{Path: img.Path, KernelDigest: img.Digest}
	report.finish(state.StatusSucceeded)

	res.ExitCode = ExitSuccess
	res.Outcome = OutcomeImaged
	res.Image = img
	return res, nil
}

// writeTrace hashes the canonical trace and, when requested, writes it.
// The trace target is the artifact path relative to the project so traces
// from different checkouts compare equal.
func (s *session) writeTrace(recorder *trace.Recorder, target *core.Target) string {
	name, err := filepath.Rel(s.project.Dir, target.Path)
	if err != nil {
		name = filepath.Base(target.Path)
	}
	tr := recorder.Trace(filepath.ToSlash(name))
	canonical, err := tr.CanonicalJSON()
	if err != nil {
		s.logger.Warn("trace unavailable", "error", err)
		return ""
	}
	if s.inv.Trace.Enabled {
		if err := state.WriteFileAtomic(s.inv.Trace.Path, append(canonical, '\n'), 0o644); err != nil {
			s.logger.Warn("writing trace failed", "path", s.inv.Trace.Path, "error", err)
		}
	}
	hash := trace.ComputeTraceHash(canonical)
	s.logger.Debug("trace recorded",
		"hash", trace.ShortHash(hash),
		"linked", recorder.Count(trace.EventAttemptLinked),
		"failed", recorder.Count(trace.EventAttemptFailed),
		"aborted_rounds", recorder.Count(trace.EventRoundAborted),
	)
	return hash
}

// runReport persists one orchestration's run report. Reports are best
// effort: a failing store is logged and never changes the outcome.
type runReport struct {
	rec    *state.Recorder
	run    *state.Run
	logger *slog.Logger
}

func (s *session) startReport(target *core.Target, mode state.Mode) *runReport {
	r := &runReport{
		run:    &state.Run{Crate: target.Crate, TargetPath: target.Path, Mode: mode},
		logger: s.logger,
	}
	store, err := state.NewStore(target.Layout.ProfileDir)
	if err != nil {
		r.warn(err)
		return r
	}
	rec := state.NewRecorder(store, s.opts.Clock)
	if err := rec.StartRun(r.run); err != nil {
		r.warn(err)
		return r
	}
	r.rec = rec
	return r
}

func (r *runReport) finish(status state.RunStatus) {
	if r.rec == nil {
		return
	}
	if err := r.rec.Finish(r.run, status); err != nil {
		r.warn(err)
	}
}

func (r *runReport) fail(err error) {
	if r.rec == nil {
		return
	}
	if rerr := r.rec.RecordFailure(r.run.RunID, err); rerr != nil {
		r.warn(rerr)
	}
	r.finish(state.StatusFailed)
}

func (r *runReport) panicked(v any) {
	if r.rec == nil {
		return
	}
	failure := state.Failure{
		FailureClass: state.FailureClassSystem,
		ErrorCode:    "Panic",
		ErrorMessage: fmt.Sprintf("panic: %v", v),
	}
	if err := r.rec.Store.SaveFailure(r.run.RunID, failure); err != nil {
		r.warn(err)
	}
	r.finish(state.StatusFailed)
}

func (r *runReport) warn(err error) {
	r.logger.Warn("run report not written", "run_id", r.run.RunID, "error", err)
}

// exitCodeFor maps an orchestration error to a semantic exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitInterrupted
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return ExitCode(err)
	}
	var ce *core.ConfigError
	if errors.As(err, &ce) {
		return ExitConfigError
	}
	var nv *core.NoViableBuildError
	if errors.As(err, &nv) {
		return ExitBuildFailure
	}
	var te *core.ToolchainError
	if errors.As(err, &te) {
		return ExitBuildFailure
	}
	return ExitInternalError
}
