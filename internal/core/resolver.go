package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"osc/internal/clock"
	"osc/internal/trace"
)

// Termination says why a search stopped.
type Termination string

const (
	// TerminationConverged: a full round linked every pair.
	TerminationConverged Termination = "converged"

	// TerminationBreaker: the consecutive-failure breaker tripped.
	TerminationBreaker Termination = "breaker-tripped"

	// TerminationExhausted: the window cannot advance to new candidates.
	TerminationExhausted Termination = "exhausted"

	// TerminationBudget: MaxRounds rounds ran without converging.
	TerminationBudget Termination = "budget"
)

// SearchOptions bounds the resolution search.
type SearchOptions struct {
	// GridWidth is the per-dimension size of a round's window.
	GridWidth int

	// BreakerThreshold is the consecutive-failure limit.
	BreakerThreshold int

	// MaxRounds caps the number of rounds.
	MaxRounds int

	// RoundPause is slept between rounds to let the toolchain settle.
	RoundPause time.Duration

	// ProgressTotal is the initial estimate of the progress indicator and
	// ProgressDecay is subtracted from it after each round.
	ProgressTotal int
	ProgressDecay int
}

// DefaultSearchOptions returns the standard search bounds.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		GridWidth:        DefaultGridWidth,
		BreakerThreshold: DefaultBreakerThreshold,
		MaxRounds:        32,
		RoundPause:       time.Second,
		ProgressTotal:    200,
		ProgressDecay:    30,
	}
}

// Validate rejects bounds that would make the search meaningless.
func (o SearchOptions) Validate() error {
	var errs []error
	if o.GridWidth <= 0 {
		errs = append(errs, errors.New("grid width must be > 0"))
	}
	if o.BreakerThreshold <= 0 {
		errs = append(errs, errors.New("breaker threshold must be > 0"))
	}
	if o.MaxRounds <= 0 {
		errs = append(errs, errors.New("max rounds must be > 0"))
	}
	if o.RoundPause < 0 {
		errs = append(errs, errors.New("round pause must be >= 0"))
	}
	if o.ProgressTotal <= 0 {
		errs = append(errs, errors.New("progress total must be > 0"))
	}
	if o.ProgressDecay < 0 {
		errs = append(errs, errors.New("progress decay must be >= 0"))
	}
	return errors.Join(errs...)
}

// Progress receives search progress. The true search size is unknown up
// front, so the total is a decaying estimate.
type Progress interface {
	// Advance moves the indicator forward by n.
	Advance(n int)

	// Shrink lowers the estimated total by n.
	Shrink(n int)
}

type nopProgress struct{}

func (nopProgress) Advance(int) {}
func (nopProgress) Shrink(int)  {}

// Resolution is the outcome of a search.
type Resolution struct {
	Objects  []ArtifactPath
	Archives []ArtifactPath

	// Attempts holds every attempt in order, failed ones included.
	Attempts []LinkAttempt

	// Results holds the successful attempts that staged an archive.
	Results ResultSet

	Rounds      int
	Termination Termination

	// Winner is the selected attempt, nil when Results is empty.
	Winner *LinkAttempt
}

// Failures returns how many attempts did not link.
func (r *Resolution) Failures() int {
	n := 0
	for _, a := range r.Attempts {
		if !a.Linked {
			n++
		}
	}
	return n
}

// Resolver searches the candidate grid for combinations the linker accepts.
//
// The search is strictly sequential: the scratch directory is reset and
// reused by every attempt, so two attempts can never be in flight at once.
type Resolver struct {
	Target  *Target
	Policy  ManifestPolicy
	Options SearchOptions

	Catalog   *Catalog
	Stager    *Stager
	Assembler *Assembler
	Extractor *Extractor
	Linker    *Linker

	Clock clock.Clock

	// CreatedAt reports an archive's creation time. Defaults to
	// CreationTime.
	CreatedAt func(path string) (time.Time, error)

	Progress Progress
	Trace    trace.Sink
	Logger   *slog.Logger
}

// NewResolver wires a Resolver for target with the given tools. Options,
// policy, clock, progress and trace can be replaced before Resolve.
func NewResolver(target *Target, tools Tools, runner ToolRunner) *Resolver {
	layout := target.Layout
	return &Resolver{
		Target:    target,
		Policy:    DefaultManifestPolicy(),
		Options:   DefaultSearchOptions(),
		Catalog:   NewCatalog(layout.DepsDir),
		Stager:    NewStager(layout),
		Assembler: NewAssembler(runner, tools.Assembler),
		Extractor: NewExtractor(runner, tools.Archiver),
		Linker:    NewLinker(runner, tools.Linker, layout.LinkerScript),
		Clock:     clock.Real(),
		CreatedAt: CreationTime,
		Progress:  nopProgress{},
		Trace:     trace.NopSink{},
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

// Candidates reads the manifests in the deps directory and returns the
// object and archive candidate lists in index order. Relative inputs are
// anchored at the project directory.
func (r *Resolver) Candidates() (objects, archives []ArtifactPath, err error) {
	policy := r.Policy
	if policy.BaseDir == "" {
		policy.BaseDir = r.Target.Layout.ProjectDir
	}

	libManifests, err := r.Catalog.Manifests(r.Target.Crate)
	if err != nil {
		return nil, nil, err
	}
	archives = policy.Archives(libManifests, r.Target.RequiresInternalModule())

	binManifests, err := r.Catalog.Manifests(r.Target.ObjectPrefix)
	if err != nil {
		return nil, nil, err
	}
	objects = policy.Objects(binManifests)
	return objects, archives, nil
}

// Resolve runs the search and selects a winner.
//
// A returned error is fatal (bookkeeping I/O or cancellation). A search
// that links nothing returns a Resolution without a Winner and a nil error;
// callers report that as NoViableBuildError.
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	if err := r.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search options: %w", err)
	}
	if _, err := os.Stat(r.Linker.Script); err != nil {
		return nil, &ConfigError{Code: CodeDirMissing, Path: r.Linker.Script, Err: err}
	}

	objects, archives, err := r.Candidates()
	if err != nil {
		return nil, err
	}
	logger := r.Logger.With("crate", r.Target.Crate)
	logger.Info("resolving candidates",
		"objects", len(objects),
		"archives", len(archives),
		"debug", r.Target.Debug,
	)

	if err := r.Stager.ResetBinDir(); err != nil {
		return nil, err
	}

	res := &Resolution{Objects: objects, Archives: archives}
	breaker := NewBreaker(r.Options.BreakerThreshold)
	window := SearchWindow{}
	number := 0

	for {
		res.Rounds++
		round := res.Rounds
		failures := 0

		for _, pair := range window.Pairs(r.Options.GridWidth) {
			if breaker.Tripped() {
				trace.SafeRecord(r.Trace, trace.TraceEvent{Kind: trace.EventRoundAborted, Round: round})
				logger.Debug("round aborted", "round", round, "consecutive_failures", breaker.Failures())
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			number++
			attempt, err := r.attempt(ctx, round, number, pair.Select(objects, archives))
			if err != nil {
				return nil, err
			}
			res.Attempts = append(res.Attempts, *attempt)
			breaker.Record(attempt.Linked)
			if attempt.Linked {
				if attempt.HasArchive {
					res.Results = append(res.Results, *attempt)
				}
			} else {
				failures++
			}
			r.recordAttempt(logger, attempt)
			r.Progress.Advance(breaker.Failures())
		}
		r.Progress.Shrink(r.Options.ProgressDecay)

		if breaker.Tripped() {
			res.Termination = TerminationBreaker
			break
		}
		if failures == 0 {
			res.Termination = TerminationConverged
			break
		}
		next, ok := window.Advance(r.Options.GridWidth, len(objects), len(archives))
		if !ok {
			res.Termination = TerminationExhausted
			break
		}
		if res.Rounds >= r.Options.MaxRounds {
			res.Termination = TerminationBudget
			break
		}
		r.Clock.Sleep(r.Options.RoundPause)
		window = next
	}

	trace.SafeRecord(r.Trace, trace.TraceEvent{Kind: trace.EventSearchEnded, Round: res.Rounds, Reason: string(res.Termination)})

	if winner, ok := Select(res.Results); ok {
		res.Winner = &winner
		trace.SafeRecord(r.Trace, trace.TraceEvent{
			Kind:    trace.EventWinnerSelected,
			Round:   winner.Round,
			Attempt: winner.Number,
			Object:  winner.Candidates.Object.Name(),
			Archive: winner.Candidates.Archive.Name(),
		})
	}
	logger.Info("resolution finished",
		"termination", res.Termination,
		"rounds", res.Rounds,
		"attempts", len(res.Attempts),
		"successes", len(res.Results),
	)
	return res, nil
}

// attempt stages one candidate pair into a fresh scratch directory and
// links it. Toolchain failures are absorbed into the returned attempt;
// only fatal errors are returned.
func (r *Resolver) attempt(ctx context.Context, round, number int, candidates CandidateSet) (*LinkAttempt, error) {
	attempt := &LinkAttempt{
		Number:     number,
		Round:      round,
		Candidates: candidates,
		Binary:     r.Stager.BinaryPath(number),
	}
	if err := r.Stager.Reset(); err != nil {
		return nil, err
	}
	scratch := r.Stager.ScratchDir

	if archive := candidates.Archive; !archive.IsZero() {
		created, err := r.CreatedAt(archive.Path)
		if err != nil {
			return absorb(attempt, &ToolchainError{Tool: "stage", Args: []string{archive.Path}, Err: err})
		}
		if err := r.Extractor.Extract(ctx, archive.Path, scratch); err != nil {
			return absorb(attempt, err)
		}
		attempt.ArchiveAge = r.Clock.Now().Sub(created)
		if attempt.ArchiveAge < 0 {
			attempt.ArchiveAge = 0
		}
		attempt.HasArchive = true
	}

	if _, err := r.Assembler.AssembleAll(ctx, r.Target.Layout.BootDir, scratch, r.Target.Debug); err != nil {
		return absorb(attempt, err)
	}

	if object := candidates.Object; !object.IsZero() {
		if _, err := r.Stager.Stage(object.Path); err != nil {
			return absorb(attempt, err)
		}
	}

	objects, err := r.Stager.ObjectFiles()
	if err != nil {
		return nil, err
	}
	if err := r.Linker.Link(ctx, scratch, objects, attempt.Binary); err != nil {
		return absorb(attempt, err)
	}
	attempt.Linked = true
	return attempt, nil
}

// absorb records a per-candidate failure on the attempt, or passes a fatal
// error through.
func absorb(attempt *LinkAttempt, err error) (*LinkAttempt, error) {
	if IsFatal(err) {
		return nil, err
	}
	attempt.Err = err
	attempt.HasArchive = false
	// A partially written binary must not be mistaken for a result.
	if rmErr := os.Remove(attempt.Binary); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return nil, &ConfigError{Code: CodeScratchReset, Path: attempt.Binary, Err: rmErr}
	}
	return attempt, nil
}

func (r *Resolver) recordAttempt(logger *slog.Logger, attempt *LinkAttempt) {
	event := trace.TraceEvent{
		Kind:    trace.EventAttemptLinked,
		Round:   attempt.Round,
		Attempt: attempt.Number,
		Object:  attempt.Candidates.Object.Name(),
		Archive: attempt.Candidates.Archive.Name(),
	}
	if !attempt.Linked {
		event.Kind = trace.EventAttemptFailed
		event.Reason = failedTool(attempt.Err)
		logger.Debug("link attempt failed",
			"attempt", attempt.Number,
			"bin_index", attempt.Candidates.BinIndex,
			"lib_index", attempt.Candidates.LibIndex,
			"error", attempt.Err,
		)
	} else {
		logger.Debug("link attempt succeeded",
			"attempt", attempt.Number,
			"bin_index", attempt.Candidates.BinIndex,
			"lib_index", attempt.Candidates.LibIndex,
			"binary", filepath.Base(attempt.Binary),
			"archive_age", attempt.ArchiveAge,
		)
	}
	trace.SafeRecord(r.Trace, event)
}

func failedTool(err error) string {
	var te *ToolchainError
	if errors.As(err, &te) {
		return te.Tool
	}
	return "unknown"
}
