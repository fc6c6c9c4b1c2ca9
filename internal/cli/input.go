package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitInterrupted       = 130
)

// Mode selects what the orchestrator does.
type Mode string

const (
	// ModeBuild runs cargo build, then images the crate's binary.
	ModeBuild Mode = "build"

	// ModeRunner is the cargo runner hook: image the given binary and boot
	// it in the emulator.
	ModeRunner Mode = "runner"

	// ModeWatch re-images the crate whenever the compiler output changes.
	ModeWatch Mode = "watch"

	// ModeReport prints the latest run report.
	ModeReport Mode = "report"
)

// ErrHelp is returned by ParseInvocation when help was requested.
var ErrHelp = pflag.ErrHelp

const releaseFlag = "--release"

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the fully canonicalized description of a run.
//
// All paths are normalized (Clean) and relative paths are resolved against
// ProjectDir, which is always absolute.
type CLIInvocation struct {
	Mode       Mode
	ProjectDir string

	// Path is the resolved artifact path (runner mode only).
	Path string

	// RawPath is the artifact path exactly as cargo passed it.
	RawPath string

	// Args are passed through: to cargo in build mode, to the emulator in
	// runner mode.
	Args []string

	// Release selects the release profile (build, watch and report).
	Release bool

	Verbose    bool
	NoProgress bool
	Trace      TraceConfig
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// Usage is the command synopsis.
const Usage = `usage: osc [flags] <mode> [args...]

modes:
  build [cargo args...]            run cargo build, then build os.iso
  runner <binary> [emulator args]  build os.iso from binary and boot it
  watch [--release]                rebuild os.iso when compiler output changes
  report [--release]               print the latest run report
`

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("osc", pflag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed
	fs.SetInterspersed(false)
	fs.String("project-dir", "", "Project root holding Cargo.toml (default: current directory)")
	fs.BoolP("verbose", "v", false, "Log every link attempt")
	fs.String("trace", "", "Write the canonical resolution trace to this path")
	fs.Bool("no-progress", false, "Never draw the progress bar")
	return fs
}

// FlagUsages returns the flag help text.
func FlagUsages() string {
	return newFlagSet().FlagUsages()
}

// ParseInvocation parses CLI arguments into a canonical CLIInvocation.
//
// defaultProjectDir is used when --project-dir is not given; the caller
// resolves it (normally the process working directory) so that parsing
// itself never consults process state. Flags must precede the mode;
// everything after the mode is positional, so emulator and cargo flags
// pass through untouched.
func ParseInvocation(args []string, defaultProjectDir string) (CLIInvocation, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return CLIInvocation{}, ErrHelp
		}
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}

	projectDir, _ := fs.GetString("project-dir")
	verbose, _ := fs.GetBool("verbose")
	tracePath, _ := fs.GetString("trace")
	noProgress, _ := fs.GetBool("no-progress")

	if strings.TrimSpace(projectDir) == "" {
		projectDir = defaultProjectDir
	}
	if strings.TrimSpace(projectDir) == "" {
		return CLIInvocation{}, invalidInvocationf("--project-dir is required")
	}
	projectDir = filepath.Clean(projectDir)
	if !filepath.IsAbs(projectDir) {
		return CLIInvocation{}, invalidInvocationf("--project-dir must be an absolute path (got %q)", projectDir)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return CLIInvocation{}, invalidInvocationf("mode is required (build|runner|watch|report)")
	}

	inv := CLIInvocation{
		ProjectDir: projectDir,
		Verbose:    verbose,
		NoProgress: noProgress,
	}
	mode, err := parseMode(rest[0])
	if err != nil {
		return CLIInvocation{}, err
	}
	inv.Mode = mode
	rest = rest[1:]

	switch mode {
	case ModeBuild:
		inv.Args = rest
		inv.Release = slices.Contains(rest, releaseFlag)
	case ModeRunner:
		if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
			return CLIInvocation{}, invalidInvocationf("runner: binary path is required")
		}
		inv.RawPath = rest[0]
		inv.Path = resolveUnderProject(projectDir, rest[0])
		inv.Args = rest[1:]
	case ModeWatch, ModeReport:
		for _, arg := range rest {
			if arg != releaseFlag {
				return CLIInvocation{}, invalidInvocationf("%s: unexpected argument %q", mode, arg)
			}
			inv.Release = true
		}
	}

	if strings.TrimSpace(tracePath) != "" {
		inv.Trace = TraceConfig{Enabled: true, Path: resolveUnderProject(projectDir, tracePath)}
	}
	return inv, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeBuild, ModeRunner, ModeWatch, ModeReport:
		return Mode(raw), nil
	default:
		return "", invalidInvocationf("invalid mode %q (expected build|runner|watch|report)", raw)
	}
}

func resolveUnderProject(projectDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	// projectDir is absolute, so Join does not consult the process CWD.
	return filepath.Join(projectDir, clean)
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, ErrHelp) {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
