package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"osc/internal/clock"
	"osc/internal/config"
	"osc/internal/core"
	"osc/internal/state"
	"osc/internal/testutil"
	"osc/internal/trace"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const fixtureManifest = `
[package]
name = "kernel"
version = "0.1.0"

[package.metadata.osc]
test-args = ["-device", "isa-debug-exit,iobase=0xf4,iosize=0x04"]
run-args = ["-serial", "stdio"]
test-success-exit-code = 33
`

// lockedBuffer is a bytes.Buffer safe for the watch goroutine and the test
// to share.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliFixture struct {
	project *testutil.Project
	fake    *testutil.FakeToolchain
	clock   *clock.FakeClock
	stdout  *lockedBuffer
	stderr  *lockedBuffer
}

// newCLIFixture lays out a kernel project with one library archive, one
// test-harness archive and the crate's own binary object.
func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	p, err := testutil.NewProject(t.TempDir(), "kernel", "debug")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(p.Dir, ".cargo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir, config.CargoConfigPath), []byte("[build]\ntarget = \"x86_64-os.json\"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir, config.CargoManifestPath), []byte(fixtureManifest), 0o644))

	archive, err := p.AddArchive("libkernel-aaa111.a", epoch, "kernel-aaa111.o")
	require.NoError(t, err)
	require.NoError(t, p.AddLibraryManifest("kernel-aaa111.d", false, archive))
	harness, err := p.AddArchive("libkernel-harness.a", epoch, "kernel-harness.o")
	require.NoError(t, err)
	require.NoError(t, p.AddLibraryManifest("kernel-harness.d", true, harness))
	obj, err := p.AddObject("kernel-ccc.o")
	require.NoError(t, err)
	require.NoError(t, p.AddBinaryManifest("kernel-ccc.d", "src/main.rs:", obj))

	return &cliFixture{
		project: p,
		fake:    testutil.NewFakeToolchain(),
		clock:   clock.Fake(epoch),
		stdout:  &lockedBuffer{},
		stderr:  &lockedBuffer{},
	}
}

func (f *cliFixture) options() Options {
	return Options{
		Runner: f.fake,
		Clock:  f.clock,
		Stdout: f.stdout,
		Stderr: f.stderr,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		CreatedAt: func(string) (time.Time, error) {
			return epoch.Add(-time.Minute), nil
		},
		Debounce: 20 * time.Millisecond,
	}
}

func (f *cliFixture) run(t *testing.T, ctx context.Context, args ...string) (CLIResult, error) {
	t.Helper()
	return RunWith(ctx, args, f.project.Dir, f.options())
}

func (f *cliFixture) store(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.NewStore(f.project.Profile)
	require.NoError(t, err)
	return st
}

func TestExecute_RunnerImagesAndBoots(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel", "-m", "256M")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, OutcomeBooted, res.Outcome)

	iso := filepath.Join(f.project.Dir, core.ImageFileName)
	require.NotNil(t, res.Image)
	assert.Equal(t, iso, res.Image.Path)
	assert.FileExists(t, iso)
	assert.FileExists(t, filepath.Join(f.project.Dir, "iso", "boot", "kernel.bin"))

	qemu := f.fake.CallsTo("qemu-system-x86_64")
	require.Len(t, qemu, 1)
	assert.Equal(t, []string{"-cdrom", iso, "-m", "256M", "-serial", "stdio"}, qemu[0].Args)
	assert.Equal(t, f.project.Dir, qemu[0].Dir)
	assert.True(t, qemu[0].Attach)

	run, err := f.store(t).LatestRun()
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.RunID)
	assert.Equal(t, state.StatusSucceeded, run.Status)
	assert.Equal(t, state.ModeRunner, run.Mode)
	assert.Equal(t, "converged", run.Termination)
	require.NotNil(t, run.Winner)
	assert.Equal(t, "libkernel-aaa111.a", run.Winner.Archive)
	require.NotNil(t, run.Image)
	assert.Equal(t, res.Image.Digest, run.Image.KernelDigest)
	assert.NotEmpty(t, run.TraceHash)
}

func TestExecute_TestBinarySuccessCodeMapsToZero(t *testing.T) {
	f := newCLIFixture(t)
	obj, err := f.project.AddObject("heap_alloc-5f2e.o")
	require.NoError(t, err)
	require.NoError(t, f.project.AddBinaryManifest("heap_alloc-5f2e.d", "tests/heap_alloc.rs:", obj))
	f.fake.ExitCodes["qemu-system-x86_64"] = 33

	binary := filepath.Join(f.project.DepsDir, "heap_alloc-5f2e")
	res, err := f.run(t, context.Background(), "runner", binary)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, 33, res.EmulatorExitCode)

	qemu := f.fake.CallsTo("qemu-system-x86_64")
	require.Len(t, qemu, 1)
	assert.Contains(t, qemu[0].Args, "isa-debug-exit,iobase=0xf4,iosize=0x04")
	assert.NotContains(t, qemu[0].Args, "stdio")
}

func TestExecute_TestBinaryFailureCodePassesThrough(t *testing.T) {
	f := newCLIFixture(t)
	obj, err := f.project.AddObject("heap_alloc-5f2e.o")
	require.NoError(t, err)
	require.NoError(t, f.project.AddBinaryManifest("heap_alloc-5f2e.d", "tests/heap_alloc.rs:", obj))
	f.fake.ExitCodes["qemu-system-x86_64"] = 35

	res, err := f.run(t, context.Background(), "runner", filepath.Join(f.project.DepsDir, "heap_alloc-5f2e"))
	require.NoError(t, err)
	assert.Equal(t, 35, res.ExitCode)
}

func TestExecute_DuplicateOutputIsCleanedUp(t *testing.T) {
	f := newCLIFixture(t)
	dup := filepath.Join(f.project.DepsDir, "kernel-9f8e7d")
	require.NoError(t, os.WriteFile(dup, []byte("elf"), 0o755))
	require.NoError(t, os.WriteFile(dup+".d", []byte(dup+": src/main.rs\n"), 0o644))

	res, err := f.run(t, context.Background(), "runner", dup)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, OutcomeCleanedUp, res.Outcome)
	assert.NoFileExists(t, dup)
	assert.NoFileExists(t, dup+".d")
	assert.Empty(t, f.fake.CallsTo("ld"))
	assert.Empty(t, f.fake.CallsTo("qemu-system-x86_64"))

	run, err := f.store(t).LatestRun()
	require.NoError(t, err)
	assert.Equal(t, state.StatusCleanedUp, run.Status)
}

func TestExecute_NoViableBuild(t *testing.T) {
	f := newCLIFixture(t)
	f.fake.Link = func(string, []string) bool { return false }

	res, err := f.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.Error(t, err)
	assert.Equal(t, ExitBuildFailure, res.ExitCode)
	assert.Equal(t, OutcomeNoViableBuild, res.Outcome)
	assert.Empty(t, f.fake.CallsTo("grub-mkrescue"))
	assert.Empty(t, f.fake.CallsTo("qemu-system-x86_64"))

	st := f.store(t)
	run, err := st.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, run.Status)
	assert.Equal(t, "breaker-tripped", run.Termination)
	failure, ok, err := st.LoadFailure(run.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.FailureClassSearch, failure.FailureClass)
	assert.Equal(t, "NoViableBuild", failure.ErrorCode)
}

func TestExecute_MasteringFailureIsBuildFailure(t *testing.T) {
	f := newCLIFixture(t)
	f.fake.Fail["grub-mkrescue"] = true

	res, err := f.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.Error(t, err)
	assert.Equal(t, ExitBuildFailure, res.ExitCode)

	st := f.store(t)
	run, err := st.LatestRun()
	require.NoError(t, err)
	failure, ok, err := st.LoadFailure(run.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.FailureClassToolchain, failure.FailureClass)
	assert.Equal(t, "grub-mkrescue", failure.Tool)
}

func TestExecute_BuildRunsCargoFirst(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "build", "--features", "smp")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, OutcomeImaged, res.Outcome)

	calls := f.fake.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "cargo", calls[0].Name)
	assert.Equal(t, []string{"build", "--features", "smp"}, calls[0].Args)
	assert.True(t, calls[0].Attach)
	assert.Equal(t, filepath.Join(f.project.Dir, core.ImageFileName)+"\n", f.stdout.String())
}

func TestExecute_CargoFailureStopsBuild(t *testing.T) {
	f := newCLIFixture(t)
	f.fake.Fail["cargo"] = true

	res, err := f.run(t, context.Background(), "build")
	require.Error(t, err)
	assert.Equal(t, ExitBuildFailure, res.ExitCode)
	assert.Empty(t, f.fake.CallsTo("ld"))
}

func TestExecute_MissingCargoConfigIsConfigError(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.project.Dir, config.CargoConfigPath)))

	res, err := f.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.Empty(t, f.fake.Calls())
}

func TestExecute_InvalidSettingsIsConfigError(t *testing.T) {
	f := newCLIFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.project.Dir, config.SettingsFile), []byte("search:\n  grid_widht: 4\n"), 0o644))

	res, err := f.run(t, context.Background(), "build")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestExecute_TraceWritten(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "--trace", "trace.json", "runner", "target/x86_64-os/debug/kernel")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.project.Dir, "trace.json"))
	require.NoError(t, err)
	canonical := bytes.TrimSuffix(data, []byte("\n"))
	assert.True(t, strings.HasPrefix(string(canonical), `{"target":"target/x86_64-os/debug/kernel","events":[`))

	run, err := f.store(t).LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, trace.ComputeTraceHash(canonical), run.TraceHash)
}

func TestExecute_TraceIsReproducibleAcrossCheckouts(t *testing.T) {
	a := newCLIFixture(t)
	b := newCLIFixture(t)

	resA, err := a.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.NoError(t, err)
	resB, err := b.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.NoError(t, err)

	runA, err := a.store(t).LoadRun(resA.RunID)
	require.NoError(t, err)
	runB, err := b.store(t).LoadRun(resB.RunID)
	require.NoError(t, err)
	assert.Equal(t, runA.TraceHash, runB.TraceHash)
}

func TestExecute_CancelledContext(t *testing.T) {
	f := newCLIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.run(t, ctx, "runner", "target/x86_64-os/debug/kernel")
	require.Error(t, err)
	assert.Equal(t, ExitInterrupted, res.ExitCode)
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, core.Command) (*core.ToolResult, error) {
	panic("boom")
}

func TestExecute_PanicIsRecordedAndMapped(t *testing.T) {
	f := newCLIFixture(t)
	opts := f.options()
	opts.Runner = panicRunner{}

	res, err := RunWith(context.Background(), []string{"runner", "target/x86_64-os/debug/kernel"}, f.project.Dir, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.Equal(t, ExitInternalError, res.ExitCode)

	st := f.store(t)
	run, err := st.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, run.Status)
	failure, ok, err := st.LoadFailure(run.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Panic", failure.ErrorCode)
}

func TestReport_PrintsLatestRun(t *testing.T) {
	f := newCLIFixture(t)
	f.fake.Link = func(string, []string) bool { return false }
	_, err := f.run(t, context.Background(), "runner", "target/x86_64-os/debug/kernel")
	require.Error(t, err)

	f.stdout = &lockedBuffer{}
	res, err := f.run(t, context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, OutcomeReported, res.Outcome)

	var doc struct {
		Run struct {
			Status string `yaml:"status"`
			Crate  string `yaml:"crate"`
		} `yaml:"run"`
		Failure struct {
			ErrorCode string `yaml:"error_code"`
		} `yaml:"failure"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(f.stdout.String()), &doc))
	assert.Equal(t, "failed", doc.Run.Status)
	assert.Equal(t, "kernel", doc.Run.Crate)
	assert.Equal(t, "NoViableBuild", doc.Failure.ErrorCode)
}

func TestReport_NoRuns(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "report", "--release")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.ErrorIs(t, err, state.ErrNoRuns)
}

func TestRun_HelpPrintsUsage(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "--help")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Contains(t, f.stdout.String(), "usage: osc")
	assert.Contains(t, f.stdout.String(), "--project-dir")
}

func TestRun_InvalidInvocation(t *testing.T) {
	f := newCLIFixture(t)

	res, err := f.run(t, context.Background(), "deploy")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
	assert.Empty(t, f.fake.Calls())
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"cancelled", context.Canceled, ExitInterrupted},
		{"config", &core.ConfigError{Code: core.CodeDirMissing}, ExitConfigError},
		{"no viable build", &core.NoViableBuildError{Termination: core.TerminationExhausted}, ExitBuildFailure},
		{"tool", &core.ToolchainError{Tool: "cargo", ExitCode: 101}, ExitBuildFailure},
		{"invocation", invalidInvocationf("bad"), ExitInvalidInvocation},
		{"other", io.ErrUnexpectedEOF, ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}
