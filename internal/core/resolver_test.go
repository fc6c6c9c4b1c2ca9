package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osc/internal/clock"
	"osc/internal/core"
	"osc/internal/testutil"
	"osc/internal/trace"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	project  *testutil.Project
	target   *core.Target
	fake     *testutil.FakeToolchain
	clock    *clock.FakeClock
	ages     map[string]time.Duration
	recorder *trace.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := testutil.NewProject(t.TempDir(), "kernel", "debug")
	require.NoError(t, err)
	tgt, err := core.AnalyzeTarget(p.Dir, filepath.Join(p.Profile, "kernel"), "kernel")
	require.NoError(t, err)
	return &fixture{
		project:  p,
		target:   tgt,
		fake:     testutil.NewFakeToolchain(),
		clock:    clock.Fake(epoch),
		ages:     map[string]time.Duration{},
		recorder: trace.NewRecorder(),
	}
}

// addArchives writes one archive and one library manifest per name.
func (f *fixture) addArchives(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		member := strings.TrimSuffix(name, ".a") + ".o"
		path, err := f.project.AddArchive(name, epoch, member)
		require.NoError(t, err)
		if _, ok := f.ages[name]; !ok {
			f.ages[name] = time.Hour
		}
		require.NoError(t, f.project.AddLibraryManifest("kernel-"+name+".d", false, path))
	}
}

func (f *fixture) addBinaryObject(t *testing.T) {
	t.Helper()
	obj, err := f.project.AddObject("kernel-ccc.o")
	require.NoError(t, err)
	require.NoError(t, f.project.AddBinaryManifest("kernel-ccc.d", "src/main.rs:", obj))
}

func (f *fixture) resolver() *core.Resolver {
	r := core.NewResolver(f.target, core.DefaultTools(), f.fake)
	r.Clock = f.clock
	r.CreatedAt = func(path string) (time.Time, error) {
		return epoch.Add(-f.ages[filepath.Base(path)]), nil
	}
	r.Trace = f.recorder
	r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return r
}

func attemptNumber(output string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(filepath.Base(output), ".bin"))
	return n
}

func everyNth(n int) testutil.LinkFunc {
	return func(output string, _ []string) bool {
		return attemptNumber(output)%n == 0
	}
}

func TestResolve_NewestArchiveWins(t *testing.T) {
	f := newFixture(t)
	f.ages["libkernel-aaa111.a"] = 10 * time.Minute
	f.ages["libkernel-bbb222.a"] = 10 * time.Second
	f.addArchives(t, "libkernel-aaa111.a", "libkernel-bbb222.a")
	f.addBinaryObject(t)

	res, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.TerminationConverged, res.Termination)
	assert.Equal(t, 1, res.Rounds)
	assert.Len(t, res.Attempts, 36)
	assert.Len(t, res.Results, 12)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "libkernel-bbb222.a", res.Winner.Candidates.Archive.Name())
	assert.Equal(t, 2, res.Winner.Number)
	assert.Equal(t, 10*time.Second, res.Winner.ArchiveAge)
	assert.FileExists(t, res.Winner.Binary)
	assert.Empty(t, f.clock.Sleeps())
}

func TestResolve_BreakerStopsSearch(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a", "libkernel-bbb222.a")
	f.addBinaryObject(t)
	f.fake.Link = func(string, []string) bool { return false }

	r := f.resolver()
	progress := &recordingProgress{}
	r.Progress = progress

	res, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.TerminationBreaker, res.Termination)
	assert.Len(t, res.Attempts, core.DefaultBreakerThreshold)
	assert.Nil(t, res.Winner)
	assert.Equal(t, core.DefaultBreakerThreshold, res.Failures())
	assert.Len(t, f.fake.CallsTo("ld"), core.DefaultBreakerThreshold)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, progress.advances)
	assert.Equal(t, []int{30}, progress.shrinks)

	events := f.recorder.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, trace.EventSearchEnded, last.Kind)
	assert.Equal(t, string(core.TerminationBreaker), last.Reason)
	assert.Equal(t, trace.EventRoundAborted, events[len(events)-2].Kind)
	assert.Equal(t, "ld", events[0].Reason)
}

func TestResolve_SparseSuccessCoversWholeWindow(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a", "libkernel-bbb222.a")
	f.addBinaryObject(t)
	f.fake.Link = everyNth(10)

	res, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Attempts, 36)
	assert.Equal(t, core.TerminationExhausted, res.Termination)
	require.Len(t, res.Results, 1)
	require.NotNil(t, res.Winner)
	assert.Equal(t, 20, res.Winner.Number)
	assert.Equal(t, "libkernel-bbb222.a", res.Winner.Candidates.Archive.Name())
}

func TestResolve_RoundBudget(t *testing.T) {
	f := newFixture(t)
	var names []string
	for i := 0; i < 8; i++ {
		names = append(names, "libkernel-"+strconv.Itoa(i)+".a")
	}
	f.addArchives(t, names...)
	f.addBinaryObject(t)
	f.fake.Link = everyNth(10)

	r := f.resolver()
	r.Options.MaxRounds = 2

	res, err := r.Resolve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.TerminationBudget, res.Termination)
	assert.Equal(t, 2, res.Rounds)
	assert.Len(t, res.Attempts, 72)
	assert.Equal(t, []time.Duration{time.Second}, f.clock.Sleeps())

	// Round two starts one archive further along.
	second := res.Attempts[36]
	assert.Equal(t, 2, second.Round)
	assert.Equal(t, 1, second.Candidates.LibIndex)
	assert.Equal(t, 0, second.Candidates.BinIndex)
}

func TestResolve_ScratchIsolatedBetweenAttempts(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a", "libkernel-bbb222.a")
	f.addBinaryObject(t)

	var mu sync.Mutex
	var violations []string
	f.fake.Link = func(output string, objects []string) bool {
		mu.Lock()
		defer mu.Unlock()
		joined := strings.Join(objects, ",")
		if strings.Contains(joined, "libkernel-aaa111.o") && strings.Contains(joined, "libkernel-bbb222.o") {
			violations = append(violations, output)
		}
		if !strings.Contains(joined, "boot.o") {
			violations = append(violations, output+": no boot object")
		}
		return true
	}

	_, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestResolve_TestBinaryRequiresInternalModule(t *testing.T) {
	f := newFixture(t)
	p := f.project

	plain, err := p.AddArchive("libkernel-plain.a", epoch, "plain.o")
	require.NoError(t, err)
	require.NoError(t, p.AddLibraryManifest("kernel-plain.d", false, plain))
	harness, err := p.AddArchive("libkernel-harness.a", epoch, "harness.o")
	require.NoError(t, err)
	require.NoError(t, p.AddLibraryManifest("kernel-harness.d", true, harness))
	obj, err := p.AddObject("heap_alloc-5f2e.o")
	require.NoError(t, err)
	require.NoError(t, p.AddBinaryManifest("heap_alloc-5f2e.d", "tests/heap_alloc.rs:", obj))

	tgt, err := core.AnalyzeTarget(p.Dir, filepath.Join(p.DepsDir, "heap_alloc-5f2e"), "kernel")
	require.NoError(t, err)
	f.target = tgt

	objects, archives, err := f.resolver().Candidates()
	require.NoError(t, err)
	assert.Equal(t, []core.ArtifactPath{core.NewArtifactPath(harness)}, archives)
	assert.Equal(t, []core.ArtifactPath{core.NewArtifactPath(obj)}, objects)
}

func TestResolve_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a")
	f.addBinaryObject(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver().Resolve(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResolve_MissingLinkerScriptIsFatal(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a")
	require.NoError(t, removeFile(f.target.Layout.LinkerScript))

	_, err := f.resolver().Resolve(context.Background())
	var ce *core.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Empty(t, f.fake.Calls())
}

func TestResolve_VanishedArchiveFailsOnlyItsAttempts(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a", "libkernel-bbb222.a")
	f.addBinaryObject(t)
	require.NoError(t, removeFile(f.project.Archives["libkernel-aaa111.a"]))

	res, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "libkernel-bbb222.a", res.Winner.Candidates.Archive.Name())

	first := res.Attempts[0]
	assert.False(t, first.Linked)
	var te *core.ToolchainError
	require.True(t, errors.As(first.Err, &te))
	assert.Equal(t, "stage", te.Tool)
}

func TestResolve_RelativeManifestInputsUseProjectDir(t *testing.T) {
	f := newFixture(t)
	archive, err := f.project.AddArchive("libkernel-aaa111.a", epoch, "kernel-aaa111.o")
	require.NoError(t, err)
	obj, err := f.project.AddObject("kernel-ccc.o")
	require.NoError(t, err)

	relArchive, err := filepath.Rel(f.project.Dir, archive)
	require.NoError(t, err)
	relObj, err := filepath.Rel(f.project.Dir, obj)
	require.NoError(t, err)
	require.NoError(t, f.project.AddLibraryManifest("kernel-aaa111.d", false, relArchive))
	require.NoError(t, f.project.AddBinaryManifest("kernel-ccc.d", "src/main.rs:", relObj))

	res, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Winner)
	assert.Equal(t, archive, res.Winner.Candidates.Archive.Path)
	assert.Equal(t, []core.ArtifactPath{core.NewArtifactPath(obj)}, res.Objects)
	for _, a := range res.Attempts {
		assert.NoError(t, a.Err, "attempt %d", a.Number)
	}
}

func TestResolve_BinDirResetOncePerSearch(t *testing.T) {
	f := newFixture(t)
	f.addArchives(t, "libkernel-aaa111.a")
	f.addBinaryObject(t)

	stale := filepath.Join(f.target.Layout.BinDir, "99.bin")
	require.NoError(t, mkdirAll(f.target.Layout.BinDir))
	require.NoError(t, writeFile(stale, "old"))

	res, err := f.resolver().Resolve(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, res.Attempts[0].Binary)
	assert.FileExists(t, res.Attempts[35].Binary)
}

type recordingProgress struct {
	advances []int
	shrinks  []int
}

func (p *recordingProgress) Advance(n int) { p.advances = append(p.advances, n) }
func (p *recordingProgress) Shrink(n int)  { p.shrinks = append(p.shrinks, n) }
