package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"osc/internal/core"
	"osc/internal/state"
)

// watch images the crate once, then again whenever the compiler writes new
// output into the deps directory. Events are debounced and builds run one
// at a time on the watch goroutine, so a burst of compiler writes yields a
// single rebuild. A failed build is logged and watching continues.
// Cancelling ctx ends the watch successfully.
func (s *session) watch(ctx context.Context) (CLIResult, error) {
	depsDir := filepath.Join(s.project.ProfileDir(s.inv.Release), core.DepsDirName)
	if info, err := os.Stat(depsDir); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		err = &core.ConfigError{Code: core.CodeDirMissing, Path: depsDir, Err: fmt.Errorf("%w (run cargo build first)", err)}
		return CLIResult{ExitCode: ExitConfigError, Outcome: OutcomeFailed}, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed}, fmt.Errorf("watch init failed: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(depsDir); err != nil {
		return CLIResult{ExitCode: ExitInternalError, Outcome: OutcomeFailed}, fmt.Errorf("watching %s: %w", depsDir, err)
	}

	artifact := s.project.DefaultArtifact(s.inv.Release)
	s.logger.Info("watching compiler output", "dir", depsDir, "debounce", s.opts.Debounce)

	stopped := CLIResult{ExitCode: ExitSuccess, Outcome: OutcomeWatchStopped}
	last := s.rebuild(ctx, artifact)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			stopped.RunID = last.RunID
			stopped.Resolution = last.Resolution
			stopped.Image = last.Image
			return stopped, nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return stopped, nil
			}
			if !triggersRebuild(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.opts.Debounce)
			} else {
				timer.Reset(s.opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return stopped, nil
			}
			s.logger.Warn("watch error", "error", err)
		case <-fire:
			fire = nil
			last = s.rebuild(ctx, artifact)
		}
	}
}

func (s *session) rebuild(ctx context.Context, artifact string) CLIResult {
	res, err := s.orchestrate(ctx, state.ModeWatch, artifact)
	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.Error("build failed", "error", err, "exit_code", res.ExitCode)
	case res.Image != nil:
		fmt.Fprintln(s.opts.Stdout, res.Image.Path)
	}
	return res
}

// triggersRebuild reports whether ev is new compiler output. Removals are
// ignored, which also keeps duplicate cleanup from retriggering a build.
func triggersRebuild(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	switch core.KindOf(ev.Name) {
	case core.KindArchive, core.KindObject, core.KindManifest:
		return true
	default:
		return false
	}
}
