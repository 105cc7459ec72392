package sprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/boshu2/sprintops/internal/roadmap"
	"github.com/boshu2/sprintops/internal/state"
)

type preflightMode int

const (
	preflightStart preflightMode = iota
	preflightResume
)

// ledgerDir is the planning subdirectory holding the ledger and transcripts.
const ledgerDir = "sprint"

// preflight fails fast, before any agent runs, when the environment cannot
// support a run. Every failed check is reported, not only the first.
func (c *Controller) preflight(ctx context.Context, mode preflightMode, opts Options) error {
	if c.Store == nil || c.Primary == nil || c.Reviewer == nil {
		return errors.New("controller requires a store, a primary agent and a review agent")
	}
	var problems []string
	var errs []error
	fail := func(err error, format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
		if err != nil {
			errs = append(errs, err)
		}
	}

	project, err := roadmap.Load(c.PlanningDir)
	if err != nil {
		fail(err, "%v", err)
	}
	c.project = project

	if mode == preflightStart {
		switch {
		case opts.Start < 0 || opts.End < 0:
			fail(state.ErrInvalidRange, "phase range %d-%d must be non-negative", opts.Start, opts.End)
		case opts.Start > opts.End:
			fail(state.ErrInvalidRange, "start phase %d is after end phase %d", opts.Start, opts.End)
		case project != nil && len(project.PhasesInRange(opts.Start, opts.End)) == 0:
			fail(state.ErrInvalidRange, "no phases between %d and %d", opts.Start, opts.End)
		}

		if !opts.Force {
			existing, err := c.Store.Load()
			switch {
			case err == nil && existing.Active():
				fail(state.ErrActiveSprint, "a sprint is already %s at phase %s (resume it, halt it, or pass --force)",
					existing.Status, existing.CurrentPhase)
			case err != nil && !errors.Is(err, state.ErrNoSprint):
				fail(err, "existing sprint state is unreadable: %v", err)
			}
		}

		if c.RequireCleanTree && c.Repo != nil {
			dirty, err := c.Repo.Dirty(ctx, c.ignoredPaths()...)
			switch {
			case err != nil:
				fail(err, "check working tree: %v", err)
			case len(dirty) > 0:
				fail(nil, "working tree has uncommitted changes: %s", summarize(dirty, 5))
			}
		}
	}

	for _, name := range c.Commands {
		if _, err := c.lookPath(name); err != nil {
			fail(err, "agent command %q not found on PATH", name)
		}
	}

	if len(problems) > 0 {
		return &HaltError{
			Kind:   HaltEnvironment,
			Reason: "pre-flight failed: " + strings.Join(problems, "; "),
			Err:    errors.Join(errs...),
		}
	}
	c.usePrompts()
	return nil
}

// ignoredPaths are the controller's own artifacts, relative to the
// repository root as git reports them.
func (c *Controller) ignoredPaths() []string {
	dir := filepath.Clean(c.PlanningDir)
	return []string{filepath.Join(dir, state.DefaultFile), filepath.Join(dir, ledgerDir)}
}

func summarize(items []string, limit int) string {
	if len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:limit], ", "), len(items)-limit)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
