// Package sprint runs the phase loop: plan, review the plan, execute, review
// the code, record completion, then move to the next phase until the range
// is done or something needs a human.
//
// Every transition is persisted through state.Store before the next agent
// call, and the document is re-read after every call so an out-of-band
// `sprint halt` is honoured at the next transition. A run stopped by context
// cancellation leaves the document marked running.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/boshu2/sprintops/internal/agent"
	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/operator"
	"github.com/boshu2/sprintops/internal/phase"
	"github.com/boshu2/sprintops/internal/prompt"
	"github.com/boshu2/sprintops/internal/review"
	"github.com/boshu2/sprintops/internal/roadmap"
	"github.com/boshu2/sprintops/internal/state"
	"github.com/boshu2/sprintops/internal/telemetry"
)

var tracer = telemetry.Tracer("sprint")

// Prompts renders every prompt the controller sends.
type Prompts interface {
	review.Prompts
	Planning(id phase.ID) (string, error)
	Execution(id phase.ID) (string, error)
}

// Repo is the slice of git the controller needs.
type Repo interface {
	Head(ctx context.Context) (string, error)
	Branch(ctx context.Context) (string, error)
	Dirty(ctx context.Context, ignore ...string) ([]string, error)
}

// Controller owns one sprint run.
type Controller struct {
	// PlanningDir holds ROADMAP.md, the phase directories and the sprint
	// document.
	PlanningDir string
	Store       *state.Store
	// Ledger is optional.
	Ledger *ledger.Ledger
	// Repo is optional; without it the clean-tree check is skipped and
	// checkpoints record no commit or branch.
	Repo Repo

	Primary  agent.Invoker
	Reviewer agent.Invoker
	// Prompts defaults to a prompt.Builder over the loaded roadmap.
	Prompts Prompts
	// Operator answers checkpoint and continue prompts in interactive mode.
	// Nil always declines.
	Operator      operator.Asker
	PromptTimeout time.Duration

	MaxFixRounds int
	SkipReview   bool
	// ReviewContext runs a context review before the first phase of a fresh
	// sprint when the project has a context document.
	ReviewContext    bool
	RequireCleanTree bool
	// Commands must resolve on PATH before any agent runs.
	Commands []string
	LookPath func(string) (string, error)

	Out     io.Writer
	Verbose bool
	PID     int
	Now     func() time.Time

	project *roadmap.Project
	prompts Prompts
	st      *state.SprintState
}

// Options describe a fresh sprint.
type Options struct {
	Start int
	End   int
	Mode  state.Mode
	// Force replaces an existing running or halted sprint.
	Force bool
}

// Start validates the environment, writes a fresh sprint document and runs
// the loop.
func (c *Controller) Start(ctx context.Context, opts Options) error {
	if err := c.preflight(ctx, preflightStart, opts); err != nil {
		return err
	}
	var ids []phase.ID
	for _, ph := range c.project.PhasesInRange(opts.Start, opts.End) {
		ids = append(ids, ph.ID)
	}
	st, err := c.Store.Initialize(state.InitOptions{
		Start:  opts.Start,
		End:    opts.End,
		Phases: ids,
		Mode:   opts.Mode,
		Force:  opts.Force,
		PID:    c.pid(),
	})
	if err != nil {
		return environment(err, "%v", err)
	}
	c.st = st
	c.record(ledger.ActionStart, st.CurrentPhase, map[string]any{
		"start": opts.Start, "end": opts.End, "mode": st.Mode, "phases": len(ids),
	})
	c.printf("Sprint %s started: phases %d-%d (%s, %d phases)\n", shortID(st.RunID), opts.Start, opts.End, st.Mode, len(ids))

	if c.ReviewContext && !c.SkipReview {
		if err := c.reviewContext(ctx, ids[0]); err != nil {
			return c.halt(ctx, ids[0], err)
		}
	}
	return c.run(ctx)
}

// Resume re-enters a halted sprint at its recorded phase and step.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.preflight(ctx, preflightResume, Options{}); err != nil {
		return err
	}
	st, err := c.Store.Resume(c.pid())
	if err != nil {
		return environment(err, "cannot resume: %v", err)
	}
	c.st = st
	c.record(ledger.ActionResume, st.CurrentPhase, map[string]any{"step": st.PhaseStep})
	step := string(st.PhaseStep)
	if step == "" {
		step = "start"
	}
	c.printf("Resuming sprint %s at phase %s (after %s)\n", shortID(st.RunID), st.CurrentPhase, step)
	return c.run(ctx)
}

// run loops over phases from the current one to the end of the range.
func (c *Controller) run(ctx context.Context) (retErr error) {
	ctx, span := tracer.Start(ctx, "sprint.run", oteltrace.WithAttributes(
		attribute.String("sprint.run_id", c.st.RunID),
		attribute.Int("sprint.start", c.st.StartPhase),
		attribute.Int("sprint.end", c.st.EndPhase),
		attribute.String("sprint.mode", string(c.st.Mode)),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	for {
		id, err := c.st.Current()
		if err != nil {
			return environment(err, "current_phase %q: %v", c.st.CurrentPhase, err)
		}
		// A process that died between recording a phase and advancing
		// leaves current_phase on a completed row.
		if rec, ok := c.st.Record(id); ok && rec.Status == state.PhaseComplete {
			c.printf("Phase %s already complete; skipping\n", id.Canonical())
		} else if err := c.runPhase(ctx, id); err != nil {
			return c.halt(ctx, id, err)
		}

		next, ok := c.project.Next(id, c.st.StartPhase, c.st.EndPhase)
		if !ok {
			return c.complete()
		}
		if err := c.Store.WriteFields(
			state.Field{Name: state.FieldCurrentPhase, Value: next.ID.Canonical()},
			state.Field{Name: state.FieldPhaseStep, Value: state.StepNone},
		); err != nil {
			return fmt.Errorf("advance to phase %s: %w", next.ID.Canonical(), err)
		}
		c.st.CurrentPhase = next.ID.Canonical()
		c.st.PhaseStep = state.StepNone

		if c.st.Mode == state.ModeInteractive {
			q := fmt.Sprintf("Phase %s complete. Continue to phase %s?", id.Canonical(), next.ID.Canonical())
			ok, err := c.confirm(ctx, q)
			if err != nil {
				return err
			}
			if !ok {
				return c.halt(ctx, next.ID, halt(HaltOperator,
					"operator stopped after phase %s; phase %s not started", id.Canonical(), next.ID.Canonical()))
			}
		}
	}
}

// halt persists status=halted with a reason and returns the HaltError.
// Cancellation is not a halt: the document stays running.
func (c *Controller) halt(ctx context.Context, id phase.ID, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sprint interrupted at phase %s: %w", id.Canonical(), ctx.Err())
	}
	h, ok := AsHalt(err)
	if !ok {
		h = &HaltError{Kind: HaltAgent, Reason: err.Error(), Err: err}
	}
	if h.Phase == "" {
		h.Phase = id.Canonical()
	}
	if !h.external {
		if werr := c.Store.Halt(fmt.Sprintf("phase %s: %s", h.Phase, h.Reason)); werr != nil {
			return errors.Join(h, fmt.Errorf("persist halt: %w", werr))
		}
	}
	c.record(ledger.ActionHalt, h.Phase, map[string]any{"kind": h.Kind, "reason": h.Reason})
	return h
}

func (c *Controller) complete() error {
	if err := c.Store.Complete(); err != nil {
		return fmt.Errorf("mark sprint complete: %w", err)
	}
	c.st.Status = state.StatusComplete
	c.record(ledger.ActionComplete, c.st.CurrentPhase, map[string]any{
		"start": c.st.StartPhase, "end": c.st.EndPhase,
	})
	c.printf("\n=== Sprint complete: phases %d-%d ===\n", c.st.StartPhase, c.st.EndPhase)
	return nil
}

// refresh re-reads the document after an agent call. A status other than
// running means someone halted the sprint out of band.
func (c *Controller) refresh() error {
	fresh, err := c.Store.Load()
	if err != nil {
		return environment(err, "re-read sprint state: %v", err)
	}
	c.st = fresh
	if fresh.Status != state.StatusRunning {
		reason := fresh.Reason()
		if reason == "" {
			reason = string(fresh.Status)
		}
		return &HaltError{Kind: HaltOperator, Reason: "halted out of band: " + reason, external: true}
	}
	return nil
}

// invoke calls inv and re-reads persisted state afterwards.
func (c *Controller) invoke(ctx context.Context, inv agent.Invoker, what, prompt string) (*agent.Transcript, error) {
	c.verbosef("Invoking %s (%d byte prompt)\n", what, len(prompt))
	tr, err := inv.Invoke(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &HaltError{Kind: HaltAgent, Reason: fmt.Sprintf("%s failed: %v", what, err), Err: err}
	}
	if err := c.refresh(); err != nil {
		return nil, err
	}
	c.verbosef("%s finished in %s (%d tool calls)\n", what, tr.Duration.Round(time.Second), tr.Progress.ToolCount)
	return tr, nil
}

// confirm asks the operator a yes/no question. Timeouts and a missing
// operator decline.
func (c *Controller) confirm(ctx context.Context, question string) (bool, error) {
	if c.Operator == nil {
		return false, nil
	}
	timeout := c.PromptTimeout
	if timeout <= 0 {
		timeout = operator.DefaultTimeout
	}
	answer, err := c.Operator.Ask(ctx, question, timeout)
	if err != nil {
		return false, err
	}
	if answer.TimedOut {
		c.printf("No answer within %s; treating as no.\n", timeout)
	}
	return operator.Affirmative(answer), nil
}

func (c *Controller) record(action, ph string, details any) {
	if c.Ledger == nil || c.st == nil {
		return
	}
	if _, err := c.Ledger.Append(ledger.Event{
		RunID:   c.st.RunID,
		Phase:   ph,
		Action:  action,
		Details: details,
	}); err != nil {
		c.verbosef("Warning: could not append %s to ledger: %v\n", action, err)
	}
}

func (c *Controller) printf(format string, args ...any) {
	if c.Out == nil {
		return
	}
	fmt.Fprintf(c.Out, format, args...) //nolint:errcheck
}

func (c *Controller) verbosef(format string, args ...any) {
	if c.Verbose {
		c.printf(format, args...)
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) pid() int {
	if c.PID != 0 {
		return c.PID
	}
	return os.Getpid()
}

func (c *Controller) lookPath(name string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(name)
	}
	return exec.LookPath(name)
}

// baseCommit returns the commit recorded by the first checkpoint of id, so
// the code reviewer sees every commit of the phase even across resumes.
func (c *Controller) baseCommit(id phase.ID) string {
	if c.st == nil {
		return ""
	}
	want := "phase=" + id.Canonical()
	for _, line := range c.st.Checkpoints {
		fields := strings.Fields(line)
		var matched bool
		for _, f := range fields {
			if f == want {
				matched = true
			}
			if matched && strings.HasPrefix(f, "commit=") {
				if commit := strings.TrimPrefix(f, "commit="); commit != "none" {
					return commit
				}
			}
		}
	}
	return ""
}

func (c *Controller) usePrompts() {
	if c.Prompts != nil {
		c.prompts = c.Prompts
		return
	}
	c.prompts = &prompt.Builder{Project: c.project, BaseCommit: c.baseCommit}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
