package sprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/boshu2/sprintops/internal/gitrepo"
	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/phase"
	"github.com/boshu2/sprintops/internal/review"
	"github.com/boshu2/sprintops/internal/signal"
	"github.com/boshu2/sprintops/internal/state"
)

// maxReasonIssues bounds how many reviewer issues go into a halt reason.
const maxReasonIssues = 3

// phaseRun carries what one phase accumulates for its Progress row.
type phaseRun struct {
	id     phase.ID
	review review.Outcome
	notes  []string
}

// runPhase replays the steps of id that phase_step says are not done yet.
func (c *Controller) runPhase(ctx context.Context, id phase.ID) (retErr error) {
	ctx, span := tracer.Start(ctx, "sprint.phase", oteltrace.WithAttributes(
		attribute.String("sprint.phase", id.Canonical()),
		attribute.String("sprint.resume_step", string(c.st.PhaseStep)),
	))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	title := c.project.Title(id)
	if title != "" {
		title = ": " + title
	}
	c.printf("\n--- Phase %s%s ---\n", id.Canonical(), title)
	started := c.now()

	if err := c.checkpoint(ctx, id); err != nil {
		return err
	}
	if err := c.Store.RecordPhaseStatus(id, state.PhaseRunning); err != nil {
		return fmt.Errorf("record phase %s running: %w", id.Canonical(), err)
	}
	c.record(ledger.ActionPhaseStart, id.Canonical(), map[string]any{"step": c.st.PhaseStep})

	run := &phaseRun{id: id, review: review.Approved}
	steps := []struct {
		done state.Step
		fn   func(context.Context, *phaseRun) error
	}{
		{state.StepPlanned, c.plan},
		{state.StepPlanReviewed, c.reviewPlan},
		{state.StepExecuted, c.execute},
		{state.StepCodeReviewed, c.reviewCode},
	}
	for _, s := range steps {
		if c.st.PhaseStep.Done(s.done) {
			c.verbosef("Skipping %s: already done\n", s.done)
			continue
		}
		if err := s.fn(ctx, run); err != nil {
			return err
		}
		if err := c.setStep(id, s.done); err != nil {
			return err
		}
	}

	elapsed := c.now().Sub(started)
	if err := c.Store.RecordPhaseComplete(id, elapsed, string(run.review), strings.Join(run.notes, "; ")); err != nil {
		return fmt.Errorf("record phase %s complete: %w", id.Canonical(), err)
	}
	c.record(ledger.ActionPhaseComplete, id.Canonical(), map[string]any{
		"duration": state.FormatDuration(elapsed), "review": run.review,
	})
	c.printf("Phase %s completed in %s\n", id.Canonical(), state.FormatDuration(elapsed))
	return nil
}

// checkpoint appends the audit line tying this phase iteration to a commit,
// the checked-out branch and a document hash.
func (c *Controller) checkpoint(ctx context.Context, id phase.ID) error {
	var commit, branch string
	if c.Repo != nil {
		head, err := c.Repo.Head(ctx)
		if err != nil {
			c.verbosef("Warning: no commit for checkpoint: %v\n", err)
		}
		commit = head
		branch, err = c.Repo.Branch(ctx)
		switch {
		case errors.Is(err, gitrepo.ErrDetachedHEAD):
			branch = "detached"
		case err != nil:
			c.verbosef("Warning: no branch for checkpoint: %v\n", err)
			branch = ""
		}
	}
	hash, err := c.Store.Hash()
	if err != nil {
		return fmt.Errorf("hash sprint state: %w", err)
	}
	cp := state.Checkpoint{Time: c.now(), Phase: id.Canonical(), Commit: commit, Branch: branch, StateHash: hash}
	if c.st.PhaseStep != state.StepNone {
		cp.Note = "resume after " + string(c.st.PhaseStep)
	}
	if err := c.Store.AppendCheckpoint(cp); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	c.st.Checkpoints = append(c.st.Checkpoints, cp.String())
	c.record(ledger.ActionCheckpoint, id.Canonical(), map[string]any{"commit": commit, "branch": branch, "state_hash": hash})
	return nil
}

func (c *Controller) setStep(id phase.ID, step state.Step) error {
	if err := c.Store.WriteField(state.FieldPhaseStep, step); err != nil {
		return fmt.Errorf("record phase %s step %s: %w", id.Canonical(), step, err)
	}
	c.st.PhaseStep = step
	c.record(ledger.ActionStep, id.Canonical(), map[string]any{"step": step})
	return nil
}

// plan invokes the primary agent unless plan artifacts already exist.
func (c *Controller) plan(ctx context.Context, run *phaseRun) error {
	if c.project.HasPlans(run.id) {
		c.printf("Plans for phase %s already exist; skipping planning\n", run.id.Canonical())
		return nil
	}
	c.printf("Planning phase %s\n", run.id.Canonical())
	p, err := c.prompts.Planning(run.id)
	if err != nil {
		return fmt.Errorf("render planning prompt: %w", err)
	}
	tr, err := c.invoke(ctx, c.Primary, "planning agent", p)
	if err != nil {
		return err
	}
	sig := signal.Parse(tr.Text)
	switch sig.Kind {
	case signal.PlanningComplete, signal.PhaseComplete:
		return nil
	case signal.None:
		return halt(HaltProtocol, "no completion signal during planning")
	case signal.Error:
		return halt(HaltAgent, "planning error: %s", orUnknown(sig.Detail))
	default:
		return halt(HaltProtocol, "unexpected %s during planning: %s", sig.Kind.Marker(), orUnknown(sig.Detail))
	}
}

// execute invokes the primary agent on the phase's plans and dispatches on
// its terminal signal.
func (c *Controller) execute(ctx context.Context, run *phaseRun) error {
	c.printf("Executing phase %s\n", run.id.Canonical())
	p, err := c.prompts.Execution(run.id)
	if err != nil {
		return fmt.Errorf("render execution prompt: %w", err)
	}
	tr, err := c.invoke(ctx, c.Primary, "execution agent", p)
	if err != nil {
		return err
	}
	sig := signal.Parse(tr.Text)
	switch sig.Kind {
	case signal.PhaseComplete:
		return nil
	case signal.VerificationFailed:
		return halt(HaltVerificationGap, "verification failed; re-plan the phase before resuming")
	case signal.Checkpoint:
		return c.resolveCheckpoint(ctx, run, sig)
	case signal.None:
		return halt(HaltProtocol, "no completion signal during execution")
	case signal.Error:
		return halt(HaltAgent, "execution error: %s", orUnknown(sig.Detail))
	default:
		return halt(HaltProtocol, "unexpected %s during execution", sig.Kind.Marker())
	}
}

// resolveCheckpoint applies the checkpoint policy: auth gates always halt,
// other types ask the operator in interactive mode and pass in unattended
// mode.
func (c *Controller) resolveCheckpoint(ctx context.Context, run *phaseRun, sig signal.Signal) error {
	kind := sig.CheckpointType
	if kind == "" {
		kind = "unspecified"
	}
	if sig.IsAuthGate() {
		return halt(HaltHumanGate, "auth gate checkpoint needs credentials: %s", orUnknown(sig.Detail))
	}
	if c.st.Mode == state.ModeUnattended {
		c.printf("Checkpoint (%s) auto-resolved in unattended mode: %s\n", kind, firstLine(sig.Detail))
		run.notes = append(run.notes, fmt.Sprintf("checkpoint %s auto-resolved", kind))
		return nil
	}
	q := fmt.Sprintf("Checkpoint (%s) in phase %s:\n%s\nContinue to code review?", kind, run.id.Canonical(), sig.Detail)
	ok, err := c.confirm(ctx, q)
	if err != nil {
		return err
	}
	if !ok {
		return halt(HaltHumanGate, "operator declined %s checkpoint: %s", kind, firstLine(sig.Detail))
	}
	run.notes = append(run.notes, fmt.Sprintf("checkpoint %s approved", kind))
	return nil
}

func (c *Controller) reviewPlan(ctx context.Context, run *phaseRun) error {
	_, err := c.gate(ctx, review.KindPlan, run.id)
	return err
}

func (c *Controller) reviewCode(ctx context.Context, run *phaseRun) error {
	outcome, err := c.gate(ctx, review.KindCode, run.id)
	if err != nil {
		return err
	}
	run.review = outcome
	return nil
}

func (c *Controller) reviewContext(ctx context.Context, id phase.ID) error {
	if !fileExists(c.project.ContextPath()) {
		c.verbosef("No %s; skipping context review\n", c.project.ContextPath())
		return nil
	}
	_, err := c.gate(ctx, review.KindContext, id)
	return err
}

// gate runs one review loop and turns a failed outcome into a halt.
func (c *Controller) gate(ctx context.Context, kind review.Kind, id phase.ID) (review.Outcome, error) {
	if c.SkipReview {
		c.printf("Skipping %s review\n", kind)
		c.record(ledger.ActionReviewRound, id.Canonical(), map[string]any{"kind": kind, "outcome": review.Skipped})
		return review.Skipped, nil
	}
	c.printf("Reviewing %s for phase %s\n", kind, id.Canonical())
	loop := &review.Loop{
		Reviewer:    c.Reviewer,
		Fixer:       c.Primary,
		Prompts:     c.prompts,
		MaxRounds:   c.MaxFixRounds,
		OnRound:     c.onRound,
		AfterInvoke: c.refresh,
	}
	res, err := loop.Run(ctx, kind, id)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if _, ok := AsHalt(err); ok {
			return "", err
		}
		return "", &HaltError{Kind: HaltAgent, Reason: fmt.Sprintf("%s review: %v", kind, err), Err: err}
	}
	if !res.Outcome.Passed() {
		return "", halt(HaltReviewRejection, "%s review %s after %d fix round(s)%s",
			kind, res.Outcome, res.Rounds, issueSuffix(res.Issues))
	}
	c.printf("%s review %s after %d fix round(s)\n", capitalize(string(kind)), res.Outcome, res.Rounds)
	return res.Outcome, nil
}

// onRound records one review call in Validation History and the ledger.
func (c *Controller) onRound(r review.Round) {
	verdict := r.Verdict.String()
	if !r.Verdict.Recognized {
		verdict += " (no marker)"
	}
	c.printf("  %s review round %d: %s", r.Kind, r.Round, verdict)
	if n := len(r.Verdict.Issues); n > 0 {
		c.printf(" (%d issue(s))", n)
	}
	c.printf("\n")
	entry := state.ValidationEntry{
		Time:    c.now().UTC().Format(time.RFC3339),
		Phase:   r.Phase.Canonical(),
		Kind:    string(r.Kind),
		Round:   r.Round,
		Verdict: verdict,
		Issues:  strings.Join(r.Verdict.Issues, "; "),
	}
	if err := c.Store.AppendValidation(entry); err != nil {
		c.verbosef("Warning: could not record validation round: %v\n", err)
	}
	c.record(ledger.ActionReviewRound, r.Phase.Canonical(), map[string]any{
		"kind": r.Kind, "round": r.Round, "verdict": verdict, "issues": r.Verdict.Issues,
	})
}

func issueSuffix(issues []string) string {
	if len(issues) == 0 {
		return ""
	}
	shown := issues
	if len(shown) > maxReasonIssues {
		shown = shown[len(shown)-maxReasonIssues:]
	}
	return ": " + strings.Join(shown, "; ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return orUnknown(line)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(no detail)"
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
