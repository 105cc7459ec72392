// Package review runs the bounded review/repair cycle against a review agent
// and a fixer agent.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/boshu2/sprintops/internal/agent"
	"github.com/boshu2/sprintops/internal/phase"
	"github.com/boshu2/sprintops/internal/signal"
	"github.com/boshu2/sprintops/internal/telemetry"
)

var tracer = telemetry.Tracer("review")

// DefaultMaxRounds is the repair ceiling for one review target.
const DefaultMaxRounds = 5

// Kind is the review target.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindCode    Kind = "code"
	KindContext Kind = "context"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPlan, KindCode, KindContext:
		return k, nil
	}
	return "", fmt.Errorf("unknown review kind %q (want plan, code or context)", s)
}

// Outcome is the terminal result of a loop.
type Outcome string

const (
	Approved            Outcome = "approved"
	Unfixable           Outcome = "unfixable"
	ExceededRetryBudget Outcome = "exceeded-retry-budget"
	// Skipped is recorded when review is disabled for a run.
	Skipped Outcome = "skipped"
)

// Passed reports whether the outcome lets the phase advance.
func (o Outcome) Passed() bool {
	return o == Approved || o == Skipped
}

// Verdict markers.
const (
	MarkerProceed = "[PROCEED]"
	MarkerHalt    = "[HALT]"
)

// Verdict is the parsed reply of the review agent.
type Verdict struct {
	Proceed bool
	Issues  []string
	// Recognized is false when the reply carried no marker and the verdict
	// defaulted to proceed.
	Recognized bool
}

func (v Verdict) String() string {
	if v.Proceed {
		return "PROCEED"
	}
	return "HALT"
}

// ParseVerdict reads the first line that begins with [PROCEED] or [HALT].
// Issues are the text after [HALT] on that line plus every following
// non-blank line. A reply with neither marker proceeds.
func ParseVerdict(reply string) Verdict {
	lines := strings.Split(strings.ReplaceAll(reply, "\r\n", "\n"), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, MarkerProceed):
			return Verdict{Proceed: true, Recognized: true}
		case strings.HasPrefix(trimmed, MarkerHalt):
			var issues []string
			if first := strings.TrimSpace(strings.TrimPrefix(trimmed, MarkerHalt)); first != "" {
				issues = append(issues, first)
			}
			for _, rest := range lines[i+1:] {
				if rest = strings.TrimSpace(rest); rest != "" {
					issues = append(issues, rest)
				}
			}
			return Verdict{Issues: issues, Recognized: true}
		}
	}
	return Verdict{Proceed: true}
}

// Result is the outcome of one loop plus every issue raised along the way.
type Result struct {
	Outcome Outcome
	// Rounds counts completed fixer passes.
	Rounds int
	Issues []string
}

// Round describes one review call, reported through Loop.OnRound.
type Round struct {
	Kind  Kind
	Phase phase.ID
	// Round is 1 for the first review call of a loop.
	Round   int
	Verdict Verdict
}

// Prompts renders the review and fix prompts.
type Prompts interface {
	Review(kind Kind, id phase.ID) (string, error)
	Fix(kind Kind, id phase.ID, issues []string) (string, error)
}

// Loop drives review and repair until approval, a broken fixer or the round
// ceiling.
type Loop struct {
	Reviewer  agent.Invoker
	Fixer     agent.Invoker
	Prompts   Prompts
	MaxRounds int
	// OnRound, when set, is called after every review call.
	OnRound func(Round)
	// AfterInvoke, when set, runs after every agent call; a non-nil error
	// aborts the loop.
	AfterInvoke func() error
}

// Run reviews kind for phase id.
func (l *Loop) Run(ctx context.Context, kind Kind, id phase.ID) (Result, error) {
	if l.Reviewer == nil || l.Fixer == nil || l.Prompts == nil {
		return Result{}, errors.New("review loop requires a reviewer, a fixer and prompts")
	}
	limit := l.MaxRounds
	if limit <= 0 {
		limit = DefaultMaxRounds
	}

	var res Result
	for {
		verdict, err := l.review(ctx, kind, id, res.Rounds)
		if err != nil {
			return res, err
		}
		if verdict.Proceed {
			res.Outcome = Approved
			return res, nil
		}
		res.Issues = append(res.Issues, verdict.Issues...)
		if res.Rounds >= limit {
			res.Outcome = ExceededRetryBudget
			return res, nil
		}

		prompt, err := l.Prompts.Fix(kind, id, verdict.Issues)
		if err != nil {
			return res, fmt.Errorf("render %s fix prompt: %w", kind, err)
		}
		tr, err := l.Fixer.Invoke(ctx, prompt)
		if err != nil {
			return res, fmt.Errorf("%s fixer: %w", kind, err)
		}
		if err := l.after(); err != nil {
			return res, err
		}
		if !signal.Contains(tr.Text, signal.FixComplete) {
			res.Outcome = Unfixable
			return res, nil
		}
		res.Rounds++
	}
}

func (l *Loop) review(ctx context.Context, kind Kind, id phase.ID, round int) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "review.round", oteltrace.WithAttributes(
		attribute.String("review.kind", string(kind)),
		attribute.String("review.phase", id.Canonical()),
		attribute.Int("review.round", round+1),
	))
	defer span.End()

	prompt, err := l.Prompts.Review(kind, id)
	if err != nil {
		return Verdict{}, fmt.Errorf("render %s review prompt: %w", kind, err)
	}
	tr, err := l.Reviewer.Invoke(ctx, prompt)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s reviewer: %w", kind, err)
	}
	if err := l.after(); err != nil {
		return Verdict{}, err
	}
	verdict := ParseVerdict(tr.Text)
	span.SetAttributes(attribute.String("review.verdict", verdict.String()))
	if l.OnRound != nil {
		l.OnRound(Round{Kind: kind, Phase: id, Round: round + 1, Verdict: verdict})
	}
	return verdict, nil
}

func (l *Loop) after() error {
	if l.AfterInvoke == nil {
		return nil
	}
	return l.AfterInvoke()
}
