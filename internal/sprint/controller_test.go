package sprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boshu2/sprintops/internal/agent"
	"github.com/boshu2/sprintops/internal/gitrepo"
	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/operator"
	"github.com/boshu2/sprintops/internal/phase"
	"github.com/boshu2/sprintops/internal/signal"
	"github.com/boshu2/sprintops/internal/state"
)

const twoPhaseRoadmap = `# Roadmap

## Phase 3: Auth
## Phase 4: Billing
`

var planPhasePattern = regexp.MustCompile(`Plan phase (\d+(?:\.\d+)*)`)

// fakePrimary plays the primary agent. Planning writes a plan file so the
// phase directory looks real; replies are chosen per prompt kind.
type fakePrimary struct {
	planningDir string

	mu       sync.Mutex
	planning int
	exec     int
	fix      int

	planReply string
	// execReplies are consumed in order; the last one repeats.
	execReplies []string
	fixReply    string
	onExec      func()
}

func (f *fakePrimary) Invoke(ctx context.Context, prompt string) (*agent.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(prompt, "Issues, verbatim"):
		f.fix++
		return &agent.Transcript{Text: f.fixReply}, nil
	case strings.Contains(prompt, "Plan phase "):
		f.planning++
		m := planPhasePattern.FindStringSubmatch(prompt)
		if m == nil {
			return nil, fmt.Errorf("no phase in planning prompt")
		}
		dir := filepath.Join(f.planningDir, "phases", m[1]+"-work")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "01-PLAN.md"), []byte("# plan\n"), 0o644); err != nil {
			return nil, err
		}
		return &agent.Transcript{Text: f.planReply}, nil
	case strings.Contains(prompt, "Execute phase "):
		f.exec++
		if f.onExec != nil {
			f.onExec()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		reply := f.execReplies[len(f.execReplies)-1]
		if f.exec <= len(f.execReplies) {
			reply = f.execReplies[f.exec-1]
		}
		return &agent.Transcript{Text: reply}, nil
	}
	return nil, fmt.Errorf("unexpected prompt: %.80s", prompt)
}

// fakeReviewer replies from a script; the last reply repeats.
type fakeReviewer struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeReviewer) Invoke(_ context.Context, _ string) (*agent.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	reply := f.replies[len(f.replies)-1]
	if f.calls <= len(f.replies) {
		reply = f.replies[f.calls-1]
	}
	return &agent.Transcript{Text: reply}, nil
}

type fakeOperator struct {
	answers   []operator.Answer
	questions []string
}

func (f *fakeOperator) Ask(_ context.Context, q string, _ time.Duration) (operator.Answer, error) {
	f.questions = append(f.questions, q)
	if len(f.answers) == 0 {
		return operator.Answer{TimedOut: true}, nil
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a, nil
}

type fakeRepo struct {
	head      string
	branch    string
	branchErr error
	dirty     []string
}

func (r *fakeRepo) Head(context.Context) (string, error) { return r.head, nil }

func (r *fakeRepo) Branch(context.Context) (string, error) { return r.branch, r.branchErr }

func (r *fakeRepo) Dirty(_ context.Context, ignore ...string) ([]string, error) {
	var out []string
	for _, p := range r.dirty {
		skip := false
		for _, ig := range ignore {
			if p == ig || strings.HasPrefix(p, ig+"/") {
				skip = true
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	return out, nil
}

type harness struct {
	c        *Controller
	primary  *fakePrimary
	reviewer *fakeReviewer
	out      *bytes.Buffer
	store    *state.Store
	ledger   *ledger.Ledger
}

func newHarness(t *testing.T, roadmapBody string) *harness {
	t.Helper()
	planning := filepath.Join(t.TempDir(), ".planning")
	require.NoError(t, os.MkdirAll(planning, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(planning, "ROADMAP.md"), []byte(roadmapBody), 0o644))

	h := &harness{
		primary: &fakePrimary{
			planningDir: planning,
			planReply:   "plans written\n" + signal.MarkerPlanningComplete,
			execReplies: []string{"done\n" + signal.MarkerPhaseComplete},
			fixReply:    "fixed\n" + signal.MarkerFixComplete,
		},
		reviewer: &fakeReviewer{replies: []string{"[PROCEED]"}},
		out:      &bytes.Buffer{},
		store:    state.NewStore(filepath.Join(planning, state.DefaultFile)),
		ledger:   ledger.Open(filepath.Join(planning, ledger.DefaultFile)),
	}
	h.c = h.controller()
	return h
}

// controller returns a fresh controller over the same files, as a new
// process would build it.
func (h *harness) controller() *Controller {
	return &Controller{
		PlanningDir: filepath.Dir(h.store.Path()),
		Store:       h.store,
		Ledger:      h.ledger,
		Primary:     h.primary,
		Reviewer:    h.reviewer,
		Out:         h.out,
		PID:         4242,
	}
}

func (h *harness) load(t *testing.T) *state.SprintState {
	t.Helper()
	st, err := h.store.Load()
	require.NoError(t, err)
	return st
}

func unattended(start, end int) Options {
	return Options{Start: start, End: end, Mode: state.ModeUnattended}
}

func statuses(st *state.SprintState) map[string]string {
	out := map[string]string{}
	for _, r := range st.Progress {
		out[r.Phase] = string(r.Status) + "/" + r.Review
	}
	return out
}

func requireHalt(t *testing.T, err error, kind HaltKind) *HaltError {
	t.Helper()
	require.Error(t, err)
	h, ok := AsHalt(err)
	require.True(t, ok, "expected HaltError, got %v", err)
	assert.Equal(t, kind, h.Kind, h.Reason)
	return h
}

func TestStart_SinglePhaseHappyPath(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))

	st := h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.NotEmpty(t, st.Completed)
	require.Len(t, st.Progress, 1)
	assert.Equal(t, "03", st.Progress[0].Phase)
	assert.Equal(t, state.PhaseComplete, st.Progress[0].Status)
	assert.Equal(t, "approved", st.Progress[0].Review)

	assert.Equal(t, 1, h.primary.planning)
	assert.Equal(t, 1, h.primary.exec)
	assert.Equal(t, 0, h.primary.fix)
	assert.Equal(t, 2, h.reviewer.calls)
	assert.Len(t, st.History, 2)

	res, err := h.ledger.Verify()
	require.NoError(t, err)
	assert.True(t, res.Pass)
	records, err := h.ledger.Read()
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionStart, records[0].Action)
	assert.Equal(t, ledger.ActionComplete, records[len(records)-1].Action)
	assert.Contains(t, h.out.String(), "Sprint complete")
}

func TestStart_CompletesEveryPhaseInRange(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 4)))

	st := h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Equal(t, map[string]string{"03": "complete/approved", "04": "complete/approved"}, statuses(st))
	assert.Equal(t, 2, h.primary.planning)
	assert.Equal(t, 2, h.primary.exec)
	assert.Len(t, st.Checkpoints, 3, "one per phase start plus the completion line")
}

func TestStart_FallsBackToIntegerPhases(t *testing.T) {
	h := newHarness(t, "# Roadmap\n\nNothing structured yet.\n")

	require.NoError(t, h.c.Start(context.Background(), unattended(1, 2)))
	assert.Equal(t, map[string]string{"01": "complete/approved", "02": "complete/approved"}, statuses(h.load(t)))
}

func TestStart_SkipsPlanningWhenPlansExist(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	dir := filepath.Join(h.primary.planningDir, "phases", "3-auth")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-PLAN.md"), []byte("# plan"), 0o644))

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	assert.Equal(t, 0, h.primary.planning)
	assert.Equal(t, 1, h.primary.exec)
	assert.Contains(t, h.out.String(), "already exist")
}

func TestFixLoop_OneRoundRecordsIssue(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.reviewer.replies = []string{"[HALT] bug at line 10", "[PROCEED]"}

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))

	st := h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Equal(t, 1, h.primary.fix)
	require.Len(t, st.History, 3)
	assert.Equal(t, "plan", st.History[0].Kind)
	assert.Equal(t, 1, st.History[0].Round)
	assert.Equal(t, "HALT", st.History[0].Verdict)
	assert.Equal(t, "bug at line 10", st.History[0].Issues)
	assert.Equal(t, 2, st.History[1].Round)
	assert.Equal(t, "PROCEED", st.History[1].Verdict)
}

func TestFixLoop_ExceededBudgetHalts(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.reviewer.replies = []string{"[HALT] still wrong"}

	err := h.c.Start(context.Background(), unattended(3, 3))
	he := requireHalt(t, err, HaltReviewRejection)
	assert.Contains(t, he.Reason, "exceeded-retry-budget")
	assert.Contains(t, he.Reason, "still wrong")

	assert.Equal(t, 5, h.primary.fix)
	assert.Equal(t, 6, h.reviewer.calls)
	st := h.load(t)
	assert.Equal(t, state.StatusHalted, st.Status)
	assert.Equal(t, state.StepPlanned, st.PhaseStep)
	assert.Len(t, st.History, 6)
}

func TestFixLoop_BrokenFixerHalts(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.reviewer.replies = []string{"[HALT] missing tests"}
	h.primary.fixReply = "I could not do it"

	err := h.c.Start(context.Background(), unattended(3, 3))
	he := requireHalt(t, err, HaltReviewRejection)
	assert.Contains(t, he.Reason, "unfixable")
	assert.Equal(t, 1, h.primary.fix)
	assert.Equal(t, 1, h.reviewer.calls)
}

func TestFailOpenReviewerProceeds(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.reviewer.replies = []string{"looks fine I guess"}

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	st := h.load(t)
	require.NotEmpty(t, st.History)
	assert.Equal(t, "PROCEED (no marker)", st.History[0].Verdict)
}

func TestNoSignalHaltsWithProtocolError(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.primary.planReply = "I made some plans."

	err := h.c.Start(context.Background(), unattended(3, 3))
	he := requireHalt(t, err, HaltProtocol)
	assert.Equal(t, "03", he.Phase)

	st := h.load(t)
	assert.Equal(t, state.StatusHalted, st.Status)
	assert.Contains(t, st.Reason(), "no completion signal")
	assert.Equal(t, 0, h.reviewer.calls)
}

func TestExecutionOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		kind     HaltKind
		contains string
	}{
		{
			name:     "verification gap",
			reply:    signal.MarkerVerificationFailed + "\nlogin test fails",
			kind:     HaltVerificationGap,
			contains: "verification failed",
		},
		{
			name:     "error detail",
			reply:    signal.MarkerError + " database unreachable " + signal.MarkerErrorEnd,
			kind:     HaltAgent,
			contains: "database unreachable",
		},
		{
			name:     "no signal",
			reply:    "all good",
			kind:     HaltProtocol,
			contains: "no completion signal during execution",
		},
		{
			name:     "completion precedes error",
			reply:    signal.MarkerError + " boom " + signal.MarkerErrorEnd + "\n" + signal.MarkerPhaseComplete,
			kind:     "",
			contains: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, twoPhaseRoadmap)
			h.primary.execReplies = []string{tt.reply}

			err := h.c.Start(context.Background(), unattended(3, 3))
			if tt.kind == "" {
				require.NoError(t, err, "PHASE_COMPLETE precedes ERROR")
				return
			}
			he := requireHalt(t, err, tt.kind)
			assert.Contains(t, he.Reason, tt.contains)
			st := h.load(t)
			assert.Equal(t, state.StatusHalted, st.Status)
			assert.Equal(t, state.StepPlanReviewed, st.PhaseStep)
		})
	}
}

func checkpointReply(kind, body string) string {
	return signal.MarkerCheckpoint + "\ntype: " + kind + "\n" + body + "\n" + signal.MarkerCheckpointEnd
}

func TestAuthGateAlwaysHalts(t *testing.T) {
	replies := map[string]string{
		"own line":      checkpointReply("auth-gate", "need STRIPE_KEY"),
		"inline":        signal.MarkerCheckpoint + " type: auth-gate need STRIPE_KEY " + signal.MarkerCheckpointEnd,
		"trailing text": signal.MarkerCheckpoint + "\ntype: auth-gate (STRIPE_KEY)\n" + signal.MarkerCheckpointEnd,
	}
	for _, mode := range []state.Mode{state.ModeUnattended, state.ModeInteractive} {
		for form, reply := range replies {
			t.Run(string(mode)+"/"+form, func(t *testing.T) {
				h := newHarness(t, twoPhaseRoadmap)
				h.primary.execReplies = []string{reply}
				op := &fakeOperator{answers: []operator.Answer{{Value: "y"}}}
				h.c.Operator = op

				err := h.c.Start(context.Background(), Options{Start: 3, End: 3, Mode: mode})
				he := requireHalt(t, err, HaltHumanGate)
				assert.Contains(t, he.Reason, "STRIPE_KEY")
				assert.Empty(t, op.questions, "auth gates are never offered to the operator")
				assert.Equal(t, state.StatusHalted, h.load(t).Status)
			})
		}
	}
}

func TestCheckpoint_UnattendedAutoResolves(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.primary.execReplies = []string{checkpointReply("decision", "picked postgres")}

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	st := h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Contains(t, st.Progress[0].Notes, "checkpoint decision auto-resolved")
	assert.Equal(t, 2, h.reviewer.calls, "code review still runs")
}

func TestCheckpoint_InteractiveAsksOperator(t *testing.T) {
	tests := []struct {
		name   string
		answer operator.Answer
		halts  bool
	}{
		{"yes continues", operator.Answer{Value: "yes"}, false},
		{"no halts", operator.Answer{Value: "n"}, true},
		{"timeout halts", operator.Answer{TimedOut: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, twoPhaseRoadmap)
			h.primary.execReplies = []string{checkpointReply("human-verify", "check the login page")}
			op := &fakeOperator{answers: []operator.Answer{tt.answer}}
			h.c.Operator = op

			err := h.c.Start(context.Background(), Options{Start: 3, End: 3, Mode: state.ModeInteractive})
			require.Len(t, op.questions, 1)
			assert.Contains(t, op.questions[0], "check the login page")
			if tt.halts {
				requireHalt(t, err, HaltHumanGate)
				assert.Equal(t, state.StatusHalted, h.load(t).Status)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, h.load(t).Progress[0].Notes, "approved")
		})
	}
}

func TestInteractive_DeclineBetweenPhasesThenResume(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.Operator = &fakeOperator{answers: []operator.Answer{{Value: "n"}}}

	err := h.c.Start(context.Background(), Options{Start: 3, End: 4, Mode: state.ModeInteractive})
	requireHalt(t, err, HaltOperator)

	st := h.load(t)
	assert.Equal(t, "04", st.CurrentPhase)
	assert.Equal(t, state.StepNone, st.PhaseStep)
	assert.Equal(t, map[string]string{"03": "complete/approved", "04": "pending/"}, statuses(st))

	c := h.controller()
	c.Operator = &fakeOperator{}
	require.NoError(t, c.Resume(context.Background()))
	assert.Equal(t, state.StatusComplete, h.load(t).Status)
	assert.Equal(t, 2, h.primary.exec)
}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	clean := newHarness(t, twoPhaseRoadmap)
	require.NoError(t, clean.c.Start(context.Background(), unattended(3, 4)))
	want := statuses(clean.load(t))

	h := newHarness(t, twoPhaseRoadmap)
	h.primary.execReplies = []string{
		"ok " + signal.MarkerPhaseComplete,
		signal.MarkerVerificationFailed,
		"ok " + signal.MarkerPhaseComplete,
	}
	err := h.c.Start(context.Background(), unattended(3, 4))
	requireHalt(t, err, HaltVerificationGap)
	assert.Equal(t, "04", h.load(t).CurrentPhase)

	require.NoError(t, h.controller().Resume(context.Background()))

	st := h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Equal(t, want, statuses(st))
	assert.Equal(t, 2, h.primary.planning, "phase 04 plans are not regenerated")
	assert.Equal(t, 3, h.primary.exec)
}

func TestResume_SkipsPhaseAlreadyComplete(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.primary.execReplies = []string{
		"ok " + signal.MarkerPhaseComplete,
		signal.MarkerVerificationFailed,
		"ok " + signal.MarkerPhaseComplete,
	}
	requireHalt(t, h.c.Start(context.Background(), unattended(3, 4)), HaltVerificationGap)
	// Phase 03 is recorded complete but current_phase never advanced.
	require.NoError(t, h.store.WriteFields(
		state.Field{Name: state.FieldCurrentPhase, Value: "03"},
		state.Field{Name: state.FieldPhaseStep, Value: state.StepNone},
	))

	require.NoError(t, h.controller().Resume(context.Background()))

	assert.Contains(t, h.out.String(), "Phase 03 already complete; skipping")
	assert.Equal(t, 3, h.primary.planning, "only phase 04 is planned again")
	assert.Equal(t, 3, h.primary.exec)
	assert.Equal(t, state.StatusComplete, h.load(t).Status)
}

func TestResume_ReplaysOnlyRemainingSteps(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	// Plan review approves, code review rejects with a broken fixer.
	h.reviewer.replies = []string{"[PROCEED]", "[HALT] no tests"}
	h.primary.fixReply = "gave up"

	err := h.c.Start(context.Background(), unattended(3, 3))
	requireHalt(t, err, HaltReviewRejection)
	st := h.load(t)
	assert.Equal(t, state.StepExecuted, st.PhaseStep)

	h.reviewer.replies = []string{"[PROCEED]"}
	h.reviewer.calls = 0
	require.NoError(t, h.controller().Resume(context.Background()))

	assert.Equal(t, 1, h.primary.planning)
	assert.Equal(t, 1, h.primary.exec, "execution is not repeated")
	assert.Equal(t, 1, h.reviewer.calls, "only code review reruns")
	st = h.load(t)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Contains(t, strings.Join(st.Checkpoints, "\n"), "resume after executed")
}

func TestResume_Errors(t *testing.T) {
	t.Run("no sprint", func(t *testing.T) {
		h := newHarness(t, twoPhaseRoadmap)
		he := requireHalt(t, h.c.Resume(context.Background()), HaltEnvironment)
		assert.ErrorIs(t, he, state.ErrNoSprint)
	})
	t.Run("complete", func(t *testing.T) {
		h := newHarness(t, twoPhaseRoadmap)
		require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
		he := requireHalt(t, h.controller().Resume(context.Background()), HaltEnvironment)
		assert.ErrorIs(t, he, state.ErrSprintComplete)
	})
	t.Run("still running", func(t *testing.T) {
		h := newHarness(t, twoPhaseRoadmap)
		ctx, cancel := context.WithCancel(context.Background())
		h.primary.onExec = cancel
		err := h.c.Start(ctx, unattended(3, 3))
		require.ErrorIs(t, err, context.Canceled)
		_, isHalt := AsHalt(err)
		assert.False(t, isHalt)
		assert.Equal(t, state.StatusRunning, h.load(t).Status, "interrupted runs stay running")

		he := requireHalt(t, h.controller().Resume(context.Background()), HaltEnvironment)
		assert.ErrorIs(t, he, state.ErrSprintRunning)
	})
}

func TestStart_RejectsActiveSprint(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.primary.planReply = "nothing"
	requireHalt(t, h.c.Start(context.Background(), unattended(3, 3)), HaltProtocol)

	he := requireHalt(t, h.controller().Start(context.Background(), unattended(3, 4)), HaltEnvironment)
	assert.ErrorIs(t, he, state.ErrActiveSprint)

	h.primary.planReply = signal.MarkerPlanningComplete
	c := h.controller()
	require.NoError(t, c.Start(context.Background(), Options{Start: 3, End: 3, Mode: state.ModeUnattended, Force: true}))
}

func TestOutOfBandHaltIsHonoured(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.primary.onExec = func() {
		_ = h.store.Halt("operator pulled the plug")
	}

	err := h.c.Start(context.Background(), unattended(3, 4))
	he := requireHalt(t, err, HaltOperator)
	assert.Contains(t, he.Reason, "operator pulled the plug")

	st := h.load(t)
	assert.Equal(t, state.StatusHalted, st.Status)
	assert.Equal(t, "operator pulled the plug", st.Reason())
	assert.Equal(t, state.StepPlanReviewed, st.PhaseStep)
	assert.Equal(t, 1, h.reviewer.calls, "code review never starts")
}

func TestSkipReview(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.SkipReview = true

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	assert.Equal(t, 0, h.reviewer.calls)
	assert.Equal(t, map[string]string{"03": "complete/skipped"}, statuses(h.load(t)))
}

func TestReviewContext(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.ReviewContext = true
	require.NoError(t, os.WriteFile(filepath.Join(h.primary.planningDir, "CONTEXT.md"), []byte("# ctx"), 0o644))

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	st := h.load(t)
	require.Len(t, st.History, 3)
	assert.Equal(t, "context", st.History[0].Kind)
}

func TestAgentFailureHalts(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.Primary = agent.InvokerFunc(func(context.Context, string) (*agent.Transcript, error) {
		return nil, &agent.ExitError{Command: "claude", Code: 2, Err: errors.New("exit status 2")}
	})

	err := h.c.Start(context.Background(), unattended(3, 3))
	he := requireHalt(t, err, HaltAgent)
	var exit *agent.ExitError
	assert.ErrorAs(t, he, &exit)
	assert.Equal(t, state.StatusHalted, h.load(t).Status)
}

func TestErrorDetailSurvivesHaltReason(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	// The cut point of a long error detail lands inside "é".
	h.primary.execReplies = []string{signal.MarkerError + strings.Repeat("x", 1999) + "é tail"}

	requireHalt(t, h.c.Start(context.Background(), unattended(3, 3)), HaltAgent)
	reason := h.load(t).Reason()
	assert.True(t, utf8.ValidString(reason))
	assert.Contains(t, reason, "xxx...")
	raw, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "!!binary")
}

func TestCheckpointRecordsCommitForCodeReview(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.Repo = &fakeRepo{head: "abc1234", branch: "feature/billing"}
	var codePrompt string
	h.c.Reviewer = agent.InvokerFunc(func(_ context.Context, p string) (*agent.Transcript, error) {
		if strings.Contains(p, "reviewing the code") {
			codePrompt = p
		}
		return &agent.Transcript{Text: "[PROCEED]"}, nil
	})

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	st := h.load(t)
	assert.Contains(t, st.Checkpoints[0], "phase=03 commit=abc1234 branch=feature/billing")
	assert.Contains(t, codePrompt, "git diff abc1234..HEAD")
}

func TestCheckpoint_DetachedHEAD(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.Repo = &fakeRepo{head: "abc1234", branchErr: gitrepo.ErrDetachedHEAD}

	require.NoError(t, h.c.Start(context.Background(), unattended(3, 3)))
	assert.Contains(t, h.load(t).Checkpoints[0], "commit=abc1234 branch=detached state=")
}

func TestCheckpoint_InMemoryMatchesDocument(t *testing.T) {
	h := newHarness(t, twoPhaseRoadmap)
	h.c.Repo = &fakeRepo{head: "abc1234", branch: "main"}
	// A failing agent halts without re-reading the document, so the
	// controller still holds the checkpoint it appended itself.
	h.c.Primary = agent.InvokerFunc(func(context.Context, string) (*agent.Transcript, error) {
		return nil, errors.New("boom")
	})

	requireHalt(t, h.c.Start(context.Background(), unattended(3, 3)), HaltAgent)
	require.Len(t, h.c.st.Checkpoints, 1)
	assert.Equal(t, h.load(t).Checkpoints, h.c.st.Checkpoints)
	assert.False(t, strings.HasPrefix(h.c.st.Checkpoints[0], "- "))
	assert.Equal(t, "abc1234", h.c.baseCommit(phase.FromInt(3)))
}
