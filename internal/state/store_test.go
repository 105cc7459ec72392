package state

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boshu2/sprintops/internal/phase"
)

func phaseID(s string) phase.ID {
	id, err := phase.Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), DefaultFile), WithClock(fixedClock()))
}

func ids(ss ...string) []phase.ID {
	out := make([]phase.ID, len(ss))
	for i, s := range ss {
		out[i] = phaseID(s)
	}
	return out
}

func initStore(t *testing.T, s *Store, phases ...string) *SprintState {
	t.Helper()
	st, err := s.Initialize(InitOptions{Start: 3, End: 5, Phases: ids(phases...), Mode: ModeUnattended, PID: 42})
	require.NoError(t, err)
	return st
}

func TestInitialize_WritesPendingTable(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3", "4", "4.1", "5")

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, ModeUnattended, st.Mode)
	assert.Equal(t, "03", st.CurrentPhase)
	assert.Equal(t, "2026-10-18T09:30:00Z", st.Started)
	assert.Nil(t, st.HaltReason)
	assert.NotEmpty(t, st.RunID)
	require.Len(t, st.Progress, 4)
	for _, r := range st.Progress {
		assert.Equal(t, PhasePending, r.Status)
	}
	assert.Equal(t, "04.1", st.Progress[2].Phase)

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "halt_reason: null")
	assert.Contains(t, string(raw), "## Validation History")
}

func TestInitialize_RejectsActiveSprint(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")

	_, err := s.Initialize(InitOptions{Start: 1, End: 1, Phases: ids("1")})
	assert.ErrorIs(t, err, ErrActiveSprint)

	require.NoError(t, s.Halt("stopped"))
	_, err = s.Initialize(InitOptions{Start: 1, End: 1, Phases: ids("1")})
	assert.ErrorIs(t, err, ErrActiveSprint)

	_, err = s.Initialize(InitOptions{Start: 1, End: 1, Phases: ids("1"), Force: true})
	assert.NoError(t, err)
}

func TestInitialize_AllowsAfterComplete(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")
	require.NoError(t, s.Complete())

	_, err := s.Initialize(InitOptions{Start: 6, End: 6, Phases: ids("6")})
	assert.NoError(t, err)
}

func TestInitialize_InvalidRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Initialize(InitOptions{Start: 5, End: 3, Phases: ids("3")})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestWriteField_PreservesBody(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3", "4")

	// Hand edit in the body that a full re-render would lose.
	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	raw = append(raw, []byte("\n<!-- operator note: keep me -->\n")...)
	require.NoError(t, os.WriteFile(s.Path(), raw, 0o644))
	bodyBefore := bodyOf(t, raw)

	require.NoError(t, s.WriteField(FieldCurrentPhase, "04"))
	require.NoError(t, s.WriteField(FieldHaltReason, "x"))
	require.NoError(t, s.WriteField(FieldHaltReason, nil))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, bodyBefore, bodyOf(t, after))

	got, err := s.ReadField(FieldCurrentPhase)
	require.NoError(t, err)
	assert.Equal(t, "04", got)

	reason, err := s.ReadField(FieldHaltReason)
	require.NoError(t, err)
	assert.Equal(t, "", reason)
}

func bodyOf(t *testing.T, data []byte) []byte {
	t.Helper()
	doc, err := splitDocument(data)
	require.NoError(t, err)
	return doc.body
}

func TestReadField_Unknown(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")
	_, err := s.ReadField("nope")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestRecordPhaseComplete(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3", "4")

	require.NoError(t, s.RecordPhaseStatus(phaseID("3"), PhaseRunning))
	require.NoError(t, s.RecordPhaseComplete(phaseID("03"), 95*time.Second, "approved", "2 plans | 1 fix"))

	st, err := s.Load()
	require.NoError(t, err)
	rec, ok := st.Record(phaseID("3"))
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, rec.Status)
	assert.Equal(t, "1m35s", rec.Duration)
	assert.Equal(t, "approved", rec.Review)
	assert.Equal(t, "2 plans | 1 fix", rec.Notes)

	other, ok := st.Record(phaseID("4"))
	require.True(t, ok)
	assert.Equal(t, PhasePending, other.Status)
}

func TestRecordPhaseComplete_MissingRowIsNoop(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	require.NoError(t, s.RecordPhaseComplete(phaseID("9"), time.Second, "approved", ""))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after))
}

func TestAppendCheckpointAndValidation(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")

	hash, err := s.Hash()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))

	cp := Checkpoint{Time: fixedClock()(), Phase: "03", Commit: "abc1234", Branch: "main", StateHash: hash}
	require.NoError(t, s.AppendCheckpoint(cp))
	require.NoError(t, s.AppendCheckpoint(Checkpoint{Time: fixedClock()(), Phase: "03", StateHash: hash, Note: "resume"}))
	require.NoError(t, s.AppendValidation(ValidationEntry{Phase: "03", Kind: "code", Round: 1, Verdict: "HALT", Issues: "bug at line 10"}))
	require.NoError(t, s.AppendValidation(ValidationEntry{Phase: "03", Kind: "code", Round: 2, Verdict: "PROCEED"}))

	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.Checkpoints, 2)
	assert.Equal(t, cp.String(), st.Checkpoints[0])
	assert.Contains(t, st.Checkpoints[0], "commit=abc1234 branch=main state=sha256:")
	assert.Contains(t, st.Checkpoints[1], "commit=none state=")
	assert.NotContains(t, st.Checkpoints[1], "branch=")
	require.Len(t, st.History, 2)
	assert.Equal(t, "bug at line 10", st.History[0].Issues)
	assert.Equal(t, 2, st.History[1].Round)
	assert.Equal(t, "2026-10-18T09:30:00Z", st.History[0].Time)
	// The progress table is untouched by section appends.
	require.Len(t, st.Progress, 1)
}

func TestAppendValidation_CreatesMissingSection(t *testing.T) {
	s := newTestStore(t)
	doc := "---\nstatus: running\nstart_phase: 1\nend_phase: 1\ncurrent_phase: \"01\"\n---\n\n## Progress\n\n| Phase | Status | Duration | Review | Notes |\n|---|---|---|---|---|\n| 01 | pending | - | - | - |\n"
	require.NoError(t, os.WriteFile(s.Path(), []byte(doc), 0o644))

	require.NoError(t, s.AppendValidation(ValidationEntry{Phase: "01", Kind: "plan", Round: 1, Verdict: "PROCEED"}))
	require.NoError(t, s.AppendCheckpoint(Checkpoint{Time: fixedClock()(), Phase: "01", StateHash: "sha256:x"}))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, st.History, 1)
	assert.Len(t, st.Checkpoints, 1)
	assert.Len(t, st.Progress, 1)
}

func TestResume(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resume(1)
	assert.ErrorIs(t, err, ErrNoSprint)

	initStore(t, s, "3", "4")
	_, err = s.Resume(1)
	assert.ErrorIs(t, err, ErrSprintRunning)

	require.NoError(t, s.WriteField(FieldCurrentPhase, "04"))
	require.NoError(t, s.Halt("no completion signal during planning"))
	st, err := s.Resume(77)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, "04", st.CurrentPhase)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Nil(t, loaded.HaltReason)
	assert.Equal(t, 77, loaded.PID)

	require.NoError(t, s.Complete())
	_, err = s.Resume(1)
	assert.ErrorIs(t, err, ErrSprintComplete)
}

func TestHalt_RecordsReason(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")
	require.NoError(t, s.Halt("credentials required"))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, st.Status)
	assert.Equal(t, "credentials required", st.Reason())
}

func TestComplete(t *testing.T) {
	s := newTestStore(t)
	initStore(t, s, "3")
	require.NoError(t, s.Complete())

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
	assert.Equal(t, "2026-10-18T09:30:00Z", st.Completed)
	require.NotEmpty(t, st.Checkpoints)
	assert.Contains(t, st.Checkpoints[len(st.Checkpoints)-1], "sprint complete")
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("# no front matter\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte("---\nstatus: running\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidate(t *testing.T) {
	st := &SprintState{Front: Front{StartPhase: 3, EndPhase: 5, CurrentPhase: "06", Status: StatusRunning}}
	assert.Error(t, st.Validate())

	st.CurrentPhase = "4.1"
	assert.NoError(t, st.Validate())

	st.Status = StatusComplete
	st.CurrentPhase = "06"
	assert.NoError(t, st.Validate())
}

func TestStepDone(t *testing.T) {
	assert.True(t, StepExecuted.Done(StepPlanned))
	assert.True(t, StepPlanned.Done(StepPlanned))
	assert.False(t, StepNone.Done(StepPlanned))
	assert.False(t, StepPlanReviewed.Done(StepExecuted))
}
