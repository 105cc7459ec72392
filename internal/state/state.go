// Package state owns the persisted sprint document.
//
// The document is markdown with a YAML front-matter block followed by a
// Progress table, a Checkpoints list and a Validation History table. The
// in-memory form is SprintState; Render and Parse convert between the two.
// Store mutates the file through field- and row-level edits so concurrent
// hand edits to other sections survive.
package state

import (
	"fmt"
	"time"

	"github.com/boshu2/sprintops/internal/phase"
)

// Mode controls whether the operator is consulted at checkpoints.
type Mode string

const (
	ModeInteractive Mode = "interactive"
	ModeUnattended  Mode = "unattended"
)

// Status is the sprint lifecycle status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusHalted   Status = "halted"
	StatusComplete Status = "complete"
)

// PhaseStatus is the status column of a Progress row.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseRunning  PhaseStatus = "running"
	PhaseComplete PhaseStatus = "complete"
)

// Step is the last state the controller finished inside current_phase.
// Resume replays only the steps after it.
type Step string

const (
	StepNone         Step = ""
	StepPlanned      Step = "planned"
	StepPlanReviewed Step = "plan-reviewed"
	StepExecuted     Step = "executed"
	StepCodeReviewed Step = "code-reviewed"
)

var stepOrder = map[Step]int{
	StepNone:         0,
	StepPlanned:      1,
	StepPlanReviewed: 2,
	StepExecuted:     3,
	StepCodeReviewed: 4,
}

// Done reports whether s has reached or passed target.
func (s Step) Done(target Step) bool {
	return stepOrder[s] >= stepOrder[target]
}

// Front-matter keys.
const (
	FieldStarted      = "started"
	FieldMode         = "mode"
	FieldStartPhase   = "start_phase"
	FieldEndPhase     = "end_phase"
	FieldCurrentPhase = "current_phase"
	FieldStatus       = "status"
	FieldHaltReason   = "halt_reason"
	FieldRunID        = "run_id"
	FieldPID          = "pid"
	FieldPhaseStep    = "phase_step"
	FieldCompleted    = "completed"
)

// Front is the front-matter block.
type Front struct {
	Started      string  `yaml:"started" json:"started"`
	Mode         Mode    `yaml:"mode" json:"mode"`
	StartPhase   int     `yaml:"start_phase" json:"start_phase"`
	EndPhase     int     `yaml:"end_phase" json:"end_phase"`
	CurrentPhase string  `yaml:"current_phase" json:"current_phase"`
	Status       Status  `yaml:"status" json:"status"`
	HaltReason   *string `yaml:"halt_reason" json:"halt_reason"`
	RunID        string  `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	PID          int     `yaml:"pid,omitempty" json:"pid,omitempty"`
	PhaseStep    Step    `yaml:"phase_step" json:"phase_step"`
	Completed    string  `yaml:"completed,omitempty" json:"completed,omitempty"`
}

// PhaseRecord is one Progress table row.
type PhaseRecord struct {
	Phase    string      `json:"phase" yaml:"phase"`
	Status   PhaseStatus `json:"status" yaml:"status"`
	Duration string      `json:"duration" yaml:"duration"`
	Review   string      `json:"review" yaml:"review"`
	Notes    string      `json:"notes" yaml:"notes"`
}

// ValidationEntry is one Validation History row: a single review round.
type ValidationEntry struct {
	Time    string `json:"time" yaml:"time"`
	Phase   string `json:"phase" yaml:"phase"`
	Kind    string `json:"kind" yaml:"kind"`
	Round   int    `json:"round" yaml:"round"`
	Verdict string `json:"verdict" yaml:"verdict"`
	Issues  string `json:"issues" yaml:"issues"`
}

// Checkpoint is an audit record written when a phase iteration starts.
type Checkpoint struct {
	Time      time.Time
	Phase     string
	Commit    string
	Branch    string
	StateHash string
	Note      string
}

// String renders the checkpoint the way Load reports it back.
func (c Checkpoint) String() string {
	commit := c.Commit
	if commit == "" {
		commit = "none"
	}
	line := fmt.Sprintf("%s phase=%s commit=%s", c.Time.UTC().Format(time.RFC3339), c.Phase, commit)
	if c.Branch != "" {
		line += " branch=" + c.Branch
	}
	line += " state=" + c.StateHash
	if c.Note != "" {
		line += " " + c.Note
	}
	return line
}

// Line renders the checkpoint as a markdown list item.
func (c Checkpoint) Line() string {
	return "- " + c.String()
}

// SprintState is the whole document in structured form.
type SprintState struct {
	Front       `yaml:",inline"`
	Progress    []PhaseRecord     `json:"progress" yaml:"progress"`
	Checkpoints []string          `json:"checkpoints" yaml:"checkpoints"`
	History     []ValidationEntry `json:"validation_history" yaml:"validation_history"`
}

// Current parses CurrentPhase.
func (s *SprintState) Current() (phase.ID, error) {
	return phase.Parse(s.CurrentPhase)
}

// Reason returns the halt reason or "".
func (s *SprintState) Reason() string {
	if s.HaltReason == nil {
		return ""
	}
	return *s.HaltReason
}

// Record returns the Progress row for id.
func (s *SprintState) Record(id phase.ID) (PhaseRecord, bool) {
	for _, r := range s.Progress {
		if phase.Matches(r.Phase, id.String()) {
			return r, true
		}
	}
	return PhaseRecord{}, false
}

// Active reports whether the sprint is running or halted.
func (s *SprintState) Active() bool {
	return s.Status == StatusRunning || s.Status == StatusHalted
}

// Validate checks the document invariants: a sane range and, while running,
// a current phase inside it.
func (s *SprintState) Validate() error {
	if s.StartPhase > s.EndPhase {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, s.StartPhase, s.EndPhase)
	}
	switch s.Status {
	case StatusRunning, StatusHalted, StatusComplete:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformed, s.Status)
	}
	if s.Status != StatusRunning {
		return nil
	}
	cur, err := s.Current()
	if err != nil {
		return fmt.Errorf("current_phase: %w", err)
	}
	if !cur.InRange(s.StartPhase, s.EndPhase) {
		return fmt.Errorf("current_phase %s outside [%d, %d]", cur, s.StartPhase, s.EndPhase)
	}
	return nil
}

// FormatDuration renders a phase duration for the Progress table.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
