package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boshu2/sprintops/internal/phase"
)

// DefaultFile is the sprint document name inside the planning directory.
const DefaultFile = "SPRINT.md"

// Store reads and mutates one sprint document on disk. Every mutation
// re-reads the file, edits only the targeted bytes and writes atomically.
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store for the document at path.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a sprint document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// InitOptions describes a new sprint.
type InitOptions struct {
	Start  int
	End    int
	Phases []phase.ID
	Mode   Mode
	// Force replaces an existing running or halted sprint.
	Force bool
	PID   int
}

// Initialize writes a fresh document with every phase pending. It refuses
// to replace an active sprint unless opts.Force is set.
func (s *Store) Initialize(opts InitOptions) (*SprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Start > opts.End {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidRange, opts.Start, opts.End)
	}
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("%w: no phases between %d and %d", ErrInvalidRange, opts.Start, opts.End)
	}
	existing, err := s.load()
	switch {
	case err == nil && existing.Active() && !opts.Force:
		return nil, fmt.Errorf("%w (status %s, phase %s): resume it or pass --force",
			ErrActiveSprint, existing.Status, existing.CurrentPhase)
	case err != nil && !errors.Is(err, ErrNoSprint) && !opts.Force:
		return nil, fmt.Errorf("existing sprint state is unreadable (pass --force to replace): %w", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeInteractive
	}
	st := &SprintState{
		Front: Front{
			Started:      s.now().UTC().Format(time.RFC3339),
			Mode:         mode,
			StartPhase:   opts.Start,
			EndPhase:     opts.End,
			CurrentPhase: opts.Phases[0].Canonical(),
			Status:       StatusRunning,
			RunID:        uuid.NewString(),
			PID:          opts.PID,
		},
	}
	for _, id := range opts.Phases {
		st.Progress = append(st.Progress, PhaseRecord{Phase: id.Canonical(), Status: PhasePending})
	}
	data, err := Render(st)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return nil, fmt.Errorf("write sprint state: %w", err)
	}
	return st, nil
}

// Load parses the document.
func (s *Store) Load() (*SprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*SprintState, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (s *Store) read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoSprint, s.path)
		}
		return nil, fmt.Errorf("read sprint state: %w", err)
	}
	return data, nil
}

// ReadField returns the raw scalar text of a front-matter field. A null
// field reads as "".
func (s *Store) ReadField(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return "", err
	}
	doc, err := splitDocument(data)
	if err != nil {
		return "", err
	}
	node, ok := doc.lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	if node.Tag == "!!null" {
		return "", nil
	}
	return node.Value, nil
}

// Field is one front-matter assignment.
type Field struct {
	Name  string
	Value any
}

// WriteField sets one front-matter field. A nil value writes null.
func (s *Store) WriteField(name string, value any) error {
	return s.WriteFields(Field{Name: name, Value: value})
}

// WriteFields sets several front-matter fields in one atomic write. The
// document body is preserved byte-for-byte.
func (s *Store) WriteFields(fields ...Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.edit(func(doc *document) error {
		for _, f := range fields {
			if err := doc.set(f.Name, f.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) edit(fn func(doc *document) error) error {
	data, err := s.read()
	if err != nil {
		return err
	}
	doc, err := splitDocument(data)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	out, err := doc.bytes()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, out); err != nil {
		return fmt.Errorf("write sprint state: %w", err)
	}
	return nil
}

func (s *Store) editBody(fn func(lines []string) []string) error {
	return s.edit(func(doc *document) error {
		doc.body = joinLines(fn(splitLines(doc.body)))
		return nil
	})
}

// RecordPhaseStatus updates the status cell of the row for id. A missing
// row is ignored.
func (s *Store) RecordPhaseStatus(id phase.ID, status PhaseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.editBody(func(lines []string) []string {
		i, rec, ok := findProgressRow(lines, id)
		if ok {
			rec.Status = status
			lines[i] = progressRow(rec)
		}
		return lines
	})
}

// RecordPhaseComplete marks the row for id complete with its duration,
// review outcome and notes. Exactly one row changes; when no row matches the
// call is a no-op so a hand-pruned table never crashes the controller.
func (s *Store) RecordPhaseComplete(id phase.ID, d time.Duration, review, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.editBody(func(lines []string) []string {
		i, rec, ok := findProgressRow(lines, id)
		if !ok {
			return lines
		}
		rec.Status = PhaseComplete
		rec.Duration = FormatDuration(d)
		rec.Review = review
		rec.Notes = notes
		lines[i] = progressRow(rec)
		return lines
	})
}

func findProgressRow(lines []string, id phase.ID) (int, PhaseRecord, bool) {
	for _, i := range tableRowIndexes(lines, sectionProgress) {
		cells := padCells(splitRow(lines[i]), len(progressHeader))
		if phase.Matches(cells[0], id.String()) {
			return i, PhaseRecord{
				Phase:    cells[0],
				Status:   PhaseStatus(cells[1]),
				Duration: cells[2],
				Review:   cells[3],
				Notes:    cells[4],
			}, true
		}
	}
	return 0, PhaseRecord{}, false
}

// AppendCheckpoint appends an audit line to the Checkpoints section.
func (s *Store) AppendCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.editBody(func(lines []string) []string {
		return appendToSection(lines, sectionCheckpoints, "", cp.Line())
	})
}

// AppendValidation appends one review round to the Validation History table.
func (s *Store) AppendValidation(e ValidationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Time == "" {
		e.Time = s.now().UTC().Format(time.RFC3339)
	}
	return s.editBody(func(lines []string) []string {
		return appendToSection(lines, sectionHistory, tableHeader(historyHeader), historyRow(e))
	})
}

// Hash returns a content address for the current document.
func (s *Store) Hash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])[:16], nil
}

// Resume flips a halted sprint back to running and returns it. A missing,
// complete or still-running sprint is an error.
func (s *Store) Resume(pid int) (*SprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusComplete:
		return nil, fmt.Errorf("%w (finished %s)", ErrSprintComplete, st.Completed)
	case StatusRunning:
		return nil, fmt.Errorf("%w by pid %d at phase %s: if that process is gone, run `sprint halt` first",
			ErrSprintRunning, st.PID, st.CurrentPhase)
	}
	st.Status = StatusRunning
	st.HaltReason = nil
	st.PID = pid
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("cannot resume: %w", err)
	}
	err = s.edit(func(doc *document) error {
		for _, f := range []Field{
			{FieldStatus, StatusRunning},
			{FieldHaltReason, nil},
			{FieldPID, pid},
		} {
			if err := doc.set(f.Name, f.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Halt records status=halted with a human-readable reason.
func (s *Store) Halt(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "halted"
	}
	return s.WriteFields(
		Field{FieldStatus, StatusHalted},
		Field{FieldHaltReason, reason},
	)
}

// Complete records status=complete, the completion timestamp and a final
// checkpoint line.
func (s *Store) Complete() error {
	at := s.now().UTC()
	if err := s.WriteFields(
		Field{FieldStatus, StatusComplete},
		Field{FieldHaltReason, nil},
		Field{FieldCompleted, at.Format(time.RFC3339)},
	); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editBody(func(lines []string) []string {
		return appendToSection(lines, sectionCheckpoints, "", "- "+at.Format(time.RFC3339)+" sprint complete")
	})
}
