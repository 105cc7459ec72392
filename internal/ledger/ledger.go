// Package ledger is the append-only, hash-chained event log of sprint runs.
//
// Every record carries the hash of its predecessor, so truncation or hand
// edits anywhere in the file are detected by Verify.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersion is written into every record.
	SchemaVersion = 1
	// DefaultFile is the ledger path relative to the planning directory.
	DefaultFile = "sprint/ledger.jsonl"
)

// Actions recorded by the controller.
const (
	ActionStart         = "start"
	ActionResume        = "resume"
	ActionPhaseStart    = "phase-start"
	ActionStep          = "step"
	ActionReviewRound   = "review-round"
	ActionCheckpoint    = "checkpoint"
	ActionPhaseComplete = "phase-complete"
	ActionHalt          = "halt"
	ActionComplete      = "complete"
)

// Record is one line of the ledger.
type Record struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	TS            string          `json:"ts"`
	Phase         string          `json:"phase"`
	Action        string          `json:"action"`
	Details       json.RawMessage `json:"details"`
	PrevHash      string          `json:"prev_hash"`
	PayloadHash   string          `json:"payload_hash"`
	Hash          string          `json:"hash"`
}

// Time parses TS.
func (r Record) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, r.TS)
	return t
}

// Event is the input to Append.
type Event struct {
	RunID   string
	Phase   string
	Action  string
	Details any
}

// VerifyResult is the machine-readable outcome of Verify.
type VerifyResult struct {
	Pass             bool   `json:"pass"`
	RecordCount      int    `json:"record_count"`
	FirstBrokenIndex int    `json:"first_broken_index"`
	Message          string `json:"message,omitempty"`
}

type payload struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	TS            string          `json:"ts"`
	Phase         string          `json:"phase"`
	Action        string          `json:"action"`
	Details       json.RawMessage `json:"details"`
	PrevHash      string          `json:"prev_hash"`
}

// Ledger appends to and reads one ledger file.
type Ledger struct {
	path string
	now  func() time.Time
}

// Open returns a Ledger at path. The file is created on first Append.
func Open(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one event under an exclusive file lock and fsyncs it.
func (l *Ledger) Append(ev Event) (Record, error) {
	if strings.TrimSpace(ev.RunID) == "" {
		return Record{}, fmt.Errorf("run_id is required")
	}
	if strings.TrimSpace(ev.Phase) == "" {
		ev.Phase = "-"
	}
	if strings.TrimSpace(ev.Action) == "" {
		return Record{}, fmt.Errorf("action is required")
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create ledger dir: %w", err)
	}

	lockFile, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("open ledger lock: %w", err)
	}
	defer lockFile.Close()
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return Record{}, fmt.Errorf("lock ledger: %w", err)
	}
	defer func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	}()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	prevHash, err := lastHash(f)
	if err != nil {
		return Record{}, err
	}
	details, err := normalizeDetails(ev.Details)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.NewString(),
		RunID:         ev.RunID,
		TS:            l.now().UTC().Format(time.RFC3339Nano),
		Phase:         ev.Phase,
		Action:        ev.Action,
		Details:       details,
		PrevHash:      prevHash,
	}
	rec.PayloadHash, rec.Hash, err = computeHashes(rec)
	if err != nil {
		return Record{}, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal ledger record: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return Record{}, fmt.Errorf("seek ledger end: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("append ledger record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Record{}, fmt.Errorf("fsync ledger: %w", err)
	}
	return rec, nil
}

// Read loads all records in append order. A missing file is empty.
func (l *Ledger) Read() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var records []Record
	sc := newScanner(f)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode ledger line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return records, nil
}

// ForRun returns the records whose run id starts with runID, so a short id
// from the status table selects its run.
func ForRun(records []Record, runID string) []Record {
	var out []Record
	for _, r := range records {
		if strings.HasPrefix(r.RunID, runID) {
			out = append(out, r)
		}
	}
	return out
}

// Verify checks the on-disk chain and reports the first broken record
// (1-based) without treating a broken chain as a call failure.
func (l *Ledger) Verify() (VerifyResult, error) {
	records, err := l.Read()
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{Pass: true, RecordCount: len(records), FirstBrokenIndex: -1}
	if i, err := verifyChain(records); err != nil {
		res.Pass = false
		res.FirstBrokenIndex = i + 1
		res.Message = err.Error()
	}
	return res, nil
}

func verifyChain(records []Record) (int, error) {
	prev := ""
	for i, rec := range records {
		if err := validate(rec); err != nil {
			return i, err
		}
		if rec.PrevHash != prev {
			return i, fmt.Errorf("prev_hash mismatch: got %q want %q", rec.PrevHash, prev)
		}
		payloadHash, hash, err := computeHashes(rec)
		if err != nil {
			return i, err
		}
		if rec.PayloadHash != payloadHash {
			return i, errors.New("payload_hash mismatch")
		}
		if rec.Hash != hash {
			return i, errors.New("hash mismatch")
		}
		prev = rec.Hash
	}
	return -1, nil
}

func validate(rec Record) error {
	if rec.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version mismatch: got %d want %d", rec.SchemaVersion, SchemaVersion)
	}
	for name, v := range map[string]string{
		"event_id": rec.EventID, "run_id": rec.RunID, "phase": rec.Phase,
		"action": rec.Action, "ts": rec.TS, "payload_hash": rec.PayloadHash, "hash": rec.Hash,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, rec.TS)
	if err != nil {
		return fmt.Errorf("invalid ts: %w", err)
	}
	if t.UTC().Format(time.RFC3339Nano) != rec.TS {
		return errors.New("ts must be UTC RFC3339Nano")
	}
	return nil
}

func lastHash(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek ledger start: %w", err)
	}
	last := ""
	sc := newScanner(f)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return "", fmt.Errorf("decode existing ledger record: %w", err)
		}
		last = rec.Hash
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan ledger: %w", err)
	}
	return last, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}

func computeHashes(rec Record) (payloadHash, hash string, err error) {
	details, err := normalizeDetails(rec.Details)
	if err != nil {
		return "", "", err
	}
	data, err := json.Marshal(payload{
		SchemaVersion: rec.SchemaVersion,
		EventID:       rec.EventID,
		RunID:         rec.RunID,
		TS:            rec.TS,
		Phase:         rec.Phase,
		Action:        rec.Action,
		Details:       details,
		PrevHash:      rec.PrevHash,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	payloadHash = hashHex(data)
	return payloadHash, hashHex([]byte(payloadHash + "\n" + rec.PrevHash)), nil
}

// normalizeDetails re-encodes details so map key order never changes a hash.
func normalizeDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage("{}"), nil
	}
	var encoded []byte
	switch v := details.(type) {
	case json.RawMessage:
		encoded = v
	case []byte:
		encoded = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		encoded = b
	}
	if len(bytes.TrimSpace(encoded)) == 0 {
		return json.RawMessage("{}"), nil
	}
	var parsed any
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, fmt.Errorf("details must be valid JSON: %w", err)
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return normalized, nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
