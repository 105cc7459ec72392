package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/boshu2/sprintops/internal/ledger"
	"github.com/boshu2/sprintops/internal/state"
)

// Output formats accepted by -o.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ErrUnknownFormat is returned by Encode for a format it cannot write.
type ErrUnknownFormat string

func (e ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown output format %q (want table, json or yaml)", string(e))
}

// Encode writes v as JSON or YAML.
func Encode(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return ErrUnknownFormat(format)
}

// Progress renders the Progress table of a sprint.
func Progress(w io.Writer, rows []state.PhaseRecord) error {
	t := NewTable(w, "PHASE", "STATUS", "DURATION", "REVIEW", "NOTES")
	t.Placeholder = "-"
	t.SetMaxWidth(4, 60)
	for _, r := range rows {
		t.AddRow(r.Phase, string(r.Status), r.Duration, r.Review, r.Notes)
	}
	return t.Render()
}

// History renders Validation History rows.
func History(w io.Writer, entries []state.ValidationEntry) error {
	t := NewTable(w, "TIME", "PHASE", "KIND", "ROUND", "VERDICT", "ISSUES")
	t.Placeholder = "-"
	t.SetMaxWidth(5, 70)
	for _, e := range entries {
		t.AddRow(e.Time, e.Phase, e.Kind, strconv.Itoa(e.Round), e.Verdict, e.Issues)
	}
	return t.Render()
}

// Ledger renders ledger records, one per line, with their details inlined.
func Ledger(w io.Writer, records []ledger.Record) error {
	t := NewTable(w, "TIME", "RUN", "PHASE", "ACTION", "DETAILS")
	t.Placeholder = "-"
	t.SetMaxWidth(4, 80)
	for _, r := range records {
		ts := r.TS
		if at := r.Time(); !at.IsZero() {
			ts = at.Local().Format(time.DateTime)
		}
		t.AddRow(ts, shortRun(r.RunID), r.Phase, r.Action, details(r.Details))
	}
	return t.Render()
}

// details flattens a JSON object to "k=v" pairs in key order.
func details(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			parts = append(parts, k+"="+string(b))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
