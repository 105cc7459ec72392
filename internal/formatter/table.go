// Package formatter renders sprint data as aligned tables, JSON or YAML.
package formatter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"
)

// Table formats columnar output using tabwriter.
type Table struct {
	w             *tabwriter.Writer
	headers       []string
	maxWidth      map[int]int // column index -> max runes (0 = unlimited)
	headerWritten bool
	// Placeholder replaces empty cells so columns stay aligned.
	Placeholder string
}

// NewTable creates a table that writes to w with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{
		w:        tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers:  headers,
		maxWidth: make(map[int]int),
	}
}

// SetMaxWidth sets the maximum display width for a column (0-indexed).
// Values exceeding the limit are truncated with "...".
func (t *Table) SetMaxWidth(col, width int) *Table {
	t.maxWidth[col] = width
	return t
}

// AddRow appends a data row. Extra values beyond the header count are ignored;
// missing values are filled with the placeholder.
func (t *Table) AddRow(values ...string) {
	if !t.headerWritten {
		t.headerWritten = true
		t.writeLine(t.headers)
		seps := make([]string, len(t.headers))
		for i, h := range t.headers {
			seps[i] = strings.Repeat("-", utf8.RuneCountInString(h))
		}
		t.writeLine(seps)
	}

	cells := make([]string, len(t.headers))
	for i := range cells {
		var v string
		if i < len(values) {
			v = values[i]
		}
		// Tabs and newlines would break the column layout.
		v = strings.Join(strings.Fields(v), " ")
		if v == "" {
			v = t.Placeholder
		}
		cells[i] = t.truncate(i, v)
	}
	t.writeLine(cells)
}

// Render flushes the underlying tabwriter. Must be called after all AddRow calls.
func (t *Table) Render() error {
	return t.w.Flush()
}

func (t *Table) writeLine(cells []string) {
	//nolint:errcheck // tabwriter buffers; Render reports write errors
	fmt.Fprintln(t.w, strings.Join(cells, "\t"))
}

func (t *Table) truncate(col int, s string) string {
	limit, ok := t.maxWidth[col]
	if !ok || limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
