package state

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	delimiter = "---"

	sectionProgress    = "Progress"
	sectionCheckpoints = "Checkpoints"
	sectionHistory     = "Validation History"
)

var (
	progressHeader = []string{"Phase", "Status", "Duration", "Review", "Notes"}
	historyHeader  = []string{"Time", "Phase", "Kind", "Round", "Verdict", "Issues"}
)

// document is a sprint file split into its front-matter node and the raw
// body that follows the closing delimiter.
type document struct {
	front *yaml.Node // mapping node
	body  []byte
}

func splitDocument(data []byte) (*document, error) {
	rest, ok := bytes.CutPrefix(data, []byte(delimiter+"\n"))
	if !ok {
		rest, ok = bytes.CutPrefix(data, []byte(delimiter+"\r\n"))
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing front-matter", ErrMalformed)
	}

	var frontRaw, body []byte
	if bytes.HasPrefix(rest, []byte(delimiter+"\n")) || bytes.Equal(rest, []byte(delimiter)) {
		frontRaw, body = nil, bytes.TrimPrefix(bytes.TrimPrefix(rest, []byte(delimiter)), []byte("\n"))
	} else {
		idx := bytes.Index(rest, []byte("\n"+delimiter+"\n"))
		switch {
		case idx >= 0:
			frontRaw, body = rest[:idx+1], rest[idx+len(delimiter)+2:]
		case bytes.HasSuffix(rest, []byte("\n"+delimiter)):
			frontRaw, body = rest[:len(rest)-len(delimiter)], nil
		default:
			return nil, fmt.Errorf("%w: unterminated front-matter", ErrMalformed)
		}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(frontRaw, &root); err != nil {
		return nil, fmt.Errorf("%w: front-matter: %v", ErrMalformed, err)
	}
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		if root.Content[0].Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: front-matter is not a mapping", ErrMalformed)
		}
		mapping = root.Content[0]
	}
	return &document{front: mapping, body: body}, nil
}

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	if len(d.front.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d.front); err != nil {
			return nil, fmt.Errorf("encode front-matter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode front-matter: %w", err)
		}
	}
	buf.WriteString(delimiter + "\n")
	buf.Write(d.body)
	return buf.Bytes(), nil
}

func (d *document) lookup(key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(d.front.Content); i += 2 {
		if d.front.Content[i].Value == key {
			return d.front.Content[i+1], true
		}
	}
	return nil, false
}

func (d *document) set(key string, value any) error {
	node, err := valueNode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	for i := 0; i+1 < len(d.front.Content); i += 2 {
		if d.front.Content[i].Value == key {
			d.front.Content[i+1] = node
			return nil
		}
	}
	d.front.Content = append(d.front.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, node)
	return nil
}

func valueNode(value any) (*yaml.Node, error) {
	switch v := value.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case *string:
		if v == nil {
			return valueNode(nil)
		}
		return valueNode(*v)
	}
	var n yaml.Node
	if err := n.Encode(value); err != nil {
		return nil, err
	}
	return &n, nil
}

func (d *document) decodeFront() (Front, error) {
	var f Front
	if err := d.front.Decode(&f); err != nil {
		return Front{}, fmt.Errorf("%w: front-matter: %v", ErrMalformed, err)
	}
	return f, nil
}

// Parse deserializes a sprint document.
func Parse(data []byte) (*SprintState, error) {
	doc, err := splitDocument(data)
	if err != nil {
		return nil, err
	}
	front, err := doc.decodeFront()
	if err != nil {
		return nil, err
	}
	st := &SprintState{Front: front}

	lines := splitLines(doc.body)
	for _, row := range tableRows(lines, sectionProgress) {
		cells := padCells(row, len(progressHeader))
		st.Progress = append(st.Progress, PhaseRecord{
			Phase:    cells[0],
			Status:   PhaseStatus(cells[1]),
			Duration: cells[2],
			Review:   cells[3],
			Notes:    cells[4],
		})
	}
	start, end := sectionBounds(lines, sectionCheckpoints)
	for i := start; i < end; i++ {
		if item, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), "- "); ok {
			st.Checkpoints = append(st.Checkpoints, item)
		}
	}
	for _, row := range tableRows(lines, sectionHistory) {
		cells := padCells(row, len(historyHeader))
		round, _ := strconv.Atoi(cells[3])
		st.History = append(st.History, ValidationEntry{
			Time:    cells[0],
			Phase:   cells[1],
			Kind:    cells[2],
			Round:   round,
			Verdict: cells[4],
			Issues:  cells[5],
		})
	}
	return st, nil
}

// Render serializes a sprint document. It is used for the initial write and
// for export; subsequent mutations go through Store's targeted edits.
func Render(st *SprintState) ([]byte, error) {
	var front bytes.Buffer
	enc := yaml.NewEncoder(&front)
	enc.SetIndent(2)
	if err := enc.Encode(st.Front); err != nil {
		return nil, fmt.Errorf("encode front-matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode front-matter: %w", err)
	}

	var b strings.Builder
	b.WriteString(delimiter + "\n")
	b.Write(front.Bytes())
	b.WriteString(delimiter + "\n\n")
	fmt.Fprintf(&b, "# Sprint: phases %d-%d\n\n", st.StartPhase, st.EndPhase)

	b.WriteString("## " + sectionProgress + "\n\n")
	b.WriteString(tableHeader(progressHeader))
	for _, r := range st.Progress {
		b.WriteString(progressRow(r) + "\n")
	}

	b.WriteString("\n## " + sectionCheckpoints + "\n\n")
	for _, c := range st.Checkpoints {
		b.WriteString("- " + c + "\n")
	}
	if len(st.Checkpoints) > 0 {
		b.WriteString("\n")
	}

	b.WriteString("## " + sectionHistory + "\n\n")
	b.WriteString(tableHeader(historyHeader))
	for _, e := range st.History {
		b.WriteString(historyRow(e) + "\n")
	}
	return []byte(b.String()), nil
}

func tableHeader(cols []string) string {
	seps := make([]string, len(cols))
	for i, c := range cols {
		seps[i] = strings.Repeat("-", len(c)+2)
	}
	return "| " + strings.Join(cols, " | ") + " |\n|" + strings.Join(seps, "|") + "|\n"
}

func progressRow(r PhaseRecord) string {
	return formatRow(r.Phase, string(r.Status), r.Duration, r.Review, r.Notes)
}

func historyRow(e ValidationEntry) string {
	return formatRow(e.Time, e.Phase, e.Kind, strconv.Itoa(e.Round), e.Verdict, e.Issues)
}

func formatRow(cells ...string) string {
	out := make([]string, len(cells))
	for i, c := range cells {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" {
			c = "-"
		}
		out[i] = strings.ReplaceAll(c, "|", `\|`)
	}
	return "| " + strings.Join(out, " | ") + " |"
}

// splitRow splits a markdown table row into trimmed cells, honouring \| escapes.
func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	if strings.HasSuffix(line, "|") && !strings.HasSuffix(line, `\|`) {
		line = line[:len(line)-1]
	}
	var cells []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '\\' && i+1 < len(line) && line[i+1] == '|':
			cur.WriteByte('|')
			i++
		case line[i] == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(line[i])
		}
	}
	return append(cells, strings.TrimSpace(cur.String()))
}

func padCells(cells []string, n int) []string {
	for len(cells) < n {
		cells = append(cells, "")
	}
	for i, c := range cells {
		if c == "-" {
			cells[i] = ""
		}
	}
	return cells
}

func splitLines(body []byte) []string {
	return strings.Split(string(body), "\n")
}

func joinLines(lines []string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

// sectionBounds returns the half-open line range [start, end) of the body
// of "## name", excluding the heading itself. start == -1 when absent.
func sectionBounds(lines []string, name string) (int, int) {
	start := -1
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		if start < 0 {
			if strings.EqualFold(trimmed, "## "+name) {
				start = i + 1
			}
			continue
		}
		if strings.HasPrefix(trimmed, "## ") || strings.HasPrefix(trimmed, "# ") {
			return start, i
		}
	}
	if start < 0 {
		return -1, -1
	}
	return start, len(lines)
}

// tableRowIndexes returns the line indexes of data rows in the section's
// table, skipping the header and separator.
func tableRowIndexes(lines []string, name string) []int {
	start, end := sectionBounds(lines, name)
	if start < 0 {
		return nil
	}
	var idx []int
	headerSeen := false
	for i := start; i < end; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "|") {
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}
		if isSeparatorRow(trimmed) {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

func tableRows(lines []string, name string) [][]string {
	var rows [][]string
	for _, i := range tableRowIndexes(lines, name) {
		rows = append(rows, splitRow(lines[i]))
	}
	return rows
}

func isSeparatorRow(s string) bool {
	return strings.Trim(s, "|-: ") == ""
}

// insertAt returns lines with item inserted before index i.
func insertAt(lines []string, i int, items ...string) []string {
	out := make([]string, 0, len(lines)+len(items))
	out = append(out, lines[:i]...)
	out = append(out, items...)
	return append(out, lines[i:]...)
}

// appendToSection inserts item after the last non-blank line of the section,
// creating the section at the end of the body when it is missing.
func appendToSection(lines []string, name string, header string, item string) []string {
	start, end := sectionBounds(lines, name)
	if start < 0 {
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
		added := []string{"", "## " + name, ""}
		if header != "" {
			added = append(added, strings.Split(strings.TrimSuffix(header, "\n"), "\n")...)
		}
		added = append(added, item, "")
		return append(lines, added...)
	}
	last := start - 1
	for i := start; i < end; i++ {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
		}
	}
	if last == start-1 && header != "" {
		rows := strings.Split(strings.TrimSuffix(header, "\n"), "\n")
		return insertAt(lines, start, append([]string{""}, append(rows, item)...)...)
	}
	if last == start-1 {
		return insertAt(lines, start, "", item)
	}
	return insertAt(lines, last+1, item)
}
