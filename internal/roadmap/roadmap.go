// Package roadmap extracts the minimal project structure the sprint loop
// needs: the ordered phase list from ROADMAP.md and the per-phase artifact
// directories under phases/.
package roadmap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/boshu2/sprintops/internal/phase"
)

const (
	// RoadmapFile is the roadmap filename inside the planning directory.
	RoadmapFile = "ROADMAP.md"
	// PhasesDir holds one directory per phase.
	PhasesDir = "phases"
	// ContextFile is the project context document reviewed by the context gate.
	ContextFile = "CONTEXT.md"

	planSuffix    = "-PLAN.md"
	summarySuffix = "-SUMMARY.md"
)

// ErrNoRoadmap is returned when the planning directory has no ROADMAP.md.
var ErrNoRoadmap = errors.New("no ROADMAP.md found")

// Phase is one roadmap entry.
type Phase struct {
	ID    phase.ID
	Title string
}

// Project is a loaded planning directory.
type Project struct {
	Dir    string
	Phases []Phase
}

// headingPattern matches "## Phase 3: Title", "### Phase 2.1 - Title" and
// checklist forms like "- [ ] **Phase 4: Title**".
var headingPattern = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s+|[-*]\s+(?:\[[ xX]\]\s+)?)\**phase\s+(\d+(?:\.\d+)*)\s*(?:[:\-–—]\s*(.*?))?\**\s*$`)

// Load reads dir/ROADMAP.md. Duplicate ids keep their first occurrence.
func Load(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, RoadmapFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoRoadmap, dir)
		}
		return nil, fmt.Errorf("read roadmap: %w", err)
	}
	return &Project{Dir: dir, Phases: parsePhases(data)}, nil
}

func parsePhases(data []byte) []Phase {
	var out []Phase
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		m := headingPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		id, err := phase.Parse(m[1])
		if err != nil || seen[id.Canonical()] {
			continue
		}
		seen[id.Canonical()] = true
		out = append(out, Phase{ID: id, Title: strings.TrimSpace(strings.Trim(m[2], "*"))})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

// PhasesInRange returns the roadmap phases whose major segment lies in
// [start, end], in order. When the roadmap lists none, whole-numbered phases
// start..end are synthesized so a sparse roadmap still yields a plan of work.
func (p *Project) PhasesInRange(start, end int) []Phase {
	var out []Phase
	for _, ph := range p.Phases {
		if ph.ID.InRange(start, end) {
			out = append(out, ph)
		}
	}
	if len(out) > 0 {
		return out
	}
	for n := start; n <= end; n++ {
		out = append(out, Phase{ID: phase.FromInt(n)})
	}
	return out
}

// Next returns the phase after current inside [start, end], or false when
// current was the last one.
func (p *Project) Next(current phase.ID, start, end int) (Phase, bool) {
	for _, ph := range p.PhasesInRange(start, end) {
		if ph.ID.Compare(current) > 0 {
			return ph, true
		}
	}
	return Phase{}, false
}

// Title returns the roadmap title for id, or "".
func (p *Project) Title(id phase.ID) string {
	for _, ph := range p.Phases {
		if ph.ID.Equal(id) {
			return ph.Title
		}
	}
	return ""
}

// PhaseDir returns the artifact directory for id. Both canonical ("02.1-x")
// and unpadded ("2.1-x") directory names resolve. When none exists, the
// canonical path the planner should create is returned with found=false.
func (p *Project) PhaseDir(id phase.ID) (dir string, found bool) {
	root := filepath.Join(p.Dir, PhasesDir)
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			prefix, _, _ := strings.Cut(e.Name(), "-")
			if phase.Matches(prefix, id.String()) {
				return filepath.Join(root, e.Name()), true
			}
		}
	}
	name := id.Canonical()
	if slug := slugify(p.Title(id)); slug != "" {
		name += "-" + slug
	}
	return filepath.Join(root, name), false
}

// Plans lists the phase's plan artifacts in name order.
func (p *Project) Plans(id phase.ID) ([]string, error) {
	return p.artifacts(id, planSuffix)
}

// Summaries lists the phase's execution summaries in name order.
func (p *Project) Summaries(id phase.ID) ([]string, error) {
	return p.artifacts(id, summarySuffix)
}

// HasPlans reports whether planning already produced artifacts for id.
func (p *Project) HasPlans(id phase.ID) bool {
	plans, err := p.Plans(id)
	return err == nil && len(plans) > 0
}

// ContextPath returns the context document path.
func (p *Project) ContextPath() string {
	return filepath.Join(p.Dir, ContextFile)
}

func (p *Project) artifacts(id phase.ID, suffix string) ([]string, error) {
	dir, found := p.PhaseDir(id)
	if !found {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read phase dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}
