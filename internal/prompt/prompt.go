// Package prompt renders the prompts sent to the primary and review agents.
package prompt

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/boshu2/sprintops/internal/phase"
	"github.com/boshu2/sprintops/internal/review"
	"github.com/boshu2/sprintops/internal/roadmap"
	"github.com/boshu2/sprintops/internal/signal"
)

// autonomyInstruction is placed first in every primary-agent prompt so it
// survives context compaction.
const autonomyInstruction = `AUTONOMY CONTRACT: You are running unattended inside a sprint (phase {{.Phase}}). Nobody is watching this session.
- Never ask the user a question and never wait for input. Decide, note the decision in your artifacts, and continue.
- Write plans, summaries and decisions to disk under {{.PlanningDir}}, not only into the conversation.
- End your final message with exactly one of the markers listed below, on its own line.

`

const planningTemplate = `Plan phase {{.Phase}}{{with .Title}}: {{.}}{{end}}.

Read {{.Roadmap}} for the phase goal{{with .Context}} and {{.}} for project context{{end}}.
{{- with .Summaries}}
Execution summaries from earlier work on this phase:
{{range .}}- {{.}}
{{end}}{{end}}
Write one or more plan files into {{.PhaseDir}}/ named NN-PLAN.md (01-PLAN.md, 02-PLAN.md, ...). Each plan lists concrete tasks, the files they touch, and how each task is verified.

Do not implement anything in this session.

When every plan file is written, emit:
{{.Markers}}`

const executionTemplate = `Execute phase {{.Phase}}{{with .Title}}: {{.}}{{end}}.

Plans to execute, in order:
{{range .Plans}}- {{.}}
{{end}}
Implement each plan, run its verification steps, and commit your work with clear messages. After each plan write a matching NN-SUMMARY.md next to it describing what changed and how it was verified.

Finish with exactly one of these markers:
- all plans implemented and verified:
{{.Complete}}
- your own verification found gaps you could not close:
{{.VerificationFailed}}
- you need a human (credentials, an irreversible decision, manual verification):
{{.Checkpoint}}
- an unrecoverable error:
{{.Error}}`

// reviewTemplates are read-only critiques. Artifacts are referenced by
// path so the review agent's context stays bounded.
var reviewTemplates = map[review.Kind]string{
	review.KindPlan: `You are reviewing the plans for phase {{.Phase}}{{with .Title}} ({{.}}){{end}}. Do not modify any file.

Read these plan files:
{{range .Plans}}- {{.}}
{{end}}
Check that the plans cover the phase goal in {{.Roadmap}}, that every task is concrete and verifiable, and that nothing contradicts earlier phases.
` + verdictContract,

	review.KindCode: `You are reviewing the code written for phase {{.Phase}}{{with .Title}} ({{.}}){{end}}. Do not modify any file.

{{if .Base}}Inspect the changes with: git log --stat {{.Base}}..HEAD and git diff {{.Base}}..HEAD
{{else}}Inspect the most recent commits with git log --stat and git show.
{{end}}Compare them against the plans:
{{range .Plans}}- {{.}}
{{end}}{{with .Summaries}}and the execution summaries:
{{range .}}- {{.}}
{{end}}{{end}}
Look for bugs, missing tests, unimplemented plan tasks and broken builds.
` + verdictContract,

	review.KindContext: `You are reviewing the project context document {{.Context}} ahead of phase {{.Phase}}. Do not modify any file.

Check that it is accurate against the repository and {{.Roadmap}}, and that it gives enough context to plan the phase.
` + verdictContract,
}

const verdictContract = `
Reply with a verdict on the first line:
[PROCEED]
when there are no blocking issues, or
[HALT]
followed by one blocking issue per line.`

var fixTemplates = map[review.Kind]string{
	review.KindPlan: `The reviewer rejected the plans for phase {{.Phase}}. Fix these issues autonomously by editing the plan files in {{.PhaseDir}}/. Do not ask for clarification and do not implement code.`,
	review.KindCode: `The reviewer rejected the code for phase {{.Phase}}. Fix these issues autonomously in the code, run the relevant tests, and commit the fix. Do not ask for clarification.`,
	review.KindContext: `The reviewer rejected the project context document {{.Context}}. Fix these issues autonomously by editing that document. Do not ask for clarification.`,
}

const fixSuffix = `

Issues, verbatim:
{{range .Issues}}{{.}}
{{end}}
When every issue is addressed, emit:
{{.Markers}}`

// Builder renders prompts for one project.
type Builder struct {
	Project *roadmap.Project
	// BaseCommit, when set, returns the commit a phase started from so the
	// code reviewer can diff against it.
	BaseCommit func(phase.ID) string
}

type data struct {
	Phase       string
	Title       string
	PlanningDir string
	Roadmap     string
	Context     string
	PhaseDir    string
	Plans       []string
	Summaries   []string
	Base        string
	Issues      []string
	Markers     string

	Complete           string
	VerificationFailed string
	Checkpoint         string
	Error              string
}

func (b *Builder) data(id phase.ID) (data, error) {
	dir, _ := b.Project.PhaseDir(id)
	plans, err := b.Project.Plans(id)
	if err != nil {
		return data{}, err
	}
	summaries, err := b.Project.Summaries(id)
	if err != nil {
		return data{}, err
	}
	d := data{
		Phase:       id.Canonical(),
		Title:       b.Project.Title(id),
		PlanningDir: b.Project.Dir,
		Roadmap:     filepath.Join(b.Project.Dir, roadmap.RoadmapFile),
		PhaseDir:    dir,
		Plans:       plans,
		Summaries:   summaries,
		Context:     b.Project.ContextPath(),
	}
	if b.BaseCommit != nil {
		d.Base = b.BaseCommit(id)
	}
	return d, nil
}

// Planning renders the planning prompt. It forbids interactive questions.
func (b *Builder) Planning(id phase.ID) (string, error) {
	d, err := b.data(id)
	if err != nil {
		return "", err
	}
	d.Markers = signal.Instructions(signal.PlanningComplete, signal.Error)
	return renderPrimary("planning", planningTemplate, d)
}

// Execution renders the execution prompt with its four terminal markers.
func (b *Builder) Execution(id phase.ID) (string, error) {
	d, err := b.data(id)
	if err != nil {
		return "", err
	}
	d.Complete = signal.Instructions(signal.PhaseComplete)
	d.VerificationFailed = signal.Instructions(signal.VerificationFailed)
	d.Checkpoint = signal.Instructions(signal.Checkpoint)
	d.Error = signal.Instructions(signal.Error)
	return renderPrimary("execution", executionTemplate, d)
}

// Review renders the read-only review prompt for kind.
func (b *Builder) Review(kind review.Kind, id phase.ID) (string, error) {
	tmpl, ok := reviewTemplates[kind]
	if !ok {
		return "", fmt.Errorf("no review prompt for kind %q", kind)
	}
	d, err := b.data(id)
	if err != nil {
		return "", err
	}
	return render("review-"+string(kind), tmpl, d)
}

// Fix renders the fixer prompt for kind carrying the reviewer's issues.
func (b *Builder) Fix(kind review.Kind, id phase.ID, issues []string) (string, error) {
	tmpl, ok := fixTemplates[kind]
	if !ok {
		return "", fmt.Errorf("no fix prompt for kind %q", kind)
	}
	d, err := b.data(id)
	if err != nil {
		return "", err
	}
	d.Issues = issues
	d.Markers = signal.Instructions(signal.FixComplete)
	return renderPrimary("fix-"+string(kind), tmpl+fixSuffix, d)
}

func renderPrimary(name, tmpl string, d data) (string, error) {
	body, err := render(name, tmpl, d)
	if err != nil {
		return "", err
	}
	preamble, err := render("autonomy", autonomyInstruction, d)
	if err != nil {
		return "", err
	}
	return preamble + body, nil
}

func render(name, tmpl string, d data) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("execute %s template: %w", name, err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}
