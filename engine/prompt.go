package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ralph-tui/ralph/core"
)

// promptTemplateDir holds per-tracker-kind prompt templates, relative to
// the project root; a missing file for a given kind falls back to
// defaultTemplate.
const promptTemplateDir = ".ralph-tui/prompts"

const defaultTemplate = `You are working on task {{.ID}}: {{.Title}}

{{.Description}}

Progress so far:
{{.Progress}}

When the task is complete, update its status to "completed" in the tracker.
`

// PromptSource identifies where a built prompt's template text came from.
type PromptSource string

const (
	PromptSourceFile    PromptSource = "file"
	PromptSourceDefault PromptSource = "default"
)

// promptBuilder composes the agent prompt for one task from the system
// template selected by tracker kind, the task record, and a summary of
// the previous iteration's output. Grounded on ralphio's prompt.Builder
// (other_examples/…ralphio…orchestrator.go.go calls prompt.New(projectDir)
// and builder.Build(mode)), generalized from its two fixed build/plan
// template files to one template per tracker kind.
type promptBuilder struct {
	projectDir string
}

func newPromptBuilder(projectDir string) *promptBuilder {
	return &promptBuilder{projectDir: projectDir}
}

func (b *promptBuilder) templatePath(trackerKind string) string {
	name := trackerKind
	if name == "" {
		name = "default"
	}
	return filepath.Join(b.projectDir, promptTemplateDir, name+".md")
}

// Build renders the prompt for task. It never fails outright: a missing
// or unreadable template file falls back to defaultTemplate.
func (b *promptBuilder) Build(trackerKind string, task core.Task, previousSummary string) (prompt string, source PromptSource) {
	tmpl := defaultTemplate
	source = PromptSourceDefault
	if data, err := os.ReadFile(b.templatePath(trackerKind)); err == nil {
		tmpl = string(data)
		source = PromptSourceFile
	}

	replacer := strings.NewReplacer(
		"{{.ID}}", string(task.ID),
		"{{.Title}}", task.Title,
		"{{.Description}}", task.Description,
		"{{.Progress}}", progressOrNone(previousSummary),
	)
	return replacer.Replace(tmpl), source
}

func progressOrNone(summary string) string {
	if summary == "" {
		return "(no previous iterations)"
	}
	return summary
}
