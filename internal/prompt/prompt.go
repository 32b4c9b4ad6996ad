// Package prompt composes the prompt sent to a worker for one step.
//
// A prompt is assembled in a fixed order: story context and acceptance
// criteria, the step type's instructions, the current step task, notes from
// completed earlier steps, the remaining plan, scratch contents and, for step
// types allowed to edit the workflow, instructions for writing an edit request.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

const stepTemplate = `# Story: {{.Story.Title}}

**Story ID:** {{.Story.StoryID}}

**Description:**
{{.Description}}
{{- if .Story.AcceptanceCriteria}}

**Acceptance Criteria:**
{{- range .Story.AcceptanceCriteria}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Instructions}}

---

{{.Instructions}}
{{- end}}
{{- if .Step.Description}}

**Current step task:** {{.Step.Description}}
{{- end}}
{{- if .Prior}}

---

## Context from Prior Steps
{{- range .Prior}}

### {{.Type}} ({{.ID}})
{{.Notes}}
{{- end}}
{{- end}}
{{- if .Remaining}}

---

## Remaining Plan
{{- range .Remaining}}
- {{.ID}} {{.Type}}: {{.Description}}
{{- end}}
{{- end}}
{{- if .GlobalScratch}}

---

## Global Scratch (shared across stories)

{{.GlobalScratch}}
{{- end}}
{{- if .StoryScratch}}

---

## Story Scratch ({{.Story.StoryID}})

{{.StoryScratch}}
{{- end}}
{{- if .AllowsEditing}}

---

## Workflow Editing

To modify the remaining steps, write a JSON file to ` + "`{{.EditPath}}`" + `.
Supported operations: add_after, split, skip, reorder, edit_description, restart.
Write one operation as an object or several as an array, for example:

    {"operation": "add_after", "target_step_id": "{{.Step.ID}}", "reason": "why",
     "new_steps": [{"type": "coding", "description": "what to do"}]}

Linting and final_review steps cannot be skipped or split, final_review must stay last,
and a story may hold at most {{.MaxSteps}} steps. Invalid requests are discarded.
{{- end}}
`

// Input is everything needed to build one step prompt.
type Input struct {
	Story *workflow.Story
	Step  workflow.Step

	GlobalScratch string
	StoryScratch  string

	// EditPath is where the worker should write workflow edit requests.
	EditPath string
}

type view struct {
	Input
	Description   string
	Instructions  string
	Prior         []workflow.Step
	Remaining     []workflow.Step
	AllowsEditing bool
	MaxSteps      int
}

// Builder renders step prompts.
type Builder struct {
	tmpl      *template.Template
	overrides map[workflow.StepType]string
}

// NewBuilder creates a [Builder]. overrides replaces the built-in
// instruction text for the step types it names.
func NewBuilder(overrides map[string]string) (*Builder, error) {
	tmpl, err := template.New("step").Parse(stepTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing step template: %w", err)
	}

	b := &Builder{tmpl: tmpl, overrides: map[workflow.StepType]string{}}
	for name, text := range overrides {
		t, err := workflow.ParseStepType(name)
		if err != nil {
			return nil, fmt.Errorf("instruction override: %w", err)
		}
		b.overrides[t] = text
	}
	return b, nil
}

// Default returns a [Builder] using only the built-in instructions.
func Default() *Builder {
	b, err := NewBuilder(nil)
	if err != nil {
		panic(err)
	}
	return b
}

// Build renders the prompt for in.Step of in.Story.
func (b *Builder) Build(in Input) (string, error) {
	if in.Story == nil {
		return "", fmt.Errorf("story is required")
	}

	v := view{
		Input:         in,
		Description:   in.Story.Description,
		Instructions:  b.instructions(in.Step.Type),
		AllowsEditing: workflow.AllowsEditing(in.Step.Type),
		MaxSteps:      workflow.MaxStepsPerWorkflow,
	}
	if v.Description == "" {
		v.Description = in.Story.Title
	}
	v.GlobalScratch = strings.TrimSpace(in.GlobalScratch)
	v.StoryScratch = strings.TrimSpace(in.StoryScratch)

	seen := false
	for _, s := range in.Story.Steps {
		if s.ID == in.Step.ID {
			seen = true
			continue
		}
		switch {
		case !seen && s.Status == workflow.StepCompleted && s.Notes != "":
			v.Prior = append(v.Prior, s)
		case seen && s.Status == workflow.StepPending:
			v.Remaining = append(v.Remaining, s)
		}
	}

	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, v); err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", in.Step.ID, err)
	}
	return sb.String(), nil
}

func (b *Builder) instructions(t workflow.StepType) string {
	if text, ok := b.overrides[t]; ok {
		return text + summaryFooter
	}
	return Instructions(t)
}
