// Package workflow defines the story and step data model for dynamic-ralph.
//
// A story is decomposed into an ordered sequence of typed steps. Each step is
// executed by a worker process and may, when its type permits, request edits to
// the remaining plan. This package holds the data types, the step catalog
// (timeouts, editing permissions, mandatory types) and the default workflow.
//
// Key types:
//   - [State] is the persisted document holding every story
//   - [Story] carries steps, dependencies and an audit history
//   - [Step] is a single unit of work with its own lifecycle
//
// Persistence and locking live in the state package; dependency resolution
// in the resolver package.
package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxStepsPerWorkflow caps the number of steps a story may hold.
	MaxStepsPerWorkflow = 30

	// MaxRestartsPerStep caps how often a step may be restarted by an edit.
	MaxRestartsPerStep = 3

	// DefaultStepTimeout applies to step types missing from the timeout table.
	DefaultStepTimeout = 900 * time.Second
)

var stepTimeouts = map[StepType]time.Duration{
	StepContextGathering: 900 * time.Second,
	StepPlanning:         600 * time.Second,
	StepArchitecture:     600 * time.Second,
	StepTestArchitecture: 600 * time.Second,
	StepCoding:           1800 * time.Second,
	StepLinting:          300 * time.Second,
	StepInitialTesting:   1200 * time.Second,
	StepReview:           600 * time.Second,
	StepPruneTests:       600 * time.Second,
	StepFinalReview:      900 * time.Second,
}

// Steps that may not request plan edits.
var editingForbidden = map[StepType]bool{
	StepContextGathering: true,
	StepLinting:          true,
	StepPruneTests:       true,
}

var mandatory = map[StepType]bool{
	StepLinting:     true,
	StepFinalReview: true,
}

// StepTimeout returns the wall-clock budget for a step type.
func StepTimeout(t StepType) time.Duration {
	if d, ok := stepTimeouts[t]; ok {
		return d
	}
	return DefaultStepTimeout
}

// AllowsEditing reports whether a worker running this step type may write
// workflow edit requests.
func AllowsEditing(t StepType) bool {
	return t.IsValid() && !editingForbidden[t]
}

// IsMandatory reports whether steps of this type can never be skipped or split.
func IsMandatory(t StepType) bool {
	return mandatory[t]
}

type defaultStep struct {
	typ         StepType
	description string
}

var defaultSteps = []defaultStep{
	{StepContextGathering, "Explore codebase, DB schema, docs, and related code"},
	{StepPlanning, "Produce implementation plan based on gathered context"},
	{StepArchitecture, "Design code structure and identify files to modify"},
	{StepTestArchitecture, "Design test strategy and identify test files"},
	{StepCoding, "Implement the changes"},
	{StepLinting, "Run formatters and lint checks"},
	{StepInitialTesting, "Run tests and identify failures"},
	{StepReview, "Self-review against acceptance criteria"},
	{StepPruneTests, "Remove redundant tests"},
	{StepFinalReview, "Final verification and commit"},
}

// DefaultSteps returns the ten-step workflow every story starts with.
func DefaultSteps() []Step {
	steps := make([]Step, len(defaultSteps))
	for i, d := range defaultSteps {
		steps[i] = Step{
			ID:          FormatStepID(i + 1),
			Type:        d.typ,
			Status:      StepPending,
			Description: d.description,
		}
	}
	return steps
}

// FormatStepID renders the step id for sequence number n.
func FormatStepID(n int) string {
	return fmt.Sprintf("step-%03d", n)
}

// StepNumber extracts the numeric suffix of a step id.
func StepNumber(id string) (int, bool) {
	suffix, ok := strings.CutPrefix(id, "step-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NextStepNumber returns the sequence number the next generated step id
// should use. Numbering continues past the highest suffix in use and never
// reuses the default workflow's range.
func NextStepNumber(steps []Step) int {
	highest := len(defaultSteps)
	for _, s := range steps {
		if n, ok := StepNumber(s.ID); ok && n > highest {
			highest = n
		}
	}
	return highest + 1
}
