package editing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// newStory returns a claimed story whose first done steps are completed and
// whose next step is in progress.
func newStory(done int) *workflow.Story {
	story := workflow.NewStory("US-001", "Login")
	story.Status = workflow.StoryInProgress
	story.Steps = workflow.DefaultSteps()
	for i := 0; i < done; i++ {
		story.Steps[i].Status = workflow.StepCompleted
	}
	story.Steps[done].Status = workflow.StepInProgress
	return story
}

func stepIDs(story *workflow.Story) []string {
	ids := make([]string, len(story.Steps))
	for i, s := range story.Steps {
		ids[i] = s.ID
	}
	return ids
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind []Kind
		wantErr  error
		errText  string
	}{
		{
			name:     "single object",
			input:    `{"operation": "skip", "target_step_id": "step-004", "reason": "no tests"}`,
			wantKind: []Kind{KindSkip},
		},
		{
			name: "array of every kind",
			input: `[
				{"operation": "add_after", "target_step_id": "step-005", "reason": "r", "new_steps": [{"type": "coding", "description": "more"}]},
				{"operation": "split", "target_step_id": "step-005", "reason": "r", "replacement_steps": [{"type": "coding", "description": "a"}, {"type": "coding", "description": "b"}]},
				{"operation": "skip", "target_step_id": "step-009", "reason": "r"},
				{"operation": "reorder", "reason": "r", "new_order": ["step-003", "step-004"]},
				{"operation": "edit_description", "target_step_id": "step-003", "reason": "r", "new_description": "d"},
				{"operation": "restart", "target_step_id": "step-002", "reason": "r", "new_description": "again"}
			]`,
			wantKind: []Kind{KindAddAfter, KindSplit, KindSkip, KindReorder, KindEditDescription, KindRestart},
		},
		{
			name:    "unknown discriminator",
			input:   `{"operation": "delete", "target_step_id": "step-001"}`,
			wantErr: ErrUnknownOperation,
		},
		{
			name:    "unknown step type",
			input:   `{"operation": "add_after", "target_step_id": "step-001", "new_steps": [{"type": "deploy", "description": "x"}]}`,
			errText: "unknown step type",
		},
		{
			name:    "missing target",
			input:   `{"operation": "skip", "reason": "r"}`,
			errText: "target_step_id is required",
		},
		{
			name:    "empty split",
			input:   `{"operation": "split", "target_step_id": "step-004", "replacement_steps": []}`,
			errText: "at least one step",
		},
		{
			name:    "malformed json",
			input:   `[{"operation": `,
			errText: "invalid edit request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := Parse([]byte(tt.input))

			switch {
			case tt.wantErr != nil:
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			case tt.errText != "":
				assert.ErrorContains(t, err, tt.errText)
			default:
				require.NoError(t, err)
				kinds := make([]Kind, len(ops))
				for i, op := range ops {
					kinds[i] = op.Kind()
				}
				assert.Equal(t, tt.wantKind, kinds)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ops     []Operation
		wantErr []string
	}{
		{
			name: "add after pending coding step",
			ops:  []Operation{AddAfter{TargetStepID: "step-005", NewSteps: []NewStep{{workflow.StepCoding, "round two"}}}},
		},
		{
			name:    "add after missing step",
			ops:     []Operation{AddAfter{TargetStepID: "step-077", NewSteps: []NewStep{{workflow.StepCoding, "x"}}}},
			wantErr: []string{`target step "step-077" not found`},
		},
		{
			name:    "add after final review",
			ops:     []Operation{AddAfter{TargetStepID: "step-010", NewSteps: []NewStep{{workflow.StepCoding, "x"}}}},
			wantErr: []string{"cannot add steps after final_review"},
		},
		{
			name:    "skip completed step",
			ops:     []Operation{Skip{TargetStepID: "step-001"}},
			wantErr: []string{"can only skip pending steps"},
		},
		{
			name:    "skip mandatory linting",
			ops:     []Operation{Skip{TargetStepID: "step-006"}},
			wantErr: []string{`cannot skip mandatory step type "linting"`},
		},
		{
			name:    "split mandatory final review",
			ops:     []Operation{Split{TargetStepID: "step-010", ReplacementSteps: []NewStep{{workflow.StepReview, "a"}, {workflow.StepReview, "b"}}}},
			wantErr: []string{"cannot split mandatory step type"},
		},
		{
			name:    "edit description of running step",
			ops:     []Operation{EditDescription{TargetStepID: "step-003", NewDescription: "x"}},
			wantErr: []string{"can only edit pending steps"},
		},
		{
			name: "restart running step",
			ops:  []Operation{Restart{TargetStepID: "step-003", NewDescription: "retry"}},
		},
		{
			name:    "restart pending step",
			ops:     []Operation{Restart{TargetStepID: "step-004", NewDescription: "retry"}},
			wantErr: []string{"can only restart in_progress steps"},
		},
		{
			name: "reorder all pending with final review last",
			ops: []Operation{Reorder{NewOrder: []string{
				"step-005", "step-004", "step-006", "step-007", "step-008", "step-009", "step-010",
			}}},
		},
		{
			name:    "reorder subset",
			ops:     []Operation{Reorder{NewOrder: []string{"step-005", "step-004", "step-010"}}},
			wantErr: []string{"must contain exactly all pending step IDs"},
		},
		{
			name: "reorder with duplicate id",
			ops: []Operation{Reorder{NewOrder: []string{
				"step-004", "step-004", "step-006", "step-007", "step-008", "step-009", "step-010",
			}}},
			wantErr: []string{"must contain exactly all pending step IDs"},
		},
		{
			name: "reorder final review not last",
			ops: []Operation{Reorder{NewOrder: []string{
				"step-004", "step-005", "step-006", "step-007", "step-008", "step-010", "step-009",
			}}},
			wantErr: []string{"final_review must remain the last step"},
		},
		{
			name: "collects every violation",
			ops: []Operation{
				Skip{TargetStepID: "step-006"},
				EditDescription{TargetStepID: "step-099", NewDescription: "x"},
			},
			wantErr: []string{"cannot skip mandatory", `"step-099" not found`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(newStory(2), tt.ops)

			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Len(t, verr.Problems, len(tt.wantErr))
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidate_MaxStepsBoundary(t *testing.T) {
	grow := func(n int) []NewStep {
		steps := make([]NewStep, n)
		for i := range steps {
			steps[i] = NewStep{Type: workflow.StepCoding, Description: fmt.Sprintf("part %d", i)}
		}
		return steps
	}

	story := newStory(2)

	exactly := []Operation{AddAfter{TargetStepID: "step-005", NewSteps: grow(workflow.MaxStepsPerWorkflow - 10)}}
	require.NoError(t, Validate(story, exactly))
	require.NoError(t, Apply(story, exactly))
	assert.Len(t, story.Steps, workflow.MaxStepsPerWorkflow)

	over := []Operation{AddAfter{TargetStepID: "step-005", NewSteps: grow(1)}}
	err := Validate(story, over)
	assert.ErrorContains(t, err, "total steps would be 31, exceeding maximum of 30")

	// Splitting into N replaces one step, so N-1 are added.
	fresh := newStory(2)
	split := []Operation{Split{TargetStepID: "step-004", ReplacementSteps: grow(21)}}
	assert.NoError(t, Validate(fresh, split))
	split = []Operation{Split{TargetStepID: "step-004", ReplacementSteps: grow(22)}}
	assert.Error(t, Validate(fresh, split))
}

func TestValidate_RestartBeyondMaximum(t *testing.T) {
	story := newStory(2)
	story.Steps[2].RestartCount = workflow.MaxRestartsPerStep

	err := Validate(story, []Operation{Restart{TargetStepID: "step-003", NewDescription: "again"}})

	assert.ErrorContains(t, err, "reached max restarts (3)")
	assert.Equal(t, workflow.StepInProgress, story.Steps[2].Status)
}

func TestApply_AddAfterAndSplit(t *testing.T) {
	story := newStory(2)

	err := Apply(story, []Operation{
		AddAfter{TargetStepID: "step-005", NewSteps: []NewStep{
			{workflow.StepLinting, "lint round two"},
			{workflow.StepCoding, "coding round two"},
		}},
		Split{TargetStepID: "step-004", ReplacementSteps: []NewStep{
			{workflow.StepTestArchitecture, "unit tests"},
			{workflow.StepTestArchitecture, "integration tests"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"step-001", "step-002", "step-003",
		"step-013", "step-014",
		"step-005", "step-011", "step-012",
		"step-006", "step-007", "step-008", "step-009", "step-010",
	}, stepIDs(story))
	assert.Equal(t, "integration tests", story.Step("step-014").Description)
	assert.Equal(t, workflow.StepPending, story.Step("step-011").Status)
}

func TestApply_IDsContinuePastHighest(t *testing.T) {
	story := newStory(2)
	story.Steps = append(story.Steps[:9], workflow.Step{ID: "step-042", Type: workflow.StepReview, Status: workflow.StepPending}, story.Steps[9])

	require.NoError(t, Apply(story, []Operation{
		AddAfter{TargetStepID: "step-004", NewSteps: []NewStep{{workflow.StepCoding, "x"}}},
	}))

	assert.NotNil(t, story.Step("step-043"))
}

func TestApply_SkipIsStable(t *testing.T) {
	story := newStory(2)

	require.NoError(t, Apply(story, []Operation{Skip{TargetStepID: "step-009", Reason: "nothing to prune"}}))

	skipped := story.Step("step-009")
	assert.Equal(t, workflow.StepSkipped, skipped.Status)
	assert.Equal(t, "nothing to prune", skipped.SkipReason)
	assert.NotContains(t, story.PendingIDs(), "step-009")

	require.NoError(t, Apply(story, []Operation{EditDescription{TargetStepID: "step-004", NewDescription: "x"}}))
	assert.Equal(t, workflow.StepSkipped, story.Step("step-009").Status)
}

func TestApply_ReorderKeepsResolvedPositions(t *testing.T) {
	story := newStory(2)
	story.Steps[2].Status = workflow.StepCompleted
	story.Steps[4].Status = workflow.StepSkipped

	order := []string{"step-006", "step-004", "step-008", "step-007", "step-009", "step-010"}
	require.NoError(t, Validate(story, []Operation{Reorder{NewOrder: order}}))
	require.NoError(t, Apply(story, []Operation{Reorder{NewOrder: order}}))

	assert.Equal(t, []string{
		"step-001", "step-002", "step-003",
		"step-006", "step-005", "step-004",
		"step-008", "step-007", "step-009", "step-010",
	}, stepIDs(story))
}

func TestApply_Restart(t *testing.T) {
	story := newStory(2)
	running := &story.Steps[2]
	running.Notes = "half done"
	running.Error = "x"
	running.CostUSD = 1.2
	running.LogFile = "logs/US-001/step-003.jsonl"

	require.NoError(t, Apply(story, []Operation{Restart{TargetStepID: "step-003", NewDescription: "focus on the API"}}))

	step := story.Step("step-003")
	assert.Equal(t, workflow.StepPending, step.Status)
	assert.Equal(t, "focus on the API", step.Description)
	assert.Equal(t, 1, step.RestartCount)
	assert.Empty(t, step.Notes)
	assert.Empty(t, step.Error)
	assert.Zero(t, step.CostUSD)
	assert.Empty(t, step.LogFile)
	assert.Nil(t, step.StartedAt)
}

func TestApply_FailureLeavesStoryUnchanged(t *testing.T) {
	story := newStory(2)
	before := stepIDs(story)

	err := Apply(story, []Operation{
		AddAfter{TargetStepID: "step-004", NewSteps: []NewStep{{workflow.StepCoding, "x"}}},
		Skip{TargetStepID: "step-404"},
	})

	assert.Error(t, err)
	assert.Equal(t, before, stepIDs(story))
}

func TestRequestFiles(t *testing.T) {
	shared := t.TempDir()

	ops, err := ReadRequest(shared, "US-001")
	require.NoError(t, err)
	assert.Nil(t, ops)

	require.NoError(t, EnsureDir(shared))
	path := RequestPath(shared, "US-001")
	require.NoError(t, os.WriteFile(path, []byte(`{"operation": "skip", "target_step_id": "step-009", "reason": "r"}`), 0644))

	ops, err = ReadRequest(shared, "US-001")
	require.NoError(t, err)
	require.Len(t, ops, 1)

	require.NoError(t, Discard(shared, "US-001", "step-004"))
	assert.NoFileExists(t, path)
	kept, err := filepath.Glob(filepath.Join(shared, EditsDir, FailedDir, "US-001_step-004_*.json"))
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0644))
	require.NoError(t, Remove(shared, "US-001"))
	assert.NoFileExists(t, path)
	assert.NoError(t, Remove(shared, "US-001"))
	assert.NoError(t, Discard(shared, "US-001", "step-004"))
}

func TestDiscard_KeepsEveryRejectedRequest(t *testing.T) {
	shared := t.TempDir()
	require.NoError(t, EnsureDir(shared))

	restore := workflow.Now
	t.Cleanup(func() { workflow.Now = restore })
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	for i, at := range []time.Time{first, second} {
		workflow.Now = func() time.Time { return at }
		body := fmt.Sprintf(`{"operation": "skip", "target_step_id": "step-00%d", "reason": "r"}`, i+5)
		require.NoError(t, os.WriteFile(RequestPath(shared, "US-001"), []byte(body), 0644))
		require.NoError(t, Discard(shared, "US-001", "step-002"))
	}

	for i, at := range []time.Time{first, second} {
		data, err := os.ReadFile(DiscardedPath(shared, "US-001", "step-002", at))
		require.NoError(t, err)
		assert.Contains(t, string(data), fmt.Sprintf("step-00%d", i+5))
	}
}
