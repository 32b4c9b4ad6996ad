package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSteps(t *testing.T) {
	steps := DefaultSteps()

	require.Len(t, steps, 10)
	assert.Equal(t, "step-001", steps[0].ID)
	assert.Equal(t, StepContextGathering, steps[0].Type)
	assert.Equal(t, "step-010", steps[9].ID)
	assert.Equal(t, StepFinalReview, steps[9].Type)
	for i, s := range steps {
		assert.Equal(t, StepTypes[i], s.Type)
		assert.Equal(t, StepPending, s.Status)
		assert.NotEmpty(t, s.Description)
	}
}

func TestStepTimeout(t *testing.T) {
	tests := []struct {
		stepType StepType
		want     time.Duration
	}{
		{StepContextGathering, 900 * time.Second},
		{StepPlanning, 600 * time.Second},
		{StepCoding, 1800 * time.Second},
		{StepLinting, 300 * time.Second},
		{StepInitialTesting, 1200 * time.Second},
		{StepFinalReview, 900 * time.Second},
		{StepType("mystery"), 900 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.stepType), func(t *testing.T) {
			assert.Equal(t, tt.want, StepTimeout(tt.stepType))
		})
	}
}

func TestAllowsEditing(t *testing.T) {
	assert.False(t, AllowsEditing(StepContextGathering))
	assert.False(t, AllowsEditing(StepLinting))
	assert.False(t, AllowsEditing(StepPruneTests))
	assert.True(t, AllowsEditing(StepPlanning))
	assert.True(t, AllowsEditing(StepCoding))
	assert.True(t, AllowsEditing(StepFinalReview))
	assert.False(t, AllowsEditing(StepType("mystery")))
}

func TestIsMandatory(t *testing.T) {
	for _, st := range StepTypes {
		want := st == StepLinting || st == StepFinalReview
		assert.Equal(t, want, IsMandatory(st), st)
	}
}

func TestNextStepNumber(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  int
	}{
		{"empty", nil, 11},
		{"default workflow", DefaultSteps(), 11},
		{"gap above default", []Step{{ID: "step-001"}, {ID: "step-017"}}, 18},
		{"ignores foreign ids", []Step{{ID: "custom"}, {ID: "step-abc"}}, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextStepNumber(tt.steps))
		})
	}
}

func TestParseStepType(t *testing.T) {
	got, err := ParseStepType("coding")
	require.NoError(t, err)
	assert.Equal(t, StepCoding, got)

	_, err = ParseStepType("deploy")
	assert.Error(t, err)
}

func TestStep_Reset(t *testing.T) {
	now := time.Now()
	s := Step{
		ID:           "step-005",
		Type:         StepCoding,
		Status:       StepInProgress,
		StartedAt:    &now,
		Notes:        "old notes",
		Error:        "boom",
		RestartCount: 1,
		CostUSD:      0.5,
		InputTokens:  10,
		OutputTokens: 20,
		LogFile:      "logs/x.jsonl",
	}

	s.Reset("try again")

	assert.Equal(t, StepPending, s.Status)
	assert.Equal(t, "try again", s.Description)
	assert.Nil(t, s.StartedAt)
	assert.Empty(t, s.Notes)
	assert.Empty(t, s.Error)
	assert.Zero(t, s.CostUSD)
	assert.Zero(t, s.InputTokens)
	assert.Empty(t, s.LogFile)
	assert.Equal(t, 1, s.RestartCount)
}

func TestStory_Navigation(t *testing.T) {
	story := NewStory("US-001", "Login")
	story.Steps = DefaultSteps()
	story.Steps[0].Status = StepCompleted
	story.Steps[1].Status = StepInProgress

	assert.Equal(t, "step-002", story.InProgress().ID)
	assert.Equal(t, "step-003", story.NextPending().ID)
	assert.Len(t, story.PendingIDs(), 8)
	assert.Equal(t, 4, story.StepIndex("step-005"))
	assert.Nil(t, story.Step("step-999"))
}

func TestState_AddStoryAndValidate(t *testing.T) {
	st := NewState("prd.json")
	require.NoError(t, st.AddStory(NewStory("A", "first")))
	require.NoError(t, st.AddStory(NewStory("B", "second")))
	assert.Error(t, st.AddStory(NewStory("A", "dup")))

	ids := []string{}
	for _, s := range st.OrderedStories() {
		ids = append(ids, s.StoryID)
	}
	assert.Equal(t, []string{"A", "B"}, ids)
	assert.NoError(t, st.Validate())

	st.Stories["B"].Steps = DefaultSteps()
	st.Stories["B"].Steps[0].Status = StepInProgress
	st.Stories["B"].Steps[1].Status = StepInProgress
	assert.Error(t, st.Validate())
}

func TestState_JSONFieldNames(t *testing.T) {
	st := NewState("prd.json")
	story := NewStory("A", "first")
	story.Steps = DefaultSteps()
	require.NoError(t, st.AddStory(story))

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "version")
	assert.Contains(t, raw, "created_at")
	assert.Contains(t, raw, "prd_file")

	stories := raw["stories"].(map[string]any)
	a := stories["A"].(map[string]any)
	assert.Equal(t, "unclaimed", a["status"])
	step := a["steps"].([]any)[0].(map[string]any)
	assert.Equal(t, "step-001", step["id"])
	assert.Equal(t, "context_gathering", step["type"])
	assert.Contains(t, step, "restart_count")
}
