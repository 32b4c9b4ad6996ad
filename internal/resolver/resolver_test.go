package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// buildState creates a state from id → dependencies pairs in the given order.
func buildState(t *testing.T, stories ...[]string) *workflow.State {
	t.Helper()
	st := workflow.NewState("prd.json")
	for _, s := range stories {
		story := workflow.NewStory(s[0], s[0])
		story.DependsOn = append([]string{}, s[1:]...)
		require.NoError(t, st.AddStory(story))
	}
	return st
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name      string
		stories   [][]string
		wantErr   error
		wantCycle []string
	}{
		{
			name:    "empty graph",
			stories: nil,
		},
		{
			name:    "chain",
			stories: [][]string{{"A"}, {"B", "A"}, {"C", "B"}},
		},
		{
			name:    "diamond",
			stories: [][]string{{"A"}, {"B", "A"}, {"C", "A"}, {"D", "B", "C"}},
		},
		{
			name:      "three node cycle",
			stories:   [][]string{{"A", "B"}, {"B", "C"}, {"C", "A"}},
			wantErr:   ErrCycle,
			wantCycle: []string{"A", "B", "C", "A"},
		},
		{
			name:      "self dependency",
			stories:   [][]string{{"A"}, {"B", "B"}},
			wantErr:   ErrCycle,
			wantCycle: []string{"B", "B"},
		},
		{
			name:      "cycle behind a valid prefix",
			stories:   [][]string{{"root"}, {"X", "root", "Y"}, {"Y", "X"}},
			wantErr:   ErrCycle,
			wantCycle: []string{"X", "Y", "X"},
		},
		{
			name:    "dangling dependency",
			stories: [][]string{{"A", "ghost"}},
			wantErr: ErrUnknownDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGraph(buildState(t, tt.stories...))

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			var gerr *GraphError
			require.True(t, errors.As(err, &gerr))
			if tt.wantCycle != nil {
				assert.Equal(t, tt.wantCycle, gerr.Cycle)
			}
		})
	}
}

func TestValidateGraph_CycleMessageNamesMembers(t *testing.T) {
	err := ValidateGraph(buildState(t, []string{"A", "B"}, []string{"B", "C"}, []string{"C", "A"}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
}

func TestFindAssignable(t *testing.T) {
	st := buildState(t, []string{"A"}, []string{"B", "A"}, []string{"C"})

	got := FindAssignable(st)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.StoryID)

	st.Stories["A"].Status = workflow.StoryInProgress
	got = FindAssignable(st)
	require.NotNil(t, got)
	assert.Equal(t, "C", got.StoryID, "B must wait for A")

	st.Stories["C"].Status = workflow.StoryInProgress
	assert.Nil(t, FindAssignable(st))

	st.Stories["A"].Status = workflow.StoryCompleted
	got = FindAssignable(st)
	require.NotNil(t, got)
	assert.Equal(t, "B", got.StoryID)
}

func TestFindAssignable_NeverReturnsIncompleteDependencies(t *testing.T) {
	st := buildState(t, []string{"A"}, []string{"B", "A"}, []string{"C", "A", "B"})
	for _, status := range workflow.StoryStatuses {
		if status == workflow.StoryCompleted {
			continue
		}
		st.Stories["A"].Status = status
		if got := FindAssignable(st); got != nil {
			assert.True(t, DependenciesMet(st, got))
			assert.NotEqual(t, "B", got.StoryID)
			assert.NotEqual(t, "C", got.StoryID)
		}
	}
}

func TestClaim_SeedsDefaultSteps(t *testing.T) {
	st := buildState(t, []string{"A"})

	story := ClaimNext(st, 2)

	require.NotNil(t, story)
	assert.Equal(t, workflow.StoryInProgress, story.Status)
	assert.Equal(t, 2, story.AgentID)
	assert.NotNil(t, story.ClaimedAt)
	assert.Len(t, story.Steps, 10)
	require.Len(t, story.History, 1)
	assert.Equal(t, workflow.ActionStoryClaimed, story.History[0].Action)
	assert.Nil(t, ClaimNext(st, 3))
}

func TestBlockDependents(t *testing.T) {
	st := buildState(t,
		[]string{"A"},
		[]string{"B", "A"},
		[]string{"C", "B"},
		[]string{"D"},
		[]string{"E", "D", "C"},
	)
	st.Stories["A"].Status = workflow.StoryFailed

	blocked := BlockDependents(st, "A")

	assert.ElementsMatch(t, []string{"B", "C", "E"}, blocked)
	assert.Equal(t, workflow.StoryUnclaimed, st.Stories["D"].Status)

	b := st.Stories["B"]
	assert.Equal(t, workflow.StoryBlocked, b.Status)
	require.NotEmpty(t, b.History)
	entry := b.History[len(b.History)-1]
	assert.Equal(t, workflow.ActionStoryBlocked, entry.Action)
	assert.Contains(t, entry.Details["reason"], "A")
	assert.Equal(t, "A", entry.Details["blocked_by"])

	c := st.Stories["C"]
	assert.Equal(t, "B", c.History[len(c.History)-1].Details["blocked_by"])
}

func TestBlockDependents_LeavesClaimedStoriesAlone(t *testing.T) {
	st := buildState(t, []string{"A"}, []string{"B", "A"})
	st.Stories["B"].Status = workflow.StoryCompleted

	assert.Empty(t, BlockDependents(st, "A"))
	assert.Equal(t, workflow.StoryCompleted, st.Stories["B"].Status)
}

func TestReevaluateBlocked(t *testing.T) {
	st := buildState(t, []string{"A"}, []string{"B", "A"}, []string{"C", "B"})
	st.Stories["B"].Status = workflow.StoryBlocked
	st.Stories["C"].Status = workflow.StoryBlocked

	assert.Empty(t, ReevaluateBlocked(st))

	st.Stories["A"].Status = workflow.StoryCompleted
	assert.Equal(t, []string{"B"}, ReevaluateBlocked(st))
	assert.Equal(t, workflow.StoryUnclaimed, st.Stories["B"].Status)
	assert.Equal(t, workflow.StoryBlocked, st.Stories["C"].Status)
}

func TestMarkFailed(t *testing.T) {
	st := buildState(t, []string{"A"}, []string{"B", "A"})
	st.Stories["A"].Status = workflow.StoryInProgress

	blocked := MarkFailed(st, "A", 1, "merge conflict")

	assert.Equal(t, []string{"B"}, blocked)
	a := st.Stories["A"]
	assert.Equal(t, workflow.StoryFailed, a.Status)
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, workflow.ActionStoryFailed, a.History[len(a.History)-1].Action)
	assert.Equal(t, "merge conflict", a.History[len(a.History)-1].Details["reason"])
}
