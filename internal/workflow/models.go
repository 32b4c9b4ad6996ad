package workflow

import (
	"fmt"
	"time"
)

// Now returns the current time in UTC. Tests may replace it to pin timestamps.
var Now = func() time.Time { return time.Now().UTC() }

// StepType identifies what kind of work a step performs.
type StepType string

const (
	StepContextGathering StepType = "context_gathering"
	StepPlanning         StepType = "planning"
	StepArchitecture     StepType = "architecture"
	StepTestArchitecture StepType = "test_architecture"
	StepCoding           StepType = "coding"
	StepLinting          StepType = "linting"
	StepInitialTesting   StepType = "initial_testing"
	StepReview           StepType = "review"
	StepPruneTests       StepType = "prune_tests"
	StepFinalReview      StepType = "final_review"
)

// StepTypes lists every step type in canonical workflow order.
var StepTypes = []StepType{
	StepContextGathering,
	StepPlanning,
	StepArchitecture,
	StepTestArchitecture,
	StepCoding,
	StepLinting,
	StepInitialTesting,
	StepReview,
	StepPruneTests,
	StepFinalReview,
}

// IsValid reports whether t is a known step type.
func (t StepType) IsValid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseStepType converts s to a [StepType], rejecting unknown values.
func ParseStepType(s string) (StepType, error) {
	t := StepType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown step type %q", s)
	}
	return t, nil
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// IsResolved reports whether the step will not run again without a restart.
func (s StepStatus) IsResolved() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed, StepCancelled:
		return true
	}
	return false
}

// StoryStatus is the lifecycle state of a story.
type StoryStatus string

const (
	StoryUnclaimed  StoryStatus = "unclaimed"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
	StoryBlocked    StoryStatus = "blocked"
)

// StoryStatuses lists every story status in display order.
var StoryStatuses = []StoryStatus{
	StoryUnclaimed,
	StoryInProgress,
	StoryCompleted,
	StoryFailed,
	StoryBlocked,
}

// HistoryAction names an event recorded in a story's history.
type HistoryAction string

const (
	ActionStoryClaimed   HistoryAction = "story_claimed"
	ActionStepStarted    HistoryAction = "step_started"
	ActionStepCompleted  HistoryAction = "step_completed"
	ActionStepFailed     HistoryAction = "step_failed"
	ActionStepCancelled  HistoryAction = "step_cancelled"
	ActionStepSkipped    HistoryAction = "step_skipped"
	ActionWorkflowEdit   HistoryAction = "workflow_edit"
	ActionStoryCompleted HistoryAction = "story_completed"
	ActionStoryFailed    HistoryAction = "story_failed"
	ActionStoryBlocked   HistoryAction = "story_blocked"
	ActionStoryUnblocked HistoryAction = "story_unblocked"
)

// Step is one unit of work within a story.
type Step struct {
	ID            string     `json:"id"`
	Type          StepType   `json:"type"`
	Status        StepStatus `json:"status"`
	Description   string     `json:"description"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	GitSHAAtStart string     `json:"git_sha_at_start,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Error         string     `json:"error,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
	RestartCount  int        `json:"restart_count"`
	CostUSD       float64    `json:"cost_usd,omitempty"`
	InputTokens   int        `json:"input_tokens,omitempty"`
	OutputTokens  int        `json:"output_tokens,omitempty"`
	LogFile       string     `json:"log_file,omitempty"`
}

// Reset returns the step to pending, clearing everything recorded by a previous run.
// The restart counter is left untouched.
func (s *Step) Reset(description string) {
	s.Description = description
	s.Status = StepPending
	s.StartedAt = nil
	s.CompletedAt = nil
	s.GitSHAAtStart = ""
	s.Notes = ""
	s.Error = ""
	s.CostUSD = 0
	s.InputTokens = 0
	s.OutputTokens = 0
	s.LogFile = ""
}

// HistoryEntry is an append-only audit record on a story.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    HistoryAction  `json:"action"`
	AgentID   int            `json:"agent_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Story is a unit of deliverable work made of ordered steps.
type Story struct {
	StoryID            string         `json:"story_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Status             StoryStatus    `json:"status"`
	AgentID            int            `json:"agent_id,omitempty"`
	ClaimedAt          *time.Time     `json:"claimed_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	DependsOn          []string       `json:"depends_on"`
	Steps              []Step         `json:"steps"`
	History            []HistoryEntry `json:"history"`
}

// NewStory creates an unclaimed story with no steps.
func NewStory(id, title string) *Story {
	return &Story{
		StoryID:   id,
		Title:     title,
		Status:    StoryUnclaimed,
		DependsOn: []string{},
		Steps:     []Step{},
		History:   []HistoryEntry{},
	}
}

// Record appends a history entry stamped with the current time.
func (s *Story) Record(action HistoryAction, agentID int, stepID string, details map[string]any) {
	s.History = append(s.History, HistoryEntry{
		Timestamp: Now(),
		Action:    action,
		AgentID:   agentID,
		StepID:    stepID,
		Details:   details,
	})
}

// StepIndex returns the position of the step with the given id, or -1.
func (s *Story) StepIndex(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Step returns a pointer into Steps for the given id, or nil.
func (s *Story) Step(id string) *Step {
	if i := s.StepIndex(id); i >= 0 {
		return &s.Steps[i]
	}
	return nil
}

// NextPending returns the first pending step in sequence order, or nil.
func (s *Story) NextPending() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepPending {
			return &s.Steps[i]
		}
	}
	return nil
}

// InProgress returns the step currently running, or nil.
func (s *Story) InProgress() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepInProgress {
			return &s.Steps[i]
		}
	}
	return nil
}

// PendingIDs returns the ids of pending steps in sequence order.
func (s *Story) PendingIDs() []string {
	var ids []string
	for _, step := range s.Steps {
		if step.Status == StepPending {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

// TotalCost sums the recorded worker cost across all steps.
func (s *Story) TotalCost() float64 {
	var total float64
	for _, step := range s.Steps {
		total += step.CostUSD
	}
	return total
}

// Clone returns a deep copy of the story.
func (s *Story) Clone() *Story {
	c := *s
	c.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
	c.DependsOn = append([]string{}, s.DependsOn...)
	c.Steps = append([]Step{}, s.Steps...)
	c.History = append([]HistoryEntry{}, s.History...)
	return &c
}
