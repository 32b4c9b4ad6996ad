package workflow

import (
	"fmt"
	"time"
)

// StateVersion is the schema version written into new state documents.
const StateVersion = 1

// State is the whole persisted workflow document.
//
// Stories is keyed by story id; Order preserves the order the stories
// appeared in the spec so that scans such as assignment are deterministic.
type State struct {
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	PRDFile    string            `json:"prd_file"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Order      []string          `json:"order"`
	Stories    map[string]*Story `json:"stories"`
}

// NewState creates an empty state document referencing the given spec file.
func NewState(prdFile string) *State {
	return &State{
		Version:   StateVersion,
		CreatedAt: Now(),
		PRDFile:   prdFile,
		Order:     []string{},
		Stories:   map[string]*Story{},
	}
}

// AddStory appends a story, rejecting duplicate ids.
func (st *State) AddStory(s *Story) error {
	if s.StoryID == "" {
		return fmt.Errorf("story id is required")
	}
	if _, exists := st.Stories[s.StoryID]; exists {
		return fmt.Errorf("duplicate story id %q", s.StoryID)
	}
	st.Stories[s.StoryID] = s
	st.Order = append(st.Order, s.StoryID)
	return nil
}

// Story returns the story with the given id, or nil.
func (st *State) Story(id string) *Story {
	return st.Stories[id]
}

// OrderedStories returns stories in stored order.
func (st *State) OrderedStories() []*Story {
	out := make([]*Story, 0, len(st.Order))
	for _, id := range st.Order {
		if s, ok := st.Stories[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Counts tallies stories by status.
func (st *State) Counts() map[StoryStatus]int {
	counts := make(map[StoryStatus]int, len(StoryStatuses))
	for _, s := range st.Stories {
		counts[s.Status]++
	}
	return counts
}

// Validate checks structural consistency of a loaded document.
func (st *State) Validate() error {
	if st.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d", st.Version)
	}
	if len(st.Order) != len(st.Stories) {
		return fmt.Errorf("story order lists %d ids but %d stories are stored", len(st.Order), len(st.Stories))
	}
	seen := make(map[string]bool, len(st.Order))
	for _, id := range st.Order {
		if seen[id] {
			return fmt.Errorf("duplicate story id %q in order", id)
		}
		seen[id] = true
		s, ok := st.Stories[id]
		if !ok {
			return fmt.Errorf("story %q listed in order but missing", id)
		}
		if s.StoryID != id {
			return fmt.Errorf("story keyed %q has story_id %q", id, s.StoryID)
		}
		if len(s.Steps) > MaxStepsPerWorkflow {
			return fmt.Errorf("story %q has %d steps, maximum is %d", id, len(s.Steps), MaxStepsPerWorkflow)
		}
		inProgress := 0
		for _, step := range s.Steps {
			if step.Status == StepInProgress {
				inProgress++
			}
		}
		if inProgress > 1 {
			return fmt.Errorf("story %q has %d steps in progress", id, inProgress)
		}
	}
	return nil
}
