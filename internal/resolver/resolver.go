// Package resolver decides which stories may run and propagates failure.
//
// The resolver treats stories as nodes in a dependency graph. It validates that
// the graph is a DAG with no dangling references, picks the next assignable
// story, and moves stories in and out of the blocked state as their
// dependencies fail or complete.
//
// Key functions:
//   - [ValidateGraph] rejects cycles and unknown dependencies
//   - [FindAssignable] returns the first runnable story in stored order
//   - [BlockDependents] and [ReevaluateBlocked] maintain the blocked set
//
// All functions operate on an in-memory [workflow.State]; callers are
// expected to hold the state lock while mutating.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// Sentinel errors for dependency graph validation.
var (
	// ErrCycle indicates the dependency graph contains a cycle.
	ErrCycle = errors.New("circular dependency detected")

	// ErrUnknownDependency indicates a story depends on an id that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// GraphError describes why a dependency graph was rejected.
//
// For a dangling reference Story and Dependency are set. For a cycle, Cycle
// holds the concrete path with the first node repeated at the end.
type GraphError struct {
	Story      string
	Dependency string
	Cycle      []string
	Err        error
}

func (e *GraphError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%v: %s", e.Err, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%v: story %q depends on %q which does not exist", e.Err, e.Story, e.Dependency)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// ValidateGraph checks that every dependency exists and that the graph is
// acyclic. It uses Kahn's algorithm over index-based adjacency lists.
func ValidateGraph(st *workflow.State) error {
	ids := st.Order
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	dependents := make([][]int, len(ids))
	inDegree := make([]int, len(ids))
	for i, id := range ids {
		for _, dep := range st.Stories[id].DependsOn {
			j, ok := index[dep]
			if !ok {
				return &GraphError{Story: id, Dependency: dep, Err: ErrUnknownDependency}
			}
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, len(ids))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited == len(ids) {
		return nil
	}

	return &GraphError{Cycle: traceCycle(st, index, inDegree), Err: ErrCycle}
}

// traceCycle walks dependency edges restricted to the nodes Kahn's algorithm
// could not resolve until a node repeats. Every unresolved node has at least
// one unresolved dependency, so the walk always closes a loop.
func traceCycle(st *workflow.State, index map[string]int, inDegree []int) []string {
	start := -1
	for i, d := range inDegree {
		if d > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	pos := map[int]int{start: 0}
	path := []int{start}
	current := start
	for {
		next := -1
		for _, dep := range st.Stories[st.Order[current]].DependsOn {
			if j := index[dep]; inDegree[j] > 0 {
				next = j
				break
			}
		}
		if next < 0 {
			break
		}
		if p, seen := pos[next]; seen {
			cycle := make([]string, 0, len(path)-p+1)
			for _, n := range path[p:] {
				cycle = append(cycle, st.Order[n])
			}
			return append(cycle, st.Order[next])
		}
		pos[next] = len(path)
		path = append(path, next)
		current = next
	}

	return []string{st.Order[start], st.Order[start]}
}

// DependenciesMet reports whether every dependency of story is completed.
func DependenciesMet(st *workflow.State, story *workflow.Story) bool {
	for _, dep := range story.DependsOn {
		d := st.Story(dep)
		if d == nil || d.Status != workflow.StoryCompleted {
			return false
		}
	}
	return true
}

// FindAssignable returns the first unclaimed story, in stored order, whose
// dependencies are all completed. It returns nil when nothing can run.
func FindAssignable(st *workflow.State) *workflow.Story {
	for _, story := range st.OrderedStories() {
		if story.Status == workflow.StoryUnclaimed && DependenciesMet(st, story) {
			return story
		}
	}
	return nil
}

// Claim marks story as in progress for agentID and seeds the default
// workflow when the story has no steps yet.
func Claim(story *workflow.Story, agentID int) {
	now := workflow.Now()
	story.Status = workflow.StoryInProgress
	story.AgentID = agentID
	story.ClaimedAt = &now
	if len(story.Steps) == 0 {
		story.Steps = workflow.DefaultSteps()
	}
	story.Record(workflow.ActionStoryClaimed, agentID, "", nil)
}

// ClaimNext finds the next assignable story and claims it. It returns nil
// when no story is assignable.
func ClaimNext(st *workflow.State, agentID int) *workflow.Story {
	story := FindAssignable(st)
	if story == nil {
		return nil
	}
	Claim(story, agentID)
	return story
}

// BlockDependents marks every unclaimed story that transitively depends on
// failedID as blocked and returns their ids in the order they were blocked.
// Each newly blocked story records the failure that caused it.
func BlockDependents(st *workflow.State, failedID string) []string {
	sources := map[string]bool{failedID: true}
	for id, story := range st.Stories {
		if story.Status == workflow.StoryFailed || story.Status == workflow.StoryBlocked {
			sources[id] = true
		}
	}
	var blocked []string

	for changed := true; changed; {
		changed = false
		for _, story := range st.OrderedStories() {
			if story.Status != workflow.StoryUnclaimed {
				continue
			}
			for _, dep := range story.DependsOn {
				if !sources[dep] {
					continue
				}
				story.Status = workflow.StoryBlocked
				story.Record(workflow.ActionStoryBlocked, 0, "", map[string]any{
					"reason":     fmt.Sprintf("dependency %s failed (transitive)", failedID),
					"blocked_by": dep,
				})
				sources[story.StoryID] = true
				blocked = append(blocked, story.StoryID)
				changed = true
				break
			}
		}
	}

	return blocked
}

// ReevaluateBlocked returns blocked stories whose dependencies have all
// completed to the unclaimed state and reports their ids.
func ReevaluateBlocked(st *workflow.State) []string {
	var unblocked []string
	for _, story := range st.OrderedStories() {
		if story.Status != workflow.StoryBlocked || !DependenciesMet(st, story) {
			continue
		}
		story.Status = workflow.StoryUnclaimed
		story.Record(workflow.ActionStoryUnblocked, 0, "", map[string]any{
			"reason": "all dependencies completed",
		})
		unblocked = append(unblocked, story.StoryID)
	}
	return unblocked
}

// MarkFailed sets story to failed and records why, then blocks its dependents.
// It returns the ids of stories newly blocked.
func MarkFailed(st *workflow.State, storyID string, agentID int, reason string) []string {
	story := st.Story(storyID)
	if story == nil {
		return nil
	}
	if story.Status != workflow.StoryFailed {
		now := workflow.Now()
		story.Status = workflow.StoryFailed
		story.CompletedAt = &now
		story.Record(workflow.ActionStoryFailed, agentID, "", map[string]any{"reason": reason})
	}
	return BlockDependents(st, storyID)
}
