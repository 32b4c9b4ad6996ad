package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cybergrind/dynamic-ralph/internal/resolver"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// SerialOptions configures [Serial].
type SerialOptions struct {
	// SpecPath is the story spec used to initialize state.
	SpecPath string

	// Resume reuses an existing state file instead of reinitializing it.
	// Stories an interrupted run left in progress are continued before any
	// new story is claimed.
	Resume bool

	// MaxIterations caps how many stories are claimed. Zero means no cap.
	MaxIterations int

	// AgentID is recorded on claimed stories.
	AgentID int
}

// RunSummary describes how a run ended.
type RunSummary struct {
	Iterations int
	Completed  []string
	Failed     []string

	// Finished is true when no story is left unclaimed or in progress.
	Finished bool

	// Stalled is true when stories remain but none can be assigned.
	Stalled bool
}

// OK reports whether every claimed story completed.
func (s RunSummary) OK() bool {
	return len(s.Failed) == 0 && !s.Stalled
}

// PrepareState initializes the state file from specPath unless resume is set
// and the file already exists.
func PrepareState(store *state.Store, specPath string, resume bool) (resumed bool, err error) {
	if resume {
		if _, statErr := os.Stat(store.Path()); statErr == nil {
			if _, err := store.Load(); err != nil {
				return false, err
			}
			return true, nil
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return false, statErr
		}
	}
	if specPath == "" {
		return false, fmt.Errorf("no state at %s and no spec to initialize from", store.Path())
	}
	if _, err := state.Initialize(specPath, store.Path()); err != nil {
		return false, err
	}
	return false, nil
}

// Serial claims and runs assignable stories one at a time in the current
// workspace until none remain, none can be assigned, or the iteration cap is hit.
func Serial(ctx context.Context, runner *StoryRunner, opts SerialOptions) (RunSummary, error) {
	store := runner.steps.Store()
	printer := runner.steps.Printer()

	resumed, err := PrepareState(store, opts.SpecPath, opts.Resume)
	if err != nil {
		return RunSummary{}, err
	}
	if resumed {
		printer.Info("Resuming from existing state: %s", store.Path())
	} else {
		printer.Info("Initialized state from %s", opts.SpecPath)
	}

	var summary RunSummary
	for opts.MaxIterations == 0 || summary.Iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var claimed *workflow.Story
		var remaining int
		err := store.Update(ctx, func(st *workflow.State) error {
			for _, id := range resolver.ReevaluateBlocked(st) {
				printer.Info("Story %s unblocked: all dependencies completed", id)
			}

			var story *workflow.Story
			if resumed {
				story = interrupted(st)
			}
			if story == nil {
				story = resolver.ClaimNext(st, opts.AgentID)
			}
			if story != nil {
				claimed = story.Clone()
				return nil
			}

			counts := st.Counts()
			remaining = counts[workflow.StoryUnclaimed] + counts[workflow.StoryInProgress]
			if remaining == 0 {
				now := workflow.Now()
				st.FinishedAt = &now
			}
			return nil
		})
		if err != nil {
			return summary, err
		}

		if claimed == nil {
			if remaining == 0 {
				summary.Finished = true
				printer.Info("All stories finished after %d iterations.", summary.Iterations)
			} else {
				summary.Stalled = true
				printer.Warn("No assignable stories: %d remain but are blocked by dependencies.", remaining)
			}
			return summary, nil
		}

		summary.Iterations++
		printer.StoryStart(claimed.StoryID, claimed.Title, opts.AgentID)

		result, err := runner.Run(ctx, claimed.StoryID, opts.AgentID)
		if err != nil {
			return summary, err
		}
		if result.Succeeded() {
			summary.Completed = append(summary.Completed, result.StoryID)
		} else {
			summary.Failed = append(summary.Failed, result.StoryID)
		}

		if err := PrintStatus(store, runner.steps.Printer().Info); err != nil {
			return summary, err
		}
	}

	printer.Warn("Max iterations (%d) reached.", opts.MaxIterations)
	return summary, nil
}

// interrupted returns the first story left in progress, if any.
func interrupted(st *workflow.State) *workflow.Story {
	for _, story := range st.OrderedStories() {
		if story.Status == workflow.StoryInProgress {
			return story
		}
	}
	return nil
}

// OneShot runs a free-form task as a single story through the default workflow.
func OneShot(ctx context.Context, runner *StoryRunner, task string, agentID int) (StoryResult, error) {
	store := runner.steps.Store()
	st, err := state.InitializeOneShot(task, store.Path())
	if err != nil {
		return StoryResult{}, err
	}

	story := st.Story(state.OneShotStoryID)
	printer := runner.steps.Printer()
	printer.Info("One-shot mode: executing task with %d steps", len(workflow.DefaultSteps()))
	printer.Info("State: %s", store.Path())
	printer.StoryStart(story.StoryID, story.Title, agentID)

	return runner.Run(ctx, state.OneShotStoryID, agentID)
}

// PrintStatus reports story counts per status through info.
func PrintStatus(store *state.Store, info func(format string, args ...any)) error {
	st, err := store.Load()
	if err != nil {
		return err
	}
	info("Status: %d stories (%s)", len(st.Stories), FormatCounts(st.Counts()))
	return nil
}

// FormatCounts renders non-zero status counts as "completed=2, failed=1".
func FormatCounts(counts map[workflow.StoryStatus]int) string {
	var parts []string
	for _, s := range workflow.StoryStatuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
