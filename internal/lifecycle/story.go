package lifecycle

import (
	"context"
	"fmt"

	"github.com/cybergrind/dynamic-ralph/internal/resolver"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// StoryResult is the outcome of running a story's steps.
type StoryResult struct {
	StoryID string
	Status  workflow.StoryStatus

	// FailedStep is the step that ended the story, when it failed.
	FailedStep *workflow.Step

	// Blocked lists stories blocked because this one failed.
	Blocked []string
}

// Succeeded reports whether the story completed.
func (r StoryResult) Succeeded() bool {
	return r.Status == workflow.StoryCompleted
}

// ProgressCallback is invoked before each step begins, with the 1-based
// position of the step in the story and the story's current step count.
type ProgressCallback func(storyID string, position, total int, step workflow.Step)

// StoryRunner runs every pending step of a story in order.
type StoryRunner struct {
	steps            *StepExecutor
	progressCallback ProgressCallback
}

// NewStoryRunner creates a [StoryRunner] on top of a [StepExecutor].
func NewStoryRunner(steps *StepExecutor) *StoryRunner {
	return &StoryRunner{steps: steps}
}

// SetProgressCallback configures an optional callback invoked before each step.
func (r *StoryRunner) SetProgressCallback(cb ProgressCallback) {
	r.progressCallback = cb
}

// Run executes storyID to completion or first failure.
//
// An unclaimed story is claimed for agentID first. A step left in progress by
// an earlier run that died is rolled back to its checkpoint and run again.
// The state is reloaded before every step so edits applied by the previous
// step are honored. The story completes only when every step is completed or
// skipped: completion removes the story scratch; failure appends a note to
// the global scratch and blocks every dependent story.
//
// The returned error is reserved for infrastructure problems such as an
// unreadable state file, and for interruption through ctx, which leaves the
// story in progress.
func (r *StoryRunner) Run(ctx context.Context, storyID string, agentID int) (StoryResult, error) {
	store := r.steps.Store()

	if err := store.Update(ctx, func(st *workflow.State) error {
		story := st.Story(storyID)
		if story == nil {
			return fmt.Errorf("%w: %s", errStoryMissing, storyID)
		}
		switch story.Status {
		case workflow.StoryUnclaimed:
			resolver.Claim(story, agentID)
		case workflow.StoryInProgress:
			if len(story.Steps) == 0 {
				story.Steps = workflow.DefaultSteps()
			}
		default:
			return fmt.Errorf("story %s is %s and cannot be run", storyID, story.Status)
		}
		return nil
	}); err != nil {
		return StoryResult{}, err
	}

	if err := r.recoverStale(ctx, storyID, agentID); err != nil {
		return StoryResult{}, err
	}

	for {
		st, err := store.Load()
		if err != nil {
			return StoryResult{}, err
		}
		story := st.Story(storyID)
		if story == nil {
			return StoryResult{}, fmt.Errorf("%w: %s", errStoryMissing, storyID)
		}

		if stuck := unfinishedStep(story); stuck != nil {
			return r.fail(ctx, storyID, agentID, *stuck, "")
		}

		next := story.NextPending()
		if next == nil {
			return r.complete(ctx, storyID, agentID)
		}

		if r.progressCallback != nil {
			r.progressCallback(storyID, story.StepIndex(next.ID)+1, len(story.Steps), *next)
		}

		done, err := r.steps.Execute(ctx, storyID, next.ID, agentID)
		if err != nil {
			return StoryResult{}, err
		}

		switch done.Status {
		case workflow.StepCompleted, workflow.StepPending, workflow.StepSkipped:
			continue
		case workflow.StepCancelled:
			return r.fail(ctx, storyID, agentID, done, "timed out")
		}

		// A failed step may have been replaced by a concurrent edit; only a
		// step still present and failed ends the story.
		refreshed, err := store.Load()
		if err != nil {
			return StoryResult{}, err
		}
		if rs := refreshed.Story(storyID); rs != nil {
			if cur := rs.Step(done.ID); cur == nil || cur.Status != workflow.StepFailed {
				continue
			}
		}
		return r.fail(ctx, storyID, agentID, done, "")
	}
}

// recoverStale returns steps a dead worker left in progress to pending and
// rolls the workspace back to the earliest of their checkpoints.
func (r *StoryRunner) recoverStale(ctx context.Context, storyID string, agentID int) error {
	var checkpoint string
	var reset []string
	err := r.steps.Store().UpdateStory(ctx, storyID, func(story *workflow.Story) error {
		for i := range story.Steps {
			step := &story.Steps[i]
			if step.Status != workflow.StepInProgress {
				continue
			}
			if checkpoint == "" {
				checkpoint = step.GitSHAAtStart
			}
			step.Reset(step.Description)
			story.Record(workflow.ActionStepCancelled, agentID, step.ID, map[string]any{
				"reason": "stale",
			})
			reset = append(reset, step.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range reset {
		r.steps.Printer().Warn("[%s] step %s was left in progress by an earlier run; running it again", storyID, id)
	}
	if checkpoint != "" {
		if err := r.steps.repo.Rollback(ctx, checkpoint); err != nil {
			return fmt.Errorf("rolling back stale step of story %s: %w", storyID, err)
		}
	}
	return nil
}

// unfinishedStep returns the first step that ended without completing and
// still keeps the story from finishing.
func unfinishedStep(story *workflow.Story) *workflow.Step {
	for i := range story.Steps {
		switch story.Steps[i].Status {
		case workflow.StepFailed, workflow.StepCancelled, workflow.StepInProgress:
			return &story.Steps[i]
		}
	}
	return nil
}

func (r *StoryRunner) complete(ctx context.Context, storyID string, agentID int) (StoryResult, error) {
	err := r.steps.Store().UpdateStory(ctx, storyID, func(story *workflow.Story) error {
		now := workflow.Now()
		story.Status = workflow.StoryCompleted
		story.CompletedAt = &now
		story.Record(workflow.ActionStoryCompleted, agentID, "", map[string]any{
			"total_cost_usd": story.TotalCost(),
		})
		return nil
	})
	if err != nil {
		return StoryResult{}, err
	}

	if err := r.steps.Scratch().CleanupStory(storyID); err != nil {
		r.steps.logger.Warn("could not remove story scratch", "story_id", storyID, "error", err)
	}
	r.steps.Printer().StoryResult(storyID, workflow.StoryCompleted, "")
	return StoryResult{StoryID: storyID, Status: workflow.StoryCompleted}, nil
}

func (r *StoryRunner) fail(ctx context.Context, storyID string, agentID int, step workflow.Step, suffix string) (StoryResult, error) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("step %s (%s) %s", step.ID, step.Type, step.Status)
	if step.Error != "" {
		reason += ": " + step.Error
	}

	var blocked []string
	err := r.steps.Store().Update(ctx, func(st *workflow.State) error {
		blocked = resolver.MarkFailed(st, storyID, agentID, reason)
		return nil
	})
	if err != nil {
		return StoryResult{}, err
	}

	note := fmt.Sprintf("[%s] Story %s FAILED at step %s (%s)",
		workflow.Now().Format("2006-01-02T15:04:05Z07:00"), storyID, step.ID, step.Type)
	if suffix != "" {
		note += ": " + suffix
	}
	if err := r.steps.Scratch().AppendGlobal(ctx, note); err != nil {
		r.steps.logger.Warn("could not append to global scratch", "story_id", storyID, "error", err)
	}

	printer := r.steps.Printer()
	printer.StoryResult(storyID, workflow.StoryFailed, reason)
	for _, id := range blocked {
		printer.Warn("story %s blocked: depends on failed story %s", id, storyID)
	}

	return StoryResult{
		StoryID:    storyID,
		Status:     workflow.StoryFailed,
		FailedStep: &step,
		Blocked:    blocked,
	}, nil
}
