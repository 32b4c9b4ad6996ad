package editing

import (
	"fmt"
	"strings"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// ValidationError lists every guardrail a batch of operations violated.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid workflow edit: " + strings.Join(e.Problems, "; ")
}

// Validate checks a whole batch against the story's current steps and
// returns a [*ValidationError] collecting every violation. Nothing is
// validated against the effects of earlier operations in the same batch
// except the projected step count.
func Validate(story *workflow.Story, ops []Operation) error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	projected := len(story.Steps)

	for _, op := range ops {
		switch op := op.(type) {
		case AddAfter:
			target := story.Step(op.TargetStepID)
			if target == nil {
				fail("add_after: target step %q not found", op.TargetStepID)
			} else if target.Type == workflow.StepFinalReview {
				fail("add_after: cannot add steps after final_review")
			}
			projected += len(op.NewSteps)

		case Split:
			target := story.Step(op.TargetStepID)
			switch {
			case target == nil:
				fail("split: target step %q not found", op.TargetStepID)
			case target.Status != workflow.StepPending:
				fail("split: can only split pending steps, %q is %s", op.TargetStepID, target.Status)
			case workflow.IsMandatory(target.Type):
				fail("split: cannot split mandatory step type %q", target.Type)
			}
			projected += len(op.ReplacementSteps) - 1

		case Skip:
			target := story.Step(op.TargetStepID)
			switch {
			case target == nil:
				fail("skip: target step %q not found", op.TargetStepID)
			case target.Status != workflow.StepPending:
				fail("skip: can only skip pending steps, %q is %s", op.TargetStepID, target.Status)
			case workflow.IsMandatory(target.Type):
				fail("skip: cannot skip mandatory step type %q", target.Type)
			}

		case Reorder:
			validateReorder(story, op, fail)

		case EditDescription:
			target := story.Step(op.TargetStepID)
			switch {
			case target == nil:
				fail("edit_description: target step %q not found", op.TargetStepID)
			case target.Status != workflow.StepPending:
				fail("edit_description: can only edit pending steps, %q is %s", op.TargetStepID, target.Status)
			}

		case Restart:
			target := story.Step(op.TargetStepID)
			switch {
			case target == nil:
				fail("restart: target step %q not found", op.TargetStepID)
			case target.Status != workflow.StepInProgress:
				fail("restart: can only restart in_progress steps, %q is %s", op.TargetStepID, target.Status)
			case target.RestartCount >= workflow.MaxRestartsPerStep:
				fail("restart: step %q has reached max restarts (%d)", op.TargetStepID, workflow.MaxRestartsPerStep)
			}

		default:
			fail("unsupported operation %T", op)
		}
	}

	if projected > workflow.MaxStepsPerWorkflow {
		fail("total steps would be %d, exceeding maximum of %d", projected, workflow.MaxStepsPerWorkflow)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validateReorder(story *workflow.Story, op Reorder, fail func(string, ...any)) {
	pending := story.PendingIDs()

	want := make(map[string]bool, len(pending))
	for _, id := range pending {
		want[id] = true
	}
	seen := make(map[string]bool, len(op.NewOrder))
	exact := len(op.NewOrder) == len(pending)
	for _, id := range op.NewOrder {
		if !want[id] || seen[id] {
			exact = false
		}
		seen[id] = true
	}
	if !exact {
		fail("reorder: new_order must contain exactly all pending step IDs, expected %v, got %v", pending, op.NewOrder)
	}

	for _, step := range story.Steps {
		if step.Status != workflow.StepPending || step.Type != workflow.StepFinalReview {
			continue
		}
		if len(op.NewOrder) > 0 && op.NewOrder[len(op.NewOrder)-1] != step.ID {
			fail("reorder: final_review must remain the last step")
		}
		break
	}
}
