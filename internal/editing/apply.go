package editing

import (
	"fmt"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// Apply executes a validated batch against story in order. Operations run on
// a copy of the step list; if any operation cannot be applied the story is
// left unchanged and an error is returned.
func Apply(story *workflow.Story, ops []Operation) error {
	steps := append([]workflow.Step{}, story.Steps...)
	next := workflow.NextStepNumber(steps)

	build := func(specs []NewStep) []workflow.Step {
		out := make([]workflow.Step, len(specs))
		for i, s := range specs {
			out[i] = workflow.Step{
				ID:          workflow.FormatStepID(next),
				Type:        s.Type,
				Status:      workflow.StepPending,
				Description: s.Description,
			}
			next++
		}
		return out
	}

	find := func(id string) (int, error) {
		for i := range steps {
			if steps[i].ID == id {
				return i, nil
			}
		}
		return -1, fmt.Errorf("step %q not found", id)
	}

	for _, op := range ops {
		switch op := op.(type) {
		case AddAfter:
			i, err := find(op.TargetStepID)
			if err != nil {
				return fmt.Errorf("add_after: %w", err)
			}
			added := build(op.NewSteps)
			steps = append(steps[:i+1], append(added, steps[i+1:]...)...)

		case Split:
			i, err := find(op.TargetStepID)
			if err != nil {
				return fmt.Errorf("split: %w", err)
			}
			replacement := build(op.ReplacementSteps)
			steps = append(steps[:i], append(replacement, steps[i+1:]...)...)

		case Skip:
			i, err := find(op.TargetStepID)
			if err != nil {
				return fmt.Errorf("skip: %w", err)
			}
			now := workflow.Now()
			steps[i].Status = workflow.StepSkipped
			steps[i].SkipReason = op.Reason
			steps[i].CompletedAt = &now

		case Reorder:
			steps = reorderPending(steps, op.NewOrder)

		case EditDescription:
			i, err := find(op.TargetStepID)
			if err != nil {
				return fmt.Errorf("edit_description: %w", err)
			}
			steps[i].Description = op.NewDescription

		case Restart:
			i, err := find(op.TargetStepID)
			if err != nil {
				return fmt.Errorf("restart: %w", err)
			}
			steps[i].Reset(op.NewDescription)
			steps[i].RestartCount++

		default:
			return fmt.Errorf("unsupported operation %T", op)
		}
	}

	if len(steps) > workflow.MaxStepsPerWorkflow {
		return fmt.Errorf("edit would grow workflow to %d steps, maximum is %d", len(steps), workflow.MaxStepsPerWorkflow)
	}

	story.Steps = steps
	return nil
}

// reorderPending refills the positions held by pending steps with the
// requested order. Resolved steps keep their positions. Pending steps the
// order does not mention keep their relative order after the listed ones.
func reorderPending(steps []workflow.Step, order []string) []workflow.Step {
	byID := make(map[string]workflow.Step)
	var slots []int
	var original []string
	for i, s := range steps {
		if s.Status == workflow.StepPending {
			byID[s.ID] = s
			slots = append(slots, i)
			original = append(original, s.ID)
		}
	}

	placed := make(map[string]bool, len(order))
	sequence := make([]string, 0, len(slots))
	for _, id := range order {
		if _, ok := byID[id]; ok && !placed[id] {
			sequence = append(sequence, id)
			placed[id] = true
		}
	}
	for _, id := range original {
		if !placed[id] {
			sequence = append(sequence, id)
		}
	}

	out := append([]workflow.Step{}, steps...)
	for i, slot := range slots {
		out[slot] = byID[sequence[i]]
	}
	return out
}

// Details summarizes an operation for the story history.
func Details(op Operation) map[string]any {
	d := map[string]any{"operation": string(op.Kind())}
	switch op := op.(type) {
	case AddAfter:
		d["target_step_id"] = op.TargetStepID
		d["reason"] = op.Reason
		d["added"] = len(op.NewSteps)
	case Split:
		d["target_step_id"] = op.TargetStepID
		d["reason"] = op.Reason
		d["replacement_count"] = len(op.ReplacementSteps)
	case Skip:
		d["target_step_id"] = op.TargetStepID
		d["reason"] = op.Reason
	case Reorder:
		d["reason"] = op.Reason
		d["new_order"] = op.NewOrder
	case EditDescription:
		d["target_step_id"] = op.TargetStepID
		d["reason"] = op.Reason
	case Restart:
		d["target_step_id"] = op.TargetStepID
		d["reason"] = op.Reason
	}
	return d
}

// TargetStepID returns the step an operation targets, or "" for reorder.
func TargetStepID(op Operation) string {
	switch op := op.(type) {
	case AddAfter:
		return op.TargetStepID
	case Split:
		return op.TargetStepID
	case Skip:
		return op.TargetStepID
	case EditDescription:
		return op.TargetStepID
	case Restart:
		return op.TargetStepID
	}
	return ""
}
