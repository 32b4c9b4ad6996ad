// Package editing lets a running worker restructure the remaining steps of its story.
//
// A worker requests changes by writing a JSON edit file. The executor reads the
// file after the step succeeds, validates the whole batch against the story's
// current steps, and applies it only if every operation passes. Rejected batches
// leave the story untouched and the file is kept under failed/ for inspection.
//
// Operations form a closed set: [AddAfter], [Split], [Skip], [Reorder],
// [EditDescription] and [Restart], all implementing [Operation].
package editing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// Kind is the value of the "operation" discriminator.
type Kind string

const (
	KindAddAfter        Kind = "add_after"
	KindSplit           Kind = "split"
	KindSkip            Kind = "skip"
	KindReorder         Kind = "reorder"
	KindEditDescription Kind = "edit_description"
	KindRestart         Kind = "restart"
)

// ErrUnknownOperation is returned by [Parse] for an unrecognized discriminator.
var ErrUnknownOperation = errors.New("unknown edit operation")

// Operation is one requested change to a story's steps.
type Operation interface {
	Kind() Kind
	isOperation()
}

// NewStep describes a step to be created by an edit.
type NewStep struct {
	Type        workflow.StepType `json:"type"`
	Description string            `json:"description"`
}

// AddAfter inserts new steps immediately after the target.
type AddAfter struct {
	TargetStepID string    `json:"target_step_id"`
	Reason       string    `json:"reason"`
	NewSteps     []NewStep `json:"new_steps"`
}

// Split replaces a pending target with a sequence of new steps.
type Split struct {
	TargetStepID     string    `json:"target_step_id"`
	Reason           string    `json:"reason"`
	ReplacementSteps []NewStep `json:"replacement_steps"`
}

// Skip marks a pending target as skipped.
type Skip struct {
	TargetStepID string `json:"target_step_id"`
	Reason       string `json:"reason"`
}

// Reorder rearranges all pending steps.
type Reorder struct {
	Reason   string   `json:"reason"`
	NewOrder []string `json:"new_order"`
}

// EditDescription rewrites the description of a pending target.
type EditDescription struct {
	TargetStepID   string `json:"target_step_id"`
	Reason         string `json:"reason"`
	NewDescription string `json:"new_description"`
}

// Restart resets the currently running target so it runs again.
type Restart struct {
	TargetStepID   string `json:"target_step_id"`
	Reason         string `json:"reason"`
	NewDescription string `json:"new_description"`
}

func (AddAfter) Kind() Kind        { return KindAddAfter }
func (Split) Kind() Kind           { return KindSplit }
func (Skip) Kind() Kind            { return KindSkip }
func (Reorder) Kind() Kind         { return KindReorder }
func (EditDescription) Kind() Kind { return KindEditDescription }
func (Restart) Kind() Kind         { return KindRestart }

func (AddAfter) isOperation()        {}
func (Split) isOperation()           {}
func (Skip) isOperation()            {}
func (Reorder) isOperation()         {}
func (EditDescription) isOperation() {}
func (Restart) isOperation()         {}

// Parse decodes an edit request holding either a single operation object or
// an array of them.
func Parse(data []byte) ([]Operation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty edit request")
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("invalid edit request: %w", err)
		}
	} else {
		items = []json.RawMessage{trimmed}
	}

	ops := make([]Operation, 0, len(items))
	for i, item := range items {
		op, err := parseOne(item)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseOne(raw json.RawMessage) (Operation, error) {
	var head struct {
		Operation Kind `json:"operation"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid edit operation: %w", err)
	}

	switch head.Operation {
	case KindAddAfter:
		var op AddAfter
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if err := requireTarget(op.TargetStepID); err != nil {
			return nil, err
		}
		if err := checkNewSteps("new_steps", op.NewSteps); err != nil {
			return nil, err
		}
		return op, nil

	case KindSplit:
		var op Split
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if err := requireTarget(op.TargetStepID); err != nil {
			return nil, err
		}
		if err := checkNewSteps("replacement_steps", op.ReplacementSteps); err != nil {
			return nil, err
		}
		return op, nil

	case KindSkip:
		var op Skip
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if err := requireTarget(op.TargetStepID); err != nil {
			return nil, err
		}
		return op, nil

	case KindReorder:
		var op Reorder
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if op.NewOrder == nil {
			return nil, fmt.Errorf("reorder: new_order is required")
		}
		return op, nil

	case KindEditDescription:
		var op EditDescription
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if err := requireTarget(op.TargetStepID); err != nil {
			return nil, err
		}
		if op.NewDescription == "" {
			return nil, fmt.Errorf("edit_description: new_description is required")
		}
		return op, nil

	case KindRestart:
		var op Restart
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, err
		}
		if err := requireTarget(op.TargetStepID); err != nil {
			return nil, err
		}
		if op.NewDescription == "" {
			return nil, fmt.Errorf("restart: new_description is required")
		}
		return op, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, head.Operation)
}

func requireTarget(id string) error {
	if id == "" {
		return fmt.Errorf("target_step_id is required")
	}
	return nil
}

func checkNewSteps(field string, steps []NewStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%s must list at least one step", field)
	}
	for i, s := range steps {
		if !s.Type.IsValid() {
			return fmt.Errorf("%s[%d]: unknown step type %q", field, i, s.Type)
		}
	}
	return nil
}
