package editing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// EditsDir is the directory under the shared directory holding edit requests.
const EditsDir = "workflow_edits"

// FailedDir holds rejected edit requests, relative to [EditsDir].
const FailedDir = "failed"

// RequestPath returns where a worker writes edit requests for storyID.
func RequestPath(sharedDir, storyID string) string {
	return filepath.Join(sharedDir, EditsDir, storyID+".json")
}

// ReadRequest loads and parses the pending edit request for storyID.
// It returns (nil, nil) when no request exists.
func ReadRequest(sharedDir, storyID string) ([]Operation, error) {
	data, err := os.ReadFile(RequestPath(sharedDir, storyID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read edit request: %w", err)
	}
	return Parse(data)
}

// Remove deletes the edit request for storyID after it has been applied.
func Remove(sharedDir, storyID string) error {
	err := os.Remove(RequestPath(sharedDir, storyID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove edit request: %w", err)
	}
	return nil
}

// DiscardedPath returns where a request for storyID rejected during stepID at
// time at is kept.
func DiscardedPath(sharedDir, storyID, stepID string, at time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.json", storyID, stepID, at.UTC().Format("20060102T150405.000000000"))
	return filepath.Join(sharedDir, EditsDir, FailedDir, name)
}

// Discard moves the edit request for storyID into the failed directory so it
// can be inspected later. Each rejection gets its own file named after the
// step and the time. A missing request is not an error.
func Discard(sharedDir, storyID, stepID string) error {
	src := RequestPath(sharedDir, storyID)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	failedDir := filepath.Join(sharedDir, EditsDir, FailedDir)
	if err := os.MkdirAll(failedDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", failedDir, err)
	}
	if err := os.Rename(src, DiscardedPath(sharedDir, storyID, stepID, workflow.Now())); err != nil {
		return fmt.Errorf("failed to discard edit request: %w", err)
	}
	return nil
}

// EnsureDir creates the edit request directory under sharedDir.
func EnsureDir(sharedDir string) error {
	return os.MkdirAll(filepath.Join(sharedDir, EditsDir), 0755)
}
