// Package state persists the workflow document and serializes mutations to it.
//
// The state file is the only resource shared between the coordinator and its
// worker processes. Every mutation goes through [WithLock] (or [Store.Update]),
// which holds an exclusive advisory lock on a sibling ".lock" file for the
// duration of a load-mutate-save cycle. Writes are atomic: the document is
// written to a temporary file in the same directory and renamed over the target.
//
// Key functions:
//   - [Load] and [Save] for raw persistence
//   - [WithLock] for lock-scoped mutation
//   - [Initialize] to build a fresh state from a spec file
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// DefaultStateFile is the state file name inside the shared directory.
const DefaultStateFile = "workflow_state.json"

// ResolvePath determines the state file location.
//
// Resolution order:
//  1. RALPH_STATE_PATH environment variable (used as-is if set)
//  2. Explicit statePath parameter (if non-empty)
//  3. DefaultStateFile under sharedDir
func ResolvePath(sharedDir, statePath string) string {
	if envPath := os.Getenv("RALPH_STATE_PATH"); envPath != "" {
		return envPath
	}
	if statePath != "" {
		return statePath
	}
	return filepath.Join(sharedDir, DefaultStateFile)
}

// Load reads, decodes and validates the state document at path.
//
// A missing file is reported with an error wrapping [os.ErrNotExist].
func Load(path string) (*workflow.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow state: %w", err)
	}

	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse workflow state: %w", err)
	}
	if st.Stories == nil {
		st.Stories = map[string]*workflow.Story{}
	}
	if st.Order == nil {
		st.Order = []string{}
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow state %s: %w", path, err)
	}

	return &st, nil
}

// Save writes the state document to path atomically.
func Save(st *workflow.State, path string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write workflow state: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write workflow state: %w", cause)
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write workflow state: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write workflow state: %w", err)
	}

	return nil
}
