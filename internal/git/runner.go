// Package git wraps the git CLI operations the orchestrator depends on.
//
// Steps are checkpointed at the current HEAD, rolled back with a hard reset
// plus clean, and parallel stories run in dedicated worktrees that are
// squash-merged back into the main branch. All commands go through a
// [CommandRunner] so tests can substitute a fake.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	// Run executes name with args in dir and returns its standard output.
	// A non-zero exit is reported as a [*CommandError].
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a new [ExecRunner].
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns its standard output.
func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{
			Args:   append([]string{name}, args...),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// CommandError reports a failed external command with its stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
