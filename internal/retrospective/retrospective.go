// Package retrospective reviews a finished run directory with a worker.
//
// The worker gets the run's summary log, a digest of the final workflow state
// and the paths of every step log and diff. It is asked to diagnose failures,
// fix them in the checkout, verify the fix with a new run and write
// retrospective.md into the run directory.
package retrospective

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/cybergrind/dynamic-ralph/internal/claude"
	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

const (
	// SummaryLog is the progress log a run leaves in its directory.
	SummaryLog = "summary.log"

	// ReportFile is what the worker is asked to write.
	ReportFile = "retrospective.md"

	// LogFile is the worker's stream log under the run's logs directory.
	LogFile = "retrospective.jsonl"

	// AgentID names the retrospective worker's container.
	AgentID = 99

	maxNoteLen = 200
)

// ErrNotRunDir is returned by [Validate] for a directory that is not a
// finished run.
var ErrNotRunDir = errors.New("not a run directory")

var logExtensions = map[string]bool{
	".jsonl": true,
	".log":   true,
	".diff":  true,
}

// Validate checks that runDir exists and holds a summary log and a state file.
func Validate(runDir string) error {
	info, err := os.Stat(runDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s does not exist", ErrNotRunDir, runDir)
	}
	for _, name := range []string{SummaryLog, state.DefaultStateFile} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			return fmt.Errorf("%w: %s not found in %s", ErrNotRunDir, name, runDir)
		}
	}
	return nil
}

// Digest renders st as a readable list of stories and steps, followed by
// status counts and the failed steps of failed stories.
func Digest(st *workflow.State) string {
	var b strings.Builder
	stories := st.OrderedStories()

	for _, story := range stories {
		fmt.Fprintf(&b, "### Story: %s: %s\n", story.StoryID, story.Title)
		fmt.Fprintf(&b, "Status: %s\n", story.Status)
		if len(story.Steps) == 0 {
			b.WriteString("  (no steps)\n\n")
			continue
		}
		for _, step := range story.Steps {
			fmt.Fprintf(&b, "  - %s (%s): %s%s\n", step.ID, step.Type, step.Status, timing(step))
			if step.Error != "" {
				fmt.Fprintf(&b, "    ERROR: %s\n", step.Error)
			}
			if step.Notes != "" {
				fmt.Fprintf(&b, "    Notes: %s\n", truncate(step.Notes, maxNoteLen))
			}
			if step.CostUSD > 0 || step.InputTokens > 0 || step.OutputTokens > 0 {
				fmt.Fprintf(&b, "    Cost: $%.4f  Tokens: %d in / %d out\n", step.CostUSD, step.InputTokens, step.OutputTokens)
			}
		}
		b.WriteString("\n")
	}

	counts := st.Counts()
	names := make([]string, 0, len(counts))
	for s, n := range counts {
		if n > 0 {
			names = append(names, string(s))
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[workflow.StoryStatus(name)]))
	}
	fmt.Fprintf(&b, "**Overall:** %d stories: %s", len(stories), strings.Join(parts, ", "))

	var failed []string
	for _, story := range stories {
		if story.Status != workflow.StoryFailed {
			continue
		}
		for _, step := range story.Steps {
			if step.Status == workflow.StepFailed || step.Status == workflow.StepCancelled {
				failed = append(failed, fmt.Sprintf("  - [%s] %s (%s): %s", story.StoryID, step.ID, step.Type, step.Error))
			}
		}
	}
	if len(failed) > 0 {
		b.WriteString("\n\n**Failed stories:**\n")
		b.WriteString(strings.Join(failed, "\n"))
	}
	return b.String()
}

func timing(step workflow.Step) string {
	if step.StartedAt == nil || step.CompletedAt == nil {
		return ""
	}
	took := step.CompletedAt.Sub(*step.StartedAt).Round(time.Second)
	return fmt.Sprintf(" (%s -> %s, %s)",
		step.StartedAt.Format(time.RFC3339), step.CompletedAt.Format(time.RFC3339), took)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// CollectLogs returns the worker logs, stderr logs and diffs under the run's
// logs directory in lexical order. A run without logs yields nil.
func CollectLogs(runDir string) ([]string, error) {
	root := filepath.Join(runDir, lifecycle.LogsDir)
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && logExtensions[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

const promptTemplate = `# Retrospective Analysis

## Run Directory
{{.RunDir}}

## Summary Log
` + "```" + `
{{.Summary}}
` + "```" + `

## Workflow State Digest
{{.Digest}}

## Log Files Available
{{- if .Logs}}
{{- range .Logs}}
  - {{.}}
{{- end}}
{{- else}}
  (no log files found)
{{- end}}

## Instructions

You are analysing a completed Dynamic Ralph run to diagnose failures, implement fixes, and verify them.

### Phase 1: Diagnose
- Read the log files listed above in detail; the .jsonl files hold full worker conversations
- For each failed story or step, identify the root cause from its conversation log
- Check .log files for repeated warnings or errors
- Note any steps that timed out or were cancelled
- Identify patterns across failures

### Phase 2: Fix
- Implement fixes in the codebase for the diagnosed issues
{{- if .Checks}}
{{- range .Checks}}
- Run ` + "`{{.}}`" + `
{{- end}}
{{- else}}
- Run the project's tests and linters to make sure the fixes break nothing
{{- end}}
- Commit your changes with a descriptive message

### Phase 3: Verify
- Run: ` + "`{{.Command}} task \"verify: <description of what to test>\"`" + `
- Wait for it to complete
- Read the verification run's summary.log and workflow_state.json
- Report pass/fail results

### Output
Write {{.ReportPath}} containing:
1. **Summary of failures and root causes**: what went wrong and why
2. **Repeated warnings/errors**: patterns found in the logs, with fix suggestions
3. **Fixes implemented**: what you changed and why
4. **Verification results**: pass/fail from the verification run
5. **Timing analysis**: which steps took longest, any timeouts

CRITICAL: DO NOT delete workflow_state.json, workflow_state.json.lock, the spec copy,
scratch.md, or scratch_*.md; a running orchestrator may still be using them.
`

var tmpl = template.Must(template.New("retrospective").Parse(promptTemplate))

// PromptInput is the material a retrospective prompt is built from.
type PromptInput struct {
	RunDir  string
	Summary string
	Digest  string
	Logs    []string

	// Checks are commands the worker runs after fixing, e.g. "go test ./...".
	Checks []string

	// Command is how the worker invokes ralph for the verification run.
	Command string
}

// BuildPrompt renders the diagnose, fix and verify prompt.
func BuildPrompt(in PromptInput) (string, error) {
	runDir := in.RunDir
	if abs, err := filepath.Abs(runDir); err == nil {
		runDir = abs
	}
	command := in.Command
	if command == "" {
		command = "ralph"
	}

	var b strings.Builder
	err := tmpl.Execute(&b, struct {
		PromptInput
		RunDir     string
		Command    string
		ReportPath string
	}{in, runDir, command, filepath.Join(runDir, ReportFile)})
	if err != nil {
		return "", fmt.Errorf("rendering retrospective prompt: %w", err)
	}
	return b.String(), nil
}

// Options tunes the retrospective worker.
type Options struct {
	WorkDir      string
	MaxTurns     int
	SystemPrompt string
	Env          []string
	Checks       []string
	Command      string

	// Handler receives worker events as they stream in.
	Handler claude.EventHandler
}

// Run validates runDir, builds the prompt from its contents and runs one
// worker over it. The worker's stream is logged to logs/retrospective.jsonl.
func Run(ctx context.Context, worker claude.Executor, runDir string, opts Options) (claude.Result, error) {
	if err := Validate(runDir); err != nil {
		return claude.Result{}, err
	}

	summary, err := os.ReadFile(filepath.Join(runDir, SummaryLog))
	if err != nil {
		return claude.Result{}, fmt.Errorf("reading summary log: %w", err)
	}
	st, err := state.Load(filepath.Join(runDir, state.DefaultStateFile))
	if err != nil {
		return claude.Result{}, err
	}
	logs, err := CollectLogs(runDir)
	if err != nil {
		return claude.Result{}, err
	}

	text, err := BuildPrompt(PromptInput{
		RunDir:  runDir,
		Summary: strings.TrimRight(string(summary), "\n"),
		Digest:  Digest(st),
		Logs:    logs,
		Checks:  opts.Checks,
		Command: opts.Command,
	})
	if err != nil {
		return claude.Result{}, err
	}

	return worker.Execute(ctx, claude.Request{
		Prompt:       text,
		WorkDir:      opts.WorkDir,
		LogPath:      LogPath(runDir),
		MaxTurns:     opts.MaxTurns,
		SystemPrompt: opts.SystemPrompt,
		AgentID:      AgentID,
		Env:          opts.Env,
	}, opts.Handler)
}

// LogPath returns where the retrospective worker's stream is written.
func LogPath(runDir string) string {
	return filepath.Join(runDir, lifecycle.LogsDir, LogFile)
}
