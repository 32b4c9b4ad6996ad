// Package lifecycle drives stories through their steps.
//
// [StepExecutor] runs one step: it checkpoints the workspace, invokes a
// worker with the step's timeout, and then either applies the worker's
// workflow edits and records its summary, or saves a diff and rolls the
// workspace back to the checkpoint. [StoryRunner] repeats that until the
// story has no pending steps or a step fails. [Serial] and [OneShot] claim
// and run stories one at a time in the current workspace.
//
// Every state mutation goes through [state.Store], so step progress stays
// visible to other processes sharing the state file.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cybergrind/dynamic-ralph/internal/claude"
	"github.com/cybergrind/dynamic-ralph/internal/editing"
	"github.com/cybergrind/dynamic-ralph/internal/logging"
	"github.com/cybergrind/dynamic-ralph/internal/output"
	"github.com/cybergrind/dynamic-ralph/internal/prompt"
	"github.com/cybergrind/dynamic-ralph/internal/scratch"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// LogsDir is the directory under the shared directory holding worker logs and diffs.
const LogsDir = "logs"

// Repo is the version-control surface a step needs.
//
// The git package's *git.Repo implements it.
type Repo interface {
	HeadSHA(ctx context.Context) (string, error)
	DiffSince(ctx context.Context, sha string) ([]byte, error)
	Rollback(ctx context.Context, sha string) error
}

// TimeoutFunc returns the wall-clock budget for a step type.
type TimeoutFunc func(workflow.StepType) time.Duration

// StepOptions tunes how workers are invoked.
type StepOptions struct {
	// WorkDir is where the worker runs. Empty means the current directory.
	WorkDir string

	// MaxTurns limits worker turns when positive.
	MaxTurns int

	// SystemPrompt is appended to the worker's system prompt.
	SystemPrompt string

	// Env holds extra KEY=VALUE pairs for the worker, such as the git identity.
	Env []string

	// Timeout overrides [workflow.StepTimeout].
	Timeout TimeoutFunc

	// Verbose streams worker text and tool calls to the printer.
	Verbose bool
}

// StepExecutor runs single steps.
//
// It uses dependency injection for testability: the worker backend, the
// repository and the state store are interfaces or handles supplied by the
// caller. Use [NewStepExecutor] to create one.
type StepExecutor struct {
	worker    claude.Executor
	repo      Repo
	store     *state.Store
	sharedDir string

	pad     *scratch.Pad
	prompts *prompt.Builder
	printer output.Printer
	logger  *slog.Logger
	opts    StepOptions
}

// NewStepExecutor creates a [StepExecutor] with default prompts, a scratch
// pad in sharedDir, a discarding logger and a printer on stdout.
func NewStepExecutor(worker claude.Executor, repo Repo, store *state.Store, sharedDir string) *StepExecutor {
	return &StepExecutor{
		worker:    worker,
		repo:      repo,
		store:     store,
		sharedDir: sharedDir,
		pad:       scratch.New(sharedDir),
		prompts:   prompt.Default(),
		printer:   output.NewPrinter(),
		logger:    logging.Discard(),
	}
}

// SetOptions replaces the worker invocation options.
func (e *StepExecutor) SetOptions(opts StepOptions) { e.opts = opts }

// SetPrinter replaces the progress printer.
func (e *StepExecutor) SetPrinter(p output.Printer) { e.printer = p }

// SetLogger replaces the debug logger.
func (e *StepExecutor) SetLogger(l *slog.Logger) { e.logger = l }

// SetPromptBuilder replaces the prompt builder.
func (e *StepExecutor) SetPromptBuilder(b *prompt.Builder) { e.prompts = b }

// Scratch returns the scratch pad the executor writes summaries to.
func (e *StepExecutor) Scratch() *scratch.Pad { return e.pad }

// Store returns the state store.
func (e *StepExecutor) Store() *state.Store { return e.store }

// Printer returns the progress printer.
func (e *StepExecutor) Printer() output.Printer { return e.printer }

func (e *StepExecutor) timeout(t workflow.StepType) time.Duration {
	if e.opts.Timeout != nil {
		if d := e.opts.Timeout(t); d > 0 {
			return d
		}
	}
	return workflow.StepTimeout(t)
}

// LogPath returns where the raw worker stream for a step is written.
func LogPath(sharedDir, storyID, stepID string) string {
	return filepath.Join(sharedDir, LogsDir, storyID, stepID+".jsonl")
}

// DiffPath returns where the forensic diff of a failed step is written.
func DiffPath(sharedDir, storyID, stepID string) string {
	return filepath.Join(sharedDir, LogsDir, storyID, stepID+".diff")
}

// Execute runs the pending step stepID of storyID and returns the step as
// persisted afterwards.
//
// Worker failures and timeouts are not errors: they are reflected in the
// returned step's status (failed or cancelled). An error means the step could
// not be run or its outcome could not be recorded.
//
// When ctx is cancelled while the worker runs, the workspace is rolled back,
// the step returns to pending and ctx's error is returned, so a later run
// picks the step up again.
func (e *StepExecutor) Execute(ctx context.Context, storyID, stepID string, agentID int) (workflow.Step, error) {
	st, err := e.store.Load()
	if err != nil {
		return workflow.Step{}, err
	}
	persisted := st.Story(storyID)
	if persisted == nil {
		return workflow.Step{}, fmt.Errorf("story not found: %s", storyID)
	}
	story := persisted.Clone()

	step := story.Step(stepID)
	if step == nil {
		return workflow.Step{}, fmt.Errorf("step %s not found in story %s", stepID, storyID)
	}
	if step.Status != workflow.StepPending {
		return workflow.Step{}, fmt.Errorf("step %s is %s, not pending", stepID, step.Status)
	}

	log := logging.ForStep(logging.ForStory(e.logger, storyID, agentID), stepID, string(step.Type))

	checkpoint, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return workflow.Step{}, fmt.Errorf("recording checkpoint: %w", err)
	}

	started := workflow.Now()
	step.Status = workflow.StepInProgress
	step.StartedAt = &started
	step.GitSHAAtStart = checkpoint
	step.LogFile = LogPath(e.sharedDir, storyID, stepID)
	story.Record(workflow.ActionStepStarted, agentID, stepID, nil)
	if err := e.persist(ctx, story); err != nil {
		return workflow.Step{}, err
	}

	position, total := stepPosition(story, stepID)
	e.printer.StepStart(storyID, *step, position, total)

	req, err := e.request(story, *step, agentID)
	if err != nil {
		return workflow.Step{}, err
	}

	timeout := e.timeout(step.Type)
	log.Info("launching worker", "timeout", timeout.String(), "checkpoint", checkpoint)

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	result, runErr := e.worker.Execute(stepCtx, req, e.handleEvent)
	cancel()

	if interrupted := ctx.Err(); interrupted != nil {
		return e.interrupt(context.WithoutCancel(ctx), log, story, step, result, agentID, interrupted)
	}

	// Record the outcome even if the caller is interrupted from here on.
	ctx = context.WithoutCancel(ctx)

	switch {
	case runErr != nil:
		log.Error("worker could not run", "error", runErr)
		e.abandon(ctx, log, story, step, result)
		step.Status = workflow.StepFailed
		step.Error = fmt.Sprintf("worker could not run: %v", runErr)
		story.Record(workflow.ActionStepFailed, agentID, stepID, map[string]any{
			"error": runErr.Error(),
		})

	case result.TimedOut:
		log.Warn("step timed out")
		e.abandon(ctx, log, story, step, result)
		step.Status = workflow.StepCancelled
		step.Error = fmt.Sprintf("step timed out after %ds", int(timeout.Seconds()))
		story.Record(workflow.ActionStepCancelled, agentID, stepID, map[string]any{
			"reason":          "timeout",
			"timeout_seconds": int(timeout.Seconds()),
		})

	case !result.Succeeded():
		log.Error("worker failed", "exit_code", result.ExitCode, "status", result.Status())
		e.abandon(ctx, log, story, step, result)
		step.Status = workflow.StepFailed
		step.Error = fmt.Sprintf("worker exited with code %d (status=%s)", result.ExitCode, result.Status())
		story.Record(workflow.ActionStepFailed, agentID, stepID, map[string]any{
			"exit_code":         result.ExitCode,
			"completion_status": result.Status(),
			"cost_usd":          result.CostUSD,
		})

	default:
		step = e.succeed(log, story, step, result, agentID)
	}

	if step.Status.IsResolved() {
		finished := workflow.Now()
		step.CompletedAt = &finished
	}
	if err := e.persist(ctx, story); err != nil {
		return workflow.Step{}, err
	}

	e.printer.StepResult(storyID, *step, result.Duration)
	log.Info("step finished", "status", string(step.Status), "cost_usd", result.CostUSD, "turns", result.NumTurns)
	return *step, nil
}

// interrupt undoes a step whose worker was stopped by the caller rather than
// by its own failure or timeout.
func (e *StepExecutor) interrupt(ctx context.Context, log *slog.Logger, story *workflow.Story, step *workflow.Step, result claude.Result, agentID int, cause error) (workflow.Step, error) {
	log.Warn("step interrupted", "error", cause)
	e.abandon(ctx, log, story, step, result)

	step.Reset(step.Description)
	story.Record(workflow.ActionStepCancelled, agentID, step.ID, map[string]any{
		"reason": "interrupted",
	})
	if err := e.persist(ctx, story); err != nil {
		return workflow.Step{}, err
	}

	e.printer.Warn("[%s] step %s interrupted; it will run again on resume", story.StoryID, step.ID)
	return *step, fmt.Errorf("step %s of story %s interrupted: %w", step.ID, story.StoryID, cause)
}

func (e *StepExecutor) request(story *workflow.Story, step workflow.Step, agentID int) (claude.Request, error) {
	global, err := e.pad.ReadGlobal()
	if err != nil {
		return claude.Request{}, fmt.Errorf("reading global scratch: %w", err)
	}
	local, err := e.pad.ReadStory(story.StoryID)
	if err != nil {
		return claude.Request{}, fmt.Errorf("reading story scratch: %w", err)
	}

	editPath := editing.RequestPath(e.sharedDir, story.StoryID)
	if abs, err := filepath.Abs(editPath); err == nil {
		editPath = abs
	}

	text, err := e.prompts.Build(prompt.Input{
		Story:         story,
		Step:          step,
		GlobalScratch: global,
		StoryScratch:  local,
		EditPath:      editPath,
	})
	if err != nil {
		return claude.Request{}, err
	}

	return claude.Request{
		Prompt:       text,
		WorkDir:      e.opts.WorkDir,
		LogPath:      step.LogFile,
		MaxTurns:     e.opts.MaxTurns,
		SystemPrompt: e.opts.SystemPrompt,
		AgentID:      agentID,
		Env:          e.opts.Env,
	}, nil
}

func (e *StepExecutor) handleEvent(ev claude.Event) {
	if !e.opts.Verbose {
		return
	}
	switch {
	case ev.IsText():
		e.printer.WorkerText(ev.Text)
	case ev.IsToolUse():
		e.printer.WorkerTool(ev.ToolName, ev.ToolDetail())
	}
}

// succeed applies edits, records the summary and completes the step. It
// returns the step's new location, since edits may have moved it.
func (e *StepExecutor) succeed(log *slog.Logger, story *workflow.Story, step *workflow.Step, result claude.Result, agentID int) *workflow.Step {
	stepID := step.ID
	summary := ExtractSummary(result.FinalResponse)

	e.applyEdits(log, story, stepID, agentID)

	step = story.Step(stepID)
	if step.Status == workflow.StepPending {
		// The worker restarted its own step; it runs again next.
		return step
	}

	if summary != "" {
		if err := e.pad.AppendStepSummary(story.StoryID, string(step.Type), stepID, summary); err != nil {
			log.Warn("could not append summary to story scratch", "error", err)
		}
	}

	step.Notes = summary
	step.CostUSD = result.CostUSD
	step.InputTokens = result.InputTokens
	step.OutputTokens = result.OutputTokens
	step.Status = workflow.StepCompleted
	story.Record(workflow.ActionStepCompleted, agentID, stepID, map[string]any{
		"cost_usd":      result.CostUSD,
		"num_turns":     result.NumTurns,
		"input_tokens":  result.InputTokens,
		"output_tokens": result.OutputTokens,
	})
	return step
}

func (e *StepExecutor) applyEdits(log *slog.Logger, story *workflow.Story, stepID string, agentID int) {
	storyID := story.StoryID

	ops, err := editing.ReadRequest(e.sharedDir, storyID)
	if err == nil && ops == nil {
		return
	}
	if err == nil {
		err = editing.Validate(story, ops)
	}
	if err == nil {
		err = editing.Apply(story, ops)
	}
	if err != nil {
		log.Warn("workflow edit rejected", "error", err)
		e.printer.Warn("[%s] workflow edit rejected: %v", storyID, err)
		if derr := editing.Discard(e.sharedDir, storyID, stepID); derr != nil {
			log.Warn("could not discard edit request", "error", derr)
		}
		return
	}

	for _, op := range ops {
		details := editing.Details(op)
		story.Record(workflow.ActionWorkflowEdit, agentID, stepID, details)
		if skip, ok := op.(editing.Skip); ok {
			story.Record(workflow.ActionStepSkipped, agentID, skip.TargetStepID, map[string]any{"reason": skip.Reason})
		}
		reason, _ := details["reason"].(string)
		e.printer.Edit(storyID, string(op.Kind()), reason)
	}
	log.Info("applied workflow edits", "count", len(ops))

	if err := editing.Remove(e.sharedDir, storyID); err != nil {
		log.Warn("could not remove edit request", "error", err)
	}
}

// abandon discards pending edits, keeps a diff of the step's changes and
// rolls the workspace back to the checkpoint.
func (e *StepExecutor) abandon(ctx context.Context, log *slog.Logger, story *workflow.Story, step *workflow.Step, result claude.Result) {
	step.Notes = ExtractSummary(result.FinalResponse)
	step.CostUSD = result.CostUSD
	step.InputTokens = result.InputTokens
	step.OutputTokens = result.OutputTokens

	if err := editing.Discard(e.sharedDir, story.StoryID, step.ID); err != nil {
		log.Warn("could not discard edit request", "error", err)
	}

	diff, err := e.repo.DiffSince(ctx, step.GitSHAAtStart)
	if err != nil {
		log.Warn("could not capture diff", "error", err)
	} else if err := writeDiff(DiffPath(e.sharedDir, story.StoryID, step.ID), diff); err != nil {
		log.Warn("could not save diff", "error", err)
	}

	if err := e.repo.Rollback(ctx, step.GitSHAAtStart); err != nil {
		log.Error("rollback failed", "error", err, "checkpoint", step.GitSHAAtStart)
		e.printer.Error("[%s] rollback to %s failed: %v", story.StoryID, step.GitSHAAtStart, err)
	}
}

func writeDiff(path string, diff []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, diff, 0644)
}

// persist replaces the stored story's steps and history with the local view.
func (e *StepExecutor) persist(ctx context.Context, story *workflow.Story) error {
	err := e.store.UpdateStory(ctx, story.StoryID, func(s *workflow.Story) error {
		s.Steps = append([]workflow.Step{}, story.Steps...)
		s.History = append([]workflow.HistoryEntry{}, story.History...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting story %s: %w", story.StoryID, err)
	}
	return nil
}

func stepPosition(story *workflow.Story, stepID string) (int, int) {
	return story.StepIndex(stepID) + 1, len(story.Steps)
}

// errStoryMissing is returned when a story disappears from the state file mid-run.
var errStoryMissing = errors.New("story missing from state")
