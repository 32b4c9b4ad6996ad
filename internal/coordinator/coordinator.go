// Package coordinator runs several stories at once, each in its own git
// worktree and worker process.
//
// The coordinator owns a fixed pool of agent slots. It claims assignable
// stories under the state lock, provisions a worktree on a story branch,
// launches a worker for it and polls for the worker's exit. A worker that
// exits cleanly has its branch squash-merged back into the main branch. A
// worker that reports an interruption leaves its story in progress; any other
// outcome leaves the story failed and its dependents blocked.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cybergrind/dynamic-ralph/internal/git"
	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
	"github.com/cybergrind/dynamic-ralph/internal/logging"
	"github.com/cybergrind/dynamic-ralph/internal/output"
	"github.com/cybergrind/dynamic-ralph/internal/resolver"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultShutdownGrace = 30 * time.Second

	// InterruptedExitCode is how a worker reports that it was stopped by
	// SIGINT or SIGTERM with its story left resumable.
	InterruptedExitCode = 130
)

// Workspace provisions and integrates per-agent worktrees.
type Workspace interface {
	PrepareWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
	SquashMerge(ctx context.Context, worktree, branch, mainBranch, message string) error
}

// Options configures a [Coordinator].
type Options struct {
	// Agents is the number of concurrent workers.
	Agents int

	// MaxIterations caps how many stories are claimed. Zero means no cap.
	MaxIterations int

	PollInterval  time.Duration
	ShutdownGrace time.Duration

	// WorktreeDir holds one worktree per agent, named agent-<n>.
	WorktreeDir string

	// MainBranch is where story branches start and are merged back.
	MainBranch string
}

// Coordinator runs stories in parallel.
type Coordinator struct {
	store     *state.Store
	workspace Workspace
	spawner   Spawner
	printer   output.Printer
	logger    *slog.Logger
	opts      Options
}

type worker struct {
	agentID  int
	storyID  string
	worktree string
	proc     Process
}

// New creates a [Coordinator].
func New(store *state.Store, workspace Workspace, spawner Spawner, opts Options) *Coordinator {
	if opts.Agents < 1 {
		opts.Agents = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.WorktreeDir == "" {
		opts.WorktreeDir = "worktrees"
	}
	if opts.MainBranch == "" {
		opts.MainBranch = "main"
	}
	return &Coordinator{
		store:     store,
		workspace: workspace,
		spawner:   spawner,
		printer:   output.NewPrinter(),
		logger:    logging.Discard(),
		opts:      opts,
	}
}

// SetPrinter configures console output.
func (c *Coordinator) SetPrinter(p output.Printer) {
	c.printer = p
}

// SetLogger configures the debug logger.
func (c *Coordinator) SetLogger(l *slog.Logger) {
	c.logger = l
}

// WorktreePath returns the worktree used by agentID.
func (c *Coordinator) WorktreePath(agentID int) string {
	return filepath.Join(c.opts.WorktreeDir, fmt.Sprintf("agent-%d", agentID))
}

// Run drives the pool until no story is left to run, nothing can be
// assigned, the iteration cap is reached, or ctx is cancelled. On
// cancellation every active worker is terminated and its worktree removed
// before Run returns ctx's error.
func (c *Coordinator) Run(ctx context.Context) (summary lifecycle.RunSummary, err error) {
	active := map[int]*worker{}
	free := make([]int, 0, c.opts.Agents)
	for id := 1; id <= c.opts.Agents; id++ {
		free = append(free, id)
	}

	defer func() {
		if len(active) > 0 {
			c.shutdown(active)
		}
	}()

	c.printer.Info("Parallel mode: %d agents", c.opts.Agents)

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if err := c.store.Update(ctx, func(st *workflow.State) error {
			for _, id := range resolver.ReevaluateBlocked(st) {
				c.printer.Info("Story %s unblocked: all dependencies completed", id)
			}
			return nil
		}); err != nil {
			return summary, err
		}

		for len(free) > 0 && !c.capped(summary.Iterations) {
			agentID := free[0]
			story, err := c.claim(ctx, agentID)
			if err != nil {
				return summary, err
			}
			if story == nil {
				break
			}
			free = free[1:]
			summary.Iterations++

			c.printer.StoryStart(story.StoryID, story.Title, agentID)
			w, err := c.start(ctx, agentID, story.StoryID)
			if err != nil {
				c.printer.Error("Agent %d: could not start story %s: %v", agentID, story.StoryID, err)
				if err := c.fail(ctx, agentID, story.StoryID, fmt.Sprintf("worker could not start: %v", err)); err != nil {
					return summary, err
				}
				summary.Failed = append(summary.Failed, story.StoryID)
				free = returnSlot(free, agentID)
				continue
			}
			active[agentID] = w
		}

		if len(active) == 0 {
			return c.finish(ctx, summary)
		}

		exited, err := c.waitAny(ctx, active)
		if err != nil {
			return summary, err
		}
		for _, done := range exited {
			delete(active, done.worker.agentID)
			free = returnSlot(free, done.worker.agentID)
			status, err := c.reap(ctx, done.worker, done.code)
			if err != nil {
				return summary, err
			}
			switch status {
			case workflow.StoryCompleted:
				summary.Completed = append(summary.Completed, done.worker.storyID)
			case workflow.StoryFailed:
				summary.Failed = append(summary.Failed, done.worker.storyID)
			}
		}

		if err := lifecycle.PrintStatus(c.store, c.printer.Info); err != nil {
			return summary, err
		}
	}
}

func (c *Coordinator) capped(iterations int) bool {
	return c.opts.MaxIterations > 0 && iterations >= c.opts.MaxIterations
}

func (c *Coordinator) claim(ctx context.Context, agentID int) (*workflow.Story, error) {
	var claimed *workflow.Story
	err := c.store.Update(ctx, func(st *workflow.State) error {
		if story := resolver.ClaimNext(st, agentID); story != nil {
			claimed = story.Clone()
		}
		return nil
	})
	return claimed, err
}

func (c *Coordinator) start(ctx context.Context, agentID int, storyID string) (*worker, error) {
	path := c.WorktreePath(agentID)
	branch := git.BranchName(storyID)
	if err := c.workspace.PrepareWorktree(ctx, path, branch, c.opts.MainBranch); err != nil {
		return nil, err
	}
	c.logger.Info("created worktree", "path", path, "branch", branch, "agent_id", agentID)

	proc, err := c.spawner.Start(ctx, WorkerSpec{StoryID: storyID, AgentID: agentID, Dir: path})
	if err != nil {
		c.removeWorktree(ctx, path)
		return nil, err
	}
	return &worker{agentID: agentID, storyID: storyID, worktree: path, proc: proc}, nil
}

type exit struct {
	worker *worker
	code   int
}

// waitAny polls active workers until at least one has exited. Exits are
// reported in agent order.
func (c *Coordinator) waitAny(ctx context.Context, active map[int]*worker) ([]exit, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var exited []exit
		for _, w := range active {
			if code, done := w.proc.Poll(); done {
				exited = append(exited, exit{worker: w, code: code})
			}
		}
		if len(exited) > 0 {
			sort.Slice(exited, func(i, j int) bool {
				return exited[i].worker.agentID < exited[j].worker.agentID
			})
			return exited, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reap integrates or fails the story of a finished worker and always
// releases its worktree. It reports whether the story ended completed.
func (c *Coordinator) reap(ctx context.Context, w *worker, code int) (workflow.StoryStatus, error) {
	defer c.removeWorktree(ctx, w.worktree)

	switch code {
	case 0:
	case InterruptedExitCode:
		c.printer.Warn("Agent %d: story %s was interrupted and stays in progress", w.agentID, w.storyID)
		return workflow.StoryInProgress, nil
	default:
		c.printer.StoryResult(w.storyID, workflow.StoryFailed, fmt.Sprintf("agent %d exited with code %d", w.agentID, code))
		return workflow.StoryFailed, c.fail(ctx, w.agentID, w.storyID, fmt.Sprintf("worker exited with code %d", code))
	}

	branch := git.BranchName(w.storyID)
	message := fmt.Sprintf("%s (squash merge from %s)", w.storyID, branch)
	if err := c.workspace.SquashMerge(ctx, w.worktree, branch, c.opts.MainBranch, message); err != nil {
		c.logger.Error("merge failed", "story_id", w.storyID, "agent_id", w.agentID, "error", err)
		c.printer.StoryResult(w.storyID, workflow.StoryFailed, "merge failed")
		return workflow.StoryFailed, c.fail(ctx, w.agentID, w.storyID, fmt.Sprintf("merge failed: %v", err))
	}

	c.printer.Info("Agent %d: merged %s into %s", w.agentID, w.storyID, c.opts.MainBranch)
	return workflow.StoryCompleted, nil
}

// fail marks storyID failed unless its worker already did, and blocks its
// dependents either way.
func (c *Coordinator) fail(ctx context.Context, agentID int, storyID, reason string) error {
	var blocked []string
	err := c.store.Update(ctx, func(st *workflow.State) error {
		blocked = resolver.MarkFailed(st, storyID, agentID, reason)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range blocked {
		c.printer.Warn("story %s blocked: depends on failed story %s", id, storyID)
	}
	return nil
}

func (c *Coordinator) finish(ctx context.Context, summary lifecycle.RunSummary) (lifecycle.RunSummary, error) {
	var remaining int
	err := c.store.Update(ctx, func(st *workflow.State) error {
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

	switch {
	case remaining == 0:
		summary.Finished = true
		c.printer.Info("All stories finished after %d iterations.", summary.Iterations)
	case c.capped(summary.Iterations):
		c.printer.Warn("Max iterations (%d) reached.", c.opts.MaxIterations)
	default:
		summary.Stalled = true
		c.printer.Warn("No assignable stories: %d remain but are blocked by dependencies.", remaining)
	}
	return summary, nil
}

// shutdown terminates every active worker in parallel, escalating to a kill
// after the shutdown grace period, and removes their worktrees.
func (c *Coordinator) shutdown(active map[int]*worker) {
	ctx := context.Background()
	var g errgroup.Group
	for _, w := range active {
		w := w
		g.Go(func() error {
			c.printer.Warn("Terminating agent %d (story %s)", w.agentID, w.storyID)
			c.stop(w)
			c.removeWorktree(ctx, w.worktree)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) stop(w *worker) {
	if err := w.proc.Terminate(); err != nil {
		c.logger.Warn("terminate failed", "agent_id", w.agentID, "error", err)
	}

	deadline := time.Now().Add(c.opts.ShutdownGrace)
	for time.Now().Before(deadline) {
		if _, done := w.proc.Poll(); done {
			return
		}
		time.Sleep(min(c.opts.PollInterval, 100*time.Millisecond))
	}

	c.logger.Warn("worker ignored terminate, killing", "agent_id", w.agentID, "story_id", w.storyID)
	if err := w.proc.Kill(); err != nil {
		c.logger.Warn("kill failed", "agent_id", w.agentID, "error", err)
	}
}

func (c *Coordinator) removeWorktree(ctx context.Context, path string) {
	if err := c.workspace.RemoveWorktree(context.WithoutCancel(ctx), path); err != nil {
		c.logger.Warn("could not remove worktree", "path", path, "error", err)
	}
}

func returnSlot(free []int, agentID int) []int {
	free = append(free, agentID)
	sort.Ints(free)
	return free
}
