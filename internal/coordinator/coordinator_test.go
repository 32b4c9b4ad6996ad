package coordinator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergrind/dynamic-ralph/internal/output"
	"github.com/cybergrind/dynamic-ralph/internal/state"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

type fakeProcess struct {
	mu         sync.Mutex
	polls      int
	code       int
	onExit     func()
	exited     bool
	terminated bool
	killed     bool
	// stubborn processes ignore Terminate.
	stubborn bool
}

func (p *fakeProcess) Poll() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return p.code, true
	}
	if p.polls < 0 {
		return 0, false
	}
	if p.polls > 0 {
		p.polls--
		return 0, false
	}
	p.exited = true
	if p.onExit != nil {
		p.onExit()
	}
	return p.code, true
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	if !p.stubborn {
		p.exited = true
		p.code = -1
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.exited = true
	p.code = -1
	return nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	store    *state.Store
	started  []WorkerSpec
	procs    map[string]*fakeProcess
	exitCode map[string]int
	startErr map[string]error
	// hang keeps the worker for a story running until terminated.
	hang     map[string]bool
	stubborn bool
}

func newFakeSpawner(store *state.Store) *fakeSpawner {
	return &fakeSpawner{
		store:    store,
		procs:    map[string]*fakeProcess{},
		exitCode: map[string]int{},
		startErr: map[string]error{},
		hang:     map[string]bool{},
	}
}

func (s *fakeSpawner) Start(ctx context.Context, spec WorkerSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startErr[spec.StoryID]; err != nil {
		return nil, err
	}
	s.started = append(s.started, spec)

	code := s.exitCode[spec.StoryID]
	p := &fakeProcess{polls: 1, code: code, stubborn: s.stubborn}
	if s.hang[spec.StoryID] {
		p.polls = -1
	}
	p.onExit = func() {
		if code == InterruptedExitCode {
			return
		}
		status := workflow.StoryCompleted
		if code != 0 {
			status = workflow.StoryFailed
		}
		_ = s.store.UpdateStory(context.Background(), spec.StoryID, func(story *workflow.Story) error {
			story.Status = status
			return nil
		})
	}
	s.procs[spec.StoryID] = p
	return p, nil
}

func (s *fakeSpawner) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, spec := range s.started {
		ids = append(ids, spec.StoryID)
	}
	return ids
}

type fakeWorkspace struct {
	mu       sync.Mutex
	prepared []string
	removed  []string
	merged   []string
	mergeErr map[string]error
}

func (w *fakeWorkspace) PrepareWorktree(ctx context.Context, path, branch, base string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prepared = append(w.prepared, path+"@"+branch+"<"+base)
	return nil
}

func (w *fakeWorkspace) RemoveWorktree(ctx context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWorkspace) SquashMerge(ctx context.Context, worktree, branch, mainBranch, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, err := range w.mergeErr {
		if branch == "ralph/"+id {
			return err
		}
	}
	w.merged = append(w.merged, branch)
	return nil
}

type harness struct {
	store     *state.Store
	spawner   *fakeSpawner
	workspace *fakeWorkspace
	coord     *Coordinator
	out       *bytes.Buffer
}

func newHarness(t *testing.T, agents int, specs ...state.SpecStory) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := state.BuildState("prd.json", specs)
	require.NoError(t, err)
	path := filepath.Join(dir, state.DefaultStateFile)
	require.NoError(t, state.Save(st, path))

	h := &harness{
		store:     state.NewStore(path),
		workspace: &fakeWorkspace{mergeErr: map[string]error{}},
		out:       &bytes.Buffer{},
	}
	h.spawner = newFakeSpawner(h.store)
	h.coord = New(h.store, h.workspace, h.spawner, Options{
		Agents:        agents,
		PollInterval:  5 * time.Millisecond,
		ShutdownGrace: 50 * time.Millisecond,
		WorktreeDir:   "worktrees",
		MainBranch:    "main",
	})
	h.coord.SetPrinter(output.NewPrinterWithWriter(h.out))
	return h
}

func (h *harness) status(t *testing.T, id string) workflow.StoryStatus {
	t.Helper()
	st, err := h.store.Load()
	require.NoError(t, err)
	return st.Story(id).Status
}

func TestCoordinator_RunsAllStories(t *testing.T) {
	h := newHarness(t, 2,
		state.SpecStory{ID: "US-001"},
		state.SpecStory{ID: "US-002"},
		state.SpecStory{ID: "US-003", DependsOn: []string{"US-001", "US-002"}},
	)

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Finished)
	assert.True(t, summary.OK())
	assert.Equal(t, 3, summary.Iterations)
	assert.ElementsMatch(t, []string{"US-001", "US-002", "US-003"}, summary.Completed)
	assert.Equal(t, "US-003", h.spawner.order()[2])
	assert.ElementsMatch(t, []string{"ralph/US-001", "ralph/US-002", "ralph/US-003"}, h.workspace.merged)
	assert.Len(t, h.workspace.removed, 3)
	assert.Contains(t, h.workspace.prepared, filepath.Join("worktrees", "agent-1")+"@ralph/US-001<main")
	assert.Contains(t, h.workspace.prepared, filepath.Join("worktrees", "agent-2")+"@ralph/US-002<main")

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.NotNil(t, st.FinishedAt)
	assert.Contains(t, h.out.String(), "All stories finished")
}

func TestCoordinator_WorkerFailureBlocksDependents(t *testing.T) {
	h := newHarness(t, 2,
		state.SpecStory{ID: "US-001"},
		state.SpecStory{ID: "US-002", DependsOn: []string{"US-001"}},
	)
	h.spawner.exitCode["US-001"] = 1

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"US-001"}, summary.Failed)
	assert.Equal(t, workflow.StoryFailed, h.status(t, "US-001"))
	assert.Equal(t, workflow.StoryBlocked, h.status(t, "US-002"))
	assert.Empty(t, h.workspace.merged)
	assert.Equal(t, []string{filepath.Join("worktrees", "agent-1")}, h.workspace.removed)
	assert.True(t, summary.Finished)
}

func TestCoordinator_InterruptedWorkerLeavesStoryInProgress(t *testing.T) {
	h := newHarness(t, 2,
		state.SpecStory{ID: "US-001"},
		state.SpecStory{ID: "US-002", DependsOn: []string{"US-001"}},
		state.SpecStory{ID: "US-003"},
	)
	h.spawner.exitCode["US-001"] = InterruptedExitCode

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, summary.Failed)
	assert.Equal(t, []string{"US-003"}, summary.Completed)
	assert.True(t, summary.Stalled)
	assert.Equal(t, workflow.StoryInProgress, h.status(t, "US-001"))
	assert.Equal(t, workflow.StoryUnclaimed, h.status(t, "US-002"))
	assert.Equal(t, []string{"ralph/US-003"}, h.workspace.merged)
	assert.Len(t, h.workspace.removed, 2)
	assert.Contains(t, h.out.String(), "story US-001 was interrupted")
}

func TestCoordinator_MergeFailureFailsStory(t *testing.T) {
	h := newHarness(t, 1,
		state.SpecStory{ID: "US-001"},
		state.SpecStory{ID: "US-002", DependsOn: []string{"US-001"}},
	)
	h.workspace.mergeErr["US-001"] = errors.New("conflict in main.go")

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"US-001"}, summary.Failed)
	assert.Equal(t, workflow.StoryBlocked, h.status(t, "US-002"))

	st, err := h.store.Load()
	require.NoError(t, err)
	story := st.Story("US-001")
	assert.Equal(t, workflow.StoryFailed, story.Status)
	last := story.History[len(story.History)-1]
	assert.Equal(t, workflow.ActionStoryFailed, last.Action)
	assert.Contains(t, last.Details["reason"], "merge failed")
}

func TestCoordinator_StartFailure(t *testing.T) {
	h := newHarness(t, 1, state.SpecStory{ID: "US-001"}, state.SpecStory{ID: "US-002"})
	h.spawner.startErr["US-001"] = errors.New("exec format error")

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"US-001"}, summary.Failed)
	assert.Equal(t, []string{"US-002"}, summary.Completed)
	assert.Equal(t, workflow.StoryFailed, h.status(t, "US-001"))
	assert.Contains(t, h.workspace.removed, filepath.Join("worktrees", "agent-1"))
}

func TestCoordinator_MaxIterations(t *testing.T) {
	h := newHarness(t, 2, state.SpecStory{ID: "US-001"}, state.SpecStory{ID: "US-002"})
	h.coord.opts.MaxIterations = 1

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Iterations)
	assert.False(t, summary.Finished)
	assert.False(t, summary.Stalled)
	assert.Equal(t, []string{"US-001"}, h.spawner.order())
	assert.Equal(t, workflow.StoryUnclaimed, h.status(t, "US-002"))
	assert.Contains(t, h.out.String(), "Max iterations (1) reached.")
}

func TestCoordinator_CancelTerminatesWorkers(t *testing.T) {
	h := newHarness(t, 2, state.SpecStory{ID: "US-001"}, state.SpecStory{ID: "US-002"})
	h.spawner.hang["US-001"] = true
	h.spawner.hang["US-002"] = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(h.spawner.order()) < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.coord.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	for _, id := range []string{"US-001", "US-002"} {
		p := h.spawner.procs[id]
		assert.True(t, p.terminated, id)
		assert.False(t, p.killed, id)
	}
	assert.Len(t, h.workspace.removed, 2)
}

func TestCoordinator_CancelKillsStubbornWorkers(t *testing.T) {
	h := newHarness(t, 1, state.SpecStory{ID: "US-001"})
	h.spawner.hang["US-001"] = true
	h.spawner.stubborn = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(h.spawner.order()) < 1 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := h.coord.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	p := h.spawner.procs["US-001"]
	assert.True(t, p.terminated)
	assert.True(t, p.killed)
}

func TestCoordinator_StalledWhenBlocked(t *testing.T) {
	h := newHarness(t, 1,
		state.SpecStory{ID: "US-001"},
		state.SpecStory{ID: "US-002", DependsOn: []string{"US-001"}},
	)
	require.NoError(t, h.store.UpdateStory(context.Background(), "US-001", func(s *workflow.Story) error {
		s.Status = workflow.StoryInProgress
		return nil
	}))

	summary, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Stalled)
	assert.Zero(t, summary.Iterations)
	assert.Contains(t, h.out.String(), "No assignable stories")
}

func TestExecSpawner_Args(t *testing.T) {
	s := &ExecSpawner{StatePath: "/run/state.json", SharedDir: "/run", MaxTurns: 40, ConfigPath: "/etc/ralph.yaml"}

	args := s.Args(WorkerSpec{StoryID: "US-007", AgentID: 3, Dir: "worktrees/agent-3"})

	assert.Equal(t, []string{
		"story", "US-007",
		"--agent-id", "3",
		"--state-path", "/run/state.json",
		"--shared-dir", "/run",
		"--max-turns", "40",
		"--config", "/etc/ralph.yaml",
	}, args)

	bare := (&ExecSpawner{StatePath: "s", SharedDir: "d"}).Args(WorkerSpec{StoryID: "X", AgentID: 1})
	assert.NotContains(t, bare, "--max-turns")
	assert.NotContains(t, bare, "--config")
}
