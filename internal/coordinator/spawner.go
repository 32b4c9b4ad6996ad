package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

// WorkerSpec describes one story worker to launch.
type WorkerSpec struct {
	StoryID string
	AgentID int

	// Dir is the worktree the worker runs in.
	Dir string
}

// Process is a running story worker.
//
// Poll never blocks: it reports the exit code once the worker has exited.
type Process interface {
	Poll() (exitCode int, exited bool)
	Terminate() error
	Kill() error
}

// Spawner launches story workers.
type Spawner interface {
	Start(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecSpawner runs each worker as a child process of the given binary in
// story mode.
type ExecSpawner struct {
	// Binary is the executable to run. Defaults to the current executable.
	Binary string

	// StatePath and SharedDir are passed as absolute paths so the worker
	// finds them from inside its worktree.
	StatePath string
	SharedDir string

	// ConfigPath is forwarded with --config when set.
	ConfigPath string

	// MaxTurns is forwarded with --max-turns when positive.
	MaxTurns int

	// Env is appended to the inherited environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Args returns the arguments passed to the binary for spec.
func (s *ExecSpawner) Args(spec WorkerSpec) []string {
	args := []string{
		"story", spec.StoryID,
		"--agent-id", strconv.Itoa(spec.AgentID),
		"--state-path", s.StatePath,
		"--shared-dir", s.SharedDir,
	}
	if s.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.MaxTurns))
	}
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	return args
}

// Start launches the worker. The process is not tied to ctx; the
// coordinator terminates it explicitly on shutdown.
func (s *ExecSpawner) Start(ctx context.Context, spec WorkerSpec) (Process, error) {
	binary := s.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		binary = self
	}

	cmd := exec.Command(binary, s.Args(spec)...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker for %s: %w", spec.StoryID, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Poll() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, true
	default:
		return 0, false
	}
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
