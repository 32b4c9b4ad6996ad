package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a worker may take to exit after SIGTERM
// before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Request describes a single worker invocation.
type Request struct {
	// Prompt is the full step prompt.
	Prompt string

	// WorkDir is the directory the worker runs in. Empty means the current directory.
	WorkDir string

	// LogPath receives the raw stream-json output. Parent directories are created.
	LogPath string

	// MaxTurns limits agent turns when positive.
	MaxTurns int

	// SystemPrompt is appended to Claude's system prompt when non-empty.
	SystemPrompt string

	// AgentID identifies the worker slot for container naming.
	AgentID int

	// Env holds extra KEY=VALUE pairs for the worker environment.
	Env []string
}

// Result is the outcome of one worker invocation.
type Result struct {
	ExitCode         int
	TimedOut         bool
	NumTurns         int
	CostUSD          float64
	InputTokens      int
	OutputTokens     int
	CompletionStatus string
	FinalResponse    string
	Duration         time.Duration
}

// Succeeded reports whether the worker finished normally.
func (r Result) Succeeded() bool {
	if r.TimedOut || r.ExitCode != 0 {
		return false
	}
	return r.CompletionStatus == "" || r.CompletionStatus == SubtypeSuccess
}

// Status returns the completion status, or "unknown" when no result event arrived.
func (r Result) Status() string {
	if r.CompletionStatus == "" {
		return "unknown"
	}
	return r.CompletionStatus
}

// EventHandler receives each parsed event as it streams in.
type EventHandler func(Event)

// Executor runs a worker to completion or until ctx is done.
//
// A deadline on ctx is the step timeout: when it expires the worker is
// terminated and the returned [Result] has TimedOut set. The error return is
// reserved for failures to launch the worker at all.
type Executor interface {
	Execute(ctx context.Context, req Request, handler EventHandler) (Result, error)
}

// DockerOptions controls wrapping the worker in a container.
type DockerOptions struct {
	Enabled bool
	Image   string
}

// Options configures a [DefaultExecutor].
type Options struct {
	// BinaryPath is the Claude CLI executable, e.g. "claude".
	BinaryPath string

	// BaseArgs precede the generated flags, e.g. ["@anthropic-ai/claude-code"] for npx.
	BaseArgs []string

	// OutputFormat is passed to --output-format. Should be "stream-json".
	OutputFormat string

	// GracePeriod bounds the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	Docker DockerOptions

	// Stderr receives the worker's standard error. Defaults to os.Stderr.
	Stderr io.Writer
}

// DefaultExecutor runs the real Claude CLI.
type DefaultExecutor struct {
	opts   Options
	parser Parser
}

// NewExecutor creates a [DefaultExecutor].
func NewExecutor(opts Options) *DefaultExecutor {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "claude"
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = "stream-json"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &DefaultExecutor{opts: opts, parser: NewParser()}
}

// Command returns the argv used to run req.
func (e *DefaultExecutor) Command(req Request) []string {
	argv := []string{e.opts.BinaryPath}
	argv = append(argv, e.opts.BaseArgs...)
	argv = append(argv,
		"--dangerously-skip-permissions",
		"--print",
		"--verbose",
		"--output-format", e.opts.OutputFormat,
	)
	if req.SystemPrompt != "" {
		argv = append(argv, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	argv = append(argv, req.Prompt)

	if !e.opts.Docker.Enabled || InsideContainer() {
		return argv
	}
	return e.dockerCommand(req, argv)
}

func (e *DefaultExecutor) dockerCommand(req Request, argv []string) []string {
	workspace := req.WorkDir
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	home, _ := os.UserHomeDir()

	cmd := []string{
		"docker", "run", "--rm",
		"-e", fmt.Sprintf("AGENT_ID=%d", req.AgentID),
		"-e", fmt.Sprintf("COMPOSE_PROJECT_NAME=ralph_agent_%d", req.AgentID),
		"-e", "HOST_WORKSPACE=" + workspace,
		"-e", "IS_SANDBOX=1",
	}
	for _, kv := range req.Env {
		cmd = append(cmd, "-e", kv)
	}
	cmd = append(cmd,
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		"-v", workspace+":/workspace",
		"-v", filepath.Join(home, ".claude")+":/home/agent/.claude",
		"-v", filepath.Join(home, ".config", "claude")+":/home/agent/.config/claude",
		"-w", "/workspace",
		e.opts.Docker.Image,
	)
	return append(cmd, argv...)
}

// InsideContainer reports whether the process runs inside a Docker container.
func InsideContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// Execute runs the worker, streaming events to handler (which may be nil).
func (e *DefaultExecutor) Execute(ctx context.Context, req Request, handler EventHandler) (Result, error) {
	argv := e.Command(req)

	var logWriter io.Writer = io.Discard
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
			return Result{ExitCode: 1}, fmt.Errorf("creating log directory: %w", err)
		}
		logFile, err := os.Create(req.LogPath)
		if err != nil {
			return Result{ExitCode: 1}, fmt.Errorf("creating log file: %w", err)
		}
		defer logFile.Close()
		logWriter = logFile
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stderr = e.opts.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.opts.GracePeriod

	pr, pw := io.Pipe()
	cmd.Stdout = io.MultiWriter(logWriter, pw)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return Result{ExitCode: 1}, fmt.Errorf("starting worker: %w", err)
	}

	collector := &resultCollector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range e.parser.Parse(pr) {
			collector.add(event)
			if handler != nil {
				handler(event)
			}
		}
		// Keep the pipe drained if the parser stopped early.
		_, _ = io.Copy(io.Discard, pr)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	result := collector.result()
	result.Duration = time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode < 0 {
			result.ExitCode = 1
		}
	default:
		result.ExitCode = 1
	}

	return result, nil
}

// resultCollector folds a stream of events into a [Result].
type resultCollector struct {
	res      Result
	lastText string
}

func (c *resultCollector) add(e Event) {
	switch {
	case e.IsText():
		c.lastText = e.Text
	case e.SessionComplete:
		c.res.NumTurns = e.NumTurns
		c.res.CostUSD = e.CostUSD
		c.res.InputTokens = e.InputTokens
		c.res.OutputTokens = e.OutputTokens
		c.res.CompletionStatus = e.Subtype
	}
}

func (c *resultCollector) result() Result {
	r := c.res
	r.FinalResponse = c.lastText
	return r
}
