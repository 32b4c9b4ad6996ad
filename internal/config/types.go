// Package config provides configuration loading and management for ralph.
//
// Configuration is loaded using Viper, supporting YAML config files and environment
// variable overrides. The package provides defaults that work out of the box, with
// the ability to tune the Claude CLI invocation, step timeouts, worker isolation,
// git identity, and prompt texts.
//
// Key types:
//   - [Config] is the root configuration container with all settings
//   - [Loader] handles Viper-based configuration loading
//   - [ClaudeConfig] contains Claude CLI binary settings
//   - [WorkerConfig] controls worker process supervision and Docker wrapping
//
// Configuration priority (highest to lowest):
//  1. Environment variables (RALPH_ prefix)
//  2. Config file specified by RALPH_CONFIG_PATH
//  3. User config directory (platform-standard):
//     - Linux: ~/.config/ralph/config.yaml
//     - macOS: ~/Library/Application Support/ralph/config.yaml
//     - Windows: %APPDATA%\ralph\config.yaml
//  4. ./ralph.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"fmt"
	"time"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// Config represents the root configuration structure.
type Config struct {
	// Claude contains Claude CLI binary configuration.
	Claude ClaudeConfig `mapstructure:"claude"`

	// Worker controls how worker processes are supervised.
	Worker WorkerConfig `mapstructure:"worker"`

	// Limits bounds how much work a run may do.
	Limits LimitsConfig `mapstructure:"limits"`

	// Timeouts overrides per-step-type timeouts, keyed by step type, in seconds.
	// Step types not listed use the built-in table.
	Timeouts map[string]int `mapstructure:"timeouts"`

	// Paths locates the shared directory, state file and worktrees.
	Paths PathsConfig `mapstructure:"paths"`

	// Git holds repository and commit identity settings.
	Git GitConfig `mapstructure:"git"`

	// Logging configures the structured debug log.
	Logging LoggingConfig `mapstructure:"logging"`

	// Prompts customizes the text sent to workers.
	Prompts PromptsConfig `mapstructure:"prompts"`

	// Output contains terminal output formatting configuration.
	Output OutputConfig `mapstructure:"output"`
}

// ClaudeConfig contains Claude CLI configuration.
type ClaudeConfig struct {
	// BinaryPath is the path to the Claude CLI binary.
	// Default: "claude" (assumes Claude is in PATH).
	// Can be overridden with RALPH_CLAUDE_PATH environment variable.
	BinaryPath string `mapstructure:"binary_path"`

	// BaseArgs are inserted before the generated flags, e.g. ["@anthropic-ai/claude-code"]
	// when BinaryPath is npx.
	BaseArgs []string `mapstructure:"base_args"`

	// OutputFormat is the output format passed to Claude CLI.
	// Should be "stream-json" for structured event parsing.
	OutputFormat string `mapstructure:"output_format"`

	// MaxTurns limits agent turns per step. Zero means no limit.
	MaxTurns int `mapstructure:"max_turns"`
}

// WorkerConfig controls worker process supervision.
type WorkerConfig struct {
	// GracePeriod is the time between SIGTERM and SIGKILL when a worker is stopped.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// PollInterval is how often the parallel coordinator checks for finished workers.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ShutdownGrace bounds how long interrupted story workers may take to exit.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Docker wraps each worker in a container when not already inside one.
	Docker bool `mapstructure:"docker"`

	// Image is the container image used when Docker is enabled.
	// Can be overridden with RALPH_IMAGE environment variable.
	Image string `mapstructure:"image"`
}

// LimitsConfig bounds a run.
type LimitsConfig struct {
	// Agents is the number of parallel worker slots. 1 selects serial mode.
	Agents int `mapstructure:"agents"`

	// MaxIterations caps the number of stories claimed in one run. Zero means unlimited.
	MaxIterations int `mapstructure:"max_iterations"`

	// LockTimeout bounds how long a state mutation waits for the state lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// PathsConfig locates run artifacts.
type PathsConfig struct {
	// SharedDir holds the state file, scratch files, edit requests and logs.
	// Empty means a fresh run directory under RunRoot.
	SharedDir string `mapstructure:"shared_dir"`

	// StatePath overrides the state file location. Empty means <shared>/workflow_state.json.
	StatePath string `mapstructure:"state_path"`

	// RunRoot is the parent of generated run directories.
	RunRoot string `mapstructure:"run_root"`

	// WorktreeDir is the parent of per-agent worktrees.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// GitConfig holds repository settings.
type GitConfig struct {
	// MainBranch is the branch stories are integrated into. Empty means the current branch.
	MainBranch string `mapstructure:"main_branch"`

	// AuthorName and AuthorEmail set the commit identity passed to workers.
	// Empty values fall back to git config, then to a built-in identity.
	AuthorName  string `mapstructure:"author_name"`
	AuthorEmail string `mapstructure:"author_email"`
}

// LoggingConfig configures the debug log.
type LoggingConfig struct {
	// Enabled writes structured JSON logs to <shared>/debug.log.
	Enabled bool `mapstructure:"enabled"`

	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// PromptsConfig customizes worker prompts.
type PromptsConfig struct {
	// SystemPrompt is appended to Claude's system prompt for every step.
	SystemPrompt string `mapstructure:"system_prompt"`

	// Instructions replaces the built-in instruction text for a step type.
	Instructions map[string]string `mapstructure:"instructions"`

	// RetrospectiveChecks are the commands a retrospective worker runs after
	// fixing, e.g. ["go test ./...", "golangci-lint run"]. Empty leaves the
	// choice to the worker.
	RetrospectiveChecks []string `mapstructure:"retrospective_checks"`
}

// OutputConfig contains terminal output formatting configuration.
type OutputConfig struct {
	// TruncateLength is the maximum length of streamed tool output lines.
	// Default: 80
	TruncateLength int `mapstructure:"truncate_length"`

	// Verbose streams worker text and tool calls to the console.
	Verbose bool `mapstructure:"verbose"`
}

// DefaultConfig returns a new [Config] with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Claude: ClaudeConfig{
			BinaryPath:   "claude",
			OutputFormat: "stream-json",
		},
		Worker: WorkerConfig{
			GracePeriod:   5 * time.Second,
			PollInterval:  2 * time.Second,
			ShutdownGrace: 30 * time.Second,
			Docker:        true,
			Image:         "dynamic-ralph:latest",
		},
		Limits: LimitsConfig{
			Agents:        1,
			MaxIterations: 50,
			LockTimeout:   60 * time.Second,
		},
		Timeouts: map[string]int{},
		Paths: PathsConfig{
			RunRoot:     "run_ralph",
			WorktreeDir: "worktrees",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Prompts: PromptsConfig{
			Instructions: map[string]string{},
		},
		Output: OutputConfig{
			TruncateLength: 80,
		},
	}
}

// StepTimeout returns the timeout for a step type, honoring overrides.
func (c *Config) StepTimeout(t workflow.StepType) time.Duration {
	if secs, ok := c.Timeouts[string(t)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return workflow.StepTimeout(t)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Limits.Agents < 1 {
		return fmt.Errorf("limits.agents must be at least 1, got %d", c.Limits.Agents)
	}
	if c.Limits.MaxIterations < 0 {
		return fmt.Errorf("limits.max_iterations must not be negative")
	}
	for name := range c.Timeouts {
		if !workflow.StepType(name).IsValid() {
			return fmt.Errorf("timeouts: unknown step type %q", name)
		}
	}
	for name := range c.Prompts.Instructions {
		if !workflow.StepType(name).IsValid() {
			return fmt.Errorf("prompts.instructions: unknown step type %q", name)
		}
	}
	return nil
}
