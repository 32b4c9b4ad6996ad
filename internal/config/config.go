package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RALPH"

	appName        = "ralph"
	configFileName = "config.yaml"
	localFileName  = "ralph.yaml"
)

// explicitEnv maps short environment variable names onto config keys.
// Every other key is reachable as RALPH_<SECTION>_<KEY>.
var explicitEnv = map[string]string{
	"claude.binary_path": "RALPH_CLAUDE_PATH",
	"worker.image":       "RALPH_IMAGE",
	"git.author_name":    "RALPH_GIT_AUTHOR_NAME",
	"git.author_email":   "RALPH_GIT_AUTHOR_EMAIL",
	"paths.shared_dir":   "RALPH_SHARED_DIR",
	"paths.state_path":   "RALPH_STATE_PATH",
}

// Loader handles configuration loading using Viper.
//
// Each Loader owns its own Viper instance, so loaders never share state
// through the Viper globals.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new [Loader] with a fresh Viper instance.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load resolves the config file (see the package doc for the search order),
// applies environment overrides and returns the merged [Config].
//
// A missing config file is not an error; an unreadable or malformed one is.
func (l *Loader) Load() (*Config, error) {
	l.prepare()

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	return l.unmarshal()
}

// LoadFromFile loads configuration from a specific file path.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.prepare()

	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return l.unmarshal()
}

// MustLoad loads configuration or panics.
func MustLoad() *Config {
	cfg, err := NewLoader().Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// ConfigDir returns the platform-standard configuration directory for ralph.
func ConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine user config dir: %w", err)
	}
	return filepath.Join(base, appName), nil
}

// DefaultConfigPath returns the config file path inside [ConfigDir].
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// EnsureConfigDir creates [ConfigDir] if it does not exist.
func EnsureConfigDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	return dir, nil
}

func (l *Loader) prepare() {
	l.setDefaults()

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	for key, env := range explicitEnv {
		// BindEnv only errors when called without a key.
		_ = l.v.BindEnv(key, env)
	}
}

func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("claude.binary_path", d.Claude.BinaryPath)
	l.v.SetDefault("claude.base_args", d.Claude.BaseArgs)
	l.v.SetDefault("claude.output_format", d.Claude.OutputFormat)
	l.v.SetDefault("claude.max_turns", d.Claude.MaxTurns)

	l.v.SetDefault("worker.grace_period", d.Worker.GracePeriod)
	l.v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	l.v.SetDefault("worker.shutdown_grace", d.Worker.ShutdownGrace)
	l.v.SetDefault("worker.docker", d.Worker.Docker)
	l.v.SetDefault("worker.image", d.Worker.Image)

	l.v.SetDefault("limits.agents", d.Limits.Agents)
	l.v.SetDefault("limits.max_iterations", d.Limits.MaxIterations)
	l.v.SetDefault("limits.lock_timeout", d.Limits.LockTimeout)

	l.v.SetDefault("paths.shared_dir", d.Paths.SharedDir)
	l.v.SetDefault("paths.state_path", d.Paths.StatePath)
	l.v.SetDefault("paths.run_root", d.Paths.RunRoot)
	l.v.SetDefault("paths.worktree_dir", d.Paths.WorktreeDir)

	l.v.SetDefault("git.main_branch", d.Git.MainBranch)
	l.v.SetDefault("git.author_name", d.Git.AuthorName)
	l.v.SetDefault("git.author_email", d.Git.AuthorEmail)

	l.v.SetDefault("logging.enabled", d.Logging.Enabled)
	l.v.SetDefault("logging.level", d.Logging.Level)

	l.v.SetDefault("prompts.system_prompt", d.Prompts.SystemPrompt)

	l.v.SetDefault("output.truncate_length", d.Output.TruncateLength)
	l.v.SetDefault("output.verbose", d.Output.Verbose)
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = map[string]int{}
	}
	if cfg.Prompts.Instructions == nil {
		cfg.Prompts.Instructions = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "" if none does.
// RALPH_CONFIG_PATH must point at an existing file when set.
func findConfigFile() (string, error) {
	if path := os.Getenv(EnvPrefix + "_CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file from %s_CONFIG_PATH: %w", EnvPrefix, err)
		}
		return path, nil
	}

	var candidates []string
	if p, err := DefaultConfigPath(); err == nil {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, localFileName)

	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking config file %s: %w", p, err)
		}
	}
	return "", nil
}
