// Package rundir creates the per-run shared directory.
//
// Every run gets its own directory under the run root, named
// <YYYYMMDD>T<HHMMSS>_<8 hex chars>, holding the state file, scratch files,
// worker logs, pending edit requests and a metadata.json snapshot of the
// environment the run started in.
package rundir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/cybergrind/dynamic-ralph/internal/editing"
	"github.com/cybergrind/dynamic-ralph/internal/lifecycle"
	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// MetadataFile is the name of the environment snapshot inside a run directory.
const MetadataFile = "metadata.json"

// EnvPrefix selects the environment variables recorded in the metadata.
const EnvPrefix = "RALPH_"

const timestampLayout = "20060102T150405"

// Name returns a fresh run directory name.
func Name() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return workflow.Now().Format(timestampLayout) + "_" + id[:8]
}

// Create makes a new run directory under root along with its workflow_edits
// and logs subdirectories, and returns its path.
func Create(root string) (string, error) {
	dir := filepath.Join(root, Name())
	for _, sub := range []string{editing.EditsDir, lifecycle.LogsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("creating run directory: %w", err)
		}
	}
	return dir, nil
}

// Metadata describes the environment a run started in.
type Metadata struct {
	Timestamp  string            `json:"timestamp"`
	Hostname   string            `json:"hostname"`
	GoVersion  string            `json:"go_version"`
	GitBranch  string            `json:"git_branch"`
	GitSHA     string            `json:"git_sha"`
	RalphImage string            `json:"ralph_image"`
	EnvVars    map[string]string `json:"ralph_env_vars"`
}

// Git is the subset of repository queries recorded in the metadata.
type Git interface {
	CurrentBranch(ctx context.Context) (string, error)
	HeadSHA(ctx context.Context) (string, error)
}

// Collect gathers metadata for the current process. Git lookups that fail
// leave their fields empty.
func Collect(ctx context.Context, repo Git, image string) Metadata {
	host, _ := os.Hostname()
	md := Metadata{
		Timestamp:  workflow.Now().Format("2006-01-02T15:04:05.000000Z07:00"),
		Hostname:   host,
		GoVersion:  runtime.Version(),
		RalphImage: image,
		EnvVars:    map[string]string{},
	}
	if repo != nil {
		md.GitBranch, _ = repo.CurrentBranch(ctx)
		md.GitSHA, _ = repo.HeadSHA(ctx)
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, EnvPrefix) {
			md.EnvVars[key] = value
		}
	}
	return md
}

// WriteMetadata writes md as indented JSON to dir/metadata.json.
func WriteMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), append(data, '\n'), 0o644)
}

// CopySpec copies the story spec into dir so the run can be reproduced.
// It returns the path of the copy.
func CopySpec(dir, specPath string) (string, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return "", fmt.Errorf("reading spec: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(specPath))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("copying spec: %w", err)
	}
	return dst, nil
}
