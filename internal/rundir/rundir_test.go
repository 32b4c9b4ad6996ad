package rundir

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nameRE = regexp.MustCompile(`^\d{8}T\d{6}_[0-9a-f]{8}$`)

type fakeGit struct {
	branch string
	sha    string
	err    error
}

func (f fakeGit) CurrentBranch(context.Context) (string, error) { return f.branch, f.err }
func (f fakeGit) HeadSHA(context.Context) (string, error)       { return f.sha, f.err }

func TestName(t *testing.T) {
	assert.Regexp(t, nameRE, Name())
	assert.NotEqual(t, Name(), Name())
}

func TestCreate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run_ralph")

	dir, err := Create(root)
	require.NoError(t, err)

	assert.Equal(t, root, filepath.Dir(dir))
	assert.Regexp(t, nameRE, filepath.Base(dir))
	assert.DirExists(t, filepath.Join(dir, "workflow_edits"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
}

func TestCreate_Unique(t *testing.T) {
	root := t.TempDir()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		dir, err := Create(root)
		require.NoError(t, err)
		seen[dir] = true
	}
	assert.Len(t, seen, 5)
}

func TestCollect(t *testing.T) {
	t.Setenv("RALPH_IMAGE", "test-image:v1")
	t.Setenv("RALPH_SERVICE", "myapp")

	md := Collect(context.Background(), fakeGit{branch: "main", sha: "abc123"}, "test-image:v1")

	assert.Equal(t, runtime.Version(), md.GoVersion)
	assert.Equal(t, "main", md.GitBranch)
	assert.Equal(t, "abc123", md.GitSHA)
	assert.Equal(t, "test-image:v1", md.RalphImage)
	assert.Equal(t, "test-image:v1", md.EnvVars["RALPH_IMAGE"])
	assert.Equal(t, "myapp", md.EnvVars["RALPH_SERVICE"])
	assert.NotEmpty(t, md.Timestamp)
	for key := range md.EnvVars {
		assert.Regexp(t, `^RALPH_`, key)
	}
}

func TestCollect_GitErrorsLeaveFieldsEmpty(t *testing.T) {
	md := Collect(context.Background(), fakeGit{err: errors.New("not a repo")}, "")
	assert.Empty(t, md.GitBranch)
	assert.Empty(t, md.GitSHA)

	md = Collect(context.Background(), nil, "")
	assert.Empty(t, md.GitBranch)
}

func TestWriteMetadata(t *testing.T) {
	dir := t.TempDir()
	md := Metadata{
		Timestamp: "2026-01-01T00:00:00Z",
		Hostname:  "host",
		GoVersion: "go1.25",
		GitBranch: "main",
		GitSHA:    "abc",
		EnvVars:   map[string]string{"RALPH_IMAGE": "img"},
	}
	require.NoError(t, WriteMetadata(dir, md))

	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"timestamp", "hostname", "go_version", "git_branch", "git_sha", "ralph_image", "ralph_env_vars"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "img", raw["ralph_env_vars"].(map[string]any)["RALPH_IMAGE"])
}

func TestCopySpec(t *testing.T) {
	src := filepath.Join(t.TempDir(), "prd.json")
	require.NoError(t, os.WriteFile(src, []byte(`[{"id":"US-001"}]`), 0o644))
	dir := t.TempDir()

	dst, err := CopySpec(dir, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "prd.json"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"US-001"}]`, string(data))

	_, err = CopySpec(dir, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
