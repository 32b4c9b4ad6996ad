package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// FallbackAuthorName is used when no git author name is configured anywhere.
const FallbackAuthorName = "Claude Agent"

// FallbackAuthorEmail is used when no git author email is configured anywhere.
const FallbackAuthorEmail = "claude-agent@dynamic-ralph.dev"

// Repo runs git commands against a working tree.
type Repo struct {
	dir    string
	runner CommandRunner
}

// NewRepo creates a [Repo] for dir using the real git binary.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir, runner: NewExecRunner()}
}

// NewRepoWithRunner creates a [Repo] with a custom runner.
// This is primarily useful for testing.
func NewRepoWithRunner(dir string, runner CommandRunner) *Repo {
	return &Repo{dir: dir, runner: runner}
}

// Dir returns the working tree the repo operates on.
func (r *Repo) Dir() string {
	return r.dir
}

// At returns a Repo sharing the runner but operating in another directory.
func (r *Repo) At(dir string) *Repo {
	return &Repo{dir: dir, runner: r.runner}
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, r.dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

// HeadSHA returns the commit hash HEAD points to.
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	sha, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return sha, nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	return branch, nil
}

// DiffSince returns the working tree diff against sha.
func (r *Repo) DiffSince(ctx context.Context, sha string) ([]byte, error) {
	out, err := r.runner.Run(ctx, r.dir, "git", "diff", sha)
	if err != nil {
		return nil, fmt.Errorf("diffing against %s: %w", sha, err)
	}
	return out, nil
}

// Rollback discards every change made since sha: commits, staged and
// unstaged edits, and untracked files.
func (r *Repo) Rollback(ctx context.Context, sha string) error {
	if _, err := r.git(ctx, "reset", "--hard", sha); err != nil {
		return fmt.Errorf("resetting to %s: %w", sha, err)
	}
	if _, err := r.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("cleaning untracked files: %w", err)
	}
	return nil
}

// ConfigValue reads a git config key, returning "" when it is unset.
func (r *Repo) ConfigValue(ctx context.Context, key string) string {
	v, err := r.git(ctx, "config", key)
	if err != nil {
		return ""
	}
	return v
}

// Identity is a git author identity.
type Identity struct {
	Name  string
	Email string
}

// ResolveIdentity determines the author identity handed to workers.
//
// Each of name and email is resolved independently: explicit value first,
// then git config, then the fallback. The returned warnings name anything
// that fell back.
func (r *Repo) ResolveIdentity(ctx context.Context, name, email string) (Identity, []string) {
	var warnings []string

	if name == "" {
		name = r.ConfigValue(ctx, "user.name")
	}
	if name == "" {
		name = FallbackAuthorName
		warnings = append(warnings, "git author name not configured; set RALPH_GIT_AUTHOR_NAME or git config user.name")
	}

	if email == "" {
		email = r.ConfigValue(ctx, "user.email")
	}
	if email == "" {
		email = FallbackAuthorEmail
		warnings = append(warnings, "git author email not configured; set RALPH_GIT_AUTHOR_EMAIL or git config user.email")
	}

	return Identity{Name: name, Email: email}, warnings
}

// Env renders the identity as git environment variables.
func (id Identity) Env() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + id.Name,
		"GIT_AUTHOR_EMAIL=" + id.Email,
		"GIT_COMMITTER_NAME=" + id.Name,
		"GIT_COMMITTER_EMAIL=" + id.Email,
	}
}

// BranchName returns the worktree branch used for storyID.
func BranchName(storyID string) string {
	return "ralph/" + storyID
}

// PrepareWorktree creates a fresh worktree at path on a new branch started
// from base. Any stale registration, directory or branch left by an earlier
// run is removed first.
func (r *Repo) PrepareWorktree(ctx context.Context, path, branch, base string) error {
	_, _ = r.git(ctx, "worktree", "prune")
	_, _ = r.git(ctx, "worktree", "remove", "--force", path)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing stale worktree %s: %w", path, err)
	}
	_, _ = r.git(ctx, "branch", "-D", branch)

	if _, err := r.git(ctx, "worktree", "add", path, "-b", branch, base); err != nil {
		return fmt.Errorf("creating worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path. A worktree that no
// longer exists is not an error.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := r.git(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return nil
}

// ErrIntegration marks a failure to bring a story branch back into main.
var ErrIntegration = errors.New("integration failed")

// SquashMerge rebases the branch checked out in worktree onto mainBranch,
// then squash-merges it into the repo's working tree and commits.
//
// A failed rebase is aborted and a failed merge is reset, so the main working
// tree is left clean on error. Errors wrap [ErrIntegration].
func (r *Repo) SquashMerge(ctx context.Context, worktree, branch, mainBranch, message string) error {
	wt := r.At(worktree)
	if _, err := wt.git(ctx, "rebase", mainBranch); err != nil {
		_, _ = wt.git(ctx, "rebase", "--abort")
		return fmt.Errorf("%w: rebasing %s onto %s: %v", ErrIntegration, branch, mainBranch, err)
	}

	if _, err := r.git(ctx, "merge", "--squash", branch); err != nil {
		_, _ = r.git(ctx, "reset", "--hard", "HEAD")
		return fmt.Errorf("%w: squash merging %s: %v", ErrIntegration, branch, err)
	}

	if _, err := r.git(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		_, _ = r.git(ctx, "reset", "--hard", "HEAD")
		return fmt.Errorf("%w: committing %s: %v", ErrIntegration, branch, err)
	}
	return nil
}
