// Package scratch manages the scratch notes workers share between steps.
//
// The global file (scratch.md) is visible to every story and may be written
// by several worker processes at once, so writes go through a file lock.
// Story files (scratch_<id>.md) have a single writer and are removed when
// the story completes.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// GlobalFile is the name of the shared scratch file.
	GlobalFile = "scratch.md"

	// DefaultLockTimeout bounds how long a global write waits for the lock.
	DefaultLockTimeout = 60 * time.Second
)

// ErrLockTimeout is returned when the global scratch lock cannot be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for scratch lock")

// Pad holds the scratch files of one shared directory.
type Pad struct {
	dir         string
	lockTimeout time.Duration
}

// New creates a [Pad] rooted at dir.
func New(dir string) *Pad {
	return &Pad{dir: dir, lockTimeout: DefaultLockTimeout}
}

// GlobalPath returns the path of the global scratch file.
func (p *Pad) GlobalPath() string {
	return filepath.Join(p.dir, GlobalFile)
}

// StoryPath returns the path of the scratch file for storyID.
func (p *Pad) StoryPath(storyID string) string {
	return filepath.Join(p.dir, "scratch_"+storyID+".md")
}

// ReadGlobal returns the global scratch, or "" if it does not exist.
func (p *Pad) ReadGlobal() (string, error) {
	return readOptional(p.GlobalPath())
}

// WriteGlobal replaces the global scratch atomically under the lock.
func (p *Pad) WriteGlobal(ctx context.Context, content string) error {
	return p.withLock(ctx, func() error {
		return writeAtomic(p.GlobalPath(), content)
	})
}

// AppendGlobal appends a line to the global scratch under the lock.
func (p *Pad) AppendGlobal(ctx context.Context, line string) error {
	return p.withLock(ctx, func() error {
		return appendFile(p.GlobalPath(), line+"\n")
	})
}

// ReadStory returns the story scratch, or "" if it does not exist.
func (p *Pad) ReadStory(storyID string) (string, error) {
	return readOptional(p.StoryPath(storyID))
}

// AppendStory appends text to the story scratch, creating it if needed.
func (p *Pad) AppendStory(storyID, text string) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return err
	}
	return appendFile(p.StoryPath(storyID), text+"\n")
}

// AppendStepSummary records a completed step's summary in the story scratch.
func (p *Pad) AppendStepSummary(storyID, stepType, stepID, summary string) error {
	return p.AppendStory(storyID, fmt.Sprintf("\n### %s (%s)\n%s", stepType, stepID, summary))
}

// CleanupStory removes the story scratch. A missing file is not an error.
func (p *Pad) CleanupStory(storyID string) error {
	err := os.Remove(p.StoryPath(storyID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Pad) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, p.lockTimeout)
	defer cancel()

	lock := flock.New(p.GlobalPath() + ".lock")
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		if errors.Is(err, context.DeadlineExceeded) || err == nil {
			return ErrLockTimeout
		}
		return fmt.Errorf("failed to lock scratch: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scratch_*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
