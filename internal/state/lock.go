package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// DefaultLockTimeout bounds how long a mutation waits for the state lock.
const DefaultLockTimeout = 60 * time.Second

// lockRetryDelay is how often a blocked acquisition retries the lock.
const lockRetryDelay = 100 * time.Millisecond

// ErrLockTimeout is returned when the state lock could not be acquired in time.
// Lock contention is retryable; callers decide whether to try again.
var ErrLockTimeout = errors.New("timed out waiting for workflow state lock")

// LockPath returns the advisory lock file guarding the state file at path.
func LockPath(path string) string {
	return path + ".lock"
}

// WithLock runs fn against the freshly loaded state while holding the
// exclusive state lock, then saves the result.
//
// The document is saved only when fn returns nil; an error from fn leaves the
// file untouched and is returned as-is. The lock is always released.
func WithLock(ctx context.Context, path string, timeout time.Duration, fn func(*workflow.State) error) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	fileLock := flock.New(LockPath(path))

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %s", ErrLockTimeout, timeout, path)
		}
		return fmt.Errorf("acquiring workflow state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w after %s: %s", ErrLockTimeout, timeout, path)
	}
	defer func() { _ = fileLock.Unlock() }()

	st, err := Load(path)
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return err
	}

	return Save(st, path)
}

// Store binds a state file path and lock timeout for repeated use.
type Store struct {
	path        string
	lockTimeout time.Duration
}

// NewStore creates a [Store] for the state file at path using [DefaultLockTimeout].
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides the lock acquisition timeout.
func (s *Store) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the current document without taking the lock.
// Saves are atomic renames, so an unlocked read always sees a complete document.
func (s *Store) Load() (*workflow.State, error) {
	return Load(s.path)
}

// Update runs fn under the state lock. See [WithLock].
func (s *Store) Update(ctx context.Context, fn func(*workflow.State) error) error {
	return WithLock(ctx, s.path, s.lockTimeout, fn)
}

// UpdateStory runs fn against a single story under the state lock.
func (s *Store) UpdateStory(ctx context.Context, storyID string, fn func(*workflow.Story) error) error {
	return s.Update(ctx, func(st *workflow.State) error {
		story := st.Story(storyID)
		if story == nil {
			return fmt.Errorf("story not found: %s", storyID)
		}
		return fn(story)
	})
}
