package scratch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPad_GlobalMissingIsEmpty(t *testing.T) {
	got, err := New(t.TempDir()).ReadGlobal()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPad_WriteAndAppendGlobal(t *testing.T) {
	ctx := context.Background()
	pad := New(t.TempDir())

	require.NoError(t, pad.WriteGlobal(ctx, "# Notes\n"))
	require.NoError(t, pad.AppendGlobal(ctx, "use make test"))

	got, err := pad.ReadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "# Notes\nuse make test\n", got)

	entries, err := os.ReadDir(pad.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestPad_ConcurrentAppendsKeepEveryLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Separate pads open separate lock handles, like separate processes.
			assert.NoError(t, New(dir).AppendGlobal(ctx, fmt.Sprintf("line %d", n)))
		}(i)
	}
	wg.Wait()

	got, err := New(dir).ReadGlobal()
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(got), "\n"), 20)
}

func TestPad_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	pad := New(dir)
	pad.lockTimeout = 200 * time.Millisecond

	held := flock.New(pad.GlobalPath() + ".lock")
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	err = pad.AppendGlobal(context.Background(), "blocked")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestPad_StoryScratchLifecycle(t *testing.T) {
	pad := New(t.TempDir())

	require.NoError(t, pad.AppendStepSummary("US-001", "context_gathering", "step-001", "Found the handlers."))
	require.NoError(t, pad.AppendStepSummary("US-001", "planning", "step-002", "Two files to change."))

	got, err := pad.ReadStory("US-001")
	require.NoError(t, err)
	assert.Equal(t,
		"\n### context_gathering (step-001)\nFound the handlers.\n"+
			"\n### planning (step-002)\nTwo files to change.\n",
		got)

	other, err := pad.ReadStory("US-002")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, pad.CleanupStory("US-001"))
	_, err = os.Stat(pad.StoryPath("US-001"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, pad.CleanupStory("US-001"), "cleanup is idempotent")
}
