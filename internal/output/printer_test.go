package output

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

func TestPrinter_StepLines(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewPrinterWithWriter(buf)

	step := workflow.Step{ID: "step-005", Type: workflow.StepCoding, Description: "Implement the changes"}
	p.StepStart("US-001", step, 5, 10)

	step.Status = workflow.StepFailed
	step.Error = "worker exited with code 1 (status=unknown)"
	p.StepResult("US-001", step, 90*time.Second)

	out := buf.String()
	assert.Contains(t, out, "[US-001] step-005 (5/10) coding: Implement the changes")
	assert.Contains(t, out, "[US-001] step-005 failed in 1m30s: worker exited with code 1 (status=unknown)")
	assert.NotContains(t, out, "\x1b[", "buffer output should be unstyled")
}

func TestPrinter_StoryResult(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewPrinterWithWriter(buf)

	p.StoryStart("US-002", "Login page", 3)
	p.StoryResult("US-002", workflow.StoryCompleted, "")
	p.StoryResult("US-003", workflow.StoryFailed, "step-006 failed")

	out := buf.String()
	assert.Contains(t, out, "Story US-002: Login page (agent 3)")
	assert.Contains(t, out, "Story US-002 COMPLETED")
	assert.Contains(t, out, "Story US-003 FAILED: step-006 failed")
}

func TestPrinter_SummaryLog(t *testing.T) {
	restore := workflow.Now
	workflow.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { workflow.Now = restore })

	summary := filepath.Join(t.TempDir(), "summary.log")
	p := NewPrinterWithWriter(&bytes.Buffer{})
	p.SetSummaryLog(summary)

	p.Info("Run started")
	p.Warn("no git identity")
	p.WorkerText("thinking out loud")

	data, err := os.ReadFile(summary)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"[2025-03-01T12:00:00Z] Run started",
		"[2025-03-01T12:00:00Z] warning: no git identity",
	}, lines)
}

func TestPrinter_WorkerToolTruncates(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewPrinterWithWriter(buf)
	p.SetTruncateLength(20)

	p.WorkerTool("Bash", "go test ./... -run TestSomethingVeryLong\nsecond line")

	assert.Equal(t, "  > Bash go test ...\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "unbounded", truncate("unbounded", 0))
}
