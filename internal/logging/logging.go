// Package logging sets up the structured debug log for a run.
//
// Records are JSON lines written to <shared>/debug.log. Components receive a
// *slog.Logger and derive children with [ForStory] and [ForStep] so that every
// record carries the story, step and agent it concerns.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the debug log's name inside the shared directory.
const FileName = "debug.log"

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Open creates a JSON logger appending to <sharedDir>/debug.log.
// The returned closer must be called when the run ends.
func Open(sharedDir, level string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(sharedDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(sharedDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return New(f, level), f, nil
}

// New creates a JSON logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ForStory returns a child logger tagged with the story and agent.
func ForStory(l *slog.Logger, storyID string, agentID int) *slog.Logger {
	return l.With(slog.String("story_id", storyID), slog.Int("agent_id", agentID))
}

// ForStep returns a child logger tagged with the step.
func ForStep(l *slog.Logger, stepID string, stepType string) *slog.Logger {
	return l.With(slog.String("step_id", stepID), slog.String("step_type", stepType))
}
