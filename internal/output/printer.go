// Package output renders run progress for humans.
//
// [Printer] writes styled progress lines to the terminal using lipgloss and,
// when a summary log is attached, mirrors every line without styling into
// <shared>/summary.log prefixed with a timestamp. Styling is resolved per
// writer, so output captured in a buffer carries no escape codes.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cybergrind/dynamic-ralph/internal/workflow"
)

// Printer reports run progress.
type Printer interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)

	StoryStart(storyID, title string, agentID int)
	StoryResult(storyID string, status workflow.StoryStatus, detail string)

	StepStart(storyID string, step workflow.Step, position, total int)
	StepResult(storyID string, step workflow.Step, duration time.Duration)

	Edit(storyID, kind, reason string)

	WorkerText(text string)
	WorkerTool(name, detail string)
}

type styles struct {
	info    lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	story   lipgloss.Style
	step    lipgloss.Style
	ok      lipgloss.Style
	muted   lipgloss.Style
	tool    lipgloss.Style
	heading lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		info:    r.NewStyle().Foreground(lipgloss.Color("12")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		err:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		story:   r.NewStyle().Foreground(lipgloss.Color("13")).Bold(true),
		step:    r.NewStyle().Foreground(lipgloss.Color("14")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		tool:    r.NewStyle().Foreground(lipgloss.Color("6")),
		heading: r.NewStyle().Bold(true).Underline(true),
	}
}

// DefaultPrinter implements [Printer] with lipgloss styles.
type DefaultPrinter struct {
	mu         sync.Mutex
	out        io.Writer
	st         styles
	summary    string
	truncateAt int
}

// NewPrinter creates a [DefaultPrinter] writing to stdout.
func NewPrinter() *DefaultPrinter {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter creates a [DefaultPrinter] writing to w.
func NewPrinterWithWriter(w io.Writer) *DefaultPrinter {
	return &DefaultPrinter{
		out:        w,
		st:         newStyles(lipgloss.NewRenderer(w)),
		truncateAt: 80,
	}
}

// SetSummaryLog mirrors every printed line into the file at path.
// An empty path disables mirroring.
func (p *DefaultPrinter) SetSummaryLog(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summary = path
}

// SetTruncateLength bounds worker tool lines. Non-positive values disable truncation.
func (p *DefaultPrinter) SetTruncateLength(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truncateAt = n
}

func (p *DefaultPrinter) Info(format string, args ...any) {
	p.emit(p.st.info, fmt.Sprintf(format, args...))
}

func (p *DefaultPrinter) Warn(format string, args ...any) {
	p.emit(p.st.warn, "warning: "+fmt.Sprintf(format, args...))
}

func (p *DefaultPrinter) Error(format string, args ...any) {
	p.emit(p.st.err, "error: "+fmt.Sprintf(format, args...))
}

func (p *DefaultPrinter) StoryStart(storyID, title string, agentID int) {
	msg := fmt.Sprintf("Story %s: %s", storyID, title)
	if agentID > 0 {
		msg += fmt.Sprintf(" (agent %d)", agentID)
	}
	p.emit(p.st.story, msg)
}

func (p *DefaultPrinter) StoryResult(storyID string, status workflow.StoryStatus, detail string) {
	msg := fmt.Sprintf("Story %s %s", storyID, strings.ToUpper(string(status)))
	if detail != "" {
		msg += ": " + detail
	}
	style := p.st.ok
	if status != workflow.StoryCompleted {
		style = p.st.err
	}
	p.emit(style, msg)
}

func (p *DefaultPrinter) StepStart(storyID string, step workflow.Step, position, total int) {
	p.emit(p.st.step, fmt.Sprintf("[%s] %s (%d/%d) %s: %s",
		storyID, step.ID, position, total, step.Type, step.Description))
}

func (p *DefaultPrinter) StepResult(storyID string, step workflow.Step, duration time.Duration) {
	msg := fmt.Sprintf("[%s] %s %s in %s", storyID, step.ID, step.Status, duration.Round(time.Second))
	switch step.Status {
	case workflow.StepCompleted:
		if step.CostUSD > 0 {
			msg += fmt.Sprintf(" ($%.4f)", step.CostUSD)
		}
		p.emit(p.st.ok, msg)
	default:
		if step.Error != "" {
			msg += ": " + step.Error
		}
		p.emit(p.st.err, msg)
	}
}

func (p *DefaultPrinter) Edit(storyID, kind, reason string) {
	msg := fmt.Sprintf("[%s] workflow edit %s", storyID, kind)
	if reason != "" {
		msg += ": " + reason
	}
	p.emit(p.st.warn, msg)
}

// WorkerText prints worker narration without mirroring it to the summary log.
func (p *DefaultPrinter) WorkerText(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.st.muted.Render(strings.TrimRight(text, "\n")))
}

// WorkerTool prints a one-line tool invocation without mirroring it.
func (p *DefaultPrinter) WorkerTool(name, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := "  > " + name
	if detail != "" {
		line += " " + firstLine(detail)
	}
	fmt.Fprintln(p.out, p.st.tool.Render(truncate(line, p.truncateAt)))
}

// Heading prints a section title.
func (p *DefaultPrinter) Heading(title string) {
	p.emit(p.st.heading, title)
}

func (p *DefaultPrinter) emit(style lipgloss.Style, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, style.Render(msg))
	if p.summary != "" {
		// The summary log is best-effort; terminal output already happened.
		_ = appendLine(p.summary, msg)
	}
}

func appendLine(path, msg string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", workflow.Now().Format(time.RFC3339), msg)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
