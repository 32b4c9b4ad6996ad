// Package claude runs steps through the Claude CLI and interprets its output.
//
// This package spawns Claude as a subprocess in stream-json mode, parses each
// output line into an [Event], and condenses the stream into a [Result]
// carrying exit status, token and cost metrics, and the final response text.
//
// Key types:
//   - [Executor]: Interface for running one worker invocation
//   - [Parser]: Interface for parsing streaming JSON output
//   - [Event]: Parsed event with convenience methods for common checks
//   - [Result]: Outcome of a single invocation
//
// For testing, use [MockExecutor] which implements [Executor] without spawning
// real processes.
package claude

// StreamEvent represents a raw JSON event from Claude's streaming output.
//
// This is the low-level structure that maps directly to Claude's stream-json
// format. Result events additionally carry session metrics.
type StreamEvent struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	Model         string          `json:"model,omitempty"`
	Message       *MessageContent `json:"message,omitempty"`
	ToolUseResult *ToolResult     `json:"tool_use_result,omitempty"`

	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Usage reports token consumption for a session.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageContent represents the content of a message in Claude's streaming output.
type MessageContent struct {
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock represents a single block of content within a [MessageContent].
//
// The Type field indicates the kind of content:
//   - "text": Contains text output in the Text field
//   - "tool_use": Contains a tool invocation with Name and Input fields
type ContentBlock struct {
	Type  string     `json:"type"`
	Text  string     `json:"text,omitempty"`
	Name  string     `json:"name,omitempty"`
	Input *ToolInput `json:"input,omitempty"`
}

// ToolInput represents the input parameters for a tool invocation.
// Which fields are populated depends on the specific tool.
type ToolInput struct {
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// EventType represents the type of event received from Claude's streaming output.
//
// Events flow through the stream in a typical order: system (init), then alternating
// assistant and user events, and finally a result event when the session completes.
type EventType string

const (
	// EventTypeSystem indicates a system event, typically session initialization.
	EventTypeSystem EventType = "system"

	// EventTypeAssistant indicates output from Claude, either text or tool invocations.
	EventTypeAssistant EventType = "assistant"

	// EventTypeUser indicates tool execution results returned to Claude.
	EventTypeUser EventType = "user"

	// EventTypeResult indicates the session has completed.
	EventTypeResult EventType = "result"
)

// SubtypeInit is the subtype value for system initialization events.
const SubtypeInit = "init"

// SubtypeSuccess is the result subtype of a session that finished normally.
const SubtypeSuccess = "success"

// Event is a parsed event from Claude's streaming output.
//
// Event wraps the raw [StreamEvent] and extracts commonly needed fields into
// top-level properties. It is created by [NewEventFromStream] and emitted by
// [Parser.Parse].
type Event struct {
	// Raw provides access to the original [StreamEvent].
	Raw *StreamEvent

	// Type is the event category (system, assistant, user, result).
	Type EventType

	// Subtype refines Type: "init" for system events, the completion
	// status such as "success" or "error_max_turns" for result events.
	Subtype string

	// Text holds the last text block of an assistant message.
	Text string

	// ToolName is the tool invoked by an assistant message, e.g. "Bash" or "Edit".
	ToolName string

	// ToolDescription, ToolCommand and ToolFilePath come from the tool input;
	// which one is set depends on the tool.
	ToolDescription string
	ToolCommand     string
	ToolFilePath    string

	// ToolStdout and ToolStderr carry a tool's output on user events.
	ToolStdout string
	ToolStderr string

	// ToolInterrupted is true when the tool execution was cut short.
	ToolInterrupted bool

	// SessionStarted is true for system init events.
	SessionStarted bool
	Model          string

	// SessionComplete is true for result events; the fields below are only
	// populated then.
	SessionComplete bool
	IsError         bool
	ResultText      string
	NumTurns        int
	CostUSD         float64
	InputTokens     int
	OutputTokens    int
}

// NewEventFromStream creates an [Event] from a raw [StreamEvent].
func NewEventFromStream(raw *StreamEvent) Event {
	e := Event{
		Raw:     raw,
		Type:    EventType(raw.Type),
		Subtype: raw.Subtype,
	}

	switch e.Type {
	case EventTypeSystem:
		if raw.Subtype == SubtypeInit {
			e.SessionStarted = true
			e.Model = raw.Model
		}

	case EventTypeAssistant:
		if raw.Message != nil {
			for _, block := range raw.Message.Content {
				switch block.Type {
				case "text":
					e.Text = block.Text
				case "tool_use":
					e.ToolName = block.Name
					if block.Input != nil {
						e.ToolDescription = block.Input.Description
						e.ToolCommand = block.Input.Command
						e.ToolFilePath = block.Input.FilePath
					}
				}
			}
		}

	case EventTypeUser:
		if raw.ToolUseResult != nil {
			e.ToolStdout = raw.ToolUseResult.Stdout
			e.ToolStderr = raw.ToolUseResult.Stderr
			e.ToolInterrupted = raw.ToolUseResult.Interrupted
		}

	case EventTypeResult:
		e.SessionComplete = true
		e.IsError = raw.IsError
		e.ResultText = raw.Result
		e.NumTurns = raw.NumTurns
		e.CostUSD = raw.TotalCostUSD
		if raw.Usage != nil {
			e.InputTokens = raw.Usage.InputTokens
			e.OutputTokens = raw.Usage.OutputTokens
		}
	}

	return e
}

// ToolDetail returns the most descriptive tool input of a tool-use event:
// its description, else the command, else the file path.
func (e Event) ToolDetail() string {
	for _, s := range []string{e.ToolDescription, e.ToolCommand, e.ToolFilePath} {
		if s != "" {
			return s
		}
	}
	return ""
}

// IsText returns true if this event contains text content from Claude.
func (e Event) IsText() bool {
	return e.Type == EventTypeAssistant && e.Text != ""
}

// IsToolUse returns true if this event represents a tool invocation by Claude.
func (e Event) IsToolUse() bool {
	return e.Type == EventTypeAssistant && e.ToolName != ""
}

// IsToolResult returns true if this event contains output from a tool execution.
func (e Event) IsToolResult() bool {
	return e.Type == EventTypeUser && (e.ToolStdout != "" || e.ToolStderr != "")
}
