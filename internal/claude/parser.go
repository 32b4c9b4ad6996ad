package claude

import (
	"bufio"
	"encoding/json"
	"io"
)

// defaultBufferSize is the largest single stream-json line accepted.
const defaultBufferSize = 10 * 1024 * 1024

// Parser parses streaming JSON output from Claude CLI.
//
// Claude's stream-json format writes one complete JSON object per line, each
// a [StreamEvent]. A Parser decodes those lines and converts them to [Event]
// values for the step executor and the verbose printer.
//
// The channel returned by Parse is closed when:
//   - the reader reaches EOF (the worker exited)
//   - the pipe is closed underneath it
//   - a line exceeds the buffer or another read error occurs
//
// Lines that are not JSON, such as npm or Docker warnings interleaved with the
// stream, are skipped.
type Parser interface {
	// Parse reads stream-json from reader and returns a channel of [Event]
	// values. The channel is closed once the reader is exhausted or fails.
	// Empty and unparseable lines produce no event.
	Parse(reader io.Reader) <-chan Event
}

// DefaultParser implements [Parser] for Claude's stream-json format.
//
// It reads lines with a buffered scanner. Tool results can embed whole files,
// so a single line may be megabytes long; BufferSize bounds it.
//
// Use [NewParser] to get the default limit.
type DefaultParser struct {
	// BufferSize is the maximum size in bytes of one JSON line. A longer line
	// stops parsing and closes the channel. Zero or negative means 10MB.
	BufferSize int
}

// NewParser creates a new [DefaultParser] with a 10MB line limit.
func NewParser() *DefaultParser {
	return &DefaultParser{
		BufferSize: defaultBufferSize,
	}
}

// Parse reads streaming JSON from the reader and emits parsed [Event] objects.
//
// Decoding happens in a goroutine that owns the returned channel:
//   - empty lines are skipped
//   - lines that fail to unmarshal are skipped
//   - a scanner error, such as a line over [DefaultParser.BufferSize], ends parsing
//   - EOF closes the channel
//
// Callers must drain the channel; the goroutine blocks on each send.
func (p *DefaultParser) Parse(reader io.Reader) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(reader)

		bufSize := p.BufferSize
		if bufSize <= 0 {
			bufSize = defaultBufferSize
		}
		scanner.Buffer(make([]byte, 0, 1024*1024), bufSize)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var streamEvent StreamEvent
			if err := json.Unmarshal(line, &streamEvent); err != nil {
				// Non-JSON output such as npm warnings
				continue
			}

			events <- NewEventFromStream(&streamEvent)
		}
		// scanner.Err() is ignored: EOF and a closed pipe both end the stream.
	}()

	return events
}

// ParseSingle parses a single JSON line into an [Event].
//
// It is handy in tests and when replaying a step log by hand. Unlike
// [Parser.Parse], it does not skip invalid input: malformed JSON is returned
// as an error.
//
// Example:
//
//	event, err := ParseSingle(`{"type":"result","subtype":"success","total_cost_usd":0.12}`)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(event.Subtype, event.CostUSD) // "success 0.12"
func ParseSingle(line string) (Event, error) {
	var streamEvent StreamEvent
	if err := json.Unmarshal([]byte(line), &streamEvent); err != nil {
		return Event{}, err
	}
	return NewEventFromStream(&streamEvent), nil
}
