// Parses the headless AI CLI's stream-json NDJSON output into logstream.LogEntry
// records for the Log Stream, and extracts the terminal result record,
// adapted from the teacher's cli_stream_parser.go (engine package) NDJSON
// event shape.
package agentrunner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/adwrun/adw/internal/logstream"
)

// streamEvent is a single NDJSON line from `claude --output-format
// stream-json --verbose`.
type streamEvent struct {
	Type         string          `json:"type"`
	Message      *streamMessage  `json:"message,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Error        string          `json:"error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	raw          json.RawMessage `json:"-"`
}

type streamMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func parseStreamLine(line []byte) (*streamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	ev.raw = append(json.RawMessage(nil), line...)
	return &ev, nil
}

func (ev *streamEvent) messageText() string {
	if ev.Message == nil {
		return ""
	}
	var buf bytes.Buffer
	for _, part := range ev.Message.Content {
		if part.Type == "text" && part.Text != "" {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(part.Text)
		}
	}
	return buf.String()
}

// TailResult is what tailStream accumulates after reading an NDJSON
// stream to EOF: the final result record (if any) plus every logstream.LogEntry
// produced along the way.
type TailResult struct {
	Entries      []logstream.LogEntry
	FinalOutput  string
	FinalIsError bool
	HasResult    bool
	TotalCostUSD float64
}

// tailStream reads NDJSON lines from r, emitting a logstream.LogEntry per line and
// tracking the final `type: result` record (§4.5 steps 2 and 4). It runs
// until r returns EOF, matching the teacher's parseCLIOutputStream
// goroutine contract.
func tailStream(runID, phase string, r io.Reader, sink func(logstream.LogEntry)) TailResult {
	var result TailResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := parseStreamLine(line)
		if err != nil || ev == nil {
			continue
		}
		entry := logstream.LogEntry{
			RunID:     runID,
			Phase:     phase,
			Timestamp: time.Now().UTC(),
			Level:     levelFor(ev),
			Message:   messageFor(ev),
			Raw:       ev.raw,
		}
		result.Entries = append(result.Entries, entry)
		if sink != nil {
			sink(entry)
		}
		if ev.Type == "result" {
			result.HasResult = true
			result.FinalOutput = ev.Result
			result.FinalIsError = ev.IsError || ev.Error != ""
			result.TotalCostUSD = ev.TotalCostUSD
		}
	}
	return result
}

func levelFor(ev *streamEvent) logstream.LogLevel {
	if ev.Type == "result" && (ev.IsError || ev.Error != "") {
		return logstream.LevelError
	}
	return logstream.LevelInfo
}

func messageFor(ev *streamEvent) string {
	if ev.Type == "result" {
		if ev.Error != "" {
			return ev.Error
		}
		return ev.Result
	}
	if text := ev.messageText(); text != "" {
		return text
	}
	return ev.Type
}
