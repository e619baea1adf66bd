package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/broodlabs/brood/internal/launcher"
	"github.com/broodlabs/brood/internal/spawn"
)

// LogRecord represents a structured log event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Pool      string    `json:"pool,omitempty"`
	Worker    string    `json:"worker"`
	Index     int       `json:"index"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
}

// NewLogRecord converts a spawn event into a structured log record.
func NewLogRecord(event spawn.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = launcher.LogSourceSystem
	}
	message := event.Message
	if event.Err != nil {
		message = fmt.Sprintf("%s: %v", message, event.Err)
	}
	return LogRecord{
		Timestamp: event.Timestamp,
		Pool:      event.Pool,
		Worker:    event.Worker,
		Index:     event.Index,
		Level:     level,
		Message:   message,
		Source:    source,
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes a log event to JSON, reporting errors to stderr if
// needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event spawn.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatEventPretty renders an event as a human-readable line for terminal
// output.
func FormatEventPretty(event spawn.Event) string {
	record := NewLogRecord(event)
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s %-5s %s %s", ts.Format("15:04:05.000"), record.Level, record.Worker, record.Message)
}
