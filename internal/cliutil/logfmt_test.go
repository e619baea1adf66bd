package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/broodlabs/brood/internal/launcher"
	"github.com/broodlabs/brood/internal/spawn"
)

func TestNewLogRecordInfersLevel(t *testing.T) {
	tests := []struct {
		name  string
		event spawn.Event
		want  string
	}{
		{name: "explicit level wins", event: spawn.Event{Level: "debug", Message: "error in payload"}, want: "debug"},
		{name: "error token", event: spawn.Event{Message: "request ERROR while dialing"}, want: "error"},
		{name: "warn token", event: spawn.Event{Message: "warn: disk almost full"}, want: "warn"},
		{name: "info token", event: spawn.Event{Message: "info listener ready"}, want: "info"},
		{name: "default", event: spawn.Event{Message: "plain line"}, want: "info"},
		{name: "substring does not match", event: spawn.Event{Message: "terror in the logs"}, want: "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := NewLogRecord(tt.event)
			if record.Level != tt.want {
				t.Fatalf("NewLogRecord level = %q, want %q", record.Level, tt.want)
			}
		})
	}
}

func TestNewLogRecordAppendsError(t *testing.T) {
	record := NewLogRecord(spawn.Event{
		Worker:  "worker-2",
		Index:   2,
		Message: "worker failed",
		Err:     errors.New("exit status 1"),
	})
	if record.Message != "worker failed: exit status 1" {
		t.Fatalf("unexpected message %q", record.Message)
	}
	if record.Source != launcher.LogSourceSystem {
		t.Fatalf("expected system source default, got %q", record.Source)
	}
}

func TestEncodeLogEvent(t *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer
	enc := json.NewEncoder(&out)

	EncodeLogEvent(enc, &errOut, spawn.Event{
		Pool:    "demo",
		Worker:  "worker-1",
		Index:   1,
		Type:    spawn.EventTypeLog,
		Message: "hello",
		Level:   "info",
		Source:  launcher.LogSourceStdout,
	})

	if errOut.Len() != 0 {
		t.Fatalf("unexpected stderr output: %q", errOut.String())
	}

	var record LogRecord
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Pool != "demo" || record.Worker != "worker-1" || record.Index != 1 {
		t.Fatalf("unexpected record identity: %+v", record)
	}
	if record.Message != "hello" || record.Level != "info" || record.Source != launcher.LogSourceStdout {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.Timestamp.IsZero() {
		t.Fatalf("expected encoder to stamp the record")
	}
}

func TestFormatEventPretty(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	line := FormatEventPretty(spawn.Event{
		Timestamp: ts,
		Worker:    "worker-3",
		Message:   "crunching shard",
		Level:     "info",
	})
	if !strings.HasPrefix(line, "10:30:00.000") {
		t.Fatalf("expected timestamp prefix, got %q", line)
	}
	if !strings.Contains(line, "worker-3") || !strings.Contains(line, "crunching shard") {
		t.Fatalf("expected worker and message in line, got %q", line)
	}
}
