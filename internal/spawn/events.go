package spawn

import (
	"time"

	"github.com/broodlabs/brood/internal/launcher"
)

// EventType captures high level lifecycle notifications emitted while a pool
// of workers runs.
type EventType string

const (
	EventTypeStarting EventType = "starting"
	EventTypeStarted  EventType = "started"
	EventTypeExited   EventType = "exited"
	EventTypeFailed   EventType = "failed"
	EventTypeStopping EventType = "stopping"
	EventTypeStopped  EventType = "stopped"
	EventTypeLog      EventType = "log"
)

// Event represents a single lifecycle or log notification for one worker.
type Event struct {
	Timestamp time.Time
	Pool      string
	Worker    string
	Index     int
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
}

func sendEvent(events chan<- Event, pool, worker string, index int, t EventType, message string, err error) {
	if events == nil {
		return
	}
	events <- Event{
		Timestamp: time.Now(),
		Pool:      pool,
		Worker:    worker,
		Index:     index,
		Type:      t,
		Message:   message,
		Level:     "info",
		Source:    launcher.LogSourceSystem,
		Err:       err,
	}
}
