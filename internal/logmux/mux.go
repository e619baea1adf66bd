// Package logmux fans in log events from multiple workers and delivers them
// via a bounded channel. When downstream consumers cannot keep up and the
// output buffer would overflow, the mux drops log records and emits a
// synthesized warning event to surface the number of discarded entries.
package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/broodlabs/brood/internal/launcher"
	"github.com/broodlabs/brood/internal/spawn"
)

// Mux multiplexes worker log events.
type Mux struct {
	out chan spawn.Event

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan spawn.Event, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan spawn.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed. Log events are droppable under backpressure;
// lifecycle events are always delivered.
func (m *Mux) Add(source <-chan spawn.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != spawn.EventTypeLog {
				m.out <- evt
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt spawn.Event) {
	if !m.flushPending(evt.Worker, evt.Index) {
		m.recordDrop(evt.Worker, 1)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Worker, 1)
}

func (m *Mux) flushPending(worker string, index int) bool {
	for {
		count := m.takeDrops(worker)
		if count == 0 {
			return true
		}
		meta := synthesizeDropEvent(worker, index, count)
		if m.trySend(meta) {
			continue
		}
		m.recordDrop(worker, count)
		return false
	}
}

func (m *Mux) takeDrops(worker string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[worker]
	if count != 0 {
		delete(m.drops, worker)
	}
	return count
}

func (m *Mux) recordDrop(worker string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[worker] += count
}

func (m *Mux) flushDrops() {
	pending := m.collectDrops()
	for worker, count := range pending {
		m.out <- synthesizeDropEvent(worker, -1, count)
	}
}

func (m *Mux) collectDrops() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]int, len(m.drops))
	for worker, count := range m.drops {
		if count == 0 {
			continue
		}
		dup[worker] = count
	}
	m.drops = make(map[string]int)
	return dup
}

func (m *Mux) trySend(evt spawn.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt spawn.Event) spawn.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = launcher.LogSourceStdout
	}
	if evt.Level == "" {
		if evt.Source == launcher.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(worker string, index, count int) spawn.Event {
	return spawn.Event{
		Timestamp: time.Now(),
		Worker:    worker,
		Index:     index,
		Type:      spawn.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    launcher.LogSourceSystem,
	}
}
