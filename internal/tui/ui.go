package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/broodlabs/brood/internal/cliutil"
	"github.com/broodlabs/brood/internal/spawn"
)

const (
	tableTitle          = "Workers"
	logsTitle           = "Logs"
	defaultLogRetention = 500
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of log entries retained per worker.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI coordinates the interactive pool status interface backed by tview.
type UI struct {
	app    *tview.Application
	table  *tview.Table
	logs   *tview.TextView
	events chan spawn.Event

	workers map[int]*workerState

	selected    int
	logsPretty  bool
	logsFocused bool
	maxLogs     int

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type workerState struct {
	index     int
	name      string
	firstSeen time.Time
	lastEvent time.Time
	state     spawn.EventType
	message   string

	logs []cliutil.LogRecord
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false)

	ui := &UI{
		app:        app,
		table:      table,
		logs:       logs,
		events:     make(chan spawn.Event, 256),
		workers:    make(map[int]*workerState),
		selected:   -1,
		logsPretty: true,
		maxLogs:    defaultLogRetention,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	app.SetRoot(flex, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where pool events should be delivered.
func (u *UI) EventSink() chan<- spawn.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to
// exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop
// is invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	draining := false
	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			draining = true
			ctxDone = nil
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			if draining {
				continue
			}
			u.applyEvent(evt)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsPretty = !u.logsPretty
	u.renderLogsLocked()
}

func (u *UI) applyEvent(evt spawn.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.mu.Lock()

	state := u.workers[evt.Index]
	if state == nil {
		state = &workerState{index: evt.Index, name: evt.Worker, firstSeen: evt.Timestamp}
		u.workers[evt.Index] = state
	}
	if state.name == "" {
		state.name = evt.Worker
	}
	state.lastEvent = evt.Timestamp

	if evt.Type == spawn.EventTypeLog {
		state.logs = append(state.logs, cliutil.NewLogRecord(evt))
		if len(state.logs) > u.maxLogs {
			state.logs = state.logs[len(state.logs)-u.maxLogs:]
		}
	} else {
		state.state = evt.Type
		if evt.Message != "" {
			state.message = evt.Message
		}
		if evt.Err != nil {
			state.message = evt.Err.Error()
		}
	}

	selected := u.selected
	selectFirst := u.refreshTableLocked()
	renderLogs := evt.Type == spawn.EventTypeLog && evt.Index == selected
	if renderLogs {
		u.renderLogsLocked()
	}
	u.mu.Unlock()

	// Select fires the selection-changed callback, which takes the lock.
	if selectFirst {
		u.table.Select(1, 0)
	}

	u.app.QueueUpdateDraw(func() {})
}

func (u *UI) syncSelection(row int) {
	indexes := u.sortedIndexesLocked()
	idx := row - 1
	if idx < 0 || idx >= len(indexes) {
		u.selected = -1
		return
	}
	u.selected = indexes[idx]
}

func (u *UI) sortedIndexesLocked() []int {
	indexes := make([]int, 0, len(u.workers))
	for idx := range u.workers {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// refreshTableLocked rebuilds the worker table. It reports whether the caller
// should select the first row after releasing the lock.
func (u *UI) refreshTableLocked() bool {
	u.table.Clear()

	headers := []string{"Worker", "Index", "State", "Message", "Last Event"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	for row, idx := range u.sortedIndexesLocked() {
		state := u.workers[idx]
		last := ""
		if !state.lastEvent.IsZero() {
			last = state.lastEvent.Format("15:04:05")
		}
		u.table.SetCell(row+1, 0, tview.NewTableCell(state.name))
		u.table.SetCell(row+1, 1, tview.NewTableCell(strconv.Itoa(state.index)))
		u.table.SetCell(row+1, 2, tview.NewTableCell(stateLabel(state.state)))
		u.table.SetCell(row+1, 3, tview.NewTableCell(state.message))
		u.table.SetCell(row+1, 4, tview.NewTableCell(last))
	}

	if u.selected < 0 {
		if indexes := u.sortedIndexesLocked(); len(indexes) > 0 {
			u.selected = indexes[0]
			return true
		}
	}
	return false
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	state := u.workers[u.selected]
	if state == nil {
		return
	}
	for _, record := range state.logs {
		if u.logsPretty {
			fmt.Fprintf(u.logs, "%s [%s] %s\n", record.Timestamp.Format("15:04:05.000"), record.Level, record.Message)
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func stateLabel(t spawn.EventType) string {
	if t == "" {
		return "pending"
	}
	return string(t)
}
