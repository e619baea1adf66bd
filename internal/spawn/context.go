package spawn

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/broodlabs/brood/internal/errqueue"
	"github.com/broodlabs/brood/internal/launcher"
	"github.com/broodlabs/brood/internal/metrics"
)

// WorkerError is the failure surfaced when a worker exits abnormally. The
// message always names the offending worker index; when the worker posted a
// report to its error queue the remote traceback is embedded verbatim.
type WorkerError struct {
	Index     int
	Message   string
	Traceback string
	Err       error
}

func (e *WorkerError) Error() string {
	switch {
	case e.Traceback != "":
		return fmt.Sprintf("worker %d failed: %s\n\n%s", e.Index, e.Message, e.Traceback)
	case e.Message != "":
		return fmt.Sprintf("worker %d failed: %s", e.Index, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("worker %d failed: %v", e.Index, e.Err)
	default:
		return fmt.Sprintf("worker %d failed", e.Index)
	}
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

type workerResult struct {
	index   int
	report  *errqueue.Report
	waitErr error
}

// ProcessContext tracks the workers launched by StartProcesses. Handles and
// error queues are index-aligned: queues[i] belongs to handles[i]. The parent
// is expected to drive Join from a single goroutine.
type ProcessContext struct {
	pool  string
	runID string

	handles []launcher.Handle
	queues  []<-chan errqueue.Report

	events chan<- Event
	poll   time.Duration

	results   chan workerResult
	remaining int
	failure   error

	started     time.Time
	observeOnce sync.Once

	logWG sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// RunID returns the unique identifier assigned to this pool run.
func (c *ProcessContext) RunID() string {
	return c.runID
}

// Pids returns the worker process identifiers in launch order.
func (c *ProcessContext) Pids() []int {
	pids := make([]int, len(c.handles))
	for i, h := range c.handles {
		pids[i] = h.Pid()
	}
	return pids
}

// watch observes one worker: it forwards log lines to the event sink and
// delivers the worker's terminal result exactly once.
func (c *ProcessContext) watch(index int, h launcher.Handle) {
	if logs := h.Logs(); logs != nil {
		c.logWG.Add(1)
		go c.pumpLogs(index, logs)
	}
	go func() {
		waitErr := h.Wait(context.Background())
		// The report races the exit status; the queue channel closes once
		// no report can arrive, so this read never blocks indefinitely.
		report, ok := <-h.Failure()
		res := workerResult{index: index, waitErr: waitErr}
		if ok {
			res.report = &report
		}
		c.results <- res
	}()
}

// Join polls the workers once, with a bounded timeout for the round. It
// returns true once every worker has exited cleanly and false while any are
// still running. A worker failure is returned as a *WorkerError; the first
// failure wins and sibling workers are left as they are.
func (c *ProcessContext) Join(ctx context.Context) (bool, error) {
	if c.failure != nil {
		return false, c.failure
	}
	if c.remaining == 0 {
		return true, nil
	}

	timer := time.NewTimer(c.poll)
	defer timer.Stop()

	for {
		select {
		case res := <-c.results:
			c.remaining--
			if res.report != nil || res.waitErr != nil {
				c.failure = newWorkerError(res)
				c.observeJoin()
				metrics.AddWorkerFailure(c.pool)
				metrics.SetWorkersRunning(c.pool, c.remaining)
				sendEvent(c.events, c.pool, workerName(res.index), res.index, EventTypeFailed, "worker failed", c.failure)
				return false, c.failure
			}
			metrics.AddWorkerExit(c.pool)
			metrics.SetWorkersRunning(c.pool, c.remaining)
			sendEvent(c.events, c.pool, workerName(res.index), res.index, EventTypeExited, "worker exited", nil)
			if c.remaining == 0 {
				c.observeJoin()
				return true, nil
			}
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Wait drives Join until the pool completes or fails.
func (c *ProcessContext) Wait(ctx context.Context) error {
	for {
		done, err := c.Join(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Stop terminates all workers in reverse launch order. The method is
// idempotent; subsequent calls return the first error that occurred. Stop is
// never invoked implicitly on worker failure.
func (c *ProcessContext) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		var firstErr error
		for i := len(c.handles) - 1; i >= 0; i-- {
			sendEvent(c.events, c.pool, workerName(i), i, EventTypeStopping, "stopping worker", nil)
			if err := c.handles[i].Stop(ctx); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("stop worker %d: %w", i, err)
				}
				continue
			}
			sendEvent(c.events, c.pool, workerName(i), i, EventTypeStopped, "worker stopped", nil)
		}
		c.stopErr = firstErr
	})
	return c.stopErr
}

// DrainLogs blocks until every worker's log stream has been consumed. Useful
// before closing the event sink.
func (c *ProcessContext) DrainLogs() {
	c.logWG.Wait()
}

func (c *ProcessContext) observeJoin() {
	c.observeOnce.Do(func() {
		metrics.ObserveJoinDuration(c.pool, time.Since(c.started))
	})
}

func (c *ProcessContext) pumpLogs(index int, logs <-chan launcher.LogEntry) {
	defer c.logWG.Done()
	var dropped int
	for entry := range logs {
		if entry.Message == "" {
			continue
		}
		if dropped > 0 {
			if !c.emitLog(synthesizeDropEvent(c.pool, index, dropped)) {
				dropped++
				continue
			}
			dropped = 0
		}
		if !c.emitLog(c.normalizeLog(index, entry)) {
			dropped++
		}
	}
	if dropped > 0 {
		c.emitLog(synthesizeDropEvent(c.pool, index, dropped))
	}
}

func (c *ProcessContext) normalizeLog(index int, entry launcher.LogEntry) Event {
	level := entry.Level
	source := entry.Source
	if source == "" {
		source = launcher.LogSourceStdout
	}
	if level == "" {
		if source == launcher.LogSourceStderr {
			level = "warn"
		} else {
			level = "info"
		}
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Timestamp: ts,
		Pool:      c.pool,
		Worker:    workerName(index),
		Index:     index,
		Type:      EventTypeLog,
		Message:   entry.Message,
		Level:     level,
		Source:    source,
	}
}

func (c *ProcessContext) emitLog(evt Event) bool {
	if c.events == nil {
		return true
	}
	select {
	case c.events <- evt:
		return true
	default:
		return false
	}
}

func synthesizeDropEvent(pool string, index, count int) Event {
	return Event{
		Timestamp: time.Now(),
		Pool:      pool,
		Worker:    workerName(index),
		Index:     index,
		Type:      EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    launcher.LogSourceSystem,
	}
}

func newWorkerError(res workerResult) *WorkerError {
	if res.report != nil {
		return &WorkerError{
			Index:     res.index,
			Message:   res.report.Message,
			Traceback: res.report.Traceback,
		}
	}
	return &WorkerError{Index: res.index, Err: res.waitErr}
}

func workerName(index int) string {
	return fmt.Sprintf("worker-%d", index)
}

// SpawnContext wraps ProcessContext for callers of the legacy Spawn surface.
// Behaviour is identical to the embedded context.
//
// Deprecated: use ProcessContext directly.
type SpawnContext struct {
	*ProcessContext
}

var deprecationWarnf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

// NewSpawnContext wraps an existing ProcessContext, emitting a deprecation
// warning.
//
// Deprecated: use the ProcessContext returned by StartProcesses.
func NewSpawnContext(pc *ProcessContext) *SpawnContext {
	deprecationWarnf("SpawnContext is deprecated, use ProcessContext instead")
	return &SpawnContext{ProcessContext: pc}
}
