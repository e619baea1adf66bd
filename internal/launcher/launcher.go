package launcher

import (
	"context"
	"time"

	"github.com/broodlabs/brood/internal/errqueue"
)

// Log sources attached to entries emitted by worker handles.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry is a single line captured from a worker's output streams.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Source    string
	Level     string
}

// WorkerSpec describes one worker process to launch.
type WorkerSpec struct {
	// Name identifies the worker in logs and events, e.g. "worker-3".
	Name string

	// Index is the worker's position in the pool, passed to the child via
	// the environment.
	Index int

	// Command is the argv to execute. Args are appended to it.
	Command []string
	Args    []string

	Env     map[string]string
	Workdir string

	// Image selects the container image for launchers that need one.
	Image string

	// Daemon ties the worker's lifetime to the parent where the platform
	// supports it.
	Daemon bool

	// StopGrace bounds the window between the graceful stop signal and a
	// forced kill.
	StopGrace time.Duration
}

// Handle represents a single running worker.
type Handle interface {
	// Pid returns the worker's OS process identifier, or -1 when the
	// launcher does not expose one.
	Pid() int

	// Wait blocks until the worker exits, returning a non-nil error for
	// abnormal termination. Safe to call once.
	Wait(ctx context.Context) error

	// Failure exposes the worker's error queue. The channel delivers at
	// most one report and closes once no report can arrive.
	Failure() <-chan errqueue.Report

	// Logs returns a channel of captured output lines, closed after the
	// worker has exited and its streams are drained.
	Logs() <-chan LogEntry

	// Stop terminates the worker gracefully, escalating after the stop
	// grace period. Implementations must be idempotent.
	Stop(ctx context.Context) error

	// Kill terminates the worker immediately.
	Kill(ctx context.Context) error
}

// Launcher is a start-method backend capable of launching workers.
type Launcher interface {
	Start(ctx context.Context, spec WorkerSpec) (Handle, error)
}

// Registry maps start-method names to their launcher implementations.
type Registry map[string]Launcher

// Clone returns a shallow copy of the registry, allowing callers to avoid
// accidental mutation of shared maps.
func (r Registry) Clone() Registry {
	dup := make(Registry, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}

// Names returns the registered start-method names in map order.
func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	return out
}
