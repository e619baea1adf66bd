// Package spawn starts pools of worker processes and tracks their
// completion. Each worker runs a user-supplied function (re-executed through
// the current binary) or an explicit command, receives its pool index and the
// shared arguments, and reports unhandled failures through a dedicated error
// queue. The first failure wins: it is surfaced to the caller with the worker
// index and the remote traceback, and sibling workers are left untouched.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/broodlabs/brood/internal/launcher"
	"github.com/broodlabs/brood/internal/metrics"

	// The default registry always carries the spawn start method.
	_ "github.com/broodlabs/brood/internal/launcher/exec"
)

const (
	// DefaultStartMethod is the process-creation strategy used when none is
	// requested: a fresh process image, never a fork.
	DefaultStartMethod = "spawn"

	defaultPollInterval = 100 * time.Millisecond
	launchStopTimeout   = 5 * time.Second
)

// Worker describes what every spawned process runs.
type Worker struct {
	// Func names a function registered with Register. The worker re-executes
	// the current binary to run it. Mutually exclusive with Command.
	Func string

	// Command is an explicit argv to execute instead of a registered
	// function.
	Command []string

	// Args are the shared arguments appended for every worker.
	Args []string

	Env     map[string]string
	Workdir string

	// Image selects the container image for the docker start method.
	Image string

	// StopGrace bounds graceful termination when Stop is called.
	StopGrace time.Duration
}

func (w Worker) resolve() ([]string, map[string]string, error) {
	switch {
	case w.Func != "" && len(w.Command) > 0:
		return nil, nil, errors.New("worker defines both a function and a command")
	case w.Func != "":
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		env := make(map[string]string, len(w.Env)+1)
		for k, v := range w.Env {
			env[k] = v
		}
		env[EnvFunc] = w.Func
		return []string{exe}, env, nil
	case len(w.Command) > 0:
		return w.Command, w.Env, nil
	default:
		return nil, nil, errors.New("worker requires a function or a command")
	}
}

// Options controls how a pool of workers is launched.
type Options struct {
	// Procs is the worker count. Defaults to 1.
	Procs int

	// Join makes StartProcesses block until the pool completes, returning
	// the first failure. When false the caller drives ProcessContext.Join.
	Join bool

	// Daemon ties worker lifetimes to the parent where supported.
	Daemon bool

	// StartMethod selects the process-creation strategy by name. Defaults
	// to DefaultStartMethod.
	StartMethod string

	// Pool names the pool in events and metrics.
	Pool string

	// PollInterval bounds each Join round.
	PollInterval time.Duration

	// Events receives lifecycle and log notifications when non-nil.
	Events chan<- Event

	// Registry overrides the launcher registry, primarily for tests.
	Registry launcher.Registry
}

// StartProcesses launches opts.Procs workers, each invoked with its index,
// the shared arguments and its own error queue. When opts.Join is set it
// waits for the pool to finish and returns the first worker failure;
// otherwise it returns immediately with a ProcessContext for the caller to
// poll.
func StartProcesses(ctx context.Context, worker Worker, opts Options) (*ProcessContext, error) {
	procs := opts.Procs
	if procs <= 0 {
		procs = 1
	}
	method := opts.StartMethod
	if method == "" {
		method = DefaultStartMethod
	}
	if method == "fork" {
		return nil, errors.New("start method fork is not supported; use spawn")
	}

	reg := opts.Registry
	if reg == nil {
		reg = launcher.NewRegistry()
	}
	backend, ok := reg[method]
	if !ok {
		names := reg.Names()
		sort.Strings(names)
		return nil, fmt.Errorf("unknown start method %q (supported: %s)", method, strings.Join(names, ", "))
	}

	command, env, err := worker.resolve()
	if err != nil {
		return nil, err
	}

	pool := opts.Pool
	if pool == "" {
		pool = "brood"
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	pc := &ProcessContext{
		pool:    pool,
		runID:   uuid.NewString(),
		events:  opts.Events,
		poll:    poll,
		results: make(chan workerResult, procs),
		started: time.Now(),
	}

	for i := 0; i < procs; i++ {
		spec := launcher.WorkerSpec{
			Name:      workerName(i),
			Index:     i,
			Command:   command,
			Args:      worker.Args,
			Env:       env,
			Workdir:   worker.Workdir,
			Image:     worker.Image,
			Daemon:    opts.Daemon,
			StopGrace: worker.StopGrace,
		}
		sendEvent(opts.Events, pool, spec.Name, i, EventTypeStarting, "starting worker", nil)
		h, err := backend.Start(ctx, spec)
		if err != nil {
			cleanupLaunched(pc)
			return nil, fmt.Errorf("start worker %d: %w", i, err)
		}
		pc.handles = append(pc.handles, h)
		pc.queues = append(pc.queues, h.Failure())
		sendEvent(opts.Events, pool, spec.Name, i, EventTypeStarted, "worker started", nil)
	}

	pc.remaining = len(pc.handles)
	metrics.SetWorkersRunning(pool, pc.remaining)
	for i, h := range pc.handles {
		pc.watch(i, h)
	}

	if opts.Join {
		if err := pc.Wait(ctx); err != nil {
			return pc, err
		}
	}
	return pc, nil
}

// Spawn is the legacy entrypoint. It behaves exactly like StartProcesses
// with the start method fixed to "spawn".
func Spawn(ctx context.Context, worker Worker, opts Options) (*ProcessContext, error) {
	opts.StartMethod = DefaultStartMethod
	return StartProcesses(ctx, worker, opts)
}

func cleanupLaunched(pc *ProcessContext) {
	if len(pc.handles) == 0 {
		return
	}
	// Nothing will consume these workers' output; discard it so the stream
	// goroutines behind each handle can finish.
	for _, h := range pc.handles {
		if logs := h.Logs(); logs != nil {
			go func(logs <-chan launcher.LogEntry) {
				for range logs {
				}
			}(logs)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), launchStopTimeout)
	defer cancel()
	for i := len(pc.handles) - 1; i >= 0; i-- {
		_ = pc.handles[i].Stop(ctx)
	}
}
