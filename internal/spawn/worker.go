package spawn

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/broodlabs/brood/internal/errqueue"
)

// EnvFunc names the registered worker function a child process should run.
const EnvFunc = "BROOD_WORKER_FUNC"

// Func is a worker entrypoint executed in a child process. It receives the
// worker's index within the pool and the shared arguments.
type Func func(ctx context.Context, index int, args []string) error

var (
	funcsMu sync.RWMutex
	funcs   = make(map[string]Func)
)

// Register associates a worker function with a name so StartProcesses can
// re-execute the current binary to run it. When multiple functions register
// the same name the most recent registration wins.
func Register(name string, fn Func) {
	if name == "" {
		panic("spawn.Register: name must not be empty")
	}
	if fn == nil {
		panic("spawn.Register: fn must not be nil")
	}
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[name] = fn
}

func lookupFunc(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Main dispatches worker execution when the current process was spawned as a
// child by StartProcesses. It must be called at the top of main(), after all
// Register calls. In the parent process it returns immediately; in a worker
// it runs the function and exits, posting any failure to the worker's error
// queue first.
func Main() {
	name := os.Getenv(EnvFunc)
	if name == "" {
		return
	}
	index, _ := errqueue.Index()

	fn, ok := lookupFunc(name)
	if !ok {
		_ = errqueue.Post(errqueue.Report{
			Index:   index,
			Message: fmt.Sprintf("unknown worker function %q", name),
		})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runWorker(ctx, fn, index, os.Args[1:])
	stop()
	if err != nil {
		_ = errqueue.Post(errqueue.Report{
			Index:     index,
			Message:   err.Error(),
			Traceback: tracebackOf(err),
		})
		os.Exit(1)
	}
	os.Exit(0)
}

func runWorker(ctx context.Context, fn Func, index int, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx, index, args)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func tracebackOf(err error) string {
	if pe, ok := err.(*panicError); ok {
		return string(pe.stack)
	}
	return ""
}
