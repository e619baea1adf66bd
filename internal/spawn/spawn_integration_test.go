package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	stdruntime "runtime"
	"strings"
	"testing"
	"time"
)

// TestMain doubles as the worker entrypoint: when the pool re-executes the
// test binary with a function name in the environment, Main dispatches to one
// of the functions registered below and never reaches m.Run.
func TestMain(m *testing.M) {
	Register("it-succeed", func(ctx context.Context, index int, args []string) error {
		return nil
	})
	Register("it-echo-args", func(ctx context.Context, index int, args []string) error {
		if len(args) != 2 || args[0] != "alpha" || args[1] != "beta" {
			return fmt.Errorf("unexpected args %v", args)
		}
		return nil
	})
	Register("it-fail-second", func(ctx context.Context, index int, args []string) error {
		if index == 1 {
			return errors.New("shard 1 exploded")
		}
		return nil
	})
	Register("it-panic", func(ctx context.Context, index int, args []string) error {
		panic("integration kaboom")
	})
	Main()
	os.Exit(m.Run())
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("re-exec integration tests skipped on windows")
	}
}

func integrationCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartProcessesRunsRegisteredFunc(t *testing.T) {
	skipOnWindows(t)

	pc, err := StartProcesses(integrationCtx(t), Worker{Func: "it-succeed"}, Options{
		Procs: 2,
		Join:  true,
		Pool:  "it-succeed",
	})
	if err != nil {
		t.Fatalf("StartProcesses returned error: %v", err)
	}
	if len(pc.Pids()) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(pc.Pids()))
	}
}

func TestStartProcessesPassesSharedArgs(t *testing.T) {
	skipOnWindows(t)

	_, err := StartProcesses(integrationCtx(t), Worker{
		Func: "it-echo-args",
		Args: []string{"alpha", "beta"},
	}, Options{
		Procs: 2,
		Join:  true,
		Pool:  "it-args",
	})
	if err != nil {
		t.Fatalf("StartProcesses returned error: %v", err)
	}
}

func TestStartProcessesReportsFailingWorkerIndex(t *testing.T) {
	skipOnWindows(t)

	_, err := StartProcesses(integrationCtx(t), Worker{Func: "it-fail-second"}, Options{
		Procs: 3,
		Join:  true,
		Pool:  "it-fail",
	})
	if err == nil {
		t.Fatalf("expected failure, got nil")
	}

	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WorkerError, got %T: %v", err, err)
	}
	if werr.Index != 1 {
		t.Fatalf("expected worker 1 to fail, got %d", werr.Index)
	}
	if !strings.Contains(err.Error(), "shard 1 exploded") {
		t.Fatalf("expected the worker's message in the error: %v", err)
	}
}

func TestStartProcessesCapturesPanicTraceback(t *testing.T) {
	skipOnWindows(t)

	_, err := StartProcesses(integrationCtx(t), Worker{Func: "it-panic"}, Options{
		Procs: 1,
		Join:  true,
		Pool:  "it-panic",
	})
	if err == nil {
		t.Fatalf("expected failure, got nil")
	}

	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WorkerError, got %T: %v", err, err)
	}
	if !strings.Contains(werr.Message, "panic: integration kaboom") {
		t.Fatalf("expected the panic message, got %q", werr.Message)
	}
	if !strings.Contains(werr.Traceback, "goroutine") {
		t.Fatalf("expected the remote stack in the traceback, got %q", werr.Traceback)
	}
	if !strings.Contains(err.Error(), "goroutine") {
		t.Fatalf("expected the traceback verbatim in the error text: %v", err)
	}
}

func TestStartProcessesUnknownFuncFails(t *testing.T) {
	skipOnWindows(t)

	_, err := StartProcesses(integrationCtx(t), Worker{Func: "it-unregistered"}, Options{
		Procs: 1,
		Join:  true,
		Pool:  "it-unknown",
	})
	if err == nil {
		t.Fatalf("expected failure, got nil")
	}
	if !strings.Contains(err.Error(), "unknown worker function") {
		t.Fatalf("unexpected error: %v", err)
	}
}
