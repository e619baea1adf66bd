package exec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"github.com/broodlabs/brood/internal/errqueue"
	"github.com/broodlabs/brood/internal/launcher"
)

const defaultStopGrace = 2 * time.Second

type launcherImpl struct{}

// New constructs a launcher that runs workers as local child processes.
func New() launcher.Launcher {
	return &launcherImpl{}
}

func init() {
	launcher.Register("spawn", New)
}

func (l *launcherImpl) Start(ctx context.Context, spec launcher.WorkerSpec) (launcher.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("worker %s requires a command", spec.Name)
	}

	argv := append(append([]string(nil), spec.Command...), spec.Args...)

	queue, err := errqueue.New()
	if err != nil {
		return nil, err
	}

	cmd := osexec.Command(argv[0], argv[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, fmt.Sprintf("%s=%d", errqueue.EnvIndex, spec.Index))
	// The queue's write end is the first entry in ExtraFiles, so the child
	// sees it as descriptor 3.
	env = append(env, fmt.Sprintf("%s=%d", errqueue.EnvFD, 3))
	cmd.Env = env
	cmd.ExtraFiles = []*os.File{queue.WriterFile()}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("worker %s stdout: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("worker %s stderr: %w", spec.Name, err)
	}

	configureSysProcAttr(cmd, spec.Daemon)

	if err := cmd.Start(); err != nil {
		queue.Close()
		return nil, fmt.Errorf("start worker %s: %w", spec.Name, err)
	}
	queue.CloseWriter()

	grace := spec.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	h := &execHandle{
		name:     spec.Name,
		cmd:      cmd,
		queue:    queue,
		logs:     make(chan launcher.LogEntry, 64),
		waitDone: make(chan struct{}),
		grace:    grace,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.streamLogs(stdout, launcher.LogSourceStdout, &wg)
	go h.streamLogs(stderr, launcher.LogSourceStderr, &wg)
	go func() {
		// Wait closes the pipes, so both streams must hit EOF first.
		wg.Wait()
		close(h.logs)
		h.waitErr = exitError(spec.Name, cmd.Wait())
		close(h.waitDone)
	}()

	return h, nil
}

type execHandle struct {
	name  string
	cmd   *osexec.Cmd
	queue *errqueue.Queue
	logs  chan launcher.LogEntry
	grace time.Duration

	waitDone chan struct{}
	waitErr  error
}

func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.waitDone:
		return h.waitErr
	}
}

func (h *execHandle) Failure() <-chan errqueue.Report {
	return h.queue.Reports()
}

func (h *execHandle) Logs() <-chan launcher.LogEntry {
	return h.logs
}

func (h *execHandle) exited() bool {
	select {
	case <-h.waitDone:
		return true
	default:
		return false
	}
}

func (h *execHandle) streamLogs(r io.Reader, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		entry := launcher.LogEntry{Message: line, Source: source}
		if source == launcher.LogSourceStderr {
			entry.Level = "warn"
		}
		h.logs <- entry
	}
}
