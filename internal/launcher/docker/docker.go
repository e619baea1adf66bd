package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/broodlabs/brood/internal/errqueue"
	"github.com/broodlabs/brood/internal/launcher"
)

// scratchMount is where the worker's error-queue scratch directory appears
// inside the container.
const scratchMount = "/run/brood"

type launcherImpl struct {
	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// New returns a Docker backed launcher that runs each worker in its own
// container.
func New() launcher.Launcher {
	return &launcherImpl{}
}

func init() {
	launcher.Register("docker", func() launcher.Launcher { return New() })
}

func (l *launcherImpl) getClient() (*client.Client, error) {
	l.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			l.clientErr = err
			return
		}
		l.client = cli
	})
	return l.client, l.clientErr
}

func (l *launcherImpl) Start(ctx context.Context, spec launcher.WorkerSpec) (launcher.Handle, error) {
	cli, err := l.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("worker %s requires an image", spec.Name)
	}

	if err := ensureImage(ctx, cli, spec.Image); err != nil {
		return nil, err
	}

	scratchDir, err := os.MkdirTemp("", "brood-worker-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	containerCfg, hostCfg := buildConfigs(spec, scratchDir)

	createResp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		os.RemoveAll(scratchDir)
		return nil, fmt.Errorf("container create: %w", err)
	}
	containerID := createResp.ID

	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		os.RemoveAll(scratchDir)
		return nil, fmt.Errorf("container start: %w", err)
	}

	grace := spec.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	h := newDockerHandle(cli, containerID, spec, scratchDir, grace)
	h.startLogStreamer()
	h.startWaiter()
	return h, nil
}

type dockerHandle struct {
	cli         *client.Client
	containerID string
	name        string
	scratchDir  string
	grace       time.Duration

	queue *errqueue.Queue

	logs    chan launcher.LogEntry
	logCtx  context.Context
	logStop context.CancelFunc
	logOnce sync.Once
	logDone chan struct{}

	waitOnce   sync.Once
	waitDone   chan struct{}
	waitResult waitOutcome

	stopOnce sync.Once
	stopErr  error
}

type waitOutcome struct {
	status container.WaitResponse
	err    error
}

func newDockerHandle(cli *client.Client, id string, spec launcher.WorkerSpec, scratchDir string, grace time.Duration) *dockerHandle {
	logCtx, logCancel := context.WithCancel(context.Background())
	return &dockerHandle{
		cli:         cli,
		containerID: id,
		name:        spec.Name,
		scratchDir:  scratchDir,
		grace:       grace,
		queue:       errqueue.NewFile(errqueue.FilePath(scratchDir, spec.Index), 0),
		logs:        make(chan launcher.LogEntry, 128),
		logCtx:      logCtx,
		logStop:     logCancel,
		logDone:     make(chan struct{}),
		waitDone:    make(chan struct{}),
	}
}

func (h *dockerHandle) startLogStreamer() {
	h.logOnce.Do(func() {
		go func() {
			defer close(h.logs)
			defer close(h.logDone)
			reader, err := h.cli.ContainerLogs(h.logCtx, h.containerID, types.ContainerLogsOptions{
				ShowStdout: true,
				ShowStderr: true,
				Follow:     true,
				Tail:       "all",
			})
			if err != nil {
				return
			}
			defer reader.Close()

			stdout := newLogWriter(h.logCtx, h.logs, launcher.LogSourceStdout, "")
			stderr := newLogWriter(h.logCtx, h.logs, launcher.LogSourceStderr, "warn")
			_, _ = stdcopy.StdCopy(stdout, stderr, reader)
			stdout.Close()
			stderr.Close()
		}()
	})
}

func (h *dockerHandle) startWaiter() {
	go func() {
		statusCh, errCh := h.cli.ContainerWait(context.Background(), h.containerID, container.WaitConditionNextExit)
		var outcome waitOutcome
		select {
		case err := <-errCh:
			if err != nil {
				outcome.err = err
			}
		case resp := <-statusCh:
			outcome.status = resp
		}
		h.setWaitOutcome(outcome)
	}()
}

func (h *dockerHandle) setWaitOutcome(outcome waitOutcome) {
	h.waitOnce.Do(func() {
		h.waitResult = outcome
		// The container is gone; give the queue its final decode pass and
		// release the scratch directory.
		h.queue.Close()
		os.RemoveAll(h.scratchDir)
		close(h.waitDone)
	})
}

func (h *dockerHandle) Pid() int {
	return -1
}

func (h *dockerHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.waitDone:
		return h.exitError()
	}
}

func (h *dockerHandle) exitError() error {
	outcome := h.waitResult
	if outcome.err != nil {
		return fmt.Errorf("wait worker %s: %w", h.name, outcome.err)
	}
	if outcome.status.Error != nil {
		return errors.New(outcome.status.Error.Message)
	}
	if outcome.status.StatusCode != 0 {
		return fmt.Errorf("worker %s exited with status %d", h.name, outcome.status.StatusCode)
	}
	return nil
}

func (h *dockerHandle) Failure() <-chan errqueue.Report {
	return h.queue.Reports()
}

func (h *dockerHandle) Logs() <-chan launcher.LogEntry {
	return h.logs
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		defer h.shutdownStreams()
		sec := int(h.grace.Seconds())
		opts := container.StopOptions{Timeout: &sec}
		err := h.cli.ContainerStop(ctx, h.containerID, opts)
		if err != nil {
			if client.IsErrNotFound(err) {
				h.stopErr = nil
				return
			}
			killErr := h.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
			if killErr != nil && !client.IsErrNotFound(killErr) {
				h.stopErr = fmt.Errorf("container stop: %v; kill: %w", err, killErr)
				return
			}
			h.stopErr = err
			return
		}
		h.stopErr = nil
	})
	return h.stopErr
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	err := h.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container kill: %w", err)
	}
	return nil
}

func (h *dockerHandle) shutdownStreams() {
	if h.logStop != nil {
		h.logStop()
	}
	<-h.logDone
}

type logWriter struct {
	ctx    context.Context
	ch     chan<- launcher.LogEntry
	source string
	level  string
	buf    bytes.Buffer
	mu     sync.Mutex
}

func newLogWriter(ctx context.Context, ch chan<- launcher.LogEntry, source, level string) *logWriter {
	return &logWriter{ctx: ctx, ch: ch, source: source, level: level}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	reader := bufio.NewReader(bytes.NewReader(p))
	for {
		segment, err := reader.ReadBytes('\n')
		if len(segment) > 0 {
			if segment[len(segment)-1] == '\n' {
				w.buf.Write(segment[:len(segment)-1])
				w.emit(w.buf.String())
				w.buf.Reset()
			} else {
				w.buf.Write(segment)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}
	return total, nil
}

func (w *logWriter) emit(line string) {
	if line == "" {
		return
	}
	select {
	case w.ch <- launcher.LogEntry{Message: line, Source: w.source, Level: w.level}:
	case <-w.ctx.Done():
	}
}

func (w *logWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}

func ensureImage(ctx context.Context, cli *client.Client, imageName string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func buildConfigs(spec launcher.WorkerSpec, scratchDir string) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	env = append(env,
		fmt.Sprintf("%s=%d", errqueue.EnvIndex, spec.Index),
		fmt.Sprintf("%s=%s", errqueue.EnvFile, errqueue.FilePath(scratchMount, spec.Index)),
	)

	argv := append(append([]string(nil), spec.Command...), spec.Args...)

	config := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Cmd:        strslice.StrSlice(argv),
		WorkingDir: spec.Workdir,
	}
	host := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", scratchDir, scratchMount)},
	}
	return config, host
}
