//go:build !windows

package exec

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

func (h *execHandle) Stop(ctx context.Context) error {
	return h.terminate(ctx, false)
}

func (h *execHandle) Kill(ctx context.Context) error {
	return h.terminate(ctx, true)
}

func (h *execHandle) terminate(ctx context.Context, force bool) error {
	if h.cmd.Process == nil || h.exited() {
		return nil
	}

	if !force {
		// Attempt a graceful shutdown first.
		if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signal process group %s: %w", h.name, err)
		}

		select {
		case <-h.waitDone:
			return nil
		case <-time.After(h.grace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", h.name, err)
	}
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
