//go:build windows

package exec

import (
	"context"
	"fmt"
)

func (h *execHandle) Stop(ctx context.Context) error {
	return h.terminate(ctx)
}

func (h *execHandle) Kill(ctx context.Context) error {
	return h.terminate(ctx)
}

func (h *execHandle) terminate(ctx context.Context) error {
	if h.cmd.Process == nil || h.exited() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker %s: %w", h.name, err)
	}
	select {
	case <-h.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
