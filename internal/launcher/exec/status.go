package exec

import (
	"errors"
	"fmt"
	osexec "os/exec"
)

// exitError normalizes the result of cmd.Wait into an error naming the exit
// status or terminating signal.
func exitError(name string, err error) error {
	if err == nil {
		return nil
	}
	var ee *osexec.ExitError
	if errors.As(err, &ee) {
		if sig := signalName(ee.ProcessState); sig != "" {
			return fmt.Errorf("worker %s terminated with signal %s", name, sig)
		}
		return fmt.Errorf("worker %s exited with status %d", name, ee.ProcessState.ExitCode())
	}
	return fmt.Errorf("wait worker %s: %w", name, err)
}
