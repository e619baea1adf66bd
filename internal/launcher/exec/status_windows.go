//go:build windows

package exec

import "os"

func signalName(state *os.ProcessState) string {
	return ""
}
