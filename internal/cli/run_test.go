package cli

import (
	"bytes"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"strings"
	"testing"
)

func runPool(t *testing.T, manifest string, extraArgs ...string) (stdout, stderr string, err error) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("run integration tests skipped on windows")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "brood.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write pool file: %v", err)
	}

	cmd := NewRootCmd()
	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	args := append([]string{"run", "--file", path, "--json"}, extraArgs...)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func TestRunPoolToCompletion(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/sh\", \"-c\", \"echo hello run\"]",
		"  procs: 2",
	)
	stdout, stderr, err := runPool(t, manifest)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(stdout, "hello run") {
		t.Fatalf("stdout does not contain worker output: %q", stdout)
	}
	if !strings.Contains(stderr, "started with 2 workers") {
		t.Fatalf("stderr does not announce the pool: %q", stderr)
	}
}

func TestRunSurfacesWorkerFailure(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/sh\", \"-c\", \"exit 7\"]",
	)
	_, _, err := runPool(t, manifest)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "worker 0 failed") {
		t.Fatalf("expected error to name the failing worker: %v", err)
	}
	if !strings.Contains(err.Error(), "exited with status 7") {
		t.Fatalf("expected error to carry the exit status: %v", err)
	}
}

func TestRunOverridesProcs(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/sh\", \"-c\", \"echo worker $BROOD_WORKER_INDEX\"]",
	)
	stdout, stderr, err := runPool(t, manifest, "--procs", "3")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(stderr, "started with 3 workers") {
		t.Fatalf("stderr does not reflect the override: %q", stderr)
	}
	for _, want := range []string{"worker 0", "worker 1", "worker 2"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing output for %q: %q", want, stdout)
		}
	}
}

func TestRunCommandOverrideAfterDashes(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/sh\", \"-c\", \"exit 1\"]",
	)
	stdout, _, err := runPool(t, manifest, "--", "/bin/sh", "-c", "echo override ran")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(stdout, "override ran") {
		t.Fatalf("stdout does not contain override output: %q", stdout)
	}
}

func TestRunRejectsUnknownMethodOverride(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/true\"]",
	)
	_, _, err := runPool(t, manifest, "--method", "fork")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unsupported start method") {
		t.Fatalf("unexpected error: %v", err)
	}
}
