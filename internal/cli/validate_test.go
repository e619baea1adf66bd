package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSuccess(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/sh\", \"-c\", \"echo hi\"]",
		"  procs: 2",
	)
	stdout, stderr, path, err := runValidate(t, manifest)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if !strings.Contains(stdout, fmt.Sprintf("Pool demo loaded from %s", path)) {
		t.Fatalf("stdout does not mention the pool: %q", stdout)
	}
	if !strings.Contains(stdout, "workers: 2") {
		t.Fatalf("stdout does not mention the worker count: %q", stdout)
	}
	if !strings.Contains(stdout, "start method: spawn") {
		t.Fatalf("stdout does not mention the start method: %q", stdout)
	}
	if !strings.Contains(stdout, "command: /bin/sh -c echo hi") {
		t.Fatalf("stdout does not mention the command: %q", stdout)
	}
	if stderr != "" {
		t.Fatalf("unexpected stderr output: %q", stderr)
	}
}

func TestValidateShowsImageForDocker(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"worker\"]",
		"  start_method: docker",
		"  image: example/worker:latest",
	)
	stdout, _, _, err := runValidate(t, manifest)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(stdout, "image: example/worker:latest") {
		t.Fatalf("stdout does not mention the image: %q", stdout)
	}
}

func TestValidateUnknownStartMethod(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/true\"]",
		"  start_method: fork",
	)
	stdout, _, _, err := runValidate(t, manifest)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if stdout != "" {
		t.Fatalf("expected empty stdout, got %q", stdout)
	}
	if !strings.Contains(err.Error(), "unsupported start method") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDockerRequiresImage(t *testing.T) {
	manifest := poolManifest(
		"version: \"0.1\"",
		"pool:",
		"  name: demo",
		"workers:",
		"  command: [\"/bin/true\"]",
		"  start_method: docker",
	)
	_, _, _, err := runValidate(t, manifest)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "workers.image is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateMissingFile(t *testing.T) {
	cmd := NewRootCmd()
	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"validate", "--file", filepath.Join(t.TempDir(), "absent.yaml")})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func runValidate(t *testing.T, manifest string) (stdout, stderr, path string, err error) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "brood.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write pool file: %v", err)
	}

	cmd := NewRootCmd()
	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"validate", "--file", path})

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), path, err
}

func poolManifest(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
