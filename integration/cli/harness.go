//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the vaultbak binary once and runs it against a scratch
// work tree, repository directory and bare remote.
type Harness struct {
	t        *testing.T
	binary   string
	root     string
	WorkTree string
	RepoDir  string
	Remote   string
	Config   string
}

// NewHarness builds the binary and lays out a fresh environment
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	root := t.TempDir()
	h := &Harness{
		t:        t,
		root:     root,
		binary:   filepath.Join(root, "bin", "vaultbak"),
		WorkTree: filepath.Join(root, "vault"),
		RepoDir:  filepath.Join(root, "cache", "vault.git"),
		Remote:   filepath.Join(root, "remote.git"),
		Config:   filepath.Join(root, "config.yaml"),
	}
	if runtime.GOOS == "windows" {
		h.binary += ".exe"
	}

	if err := h.build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}
	if err := os.MkdirAll(h.WorkTree, 0o755); err != nil {
		t.Fatalf("create work tree: %v", err)
	}
	h.MustGit(ctx, "init", "--bare", "-b", "main", h.Remote)
	return h
}

func (h *Harness) build(ctx context.Context) error {
	h.t.Helper()
	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/vaultbak")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes config.yaml with the harness paths followed by extra.
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	config := fmt.Sprintf(`remote:
  url: %q
  branch: main
vault:
  work_tree: %q
  repo_dir: %q
identity:
  name: "Vault Bot"
  email: "bot@example.com"
ignore: |
  *.tmp
%s`, h.Remote, h.WorkTree, h.RepoDir, extra)

	if err := os.WriteFile(h.Config, []byte(config), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// WriteFile writes a file below the work tree
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.WorkTree, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// Run executes vaultbak with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	args = append(args, "--config", h.Config, "--log-level", "debug")
	return run(ctx, h.binary, args...)
}

// MustRun executes vaultbak and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("vaultbak %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout
}

// Start launches vaultbak in the background; the returned func stops it
// with SIGINT and waits for exit.
func (h *Harness) Start(ctx context.Context, args ...string) func() error {
	h.t.Helper()
	args = append(args, "--config", h.Config, "--log-level", "debug")
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start vaultbak: %v", err)
	}
	return func() error {
		_ = cmd.Process.Signal(os.Interrupt)
		return cmd.Wait()
	}
}

// MustGit runs git and returns trimmed stdout
func (h *Harness) MustGit(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := run(ctx, "git", args...)
	if err != nil || exitCode != 0 {
		h.t.Fatalf("git %v failed (exit %d, %v)\nstderr: %s", args, exitCode, err, stderr)
	}
	return strings.TrimSpace(stdout)
}

// RemoteCommits counts commits on the remote branch
func (h *Harness) RemoteCommits(ctx context.Context) string {
	h.t.Helper()
	return h.MustGit(ctx, "--git-dir", h.Remote, "rev-list", "--count", "refs/heads/main")
}

func run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up from this source file to the directory holding go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
