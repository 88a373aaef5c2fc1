// Package testutil provides git fixtures shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not available")
	}
	return path
}

// Git runs git with args and returns trimmed stdout, failing the test on error.
func Git(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Fixture", "GIT_AUTHOR_EMAIL=fixture@test.com",
		"GIT_COMMITTER_NAME=Fixture", "GIT_COMMITTER_EMAIL=fixture@test.com",
	)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %v: %v: %s", args, err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// InitRemote creates an empty bare repository whose HEAD names branch.
func InitRemote(t *testing.T, branch string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	Git(t, "init", "--bare", "-b", branch, dir)
	return dir
}

// SeedRemote pushes one commit containing files to branch of the bare
// repository at remoteDir and returns the commit id.
func SeedRemote(t *testing.T, remoteDir, branch string, files map[string]string) string {
	t.Helper()
	work := filepath.Join(t.TempDir(), "seed")
	Git(t, "init", "-b", branch, work)
	WriteFiles(t, work, files)
	Git(t, "-C", work, "add", "--all")
	Git(t, "-C", work, "commit", "-m", "seed")
	Git(t, "-C", work, "push", remoteDir, "HEAD:refs/heads/"+branch)
	return Git(t, "-C", work, "rev-parse", "HEAD")
}

// WriteFiles creates files (relative path to content) below root.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// CommitCount returns the number of commits reachable from branch in the
// repository at gitDir.
func CommitCount(t *testing.T, gitDir, branch string) int {
	t.Helper()
	out := Git(t, "--git-dir", gitDir, "rev-list", "--count", "refs/heads/"+branch)
	n, err := strconv.Atoi(out)
	if err != nil {
		t.Fatalf("rev-list --count: %v", err)
	}
	return n
}
