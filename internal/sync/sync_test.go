package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/vaultbak/internal/config"
	"github.com/schaermu/vaultbak/internal/errs"
	"github.com/schaermu/vaultbak/internal/git"
	"github.com/schaermu/vaultbak/internal/locator"
)

const testCommitID = "0123456789abcdef0123456789abcdef01234567"

// fakeGitClient implements git.Client for testing. It records the name of
// every operation and creates the repository directory on clone.
type fakeGitClient struct {
	calls []string

	remoteURL  string
	fetchFound bool
	unpushed   bool
	tip        string
	numstat    string
	commitID   string

	cloneErr  error
	fetchErr  error
	commitErr error
	pushErr   error

	// stageHook runs inside StageAll, while the cycle holds the index.
	stageHook func()
	// seenIndex and seenMessage record the scratch paths handed to git.
	seenIndex   string
	seenMessage string
	message     string
	identity    git.Identity
	excludes    string
}

func (f *fakeGitClient) CloneBare(_ context.Context, _ git.Remote, gitDir string) error {
	f.calls = append(f.calls, "clone")
	if f.cloneErr != nil {
		return f.cloneErr
	}
	return os.MkdirAll(gitDir, 0o755)
}

func (f *fakeGitClient) RemoteURL(_ context.Context, _ git.Repo, _ string) (string, error) {
	f.calls = append(f.calls, "remote-url")
	return f.remoteURL, nil
}

func (f *fakeGitClient) Fetch(_ context.Context, _ git.Repo, _ git.Remote) (bool, error) {
	f.calls = append(f.calls, "fetch")
	return f.fetchFound, f.fetchErr
}

func (f *fakeGitClient) FastForward(_ context.Context, _ git.Repo, _ git.Remote) error {
	f.calls = append(f.calls, "fast-forward")
	return nil
}

func (f *fakeGitClient) ResolveTip(_ context.Context, _ git.Repo, _ string) (string, error) {
	f.calls = append(f.calls, "resolve-tip")
	return f.tip, nil
}

func (f *fakeGitClient) StageAll(_ context.Context, repo git.Repo, index, _ string) error {
	f.calls = append(f.calls, "stage")
	f.seenIndex = index
	data, _ := os.ReadFile(filepath.Join(repo.GitDir, "info", "exclude"))
	f.excludes = string(data)
	if f.stageHook != nil {
		f.stageHook()
	}
	return os.WriteFile(index, []byte("index"), 0o600)
}

func (f *fakeGitClient) DiffCached(_ context.Context, _ git.Repo, _, _ string) (string, error) {
	f.calls = append(f.calls, "diff")
	return f.numstat, nil
}

func (f *fakeGitClient) Commit(_ context.Context, _ git.Repo, _, _, messageFile string, id git.Identity) (string, error) {
	f.calls = append(f.calls, "commit")
	f.seenMessage = messageFile
	data, _ := os.ReadFile(messageFile)
	f.message = string(data)
	f.identity = id
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return f.commitID, nil
}

func (f *fakeGitClient) UpdateRef(_ context.Context, _ git.Repo, _, newID, _ string) error {
	f.calls = append(f.calls, "update-ref")
	f.tip = newID
	return nil
}

func (f *fakeGitClient) Push(_ context.Context, _ git.Repo, _ git.Remote) error {
	f.calls = append(f.calls, "push")
	if f.pushErr == nil {
		f.unpushed = false
	}
	return f.pushErr
}

func (f *fakeGitClient) Unpushed(_ context.Context, _ git.Repo, _ git.Remote) (bool, error) {
	f.calls = append(f.calls, "unpushed")
	return f.unpushed, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testSetup returns a config with a work tree and a repository directory
// under one temp dir. The repository directory does not exist yet.
func testSetup(t *testing.T) (*config.Config, string) {
	t.Helper()
	tmpDir := t.TempDir()
	workTree := filepath.Join(tmpDir, "vault")
	if err := os.MkdirAll(workTree, 0o755); err != nil {
		t.Fatal(err)
	}
	repoDir := filepath.Join(tmpDir, "cache", "vault.git")

	cfg, err := config.Parse([]byte(`
remote:
  url: "https://example.com/vault.git"
vault:
  work_tree: "` + workTree + `"
  repo_dir: "` + repoDir + `"
identity:
  name: "Ada"
  email: "ada@example.com"
ignore: |
  *.tmp
`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg, repoDir
}

func newTestEngine(cfg *config.Config, client git.Client) *Engine {
	e := NewEngine(cfg, client, nil, testLogger())
	e.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return e
}

func existingRepo(t *testing.T, repoDir string) {
	t.Helper()
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRun_FreshStateClonesCommitsAndPushes(t *testing.T) {
	cfg, repoDir := testSetup(t)
	fake := &fakeGitClient{
		numstat:  "3\t0\ta.md\n1\t1\tb.md\n-\t-\tc.png\n",
		commitID: testCommitID,
	}
	engine := newTestEngine(cfg, fake)

	res, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{"clone", "resolve-tip", "stage", "diff", "commit", "update-ref", "push"}
	if diff := cmp.Diff(want, fake.calls); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	if res.Outcome != Pushed || res.CommitID != testCommitID {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Changes.FilesChanged != 3 || res.Changes.Insertions != 4 || res.Changes.Deletions != 1 {
		t.Errorf("unexpected changes %+v", res.Changes)
	}
	if fake.message != "vault backup: 2024-05-01 09:30:00\n" {
		t.Errorf("commit message = %q", fake.message)
	}
	if fake.identity != (git.Identity{Name: "Ada", Email: "ada@example.com"}) {
		t.Errorf("identity = %+v", fake.identity)
	}
	if !strings.HasPrefix(fake.seenIndex, repoDir) {
		t.Errorf("scratch index %q is not inside the repository directory", fake.seenIndex)
	}
	if !strings.Contains(fake.excludes, "*.tmp") {
		t.Errorf("exclude file missing ignore pattern: %q", fake.excludes)
	}

	for _, path := range []string{fake.seenIndex, fake.seenMessage} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("scratch file %s survived the cycle", path)
		}
	}
}

func TestRun_NoChangesSkipsCommitAndPush(t *testing.T) {
	cfg, repoDir := testSetup(t)
	existingRepo(t, repoDir)
	fake := &fakeGitClient{
		remoteURL:  cfg.Remote.URL,
		fetchFound: true,
		tip:        testCommitID,
		numstat:    "\n",
	}
	engine := newTestEngine(cfg, fake)

	res, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Outcome != NoChanges {
		t.Errorf("expected NoChanges, got %v", res.Outcome)
	}

	want := []string{"remote-url", "fetch", "fast-forward", "resolve-tip", "stage", "diff", "unpushed"}
	if diff := cmp.Diff(want, fake.calls); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(fake.seenIndex); !os.IsNotExist(err) {
		t.Error("scratch index survived a no-change cycle")
	}
}

func TestRun_RenameOnlyStillCommits(t *testing.T) {
	cfg, repoDir := testSetup(t)
	existingRepo(t, repoDir)
	fake := &fakeGitClient{
		remoteURL:  cfg.Remote.URL,
		fetchFound: true,
		tip:        strings.Repeat("a", 40),
		numstat:    "0\t0\told.md => new.md\n",
		commitID:   testCommitID,
	}

	res, err := newTestEngine(cfg, fake).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Outcome != Pushed {
		t.Fatalf("rename-only change was short-circuited: %+v", res)
	}
	if res.Changes.FilesChanged != 1 || res.Changes.Insertions != 0 || res.Changes.Deletions != 0 {
		t.Errorf("unexpected changes %+v", res.Changes)
	}
}

func TestRun_RemoteURLMismatchIsFatal(t *testing.T) {
	cfg, repoDir := testSetup(t)
	existingRepo(t, repoDir)
	fake := &fakeGitClient{remoteURL: "https://example.com/other.git"}

	_, err := newTestEngine(cfg, fake).Run(context.Background())
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if diff := cmp.Diff([]string{"remote-url"}, fake.calls); diff != "" {
		t.Errorf("mismatch must stop before fetch (-want +got):\n%s", diff)
	}
}

func TestRun_MissingRemoteInExistingRepo(t *testing.T) {
	cfg, repoDir := testSetup(t)
	existingRepo(t, repoDir)
	fake := &fakeGitClient{}

	_, err := newTestEngine(cfg, fake).Run(context.Background())
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "remote.name" {
		t.Fatalf("expected remote.name configuration error, got %v", err)
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	t.Run("missing remote url", func(t *testing.T) {
		cfg, _ := testSetup(t)
		cfg.Remote.URL = ""
		fake := &fakeGitClient{}
		_, err := newTestEngine(cfg, fake).Run(context.Background())
		if !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
		if len(fake.calls) != 0 {
			t.Errorf("expected no git calls, got %v", fake.calls)
		}
	})

	t.Run("work tree does not exist", func(t *testing.T) {
		cfg, _ := testSetup(t)
		cfg.Vault.WorkTree = filepath.Join(t.TempDir(), "missing")
		_, err := newTestEngine(cfg, &fakeGitClient{}).Run(context.Background())
		if !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})

	t.Run("repository equals work tree", func(t *testing.T) {
		cfg, _ := testSetup(t)
		cfg.Vault.RepoDir = "."
		_, err := newTestEngine(cfg, &fakeGitClient{}).Run(context.Background())
		if !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
}

func TestRun_UnexpectedCommitIDIsInternalError(t *testing.T) {
	cfg, _ := testSetup(t)
	fake := &fakeGitClient{numstat: "1\t0\ta.md\n", commitID: "abc123"}

	_, err := newTestEngine(cfg, fake).Run(context.Background())
	if !errors.Is(err, errs.ErrInternalConsistency) {
		t.Fatalf("expected internal consistency error, got %v", err)
	}
	for _, call := range fake.calls {
		if call == "update-ref" || call == "push" {
			t.Errorf("unexpected %s after malformed commit id", call)
		}
	}
}

func TestRun_ToolErrorsPropagate(t *testing.T) {
	pushErr := &errs.ToolError{Tool: "git", Args: []string{"push"}, ExitCode: 1, Stderr: "rejected (non-fast-forward)"}

	tests := []struct {
		name string
		fake *fakeGitClient
	}{
		{name: "clone", fake: &fakeGitClient{cloneErr: &errs.ToolError{Tool: "git", ExitCode: 128}}},
		{name: "commit", fake: &fakeGitClient{numstat: "1\t0\ta.md\n", commitErr: &errs.ToolError{Tool: "git", ExitCode: 128, Stderr: "empty ident name not allowed"}}},
		{name: "push", fake: &fakeGitClient{numstat: "1\t0\ta.md\n", commitID: testCommitID, pushErr: pushErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testSetup(t)
			_, err := newTestEngine(cfg, tt.fake).Run(context.Background())
			if !errors.Is(err, errs.ErrToolExecution) {
				t.Fatalf("expected tool execution error, got %v", err)
			}
			if tt.fake.seenIndex != "" {
				if _, statErr := os.Stat(tt.fake.seenIndex); !os.IsNotExist(statErr) {
					t.Error("scratch index survived a failed cycle")
				}
			}
		})
	}
}

func TestRun_PushFailureKeepsLocalCommit(t *testing.T) {
	cfg, _ := testSetup(t)
	fake := &fakeGitClient{
		numstat:  "1\t0\ta.md\n",
		commitID: testCommitID,
		pushErr:  &errs.ToolError{Tool: "git", ExitCode: 128, Stderr: "Could not resolve host"},
	}

	if _, err := newTestEngine(cfg, fake).Run(context.Background()); err == nil {
		t.Fatal("expected push error")
	}
	if fake.tip != testCommitID {
		t.Errorf("local branch = %q, want the new commit to be kept", fake.tip)
	}
}

func TestRun_NoChangesRetriesUnpublishedCommit(t *testing.T) {
	cfg, repoDir := testSetup(t)
	existingRepo(t, repoDir)
	fake := &fakeGitClient{
		remoteURL: cfg.Remote.URL,
		tip:       testCommitID,
		numstat:   "",
		unpushed:  true,
	}

	res, err := newTestEngine(cfg, fake).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Outcome != NoChanges {
		t.Errorf("expected NoChanges, got %v", res.Outcome)
	}

	want := []string{"remote-url", "fetch", "resolve-tip", "stage", "diff", "unpushed", "push"}
	if diff := cmp.Diff(want, fake.calls); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ReentrantCycleIsSkipped(t *testing.T) {
	cfg, _ := testSetup(t)
	guards := NewGuards()

	inner := &fakeGitClient{remoteURL: cfg.Remote.URL}
	innerEngine := NewEngine(cfg, inner, guards, testLogger())

	var innerErr error
	outer := &fakeGitClient{
		stageHook: func() {
			_, innerErr = innerEngine.Run(context.Background())
		},
	}
	outerEngine := NewEngine(cfg, outer, guards, testLogger())

	if _, err := outerEngine.Run(context.Background()); err != nil {
		t.Fatalf("outer Run() error: %v", err)
	}
	if !errors.Is(innerErr, errs.ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress for the overlapping cycle, got %v", innerErr)
	}
	if len(inner.calls) != 0 {
		t.Errorf("overlapping cycle touched git: %v", inner.calls)
	}

	// Once released the guard admits the next cycle.
	if _, err := innerEngine.Run(context.Background()); err != nil {
		t.Fatalf("follow-up Run() error: %v", err)
	}
}

func TestRun_DifferentRepositoriesDoNotBlock(t *testing.T) {
	cfgA, _ := testSetup(t)
	cfgB, _ := testSetup(t)
	guards := NewGuards()

	var innerErr error
	engineB := NewEngine(cfgB, &fakeGitClient{}, guards, testLogger())
	engineA := NewEngine(cfgA, &fakeGitClient{stageHook: func() {
		_, innerErr = engineB.Run(context.Background())
	}}, guards, testLogger())

	if _, err := engineA.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if innerErr != nil {
		t.Errorf("cycle on another repository was blocked: %v", innerErr)
	}
}

func TestRun_SelfExcludeWhenRepoInsideWorkTree(t *testing.T) {
	cfg, _ := testSetup(t)
	cfg.Vault.RepoDir = ".backup/vault.git"
	fake := &fakeGitClient{}

	if _, err := newTestEngine(cfg, fake).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fake.excludes, "/.backup/vault.git/\n") {
		t.Errorf("exclude file does not exclude the repository: %q", fake.excludes)
	}
	if _, err := os.Stat(filepath.Join(cfg.Vault.WorkTree, ".backup", "vault.git")); err != nil {
		t.Errorf("relative repo_dir not resolved against work tree: %v", err)
	}
}

func TestResolve_DefaultCachePath(t *testing.T) {
	cfg, _ := testSetup(t)
	cfg.Vault.RepoDir = ""
	cfg.Vault.ID = "notes"
	home := t.TempDir()

	engine := newTestEngine(cfg, &fakeGitClient{})
	engine.env = locator.Env{GOOS: "linux", Home: home}

	repo, remote, err := engine.resolve(true)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".cache", "vaultbak", "notes.git"); repo.GitDir != want {
		t.Errorf("GitDir = %q, want %q", repo.GitDir, want)
	}
	if remote != (git.Remote{Name: "origin", URL: cfg.Remote.URL, Branch: "main"}) {
		t.Errorf("remote = %+v", remote)
	}
}

func TestScratchRemove(t *testing.T) {
	dir := t.TempDir()
	s := newScratch(dir)

	// Nothing created: not an error.
	if err := s.remove(); err != nil {
		t.Fatalf("remove() of absent files: %v", err)
	}

	if err := os.WriteFile(s.message, []byte("msg"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.remove(); err != nil {
		t.Fatalf("remove() error: %v", err)
	}
	if _, err := os.Stat(s.message); !os.IsNotExist(err) {
		t.Error("message file not removed")
	}

	// A non-empty directory in place of a scratch file cannot be removed.
	if err := os.MkdirAll(filepath.Join(s.index, "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := s.remove()
	var cleanupErr *errs.CleanupError
	if !errors.As(err, &cleanupErr) || cleanupErr.Path != s.index {
		t.Fatalf("expected CleanupError for %s, got %v", s.index, err)
	}
	if !errors.Is(err, errs.ErrToolExecution) {
		t.Error("cleanup failures must classify as tool execution faults")
	}
}

func TestIsObjectID(t *testing.T) {
	tests := map[string]bool{
		testCommitID:             true,
		strings.Repeat("f", 64):  true,
		"abc":                    false,
		strings.Repeat("g", 40):  false,
		strings.Repeat("A", 40):  false,
		strings.Repeat("0", 41):  false,
	}
	for id, want := range tests {
		if got := isObjectID(id); got != want {
			t.Errorf("isObjectID(%q) = %v, want %v", id, got, want)
		}
	}
}
