package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/vaultbak/internal/config"
	"github.com/schaermu/vaultbak/internal/diffstat"
	"github.com/schaermu/vaultbak/internal/errs"
	"github.com/schaermu/vaultbak/internal/git"
	"github.com/schaermu/vaultbak/internal/locator"
)

// ErrNotInitialized is returned by Status before the first cycle has
// created the repository.
var ErrNotInitialized = errors.New("backup repository not initialized")

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	git    git.Client
	guards *Guards
	logger *slog.Logger
	env    locator.Env
	now    func() time.Time
}

// NewEngine creates a new sync engine. cfg is read once per cycle and never
// modified. Engines sharing guards never overlap on one repository.
func NewEngine(cfg *config.Config, gitClient git.Client, guards *Guards, logger *slog.Logger) *Engine {
	if guards == nil {
		guards = NewGuards()
	}
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		guards: guards,
		logger: logger,
		env:    locator.EnvFromOS(),
		now:    time.Now,
	}
}

// Run executes one complete sync cycle: resolve, ensure repository, stage
// and diff, decide, commit, push. It returns errs.ErrCycleInProgress
// without touching the repository when another cycle holds it.
//
// A failure to remove scratch files is joined to the returned error; the
// Result is still returned when the primary work succeeded.
func (e *Engine) Run(ctx context.Context) (res *Result, err error) {
	repo, remote, err := e.resolve(true)
	if err != nil {
		return nil, err
	}

	guard := e.guards.forRepo(repo.GitDir)
	if !guard.tryBegin() {
		e.logger.Info("sync cycle already in progress, skipping", "repo_dir", repo.GitDir)
		return nil, errs.ErrCycleInProgress
	}
	defer guard.end()

	e.logger.Info("starting sync",
		"remote", remote.Name,
		"branch", remote.Branch,
		"work_tree", repo.WorkTree,
		"repo_dir", repo.GitDir)

	if err := e.ensureRepository(ctx, repo, remote); err != nil {
		return nil, err
	}

	scratch := newScratch(repo.GitDir)
	defer func() {
		if cleanupErr := scratch.remove(); cleanupErr != nil {
			e.logger.Warn("failed to remove scratch files", "error", cleanupErr)
			err = errors.Join(err, cleanupErr)
		}
	}()

	if err := writeExcludes(excludeFilePath(repo), e.excludeLines(repo)); err != nil {
		return nil, fmt.Errorf("failed to write local excludes: %w", err)
	}

	tip, changes, err := e.stageAndDiff(ctx, repo, remote.Branch, scratch.index)
	if err != nil {
		return nil, err
	}

	e.logger.Info("staged work tree",
		"files", changes.FilesChanged,
		"insertions", changes.Insertions,
		"deletions", changes.Deletions)

	if changes.Empty() {
		e.logger.Info("no changes to commit")
		if err := e.retryPush(ctx, repo, remote); err != nil {
			return nil, err
		}
		return &Result{Outcome: NoChanges, Changes: changes}, nil
	}

	// Once a commit exists the cycle runs to completion; a commit is never
	// abandoned half way because the caller went away.
	ctx = context.WithoutCancel(ctx)

	commitID, err := e.commit(ctx, repo, remote.Branch, scratch, tip, changes)
	if err != nil {
		return nil, err
	}
	e.logger.Info("created commit", "commit", commitID)

	e.logger.Info("pushing", "remote", remote.Name, "branch", remote.Branch)
	if err := e.git.Push(ctx, repo, remote); err != nil {
		return nil, fmt.Errorf("failed to push %s: %w", remote.Branch, err)
	}

	e.logger.Info("sync completed successfully", "commit", commitID, "files", changes.FilesChanged)
	return &Result{Outcome: Pushed, CommitID: commitID, Changes: changes}, nil
}

// resolve builds the repository handle and remote for this cycle from the
// configuration. Only a sync cycle needs a remote URL.
func (e *Engine) resolve(needRemote bool) (git.Repo, git.Remote, error) {
	if needRemote {
		if err := e.cfg.ValidateForSync(); err != nil {
			return git.Repo{}, git.Remote{}, err
		}
	} else if e.cfg.Vault.WorkTree == "" {
		return git.Repo{}, git.Remote{}, errs.NewConfigError("vault.work_tree", "", "is required")
	}

	workTree, err := filepath.Abs(e.cfg.Vault.WorkTree)
	if err != nil {
		return git.Repo{}, git.Remote{}, errs.NewConfigError("vault.work_tree", e.cfg.Vault.WorkTree, err.Error())
	}
	info, err := os.Stat(workTree)
	if err != nil || !info.IsDir() {
		return git.Repo{}, git.Remote{}, errs.NewConfigError("vault.work_tree", workTree, "is not an existing directory")
	}

	gitDir, err := locator.Resolve(e.env, e.cfg.Vault.ID, e.cfg.Vault.RepoDir)
	if err != nil {
		return git.Repo{}, git.Remote{}, err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workTree, gitDir)
	}
	gitDir = filepath.Clean(gitDir)
	if gitDir == workTree {
		return git.Repo{}, git.Remote{}, errs.NewConfigError("vault.repo_dir", gitDir, "must differ from the work tree")
	}

	repo := git.Repo{GitDir: gitDir, WorkTree: workTree}
	remote := git.Remote{Name: e.cfg.Remote.Name, URL: e.cfg.Remote.URL, Branch: e.cfg.Remote.Branch}
	return repo, remote, nil
}

// Repository returns the resolved work tree and repository directory
// without touching either.
func (e *Engine) Repository() (git.Repo, error) {
	repo, _, err := e.resolve(false)
	return repo, err
}

// ensureRepository clones on first use, otherwise verifies the recorded
// remote URL and fetches. A mismatched URL is never repointed.
func (e *Engine) ensureRepository(ctx context.Context, repo git.Repo, remote git.Remote) error {
	_, err := os.Stat(repo.GitDir)
	switch {
	case os.IsNotExist(err):
		e.logger.Info("cloning remote", "url", remote.URL, "dest", repo.GitDir)
		if err := e.git.CloneBare(ctx, remote, repo.GitDir); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to inspect repository directory: %w", err)
	}

	recorded, err := e.git.RemoteURL(ctx, repo, remote.Name)
	if err != nil {
		return fmt.Errorf("failed to read remote url: %w", err)
	}
	if recorded == "" {
		return errs.NewConfigError("remote.name", remote.Name,
			fmt.Sprintf("no such remote in existing repository %s", repo.GitDir))
	}
	if recorded != remote.URL {
		return errs.NewConfigError("remote.url", remote.URL,
			fmt.Sprintf("repository %s records %q for remote %s; refusing to repoint it", repo.GitDir, recorded, remote.Name))
	}

	e.logger.Info("fetching remote", "remote", remote.Name, "branch", remote.Branch)
	found, err := e.git.Fetch(ctx, repo, remote)
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	if !found {
		e.logger.Info("remote branch does not exist yet", "branch", remote.Branch)
		return nil
	}
	if err := e.git.FastForward(ctx, repo, remote); err != nil {
		return fmt.Errorf("failed to fast-forward %s: %w", remote.Branch, err)
	}
	return nil
}

// stageAndDiff stages the work tree into index on top of the branch tip and
// returns the tip together with the numstat between index and tip.
func (e *Engine) stageAndDiff(ctx context.Context, repo git.Repo, branch, index string) (string, diffstat.ChangeSet, error) {
	tip, err := e.git.ResolveTip(ctx, repo, branch)
	if err != nil {
		return "", diffstat.ChangeSet{}, fmt.Errorf("failed to resolve %s: %w", branch, err)
	}

	if err := e.git.StageAll(ctx, repo, index, tip); err != nil {
		return "", diffstat.ChangeSet{}, fmt.Errorf("failed to stage work tree: %w", err)
	}

	out, err := e.git.DiffCached(ctx, repo, index, tip)
	if err != nil {
		return "", diffstat.ChangeSet{}, fmt.Errorf("failed to compute changes: %w", err)
	}
	return tip, diffstat.ParseNumstat(out), nil
}

// retryPush publishes a commit left behind by an earlier failed push.
func (e *Engine) retryPush(ctx context.Context, repo git.Repo, remote git.Remote) error {
	pending, err := e.git.Unpushed(ctx, repo, remote)
	if err != nil {
		return fmt.Errorf("failed to compare with %s/%s: %w", remote.Name, remote.Branch, err)
	}
	if !pending {
		return nil
	}

	e.logger.Info("retrying push of unpublished commit", "remote", remote.Name, "branch", remote.Branch)
	if err := e.git.Push(ctx, repo, remote); err != nil {
		return fmt.Errorf("failed to push %s: %w", remote.Branch, err)
	}
	return nil
}

// commit writes the message file, creates the commit and moves the branch.
func (e *Engine) commit(ctx context.Context, repo git.Repo, branch string, s *scratch, tip string, changes diffstat.ChangeSet) (string, error) {
	msg := e.cfg.CommitMessage(e.now(), changes.FilesChanged)
	if err := os.WriteFile(s.message, []byte(msg+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write commit message: %w", err)
	}

	identity := git.Identity{Name: e.cfg.Identity.Name, Email: e.cfg.Identity.Email}
	commitID, err := e.git.Commit(ctx, repo, s.index, tip, s.message, identity)
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	if !isObjectID(commitID) {
		return "", &errs.ConsistencyError{What: "commit id", Value: commitID}
	}

	if err := e.git.UpdateRef(ctx, repo, branch, commitID, tip); err != nil {
		return "", fmt.Errorf("failed to update %s: %w", branch, err)
	}
	return commitID, nil
}

// excludeLines returns the configured ignore patterns plus, when the
// repository sits inside the work tree, a pattern excluding it.
func (e *Engine) excludeLines(repo git.Repo) []string {
	lines := e.cfg.IgnorePatterns()

	rel, err := filepath.Rel(repo.WorkTree, repo.GitDir)
	if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		lines = append(lines, "/"+filepath.ToSlash(rel)+"/")
	}
	return lines
}

// isObjectID reports whether id is a full SHA-1 or SHA-256 hex object name.
func isObjectID(id string) bool {
	if len(id) != 40 && len(id) != 64 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// scratch names the transient files of one cycle.
type scratch struct {
	index   string
	message string
}

func newScratch(gitDir string) *scratch {
	id := uuid.NewString()
	return &scratch{
		index:   filepath.Join(gitDir, "vaultbak-index-"+id),
		message: filepath.Join(gitDir, "vaultbak-msg-"+id),
	}
}

// remove deletes every scratch file. Files that were never created are
// not an error.
func (s *scratch) remove() error {
	var result error
	for _, path := range []string{s.index, s.index + ".lock", s.message} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = errors.Join(result, &errs.CleanupError{Path: path, Err: err})
		}
	}
	return result
}

const excludeHeader = "# Managed by vaultbak. Local to this backup repository; never committed.\n"

func excludeFilePath(repo git.Repo) string {
	return filepath.Join(repo.GitDir, "info", "exclude")
}

// writeExcludes replaces path with lines, skipping the write when the
// content is already current.
func writeExcludes(path string, lines []string) error {
	content := excludeHeader
	if len(lines) > 0 {
		content += strings.Join(lines, "\n") + "\n"
	}

	if current, err := os.ReadFile(path); err == nil && string(current) == content {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
