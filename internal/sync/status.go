package sync

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schaermu/vaultbak/internal/diffstat"
	"github.com/schaermu/vaultbak/internal/errs"
)

// Status computes the pending changes of the work tree against the last
// commit without touching the branch or the remote. It refreshes
// info/exclude from the current ignore patterns first, so status and the
// next cycle filter the same paths. It needs no remote URL. Concurrent calls for one repository share a single
// computation, and a call made while a cycle is staging returns
// errs.ErrCycleInProgress instead of waiting.
func (e *Engine) Status(ctx context.Context) (diffstat.ChangeSet, error) {
	repo, remote, err := e.resolve(false)
	if err != nil {
		return diffstat.ChangeSet{}, err
	}

	if _, err := os.Stat(repo.GitDir); err != nil {
		if os.IsNotExist(err) {
			return diffstat.ChangeSet{}, ErrNotInitialized
		}
		return diffstat.ChangeSet{}, fmt.Errorf("failed to inspect repository directory: %w", err)
	}

	guard := e.guards.forRepo(repo.GitDir)
	v, err, shared := e.guards.status.Do(repo.GitDir, func() (_ any, err error) {
		if !guard.index.TryRLock() {
			return diffstat.ChangeSet{}, errs.ErrCycleInProgress
		}
		defer guard.index.RUnlock()

		s := newScratch(repo.GitDir)
		defer func() {
			if cleanupErr := s.remove(); cleanupErr != nil {
				err = errors.Join(err, cleanupErr)
			}
		}()

		if err := writeExcludes(excludeFilePath(repo), e.excludeLines(repo)); err != nil {
			return diffstat.ChangeSet{}, fmt.Errorf("failed to write local excludes: %w", err)
		}

		_, changes, err := e.stageAndDiff(ctx, repo, remote.Branch, s.index)
		return changes, err
	})
	if shared {
		e.logger.Debug("status refresh shared with in-flight request", "repo_dir", repo.GitDir)
	}

	changes, _ := v.(diffstat.ChangeSet)
	return changes, err
}
