package sync

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/schaermu/vaultbak/internal/diffstat"
)

// Outcome is the terminal state of one sync cycle.
type Outcome int

const (
	NoChanges Outcome = iota
	Pushed
)

func (o Outcome) String() string {
	if o == Pushed {
		return "pushed"
	}
	return "no changes"
}

// Result is returned by Engine.Run and discarded by the caller.
type Result struct {
	Outcome  Outcome
	CommitID string
	Changes  diffstat.ChangeSet
}

// Guards serializes work per repository directory. Engines that share a
// Guards value never run two cycles against the same repository at once;
// different repositories proceed independently.
type Guards struct {
	mu     sync.Mutex
	repos  map[string]*repoGuard
	status singleflight.Group
}

// repoGuard protects one repository. running rejects re-entrant cycles;
// index keeps read-only status diffs out while a cycle stages.
type repoGuard struct {
	running atomic.Bool
	index   sync.RWMutex
}

// NewGuards creates an empty guard registry.
func NewGuards() *Guards {
	return &Guards{repos: make(map[string]*repoGuard)}
}

func (g *Guards) forRepo(gitDir string) *repoGuard {
	g.mu.Lock()
	defer g.mu.Unlock()

	rg, ok := g.repos[gitDir]
	if !ok {
		rg = &repoGuard{}
		g.repos[gitDir] = rg
	}
	return rg
}

// tryBegin claims the repository for a cycle. It returns false when a
// cycle is already running.
func (rg *repoGuard) tryBegin() bool {
	if !rg.running.CompareAndSwap(false, true) {
		return false
	}
	rg.index.Lock()
	return true
}

func (rg *repoGuard) end() {
	rg.index.Unlock()
	rg.running.Store(false)
}
