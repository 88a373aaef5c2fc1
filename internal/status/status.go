// Package status renders sync outcomes and pending changes as the one-line
// text shown to users.
package status

import (
	"errors"
	"strconv"

	"github.com/dustin/go-humanize/english"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/schaermu/vaultbak/internal/diffstat"
	"github.com/schaermu/vaultbak/internal/errs"
	vsync "github.com/schaermu/vaultbak/internal/sync"
)

// Changes renders the result of a read-only status check.
func Changes(cs diffstat.ChangeSet, err error) string {
	switch {
	case errors.Is(err, errs.ErrCycleInProgress):
		return "Syncing..."
	case errors.Is(err, vsync.ErrNotInitialized):
		return "Not initialized"
	case err != nil:
		return "Error: " + err.Error()
	case cs.Empty():
		return "No changes."
	default:
		return english.Plural(cs.FilesChanged, "file", "") + " changed"
	}
}

// Cycle renders the result of a sync cycle.
func Cycle(res *vsync.Result) string {
	if res == nil || res.Outcome == vsync.NoChanges {
		return "No changes"
	}
	return "Pushed " + english.Plural(res.Changes.FilesChanged, "file", "")
}

// Table renders the per-file breakdown of cs.
func Table(cs diffstat.ChangeSet) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"File", "+", "-"})
	for _, f := range cs.Files {
		ins, del := strconv.Itoa(f.Insertions), strconv.Itoa(f.Deletions)
		if f.Binary {
			ins, del = "bin", "bin"
		}
		t.AppendRow(table.Row{f.Path, ins, del})
	}
	t.AppendFooter(table.Row{english.Plural(cs.FilesChanged, "file", ""), cs.Insertions, cs.Deletions})
	return t.Render()
}
