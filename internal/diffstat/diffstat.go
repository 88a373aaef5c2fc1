// Package diffstat turns `git diff --numstat` output into change totals.
package diffstat

import (
	"strconv"
	"strings"
)

// FileStat is the per-file line of a numstat summary.
type FileStat struct {
	Path       string
	Insertions int
	Deletions  int
	Binary     bool
}

// ChangeSet totals a numstat summary. FilesChanged is the only emptiness
// signal: a pure rename has zero insertions and deletions but still counts.
type ChangeSet struct {
	FilesChanged int
	Insertions   int
	Deletions    int
	Files        []FileStat
}

// Empty reports whether no file changed.
func (c ChangeSet) Empty() bool {
	return c.FilesChanged == 0
}

// ParseNumstat parses lines of the form "<ins>\t<del>\t<path>". Binary
// files report "-" for both counts; they add to FilesChanged only.
// Blank lines, including the usual trailing newline, are skipped, as are
// lines that do not carry three tab-separated fields.
func ParseNumstat(output string) ChangeSet {
	var cs ChangeSet

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}

		ins, insErr := strconv.Atoi(fields[0])
		del, delErr := strconv.Atoi(fields[1])
		fs := FileStat{Path: fields[2], Binary: insErr != nil || delErr != nil}
		if insErr == nil {
			fs.Insertions = ins
		}
		if delErr == nil {
			fs.Deletions = del
		}

		cs.FilesChanged++
		cs.Insertions += fs.Insertions
		cs.Deletions += fs.Deletions
		cs.Files = append(cs.Files, fs)
	}

	return cs
}
