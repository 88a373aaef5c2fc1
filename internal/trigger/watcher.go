package trigger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watcher reports changes anywhere below root except inside skip.
type watcher struct {
	fs       *fsnotify.Watcher
	root     string
	skip     string
	logger   *slog.Logger
	onChange func()
}

func newWatcher(root, skip string, logger *slog.Logger, onChange func()) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fs: fw, root: root, skip: filepath.Clean(skip), logger: logger, onChange: onChange}
	if err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// The root must be watchable; vanished subdirectories are not fatal.
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn("watcher add failed", "path", path, "error", err)
		}
		return nil
	})
}

// ignored reports whether path is the backup repository, lies inside it, or
// belongs to a nested .git directory.
func (w *watcher) ignored(path string) bool {
	path = filepath.Clean(path)
	if path == w.skip || strings.HasPrefix(path, w.skip+string(filepath.Separator)) {
		return true
	}
	sep := string(filepath.Separator)
	return filepath.Base(path) == ".git" || strings.Contains(path, sep+".git"+sep)
}

func (w *watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			w.logger.Debug("work tree changed", "path", ev.Name, "op", ev.Op.String())
			w.onChange()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *watcher) Close() error {
	return w.fs.Close()
}
