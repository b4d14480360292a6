package cache

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
)

// Watcher invalidates cache entries whose artifact directory is removed or
// renamed underneath the artifact root by something other than the store.
// fsnotify is not recursive, so every directory down to the artifact
// directories is watched, and new directories are added as they appear.
type Watcher struct {
	store   *Store
	root    string
	watcher *fsnotify.Watcher
}

// NewWatcher watches artifactRoot on behalf of store.
func NewWatcher(store *Store, artifactRoot string) (*Watcher, error) {
	absRoot, err := filepath.Abs(artifactRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(absRoot); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch artifact root %s: %w", absRoot, err)
	}
	aw := &Watcher{store: store, root: absRoot, watcher: w}
	aw.addTree(absRoot)
	return aw, nil
}

// addTree watches dir and the directories below it. Directories holding a
// cached artifact are watched themselves but not descended into.
func (w *Watcher) addTree(dir string) {
	artifacts := w.store.artifactDirs()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished while walking; its removal event reports it.
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root {
			if err := w.watcher.Add(path); err != nil {
				slog.Debug("Unable to watch artifact directory", logfields.Path(path), logfields.Error(err))
				return fs.SkipDir
			}
		}
		if _, ok := artifacts[path]; ok {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		slog.Debug("Unable to walk artifact directory", logfields.Path(dir), logfields.Error(err))
	}
}

// watching reports whether dir is currently watched.
func (w *Watcher) watching(dir string) bool {
	return slices.Contains(w.watcher.WatchList(), dir)
}

// Run processes file system events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			slog.Error("Error closing artifact watcher", logfields.Error(err))
		}
	}()

	slog.Info("Watching artifact root", logfields.Path(w.root))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.handleRemoved(event.Name)
			case event.Op&fsnotify.Create != 0:
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Artifact watcher error", logfields.Error(err))
		}
	}
}

// handleRemoved drops every entry whose artifact lived at or below removed.
func (w *Watcher) handleRemoved(removed string) {
	n := w.store.InvalidateMissingUnder(removed)
	if n > 0 {
		slog.Info("Artifact removed externally, cache entries invalidated",
			logfields.Path(removed), slog.Int("entries", n))
	}
}

// Watch blocks watching artifactRoot for removals until ctx is done.
func (s *Store) Watch(ctx context.Context, artifactRoot string) error {
	w, err := NewWatcher(s, artifactRoot)
	if err != nil {
		return err
	}
	w.Run(ctx)
	return nil
}

// artifactDirs returns the absolute artifact paths of the cached entries.
func (s *Store) artifactDirs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirs := make(map[string]struct{}, len(s.entries))
	for _, e := range s.entries {
		if e.Result == nil || e.Result.OutputPath == "" {
			continue
		}
		if abs, err := filepath.Abs(e.Result.OutputPath); err == nil {
			dirs[abs] = struct{}{}
		}
	}
	return dirs
}

// InvalidateMissingUnder drops entries whose artifact path is at or below
// prefix and no longer exists on disk. It returns the number dropped.
func (s *Store) InvalidateMissingUnder(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix = filepath.Clean(prefix)
	removed := 0
	for hash, e := range s.entries {
		if e.Result == nil || e.Result.OutputPath == "" {
			continue
		}
		out, err := filepath.Abs(e.Result.OutputPath)
		if err != nil {
			continue
		}
		if out != prefix && !isWithin(prefix, out) {
			continue
		}
		if artifactExists(e) {
			continue
		}
		s.invalidateLocked(hash)
		removed++
	}
	return removed
}

func isWithin(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
