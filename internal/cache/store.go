// Package cache stores successful build results addressed by the hash of their
// BuildConfig.
//
// The whole index is a single JSON document that is rewritten on every
// mutation. The in-memory map is authoritative while the process runs; the
// document is a snapshot reloaded at construction. There is no cross-process
// locking.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	ferrors "git.home.luguber.info/inful/pagebuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
	"git.home.luguber.info/inful/pagebuilder/internal/model"
)

// IndexFileName is the name of the JSON index inside the cache directory.
const IndexFileName = "cache-index.json"

// DefaultMaxAge is used when no TTL is configured.
const DefaultMaxAge = 24 * time.Hour

// Entry is one cached build result.
type Entry struct {
	BuildID   string             `json:"buildId"`
	Result    *model.BuildResult `json:"result"`
	Timestamp time.Time          `json:"timestamp"`
	Hash      string             `json:"hash"`
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Options configures a Store.
type Options struct {
	MaxAge time.Duration
	Clock  clockwork.Clock
}

// Store is a content-hash addressed store of build results with TTL expiry and
// artifact existence validation.
type Store struct {
	dir     string
	maxAge  time.Duration
	clock   clockwork.Clock
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewStore opens (or creates) the cache rooted at dir and loads the persisted index.
// An unreadable index is logged and replaced by an empty cache.
func NewStore(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCache, "create cache directory").
			WithContext("dir", dir).Build()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Store{
		dir:     dir,
		maxAge:  opts.MaxAge,
		clock:   opts.Clock,
		entries: make(map[string]*Entry),
	}
	if err := s.load(); err != nil {
		slog.Warn("Cache index unreadable, starting empty", logfields.Path(s.indexPath()), logfields.Error(err))
		s.entries = make(map[string]*Entry)
	}
	return s, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// MaxAge returns the configured TTL.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Get returns the entry for hash, or nil when absent, expired, or when its
// artifact no longer exists. Expired and stale entries are purged.
func (s *Store) Get(hash string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hash]
	if !ok {
		return nil
	}
	if s.expired(entry) {
		slog.Debug("Cache entry expired", logfields.Hash(hash), logfields.BuildID(entry.BuildID))
		s.invalidateLocked(hash)
		return nil
	}
	if !artifactExists(entry) {
		slog.Info("Cached artifact missing, invalidating", logfields.Hash(hash), logfields.BuildID(entry.BuildID))
		s.invalidateLocked(hash)
		return nil
	}
	return cloneEntry(entry)
}

// Set upserts the entry for hash, persists the index, then sweeps expired entries.
func (s *Store) Set(hash string, entry *Entry) error {
	if entry == nil {
		return ferrors.CacheError("nil cache entry").WithContext("hash", hash).Build()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := cloneEntry(entry)
	e.Hash = hash
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	s.entries[hash] = e

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.sweepLocked()
	return nil
}

// Invalidate removes the artifact of hash from disk (best effort) and drops the entry.
func (s *Store) Invalidate(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked(hash)
}

// Cleanup invalidates every entry older than MaxAge and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

// Clear empties the map and recursively empties the backing directory.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	children, err := os.ReadDir(s.dir)
	if err != nil && !os.IsNotExist(err) {
		return ferrors.WrapError(err, ferrors.CategoryCache, "read cache directory").WithContext("dir", s.dir).Build()
	}
	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(s.dir, child.Name())); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryCache, "empty cache directory").WithContext("dir", s.dir).Build()
		}
	}
	return s.persistLocked()
}

// GetStats returns the entry count and the cumulative artifact size.
// Missing artifacts contribute zero bytes.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Entries: len(s.entries)}
	for _, e := range s.entries {
		if e.Result == nil || e.Result.OutputPath == "" {
			continue
		}
		stats.Bytes += pathSize(e.Result.OutputPath)
	}
	return stats
}

// Hashes returns the hashes of all entries.
func (s *Store) Hashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for h := range s.entries {
		out = append(out, h)
	}
	return out
}

func (s *Store) expired(e *Entry) bool {
	return s.clock.Since(e.Timestamp) > s.maxAge
}

func (s *Store) sweepLocked() int {
	removed := 0
	for hash, e := range s.entries {
		if s.expired(e) {
			s.invalidateLocked(hash)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Swept expired cache entries", slog.Int("removed", removed))
	}
	return removed
}

func (s *Store) invalidateLocked(hash string) {
	entry, ok := s.entries[hash]
	if !ok {
		return
	}
	if entry.Result != nil && entry.Result.OutputPath != "" {
		if err := os.RemoveAll(entry.Result.OutputPath); err != nil {
			slog.Warn("Failed to remove cached artifact",
				logfields.Hash(hash), logfields.Path(entry.Result.OutputPath), logfields.Error(err))
		}
	}
	delete(s.entries, hash)
	if err := s.persistLocked(); err != nil {
		slog.Warn("Failed to persist cache index", logfields.Error(err))
	}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, IndexFileName)
}

func (s *Store) load() error {
	// #nosec G304 - index path is derived from the configured cache directory
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return ferrors.WrapError(err, ferrors.CategoryCache, "read cache index").Build()
	}
	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCache, "decode cache index").Build()
	}
	for hash, e := range entries {
		if e == nil {
			delete(entries, hash)
		}
	}
	s.entries = entries
	return nil
}

// persistLocked rewrites the full index through a temp file and rename so
// readers never observe a partial document.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCache, "encode cache index").Build()
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCache, "create cache directory").Build()
	}
	tmp, err := os.CreateTemp(s.dir, IndexFileName+".*.tmp")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCache, "create temp index").Build()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return ferrors.WrapError(err, ferrors.CategoryCache, "write temp index").Build()
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return ferrors.WrapError(err, ferrors.CategoryCache, "close temp index").Build()
	}
	if err := os.Rename(tmpName, s.indexPath()); err != nil {
		_ = os.Remove(tmpName)
		return ferrors.WrapError(err, ferrors.CategoryCache, "replace cache index").Build()
	}
	return nil
}

func artifactExists(e *Entry) bool {
	if e.Result == nil || e.Result.OutputPath == "" {
		return false
	}
	_, err := os.Stat(e.Result.OutputPath)
	return err == nil
}

func pathSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, ierr := d.Info(); ierr == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Result = e.Result.Clone()
	return &cp
}

// HumanSize renders Bytes in SI units.
func (s Stats) HumanSize() string {
	if s.Bytes < 0 {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(uint64(s.Bytes))
}

// String implements fmt.Stringer for log output.
func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %s", s.Entries, s.HumanSize())
}
