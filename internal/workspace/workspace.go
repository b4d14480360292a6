package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"git.home.luguber.info/inful/pagebuilder/internal/logfields"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Manager handles per-build working directories below a root directory.
type Manager struct {
	baseDir string
}

// NewManager creates a manager rooted at baseDir (the OS temp dir when empty).
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "pagebuilder-work")
	}
	return &Manager{baseDir: baseDir}
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.baseDir
}

// Path returns the working directory for buildID without creating it.
func (m *Manager) Path(buildID string) string {
	return filepath.Join(m.baseDir, DirName(buildID))
}

// Create creates a fresh working directory for buildID, replacing leftovers
// from an earlier attempt.
func (m *Manager) Create(buildID string) (string, error) {
	if buildID == "" {
		return "", fmt.Errorf("build id is required")
	}
	dir := m.Path(buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to reset workspace directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	slog.Debug("Created build workspace", logfields.BuildID(buildID), logfields.Path(dir))
	return dir, nil
}

// Remove deletes the working directory for buildID. A missing directory is not an error.
func (m *Manager) Remove(buildID string) error {
	if buildID == "" {
		return nil
	}
	dir := m.Path(buildID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}
	slog.Debug("Removed build workspace", logfields.BuildID(buildID), logfields.Path(dir))
	return nil
}

// DirName maps a build id onto a safe single path element.
func DirName(buildID string) string {
	name := unsafeChars.ReplaceAllString(buildID, "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// CopyDir recursively copies a directory tree. Symlinks are skipped.
func CopyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()|0o700); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		switch {
		case entry.IsDir():
			if err := CopyDir(srcPath, dstPath); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyFile copies a single file from src to dst, preserving permissions.
func copyFile(src, dst string) error {
	// #nosec G304 - src comes from a directory walk rooted at an operator-configured path
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	// #nosec G304 - dst mirrors src below a managed directory
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}
	return dstFile.Close()
}
