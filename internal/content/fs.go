package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Layout is the pair of opaque relative paths tying a profile record to its
// on-disk content: one file for the profile itself and one directory for
// auxiliary fetched assets. Names are random, never derived from
// user-supplied input, and never reused.
type Layout struct {
	File    string
	BaseDir string
}

// NewLayout allocates a fresh random layout.
func NewLayout() Layout {
	id := uuid.NewString()
	return Layout{
		File:    id + ".profile",
		BaseDir: id + ".d",
	}
}

// FS resolves layouts against the data directory on local disk.
type FS struct {
	dataDir string
}

// NewFS creates a filesystem content manager rooted at dataDir.
func NewFS(dataDir string) (*FS, error) {
	trimmed := strings.TrimSpace(dataDir)
	if trimmed == "" {
		return nil, fmt.Errorf("content data directory is empty")
	}
	return &FS{dataDir: filepath.Clean(trimmed)}, nil
}

// DataDir returns the root directory for materialized content.
func (f *FS) DataDir() string {
	return f.dataDir
}

// FilePath resolves a layout's profile file to an absolute path.
func (f *FS) FilePath(l Layout) (string, error) {
	if err := validateName(l.File); err != nil {
		return "", err
	}
	return filepath.Join(f.dataDir, l.File), nil
}

// DirPath resolves a layout's base directory to an absolute path.
func (f *FS) DirPath(l Layout) (string, error) {
	if err := validateName(l.BaseDir); err != nil {
		return "", err
	}
	return filepath.Join(f.dataDir, l.BaseDir), nil
}

// Prepare creates the data directory and the layout's base directory,
// returning the resolved file and directory paths ready for a fetch.
func (f *FS) Prepare(l Layout) (filePath, dirPath string, err error) {
	filePath, err = f.FilePath(l)
	if err != nil {
		return "", "", err
	}
	dirPath, err = f.DirPath(l)
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(f.dataDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create data directory: %w", err)
	}
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return "", "", fmt.Errorf("create profile base directory: %w", err)
	}
	return filePath, dirPath, nil
}

// StagingPath resolves the temporary target content is fetched into before
// it replaces the live profile file.
func (f *FS) StagingPath(l Layout) (string, error) {
	filePath, err := f.FilePath(l)
	if err != nil {
		return "", err
	}
	return filePath + ".part", nil
}

// Promote replaces the live profile file with staged content in a single
// rename, so readers never observe a half-written file.
func (f *FS) Promote(l Layout) error {
	filePath, err := f.FilePath(l)
	if err != nil {
		return err
	}
	if err := os.Rename(filePath+".part", filePath); err != nil {
		return fmt.Errorf("promote staged content: %w", err)
	}
	return nil
}

// DiscardStaged drops staged content left behind by a failed fetch. The
// live profile file is untouched; a missing staging file is not an error.
func (f *FS) DiscardStaged(l Layout) error {
	filePath, err := f.FilePath(l)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath + ".part"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard staged content: %w", err)
	}
	return nil
}

// Remove deletes a layout's file, any staged content, and its base
// directory. Missing paths are not an error; Remove is used both for
// profile removal and for cleaning up after a failed create.
func (f *FS) Remove(l Layout) error {
	filePath, err := f.FilePath(l)
	if err != nil {
		return err
	}
	dirPath, err := f.DirPath(l)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove profile file: %w", err)
	}
	if err := os.Remove(filePath + ".part"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged content: %w", err)
	}
	if err := os.RemoveAll(dirPath); err != nil {
		return fmt.Errorf("remove profile base directory: %w", err)
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("content path is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("content path %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("content path %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("content path %q is invalid", name)
	}
	return nil
}
