// Package local stages uploaded containers on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/pkg/errors"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/logger"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/storage"
)

const (
	containerExt = ".umdf"
	sidecarExt   = ".meta"
)

// Config configures the local staging backend.
type Config struct {
	// BaseDir is the root directory for staged uploads.
	BaseDir string
}

// Store implements storage.Service on a local directory. Every staged
// file gets a collision-free name; the original filename travels in a
// JSON sidecar next to it.
type Store struct {
	config Config
}

// NewStore creates the staging directory if needed.
func NewStore(config Config) (*Store, error) {
	if config.BaseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{config: config}, nil
}

// validatePath checks that the given path is within the base directory.
// This prevents path traversal attacks (e.g., ../../etc/passwd). It
// also resolves symlinks to prevent symlink-based escapes.
func (s *Store) validatePath(path string) error {
	absBase, err := filepath.Abs(s.config.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	absBase = filepath.Clean(absBase)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	if !strings.HasPrefix(absPath+string(filepath.Separator), absBase+string(filepath.Separator)) &&
		absPath != absBase {
		return fmt.Errorf("path %q is outside base directory %q", path, s.config.BaseDir)
	}

	if _, err := os.Lstat(absPath); err == nil {
		realBase, err := filepath.EvalSymlinks(absBase)
		if err != nil {
			realBase = absBase
		}

		realPath, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return fmt.Errorf("failed to resolve symlinks: %w", err)
		}

		if !strings.HasPrefix(realPath+string(filepath.Separator), realBase+string(filepath.Separator)) &&
			realPath != realBase {
			return fmt.Errorf("path %q resolves outside base directory (symlink attack)", path)
		}
	}

	return nil
}

// Stage implements storage.Service.Stage.
func (s *Store) Stage(_ context.Context, filename string, r io.Reader) (*storage.Upload, error) {
	name := filepath.Base(filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, pkgerrors.New("storage", "stage",
			fmt.Errorf("filename is required")).WithStatusCode(422)
	}
	name = sanitizeFilename(name)
	if !strings.HasSuffix(strings.ToLower(name), containerExt) {
		name += containerExt
	}

	// A fresh UUID prefix keeps repeated uploads of the same file apart.
	staged := filepath.Join(s.config.BaseDir, uuid.New().String()+"_"+name)
	if err := s.validatePath(staged); err != nil {
		return nil, pkgerrors.New("storage", "stage",
			fmt.Errorf("invalid upload name: %w", err)).WithStatusCode(422)
	}

	size, err := s.writeFileAtomic(staged, r)
	if err != nil {
		return nil, pkgerrors.New("storage", "stage",
			fmt.Errorf("failed to stage upload: %w", err)).WithStatusCode(500)
	}

	upload := &storage.Upload{
		Path:     staged,
		Name:     name,
		Size:     size,
		StoredAt: time.Now().UTC(),
	}
	if err := s.storeSidecar(upload); err != nil {
		// The staged file is usable without its sidecar.
		logger.Warn("failed to store upload sidecar", "path", staged, "error", err)
	}
	return upload, nil
}

// List implements storage.Service.List.
func (s *Store) List(_ context.Context) ([]storage.Upload, error) {
	entries, err := os.ReadDir(s.config.BaseDir)
	if err != nil {
		return nil, pkgerrors.New("storage", "list",
			fmt.Errorf("failed to read staging directory: %w", err)).WithStatusCode(500)
	}

	uploads := make([]storage.Upload, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), containerExt) {
			continue
		}
		path := filepath.Join(s.config.BaseDir, entry.Name())
		uploads = append(uploads, s.describe(path, entry))
	}

	sort.Slice(uploads, func(i, j int) bool {
		return uploads[i].StoredAt.After(uploads[j].StoredAt)
	})
	return uploads, nil
}

// Remove implements storage.Service.Remove.
func (s *Store) Remove(_ context.Context, path string) error {
	if err := s.validatePath(path); err != nil {
		return pkgerrors.New("storage", "remove",
			fmt.Errorf("invalid upload reference: %w", err)).WithStatusCode(422)
	}

	_ = os.Remove(path + sidecarExt)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.New("storage", "remove",
			fmt.Errorf("failed to remove upload: %w", err)).WithStatusCode(500)
	}
	return nil
}

// Sweep implements storage.Service.Sweep.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	uploads, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, upload := range uploads {
		if upload.StoredAt.After(cutoff) {
			continue
		}
		if err := s.Remove(ctx, upload.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) writeFileAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.config.BaseDir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return size, nil
}

func (s *Store) storeSidecar(upload *storage.Upload) error {
	data, err := json.MarshalIndent(upload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(upload.Path+sidecarExt, data, 0600)
}

func (s *Store) loadSidecar(path string) (*storage.Upload, error) {
	data, err := os.ReadFile(path + sidecarExt)
	if err != nil {
		return nil, err
	}
	var upload storage.Upload
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}

// describe builds an Upload from the sidecar when present, falling back
// to directory entry attributes for files staged without one.
func (s *Store) describe(path string, entry os.DirEntry) storage.Upload {
	if upload, err := s.loadSidecar(path); err == nil {
		upload.Path = path
		return *upload
	}

	upload := storage.Upload{Path: path, Name: entry.Name()}
	if info, err := entry.Info(); err == nil {
		upload.Size = info.Size()
		upload.StoredAt = info.ModTime().UTC()
	}
	return upload
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}
