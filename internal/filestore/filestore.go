// Package filestore owns the on-disk layout of uploaded attachments:
// uploads/<date-or-schedule_id>/<original-filename>.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"go.uber.org/zap"
)

const (
	directoryPermission = 0o755
	fallbackPrefix      = "schedule_"
	tempPattern         = ".upload-*"
)

var errMissingRoot = errors.New("filestore: root directory is required")

// ScheduleLookup resolves schedule records by id.
type ScheduleLookup interface {
	GetSchedule(ctx context.Context, id int64) (metadata.ScheduleRecord, error)
}

// Config describes the dependencies of a Store.
type Config struct {
	// Root is the service root; relative attachment paths are relative to it.
	Root string
	// UploadsDir is the upload directory, relative to Root unless absolute.
	UploadsDir string
	Schedules  ScheduleLookup
	Logger     *zap.Logger
}

// Store maps schedules to upload directories and moves attachment bytes on and off disk.
type Store struct {
	root       string
	uploadsDir string
	schedules  ScheduleLookup
	logger     *zap.Logger
}

// SavedFile describes a file written by Save.
type SavedFile struct {
	Name         string
	Path         string
	RelativePath string
	Size         int64
}

// New builds a Store and creates the upload directory when absent.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errMissingRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	uploadsDir := cfg.UploadsDir
	if uploadsDir == "" {
		uploadsDir = "uploads"
	}
	if !filepath.IsAbs(uploadsDir) {
		uploadsDir = filepath.Join(root, uploadsDir)
	}

	if _, statErr := os.Stat(uploadsDir); errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(uploadsDir, directoryPermission); err != nil {
			return nil, fmt.Errorf("create uploads directory %s: %w", uploadsDir, err)
		}
		logger.Info("created uploads directory", zap.String("path", uploadsDir))
	}

	return &Store{
		root:       root,
		uploadsDir: uploadsDir,
		schedules:  cfg.Schedules,
		logger:     logger,
	}, nil
}

// UploadsDir returns the absolute upload directory.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

// DirectoryName returns the folder name used for a schedule: its date when
// set, otherwise schedule_<id>.
func DirectoryName(scheduleID int64, date string) string {
	if date != "" {
		return date
	}
	return fallbackPrefix + strconv.FormatInt(scheduleID, 10)
}

// ResolveDirectory returns the upload directory for scheduleID, creating it
// (and its parents) when absent. Unknown schedules fall back to schedule_<id>.
func (s *Store) ResolveDirectory(ctx context.Context, scheduleID int64) (string, error) {
	date := ""
	if s.schedules != nil {
		record, err := s.schedules.GetSchedule(ctx, scheduleID)
		switch {
		case err == nil:
			date = record.Date
		case errors.Is(err, metadata.ErrScheduleNotFound):
		default:
			return "", err
		}
	}

	dir := filepath.Join(s.uploadsDir, DirectoryName(scheduleID, date))
	if err := os.MkdirAll(dir, directoryPermission); err != nil {
		return "", fmt.Errorf("create schedule directory %s: %w", dir, err)
	}
	return dir, nil
}

// Save writes src to dir/name through a temporary file and an atomic rename.
// An existing file with the same name is replaced.
func (s *Store) Save(dir, name string, src io.Reader) (SavedFile, error) {
	fullPath := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return SavedFile{}, fmt.Errorf("create temporary file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return SavedFile{}, fmt.Errorf("write %s: %w", fullPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return SavedFile{}, fmt.Errorf("sync %s: %w", fullPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return SavedFile{}, fmt.Errorf("close %s: %w", fullPath, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return SavedFile{}, fmt.Errorf("rename %s: %w", fullPath, err)
	}

	relativePath, err := filepath.Rel(s.root, fullPath)
	if err != nil {
		relativePath = fullPath
	}

	return SavedFile{
		Name:         filepath.Base(fullPath),
		Path:         fullPath,
		RelativePath: filepath.ToSlash(relativePath),
		Size:         size,
	}, nil
}

// Locate returns the absolute disk path of an attachment, preferring its
// root-relative path.
func (s *Store) Locate(attachment metadata.Attachment) string {
	if attachment.RelativePath != "" {
		if filepath.IsAbs(attachment.RelativePath) {
			return attachment.RelativePath
		}
		return filepath.Join(s.root, filepath.FromSlash(attachment.RelativePath))
	}
	if filepath.IsAbs(attachment.Path) {
		return attachment.Path
	}
	return filepath.Join(s.root, attachment.Path)
}

// Exists reports whether a regular file is present at path.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Open opens the file at path for reading.
func (s *Store) Open(path string) (*os.File, error) {
	return os.Open(path)
}

// Remove deletes the file at path. A missing file is not an error; the
// returned bool reports whether a file was actually removed.
func (s *Store) Remove(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	return true, nil
}
