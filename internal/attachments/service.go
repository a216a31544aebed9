package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"go.uber.org/zap"
)

const (
	DefaultMaxFiles    = 10
	DefaultMaxFileSize = 50 << 20

	ActionUpload = "upload-files"
	ActionDelete = "delete-file"
)

var (
	// ErrAttachmentNotFound indicates that no attachment sits at the requested position.
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrFileMissing indicates that the attachment is indexed but absent on disk.
	ErrFileMissing = errors.New("attachment file missing on disk")
	// ErrTooManyFiles indicates that an upload carried more files than allowed.
	ErrTooManyFiles = errors.New("too many files in upload")
	// ErrFileTooLarge indicates that an uploaded file exceeds the size limit.
	ErrFileTooLarge = errors.New("uploaded file too large")
	// ErrInvalidFilename indicates an upload part without a usable filename.
	ErrInvalidFilename = errors.New("uploaded file has no name")

	errMissingRepository = errors.New("metadata repository is required")
	errMissingFileStore  = errors.New("file store is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "attachments.service.new"
	opUpload     = "attachments.upload"
	opOpen       = "attachments.open"
	opDelete     = "attachments.delete"
	opList       = "attachments.list"
	opListAll    = "attachments.list_all"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Repository  metadata.Repository
	Files       *filestore.Store
	Recorder    audit.Recorder
	IDProvider  metadata.IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxFiles    int
	MaxFileSize int64
}

// Service keeps attachment bytes on disk and their index in schedule records consistent.
type Service struct {
	repository  metadata.Repository
	files       *filestore.Store
	recorder    audit.Recorder
	idProvider  metadata.IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	maxFiles    int
	maxFileSize int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
	}
	if cfg.Files == nil {
		return nil, newServiceError(opServiceNew, "missing_file_store", errMissingFileStore)
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.Discard
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = metadata.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	return &Service{
		repository:  cfg.Repository,
		files:       cfg.Files,
		recorder:    recorder,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		maxFiles:    maxFiles,
		maxFileSize: maxFileSize,
	}, nil
}

// UploadFile is one part of a multipart upload. Name is the filename exactly
// as the client sent it; Open is called once.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

type UploadResult struct {
	Files    []metadata.Attachment
	Uploaded int
}

// Upload writes files into the schedule's directory and appends one
// attachment per file, in order, to the schedule record. Limits are checked
// before anything touches the disk. Files already written are kept when a
// later file fails.
func (s *Service) Upload(ctx context.Context, scheduleID int64, files []UploadFile) (UploadResult, error) {
	if len(files) > s.maxFiles {
		return UploadResult{}, newServiceError(opUpload, "too_many_files", ErrTooManyFiles)
	}
	for _, file := range files {
		if file.Size > s.maxFileSize {
			return UploadResult{}, newServiceError(opUpload, "file_too_large",
				fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, file.Name, file.Size))
		}
	}

	if _, err := s.repository.GetSchedule(ctx, scheduleID); err != nil {
		return UploadResult{}, s.scheduleError(opUpload, scheduleID, err)
	}

	dir, err := s.files.ResolveDirectory(ctx, scheduleID)
	if err != nil {
		s.logError(opUpload, "resolve_directory_failed", err, zap.Int64("schedule_id", scheduleID))
		return UploadResult{}, newServiceError(opUpload, "resolve_directory_failed", err)
	}

	added := make([]metadata.Attachment, 0, len(files))
	var totalSize int64
	for _, file := range files {
		attachment, err := s.store(dir, file)
		if err != nil {
			s.logError(opUpload, "write_failed", err,
				zap.Int64("schedule_id", scheduleID),
				zap.String("file_name", file.Name))
			return UploadResult{}, newServiceError(opUpload, "write_failed", err)
		}
		added = append(added, attachment)
		totalSize += attachment.Size
	}

	updatedAt := metadata.FormatTimestamp(s.clock())
	updated, err := s.repository.UpdateSchedule(ctx, scheduleID, func(record *metadata.ScheduleRecord) error {
		record.Files = append(record.Files, added...)
		record.UpdatedAt = updatedAt
		return nil
	})
	if err != nil {
		return UploadResult{}, s.scheduleError(opUpload, scheduleID, err)
	}

	names := make([]string, 0, len(added))
	for _, attachment := range added {
		names = append(names, attachment.Name)
	}
	s.recorder.Record(ctx, ActionUpload, audit.Details{}.
		With("scheduleId", scheduleID).
		With("week", updated.Week).
		With("date", updated.Date).
		With("fileCount", len(added)).
		With("fileNames", names).
		With("totalSize", totalSize).
		With("sizeFormatted", audit.FormatBytes(totalSize)))

	s.logger.Info("uploaded attachments",
		zap.Int64("schedule_id", scheduleID),
		zap.Int("count", len(added)),
		zap.Int64("total_size", totalSize))

	if updated.Files == nil {
		updated.Files = []metadata.Attachment{}
	}
	return UploadResult{Files: updated.Files, Uploaded: len(added)}, nil
}

func (s *Service) store(dir string, file UploadFile) (metadata.Attachment, error) {
	name := filestore.RepairFilename(file.Name)
	if base := filepath.Base(name); name == "" || base == "." || base == string(filepath.Separator) {
		return metadata.Attachment{}, ErrInvalidFilename
	}
	if file.Open == nil {
		return metadata.Attachment{}, fmt.Errorf("open %s: no content", name)
	}

	reader, err := file.Open()
	if err != nil {
		return metadata.Attachment{}, fmt.Errorf("open %s: %w", name, err)
	}
	saved, err := s.files.Save(dir, name, reader)
	reader.Close()
	if err != nil {
		return metadata.Attachment{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return metadata.Attachment{}, fmt.Errorf("generate attachment id: %w", err)
	}

	return metadata.Attachment{
		ID:           id,
		Name:         saved.Name,
		Filename:     saved.Name,
		Size:         saved.Size,
		Path:         saved.Path,
		RelativePath: saved.RelativePath,
		UploadDate:   metadata.FormatTimestamp(s.clock()),
		MimeType:     filestore.DetectMimeType(file.ContentType, saved.Path),
	}, nil
}

// Download is an open attachment ready to be streamed. The caller closes File.
type Download struct {
	Attachment metadata.Attachment
	File       *os.File
	Info       os.FileInfo
}

// Open resolves the attachment at index and opens its file. It fails with
// metadata.ErrScheduleNotFound, ErrAttachmentNotFound or ErrFileMissing.
func (s *Service) Open(ctx context.Context, scheduleID int64, index int) (Download, error) {
	record, err := s.repository.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Download{}, s.scheduleError(opOpen, scheduleID, err)
	}
	attachment, ok := record.Attachment(index)
	if !ok {
		return Download{}, newServiceError(opOpen, "attachment_not_found", ErrAttachmentNotFound)
	}

	path := s.files.Locate(attachment)
	file, err := s.files.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Download{}, newServiceError(opOpen, "file_missing", ErrFileMissing)
	}
	if err != nil {
		s.logError(opOpen, "open_failed", err, zap.String("path", path))
		return Download{}, newServiceError(opOpen, "open_failed", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		s.logError(opOpen, "stat_failed", err, zap.String("path", path))
		return Download{}, newServiceError(opOpen, "stat_failed", err)
	}
	if info.IsDir() {
		file.Close()
		return Download{}, newServiceError(opOpen, "file_missing", ErrFileMissing)
	}

	return Download{Attachment: attachment, File: file, Info: info}, nil
}

// Delete removes the attachment at index from disk and from the schedule
// record and returns the number of attachments left. The audit entry is
// written before the file is removed; a file already gone from disk is not
// an error.
func (s *Service) Delete(ctx context.Context, scheduleID int64, index int) (int, error) {
	record, err := s.repository.GetSchedule(ctx, scheduleID)
	if err != nil {
		return 0, s.scheduleError(opDelete, scheduleID, err)
	}
	attachment, ok := record.Attachment(index)
	if !ok {
		return 0, newServiceError(opDelete, "attachment_not_found", ErrAttachmentNotFound)
	}

	s.recorder.Record(ctx, ActionDelete, audit.Details{}.
		With("scheduleId", scheduleID).
		With("week", record.Week).
		With("date", record.Date).
		With("fileName", attachment.Name).
		With("fileSize", attachment.Size).
		With("sizeFormatted", audit.FormatBytes(attachment.Size)))

	path := s.files.Locate(attachment)
	removed, err := s.files.Remove(path)
	if err != nil {
		s.logError(opDelete, "remove_failed", err, zap.String("path", path))
		return 0, newServiceError(opDelete, "remove_failed", err)
	}
	if !removed {
		s.logger.Warn("attachment file already absent", zap.String("path", path))
	}

	updatedAt := metadata.FormatTimestamp(s.clock())
	updated, err := s.repository.UpdateSchedule(ctx, scheduleID, func(current *metadata.ScheduleRecord) error {
		if !removeAttachment(current, attachment, index) {
			return ErrAttachmentNotFound
		}
		current.UpdatedAt = updatedAt
		return nil
	})
	if errors.Is(err, ErrAttachmentNotFound) {
		return 0, newServiceError(opDelete, "attachment_not_found", err)
	}
	if err != nil {
		return 0, s.scheduleError(opDelete, scheduleID, err)
	}

	s.logger.Info("deleted attachment",
		zap.Int64("schedule_id", scheduleID),
		zap.String("file_name", attachment.Name))

	return len(updated.Files), nil
}

// removeAttachment drops attachment from record by id. Entries without an id
// fall back to their position when it still holds the same file.
func removeAttachment(record *metadata.ScheduleRecord, attachment metadata.Attachment, index int) bool {
	if attachment.ID != "" {
		return record.RemoveAttachment(attachment.ID)
	}
	current, ok := record.Attachment(index)
	if !ok || current != attachment {
		return false
	}
	record.Files = slices.Delete(slices.Clone(record.Files), index, index+1)
	return true
}

// List returns the attachments of one schedule, never nil.
func (s *Service) List(ctx context.Context, scheduleID int64) ([]metadata.Attachment, error) {
	record, err := s.repository.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, s.scheduleError(opList, scheduleID, err)
	}
	if record.Files == nil {
		return []metadata.Attachment{}, nil
	}
	return record.Files, nil
}

// CatalogEntry is an attachment annotated with its owning schedule and position.
type CatalogEntry struct {
	metadata.Attachment
	ScheduleID   int64  `json:"scheduleId"`
	ScheduleWeek int    `json:"scheduleWeek"`
	ScheduleDate string `json:"scheduleDate"`
	FileIndex    int    `json:"fileIndex"`
	DownloadURL  string `json:"downloadUrl"`
}

// DownloadURL returns the positional download path of an attachment.
func DownloadURL(scheduleID int64, index int) string {
	return "/schedule/" + strconv.FormatInt(scheduleID, 10) + "/files/" + strconv.Itoa(index)
}

// ListAll flattens every schedule's attachments, most recently uploaded first.
func (s *Service) ListAll(ctx context.Context) ([]CatalogEntry, error) {
	records, err := s.repository.ListSchedules(ctx)
	if err != nil {
		s.logError(opListAll, "list_failed", err)
		return nil, newServiceError(opListAll, "list_failed", err)
	}

	entries := make([]CatalogEntry, 0)
	for _, record := range records {
		for index, attachment := range record.Files {
			entries = append(entries, CatalogEntry{
				Attachment:   attachment,
				ScheduleID:   record.ID,
				ScheduleWeek: record.Week,
				ScheduleDate: record.Date,
				FileIndex:    index,
				DownloadURL:  DownloadURL(record.ID, index),
			})
		}
	}

	slices.SortStableFunc(entries, func(a, b CatalogEntry) int {
		return metadata.ParseTimestamp(b.UploadDate).Compare(metadata.ParseTimestamp(a.UploadDate))
	})
	return entries, nil
}

func (s *Service) scheduleError(operation string, scheduleID int64, err error) error {
	if errors.Is(err, metadata.ErrScheduleNotFound) {
		return newServiceError(operation, "schedule_not_found", err)
	}
	s.logError(operation, "repository_failed", err, zap.Int64("schedule_id", scheduleID))
	return newServiceError(operation, "repository_failed", err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("attachments service error", attrs...)
}
