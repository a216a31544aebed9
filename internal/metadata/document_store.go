package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	collectionSchedule     = "schedule"
	documentMessageBoard   = "messageBoard"
	documentFilePermission = 0o644
)

var errMissingDocumentPath = errors.New("metadata: document path is required")

// DocumentStoreConfig describes the dependencies of a DocumentStore.
type DocumentStoreConfig struct {
	Path       string
	IDProvider IDProvider
	Logger     *zap.Logger
}

// DocumentStore keeps every collection in one JSON file, in the layout
// json-server uses: {"schedule": [...], "messageBoard": {...}}. Top-level
// keys it does not own are preserved. All writes are serialised and the file
// is replaced atomically on each one.
type DocumentStore struct {
	path   string
	logger *zap.Logger

	mu        sync.RWMutex
	schedules []ScheduleRecord
	board     *MessageBoard
	others    map[string]json.RawMessage
}

// OpenDocumentStore loads the document at cfg.Path, starting empty when the file does not exist.
func OpenDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.Path == "" {
		return nil, errMissingDocumentPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	store := &DocumentStore{
		path:   cfg.Path,
		logger: logger,
		others: make(map[string]json.RawMessage),
	}
	if err := store.load(); err != nil {
		return nil, err
	}

	changed, err := backfillAttachmentIDs(store.schedules, ids)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := store.persistLocked(); err != nil {
			return nil, err
		}
		logger.Info("attachment ids backfilled", zap.String("path", cfg.Path))
	}

	logger.Info("metadata document loaded",
		zap.String("path", cfg.Path),
		zap.Int("schedules", len(store.schedules)))
	return store, nil
}

func (s *DocumentStore) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, s.path, err)
	}
	for key, value := range top {
		switch key {
		case collectionSchedule:
			if err := json.Unmarshal(value, &s.schedules); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, key, err)
			}
		case documentMessageBoard:
			if isJSONNull(value) {
				continue
			}
			var board MessageBoard
			if err := json.Unmarshal(value, &board); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, key, err)
			}
			s.board = &board
		default:
			s.others[key] = value
		}
	}
	return nil
}

func (s *DocumentStore) persistLocked() error {
	top := make(map[string]any, len(s.others)+2)
	for key, value := range s.others {
		top[key] = value
	}
	schedules := s.schedules
	if schedules == nil {
		schedules = []ScheduleRecord{}
	}
	top[collectionSchedule] = schedules
	if s.board != nil {
		top[documentMessageBoard] = s.board
	}

	encoded, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(tmpPath, encoded, documentFilePermission); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *DocumentStore) indexOf(id int64) int {
	for index, record := range s.schedules {
		if record.ID == id {
			return index
		}
	}
	return -1
}

// ListSchedules returns every schedule record in stored order.
func (s *DocumentStore) ListSchedules(_ context.Context) ([]ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]ScheduleRecord, 0, len(s.schedules))
	for _, record := range s.schedules {
		records = append(records, record.Clone())
	}
	return records, nil
}

// GetSchedule returns the record with the given id.
func (s *DocumentStore) GetSchedule(_ context.Context, id int64) (ScheduleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.indexOf(id)
	if index < 0 {
		return ScheduleRecord{}, ErrScheduleNotFound
	}
	return s.schedules[index].Clone(), nil
}

// CreateSchedule appends a record, assigning the next id when record.ID is zero.
func (s *DocumentStore) CreateSchedule(_ context.Context, record ScheduleRecord) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == 0 {
		record.ID = nextScheduleID(s.schedules)
	}
	if s.indexOf(record.ID) >= 0 {
		return ScheduleRecord{}, fmt.Errorf("%w: %d", ErrScheduleExists, record.ID)
	}

	previous := s.schedules
	s.schedules = append(append([]ScheduleRecord(nil), s.schedules...), record.Clone())
	if err := s.persistLocked(); err != nil {
		s.schedules = previous
		return ScheduleRecord{}, err
	}
	return record.Clone(), nil
}

// UpdateSchedule applies mutate to the record under the store lock and persists the result.
func (s *DocumentStore) UpdateSchedule(_ context.Context, id int64, mutate func(*ScheduleRecord) error) (ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.indexOf(id)
	if index < 0 {
		return ScheduleRecord{}, ErrScheduleNotFound
	}

	previous := s.schedules[index]
	working := previous.Clone()
	if err := mutate(&working); err != nil {
		return ScheduleRecord{}, err
	}
	working.ID = id

	s.schedules[index] = working
	if err := s.persistLocked(); err != nil {
		s.schedules[index] = previous
		return ScheduleRecord{}, err
	}
	return working.Clone(), nil
}

// GetMessageBoard returns the board and whether one has ever been stored.
func (s *DocumentStore) GetMessageBoard(_ context.Context) (MessageBoard, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.board == nil {
		return MessageBoard{}, false, nil
	}
	return *s.board, true, nil
}

// PutMessageBoard replaces the board.
func (s *DocumentStore) PutMessageBoard(_ context.Context, board MessageBoard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.board
	s.board = &board
	if err := s.persistLocked(); err != nil {
		s.board = previous
		return err
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *DocumentStore) Close() error {
	return nil
}
