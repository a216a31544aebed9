package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("metadata: database handle is required")

// ScheduleRow stores one schedule record as a JSON payload.
type ScheduleRow struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduleRow) TableName() string {
	return "schedule_records"
}

// DocumentRow stores a named singleton document such as the message board.
type DocumentRow struct {
	Name        string `gorm:"column:name;primaryKey;size:64;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "documents"
}

// SQLiteStoreConfig describes the dependencies of a SQLiteStore.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// SQLiteStore implements Repository on top of gorm. UpdateSchedule runs in a
// transaction holding the record row.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore wraps an opened and migrated database.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: cfg.Database, logger: logger}, nil
}

func decodeScheduleRow(row ScheduleRow) (ScheduleRecord, error) {
	var record ScheduleRecord
	if err := json.Unmarshal([]byte(row.PayloadJSON), &record); err != nil {
		return ScheduleRecord{}, err
	}
	record.ID = row.ID
	return record, nil
}

func encodeScheduleRow(record ScheduleRecord) (ScheduleRow, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return ScheduleRow{}, fmt.Errorf("encode schedule %d: %w", record.ID, err)
	}
	return ScheduleRow{ID: record.ID, PayloadJSON: string(payload)}, nil
}

// ListSchedules returns every schedule record ordered by id.
func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	var rows []ScheduleRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]ScheduleRecord, 0, len(rows))
	for _, row := range rows {
		record, err := decodeScheduleRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// GetSchedule returns the record with the given id.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id int64) (ScheduleRecord, error) {
	var row ScheduleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ScheduleRecord{}, ErrScheduleNotFound
	}
	if err != nil {
		return ScheduleRecord{}, err
	}
	return decodeScheduleRow(row)
}

// CreateSchedule inserts a record, assigning the next id when record.ID is zero.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, record ScheduleRecord) (ScheduleRecord, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if record.ID == 0 {
			var highest int64
			if err := tx.Model(&ScheduleRow{}).Select("COALESCE(MAX(id), 0)").Scan(&highest).Error; err != nil {
				return err
			}
			record.ID = highest + 1
		} else {
			var existing int64
			if err := tx.Model(&ScheduleRow{}).Where("id = ?", record.ID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return fmt.Errorf("%w: %d", ErrScheduleExists, record.ID)
			}
		}
		row, err := encodeScheduleRow(record)
		if err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return ScheduleRecord{}, err
	}
	return record.Clone(), nil
}

// UpdateSchedule applies mutate inside a transaction and saves the result.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, id int64, mutate func(*ScheduleRecord) error) (ScheduleRecord, error) {
	var updated ScheduleRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ScheduleRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrScheduleNotFound
		}
		if err != nil {
			return err
		}

		record, err := decodeScheduleRow(row)
		if err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.ID = id

		saved, err := encodeScheduleRow(record)
		if err != nil {
			return err
		}
		if err := tx.Save(&saved).Error; err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return ScheduleRecord{}, err
	}
	return updated, nil
}

// GetMessageBoard returns the board and whether one has ever been stored.
func (s *SQLiteStore) GetMessageBoard(ctx context.Context) (MessageBoard, bool, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).Where("name = ?", documentMessageBoard).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MessageBoard{}, false, nil
	}
	if err != nil {
		return MessageBoard{}, false, err
	}
	var board MessageBoard
	if err := json.Unmarshal([]byte(row.PayloadJSON), &board); err != nil {
		return MessageBoard{}, false, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, documentMessageBoard, err)
	}
	return board, true, nil
}

// PutMessageBoard replaces the board.
func (s *SQLiteStore) PutMessageBoard(ctx context.Context, board MessageBoard) error {
	payload, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("encode %s: %w", documentMessageBoard, err)
	}
	row := DocumentRow{Name: documentMessageBoard, PayloadJSON: string(payload)}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// BackfillAttachmentIDs assigns stable ids to stored attachments that lack one.
func BackfillAttachmentIDs(tx *gorm.DB, ids IDProvider) error {
	var rows []ScheduleRow
	if err := tx.Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		record, err := decodeScheduleRow(row)
		if err != nil {
			return err
		}
		records := []ScheduleRecord{record}
		changed, err := backfillAttachmentIDs(records, ids)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		saved, err := encodeScheduleRow(records[0])
		if err != nil {
			return err
		}
		if err := tx.Save(&saved).Error; err != nil {
			return err
		}
	}
	return nil
}
