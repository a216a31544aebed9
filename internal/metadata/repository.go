package metadata

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists schedule records and the message board.
//
// UpdateSchedule is a read-modify-write under mutual exclusion for the
// record: mutate observes the latest committed state and no other writer to
// the same record interleaves until it returns. A non-nil error from mutate
// aborts the write and is returned unchanged.
type Repository interface {
	ListSchedules(ctx context.Context) ([]ScheduleRecord, error)
	GetSchedule(ctx context.Context, id int64) (ScheduleRecord, error)
	CreateSchedule(ctx context.Context, record ScheduleRecord) (ScheduleRecord, error)
	UpdateSchedule(ctx context.Context, id int64, mutate func(*ScheduleRecord) error) (ScheduleRecord, error)
	GetMessageBoard(ctx context.Context) (MessageBoard, bool, error)
	PutMessageBoard(ctx context.Context, board MessageBoard) error
	Close() error
}

// IDProvider issues stable attachment identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// backfillAttachmentIDs assigns ids to attachments written before ids existed.
// It reports whether any record changed.
func backfillAttachmentIDs(records []ScheduleRecord, ids IDProvider) (bool, error) {
	changed := false
	for recordIndex := range records {
		for fileIndex := range records[recordIndex].Files {
			if records[recordIndex].Files[fileIndex].ID != "" {
				continue
			}
			id, err := ids.NewID()
			if err != nil {
				return changed, err
			}
			records[recordIndex].Files[fileIndex].ID = id
			changed = true
		}
	}
	return changed, nil
}

func nextScheduleID(records []ScheduleRecord) int64 {
	var highest int64
	for _, record := range records {
		if record.ID > highest {
			highest = record.ID
		}
	}
	return highest + 1
}
