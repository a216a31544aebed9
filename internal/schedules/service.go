// Package schedules serves the schedule collection and the message board,
// auditing the fields people edit by hand before each write is applied.
package schedules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	fieldID        = "id"
	fieldFiles     = "files"
	fieldUpdatedAt = "updatedAt"
	fieldFeedbacks = "feedbacks"
	fieldNotice    = "notice"
)

var (
	// ErrInvalidPayload indicates a request body that is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")

	errMissingRepository = errors.New("metadata repository is required")
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
	opServiceNew = "schedules.service.new"
	opList       = "schedules.list"
	opGet        = "schedules.get"
	opCreate     = "schedules.create"
	opPatch      = "schedules.patch"
	opReplace    = "schedules.replace"
	opGetBoard   = "schedules.get_board"
	opPutBoard   = "schedules.put_board"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Repository metadata.Repository
	Detector   *changes.Detector
	Recorder   audit.Recorder
	IDProvider metadata.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	repository metadata.Repository
	detector   *changes.Detector
	recorder   audit.Recorder
	idProvider metadata.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", errMissingRepository)
	}
	detector := cfg.Detector
	if detector == nil {
		detector = changes.NewDetector()
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

	return &Service{
		repository: cfg.Repository,
		detector:   detector,
		recorder:   recorder,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *Service) List(ctx context.Context) ([]metadata.ScheduleRecord, error) {
	records, err := s.repository.ListSchedules(ctx)
	if err != nil {
		s.logError(opList, "list_failed", err)
		return nil, newServiceError(opList, "list_failed", err)
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, id int64) (metadata.ScheduleRecord, error) {
	record, err := s.repository.GetSchedule(ctx, id)
	if err != nil {
		return metadata.ScheduleRecord{}, s.repositoryError(opGet, id, err)
	}
	return record, nil
}

// Create stores a new record built from payload. The id is assigned when
// absent and updatedAt is always stamped by the server.
func (s *Service) Create(ctx context.Context, payload []byte) (metadata.ScheduleRecord, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return metadata.ScheduleRecord{}, newServiceError(opCreate, "invalid_payload", err)
	}
	fields[fieldUpdatedAt] = s.timestampJSON()

	record := metadata.RecordFromFields(fields)
	for index := range record.Files {
		if record.Files[index].ID != "" {
			continue
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err)
			return metadata.ScheduleRecord{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		record.Files[index].ID = id
	}

	created, err := s.repository.CreateSchedule(ctx, record)
	if errors.Is(err, metadata.ErrScheduleExists) {
		return metadata.ScheduleRecord{}, newServiceError(opCreate, "schedule_exists", err)
	}
	if err != nil {
		s.logError(opCreate, "create_failed", err)
		return metadata.ScheduleRecord{}, newServiceError(opCreate, "create_failed", err)
	}
	return created, nil
}

// Patch merges payload into the record. Attachments and the id cannot be
// changed this way.
func (s *Service) Patch(ctx context.Context, id int64, payload []byte) (metadata.ScheduleRecord, error) {
	return s.apply(ctx, opPatch, id, payload, true)
}

// Replace swaps every field of the record for payload, keeping its id and attachments.
func (s *Service) Replace(ctx context.Context, id int64, payload []byte) (metadata.ScheduleRecord, error) {
	return s.apply(ctx, opReplace, id, payload, false)
}

func (s *Service) apply(ctx context.Context, operation string, id int64, payload []byte, merge bool) (metadata.ScheduleRecord, error) {
	incoming, err := decodeObject(payload)
	if err != nil {
		return metadata.ScheduleRecord{}, newServiceError(operation, "invalid_payload", err)
	}
	delete(incoming, fieldID)
	delete(incoming, fieldFiles)

	s.auditScheduleChanges(ctx, id, payload)

	stamp := s.timestampJSON()
	updated, err := s.repository.UpdateSchedule(ctx, id, func(record *metadata.ScheduleRecord) error {
		fields := map[string]json.RawMessage{}
		if merge {
			current, err := record.Fields()
			if err != nil {
				return err
			}
			fields = current
		}
		for key, value := range incoming {
			fields[key] = value
		}
		fields[fieldUpdatedAt] = stamp

		next := metadata.RecordFromFields(fields)
		next.ID = record.ID
		next.Files = record.Files
		for _, key := range []string{fieldID, fieldFiles} {
			if raw, ok := record.Extra[key]; ok {
				next.Extra[key] = raw
			} else {
				delete(next.Extra, key)
			}
		}
		*record = next
		return nil
	})
	if err != nil {
		return metadata.ScheduleRecord{}, s.repositoryError(operation, id, err)
	}
	return updated, nil
}

// auditScheduleChanges records one entry per audited field in payload. It
// runs before the write, so a record that does not exist yields empty old
// values and no week or date.
func (s *Service) auditScheduleChanges(ctx context.Context, id int64, payload []byte) {
	var previous *metadata.ScheduleRecord
	record, err := s.repository.GetSchedule(ctx, id)
	switch {
	case err == nil:
		previous = &record
	case errors.Is(err, metadata.ErrScheduleNotFound):
	default:
		s.logger.Warn("failed to read schedule for change detection", zap.Int64("schedule_id", id), zap.Error(err))
	}

	for _, change := range s.detector.ScheduleChanges(previous, payload) {
		details := audit.Details{}.With("scheduleId", id)
		if previous != nil {
			details = details.With("week", previous.Week).With("date", previous.Date)
		}
		s.recorder.Record(ctx, change.Type, details.
			With("type", change.Type).
			With("oldValue", change.OldValue).
			With("newValue", change.NewValue))
	}
}

// GetBoard returns the message board, or an empty one when none was stored.
func (s *Service) GetBoard(ctx context.Context) (metadata.MessageBoard, error) {
	board, found, err := s.repository.GetMessageBoard(ctx)
	if err != nil {
		s.logError(opGetBoard, "read_failed", err)
		return metadata.MessageBoard{}, newServiceError(opGetBoard, "read_failed", err)
	}
	if !found {
		return metadata.MessageBoard{Feedbacks: json.RawMessage("[]")}, nil
	}
	return board.WithDefaults(), nil
}

// PutBoard replaces the message board. Missing or empty feedbacks become an
// empty list and a missing notice becomes "".
func (s *Service) PutBoard(ctx context.Context, payload []byte) (metadata.MessageBoard, error) {
	if _, err := decodeObject(payload); err != nil {
		return metadata.MessageBoard{}, newServiceError(opPutBoard, "invalid_payload", err)
	}

	var previous *metadata.MessageBoard
	stored, found, err := s.repository.GetMessageBoard(ctx)
	if err != nil {
		s.logger.Warn("failed to read message board for change detection", zap.Error(err))
	} else if found {
		previous = &stored
	}
	if change, changed := s.detector.BoardChanges(previous, payload); changed {
		s.recorder.Record(ctx, change.Action(), audit.Details{}.
			With("changes", change.Labels).
			With("feedbacksCount", change.FeedbacksCount).
			With("noticeLength", change.NoticeLength))
	}

	board := metadata.MessageBoard{
		Feedbacks: feedbacksOrEmpty(gjson.GetBytes(payload, fieldFeedbacks)),
		Notice:    noticeOrEmpty(gjson.GetBytes(payload, fieldNotice)),
		UpdatedAt: metadata.FormatTimestamp(s.clock()),
	}
	if err := s.repository.PutMessageBoard(ctx, board); err != nil {
		s.logError(opPutBoard, "write_failed", err)
		return metadata.MessageBoard{}, newServiceError(opPutBoard, "write_failed", err)
	}
	return board, nil
}

func feedbacksOrEmpty(value gjson.Result) json.RawMessage {
	switch {
	case !value.Exists(),
		value.Type == gjson.Null,
		value.Type == gjson.False,
		value.Type == gjson.Number && value.Num == 0,
		value.Type == gjson.String && value.Str == "":
		return json.RawMessage("[]")
	}
	return json.RawMessage(value.Raw)
}

func noticeOrEmpty(value gjson.Result) string {
	if value.Type != gjson.String {
		return ""
	}
	return value.Str
}

func (s *Service) timestampJSON() json.RawMessage {
	encoded, _ := json.Marshal(metadata.FormatTimestamp(s.clock()))
	return encoded
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, ErrInvalidPayload
	}
	return fields, nil
}

func (s *Service) repositoryError(operation string, id int64, err error) error {
	if errors.Is(err, metadata.ErrScheduleNotFound) {
		return newServiceError(operation, "schedule_not_found", err)
	}
	s.logError(operation, "repository_failed", err, zap.Int64("schedule_id", id))
	return newServiceError(operation, "repository_failed", err)
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
	s.logger.Error("schedules service error", attrs...)
}
