package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const legacyDocument = `{
  "schedule": [
    {"id": 1, "week": 1, "date": "2025-12-19", "topic": "intro", "T1": "alice", "isHoliday": false,
     "files": [{"name": "plan.pdf", "filename": "plan.pdf", "size": 10, "relativePath": "uploads/2025-12-19/plan.pdf", "uploadDate": "2025-12-19T08:00:00.000Z", "mimetype": "application/pdf"}]},
    {"id": 2, "week": 2, "date": ""}
  ],
  "statistics": {"visits": 4}
}`

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
	return path
}

func TestOpenDocumentStoreBackfillsIDsAndKeepsUnknownData(t *testing.T) {
	path := writeDocument(t, legacyDocument)

	store, err := OpenDocumentStore(DocumentStoreConfig{Path: path, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	record, err := store.GetSchedule(context.Background(), 1)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(record.Files) != 1 || record.Files[0].ID == "" {
		t.Fatalf("expected attachment id to be backfilled, got %#v", record.Files)
	}
	if string(record.Extra["T1"]) != `"alice"` {
		t.Fatalf("expected unknown field to round-trip, got %s", record.Extra["T1"])
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := top["statistics"]; !ok {
		t.Fatalf("expected unrelated collection to be preserved")
	}
}

func TestDocumentStoreGetScheduleNotFound(t *testing.T) {
	store, err := OpenDocumentStore(DocumentStoreConfig{Path: filepath.Join(t.TempDir(), "missing.json")})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := store.GetSchedule(context.Background(), 42); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
	if _, err := store.UpdateSchedule(context.Background(), 42, func(*ScheduleRecord) error { return nil }); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound from update, got %v", err)
	}
}

func TestDocumentStoreUpdateAbortsOnMutateError(t *testing.T) {
	store, err := OpenDocumentStore(DocumentStoreConfig{Path: writeDocument(t, legacyDocument)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	abort := errors.New("abort")
	_, err = store.UpdateSchedule(context.Background(), 1, func(record *ScheduleRecord) error {
		record.Topic = "changed"
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	record, _ := store.GetSchedule(context.Background(), 1)
	if record.Topic != "intro" {
		t.Fatalf("expected topic to stay unchanged, got %q", record.Topic)
	}
}

func TestDocumentStoreSerialisesConcurrentUpdates(t *testing.T) {
	path := writeDocument(t, legacyDocument)
	store, err := OpenDocumentStore(DocumentStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, updateErr := store.UpdateSchedule(context.Background(), 2, func(record *ScheduleRecord) error {
				record.Files = append(record.Files, Attachment{ID: string(rune('a' + index)), Name: "f"})
				return nil
			})
			if updateErr != nil {
				t.Errorf("update failed: %v", updateErr)
			}
		}(index)
	}
	wg.Wait()

	reopened, err := OpenDocumentStore(DocumentStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	record, err := reopened.GetSchedule(context.Background(), 2)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(record.Files) != writers {
		t.Fatalf("expected %d attachments after concurrent appends, got %d", writers, len(record.Files))
	}
}

func TestDocumentStoreReturnedRecordsAreCopies(t *testing.T) {
	store, err := OpenDocumentStore(DocumentStoreConfig{Path: writeDocument(t, legacyDocument)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	record, _ := store.GetSchedule(context.Background(), 1)
	record.Files[0].Name = "mutated"

	again, _ := store.GetSchedule(context.Background(), 1)
	if again.Files[0].Name != "plan.pdf" {
		t.Fatalf("expected stored record to be isolated from caller mutation")
	}
}

func TestDocumentStoreMessageBoardAndCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	store, err := OpenDocumentStore(DocumentStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ctx := context.Background()

	if _, found, err := store.GetMessageBoard(ctx); err != nil || found {
		t.Fatalf("expected no board yet, found=%v err=%v", found, err)
	}
	board := MessageBoard{Feedbacks: json.RawMessage(`[{"text":"hi"}]`), Notice: "maintenance", UpdatedAt: "2025-12-19T08:00:00.000Z"}
	if err := store.PutMessageBoard(ctx, board); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	created, err := store.CreateSchedule(ctx, ScheduleRecord{Week: 3, Date: "2025-12-26"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected first id to be 1, got %d", created.ID)
	}

	reopened, err := OpenDocumentStore(DocumentStoreConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	stored, found, err := reopened.GetMessageBoard(ctx)
	if err != nil || !found {
		t.Fatalf("expected stored board, found=%v err=%v", found, err)
	}
	if stored.Notice != "maintenance" || stored.FeedbackCount() != 1 {
		t.Fatalf("unexpected board %#v", stored)
	}
	schedules, _ := reopened.ListSchedules(ctx)
	if len(schedules) != 1 || schedules[0].Date != "2025-12-26" {
		t.Fatalf("unexpected schedules %#v", schedules)
	}
}
