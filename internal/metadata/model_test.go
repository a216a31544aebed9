package metadata

import (
	"encoding/json"
	"testing"
)

func TestRemoveAttachmentShiftsLaterEntries(t *testing.T) {
	record := ScheduleRecord{Files: []Attachment{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	if !record.RemoveAttachment("a") {
		t.Fatalf("expected attachment a to be removed")
	}
	if len(record.Files) != 2 || record.Files[0].ID != "b" || record.Files[1].ID != "c" {
		t.Fatalf("unexpected files after removal: %#v", record.Files)
	}
	if record.RemoveAttachment("missing") {
		t.Fatalf("expected unknown id to be ignored")
	}
}

func TestRemoveLastAttachmentKeepsEmptySequence(t *testing.T) {
	record := ScheduleRecord{ID: 1, Files: []Attachment{{ID: "a"}}}
	record.RemoveAttachment("a")

	encoded, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if string(fields["files"]) != "[]" {
		t.Fatalf("expected empty files array, got %s", fields["files"])
	}
}

func TestRecordFromFieldsKeepsUnknownFields(t *testing.T) {
	var record ScheduleRecord
	if err := json.Unmarshal([]byte(`{"id":7,"week":3,"date":"2025-12-19","remark":null,"location":"room 2"}`), &record); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if record.ID != 7 || record.Week != 3 || record.Date != "2025-12-19" || record.Remark != "" {
		t.Fatalf("unexpected record %#v", record)
	}
	if string(record.Extra["location"]) != `"room 2"` {
		t.Fatalf("expected location to be kept, got %s", record.Extra["location"])
	}
}

func TestMessageBoardWithDefaults(t *testing.T) {
	board := MessageBoard{Notice: "n"}.WithDefaults()
	if string(board.Feedbacks) != "[]" {
		t.Fatalf("expected empty feedbacks, got %s", board.Feedbacks)
	}
	if board.FeedbackCount() != 0 {
		t.Fatalf("expected zero feedbacks")
	}
}

func TestRecordFromFieldsKeepsMistypedKnownFieldsRaw(t *testing.T) {
	fields := map[string]json.RawMessage{
		"id":    json.RawMessage(`4`),
		"week":  json.RawMessage(`3.5`),
		"date":  json.RawMessage(`20251219`),
		"topic": json.RawMessage(`{"title":"x"}`),
	}
	record := RecordFromFields(fields)
	if record.ID != 4 || record.Week != 0 || record.Date != "" || record.Topic != "" {
		t.Fatalf("unexpected typed slots %#v", record)
	}

	written, err := record.Fields()
	if err != nil {
		t.Fatalf("fields failed: %v", err)
	}
	for key, want := range map[string]string{"id": "4", "week": "3.5", "date": "20251219", "topic": `{"title":"x"}`} {
		if string(written[key]) != want {
			t.Fatalf("field %s: expected %s, got %s", key, want, written[key])
		}
	}

	record.Week = 6
	written, err = record.Fields()
	if err != nil {
		t.Fatalf("fields failed: %v", err)
	}
	if string(written["week"]) != "6" {
		t.Fatalf("expected typed week to win once set, got %s", written["week"])
	}
}
