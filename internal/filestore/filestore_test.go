package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
)

type stubSchedules map[int64]metadata.ScheduleRecord

func (s stubSchedules) GetSchedule(_ context.Context, id int64) (metadata.ScheduleRecord, error) {
	record, ok := s[id]
	if !ok {
		return metadata.ScheduleRecord{}, metadata.ErrScheduleNotFound
	}
	return record, nil
}

type failingSchedules struct{}

func (failingSchedules) GetSchedule(context.Context, int64) (metadata.ScheduleRecord, error) {
	return metadata.ScheduleRecord{}, errors.New("disk on fire")
}

func newTestStore(t *testing.T, schedules ScheduleLookup) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := New(Config{Root: root, UploadsDir: "uploads", Schedules: schedules})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, root
}

func TestNewCreatesUploadsDirectory(t *testing.T) {
	store, root := newTestStore(t, nil)
	if store.UploadsDir() != filepath.Join(root, "uploads") {
		t.Fatalf("unexpected uploads dir %s", store.UploadsDir())
	}
	if info, err := os.Stat(store.UploadsDir()); err != nil || !info.IsDir() {
		t.Fatalf("expected uploads directory to exist: %v", err)
	}
}

func TestResolveDirectory(t *testing.T) {
	store, root := newTestStore(t, stubSchedules{
		1: {ID: 1, Date: "2025-12-19"},
		2: {ID: 2},
	})

	testCases := []struct {
		name       string
		scheduleID int64
		want       string
	}{
		{name: "dated", scheduleID: 1, want: "2025-12-19"},
		{name: "no-date", scheduleID: 2, want: "schedule_2"},
		{name: "unknown", scheduleID: 99, want: "schedule_99"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			dir, err := store.ResolveDirectory(context.Background(), testCase.scheduleID)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			want := filepath.Join(root, "uploads", testCase.want)
			if dir != want {
				t.Fatalf("got %s, want %s", dir, want)
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				t.Fatalf("expected directory to exist: %v", err)
			}
			again, err := store.ResolveDirectory(context.Background(), testCase.scheduleID)
			if err != nil || again != dir {
				t.Fatalf("expected idempotent resolution, got %s, %v", again, err)
			}
		})
	}
}

func TestResolveDirectoryPropagatesLookupFailure(t *testing.T) {
	store, _ := newTestStore(t, failingSchedules{})
	if _, err := store.ResolveDirectory(context.Background(), 1); err == nil {
		t.Fatalf("expected lookup failure to propagate")
	}
}

func TestSaveOverwritesAndReportsPaths(t *testing.T) {
	store, root := newTestStore(t, stubSchedules{1: {ID: 1, Date: "2025-12-19"}})
	dir, err := store.ResolveDirectory(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	first, err := store.Save(dir, "notes.txt", strings.NewReader("first version"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if first.RelativePath != "uploads/2025-12-19/notes.txt" {
		t.Fatalf("unexpected relative path %q", first.RelativePath)
	}
	if first.Path != filepath.Join(root, "uploads", "2025-12-19", "notes.txt") {
		t.Fatalf("unexpected absolute path %q", first.Path)
	}
	if first.Size != int64(len("first version")) {
		t.Fatalf("unexpected size %d", first.Size)
	}

	if _, err := store.Save(dir, "notes.txt", strings.NewReader("v2")); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	content, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(content) != "v2" {
		t.Fatalf("expected duplicate name to overwrite, got %q", content)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected no temporary files left behind, got %d entries", len(entries))
	}
}

func TestLocateAndRemove(t *testing.T) {
	store, root := newTestStore(t, nil)
	dir, _ := store.ResolveDirectory(context.Background(), 5)
	saved, err := store.Save(dir, "a.bin", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	located := store.Locate(metadata.Attachment{RelativePath: saved.RelativePath, Path: "/elsewhere/a.bin"})
	if located != filepath.Join(root, "uploads", "schedule_5", "a.bin") {
		t.Fatalf("expected relative path to win, got %s", located)
	}
	if store.Locate(metadata.Attachment{Path: saved.Path}) != saved.Path {
		t.Fatalf("expected absolute path fallback")
	}
	if !store.Exists(located) {
		t.Fatalf("expected file to exist")
	}

	removed, err := store.Remove(located)
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	removed, err = store.Remove(located)
	if err != nil || removed {
		t.Fatalf("expected missing file to be tolerated, removed=%v err=%v", removed, err)
	}
	if store.Exists(located) {
		t.Fatalf("expected file to be gone")
	}
}
