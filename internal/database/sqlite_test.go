package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"go.uber.org/zap"
)

func TestSQLiteDSNAppendsPragmas(testContext *testing.T) {
	testCases := map[string]string{
		"/srv/rota/rota.db":                   "/srv/rota/rota.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		"file:memdb?mode=memory&cache=shared": "file:memdb?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
	}
	for input, expected := range testCases {
		if got := sqliteDSN(input); got != expected {
			testContext.Fatalf("sqliteDSN(%q) = %q, want %q", input, got, expected)
		}
	}
}

func TestOpenSQLitePreparesSchemaOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "rota.db")

	for attempt := 0; attempt < 2; attempt++ {
		db, err := OpenSQLite(databasePath, &sequenceIDs{}, zap.NewNop())
		if err != nil {
			testContext.Fatalf("attempt %d: failed to open: %v", attempt, err)
		}
		for _, table := range []any{&metadata.ScheduleRow{}, &metadata.DocumentRow{}, &migrationRecord{}} {
			if !db.Migrator().HasTable(table) {
				testContext.Fatalf("attempt %d: expected table for %T", attempt, table)
			}
		}
		var applied int64
		if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
			testContext.Fatalf("attempt %d: failed to count migrations: %v", attempt, err)
		}
		if applied != 1 {
			testContext.Fatalf("attempt %d: expected one migration record, got %d", attempt, applied)
		}
		sqlDB, err := db.DB()
		if err != nil {
			testContext.Fatalf("attempt %d: failed to get pool: %v", attempt, err)
		}
		if err := sqlDB.Close(); err != nil {
			testContext.Fatalf("attempt %d: failed to close: %v", attempt, err)
		}
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil, nil); err == nil {
		testContext.Fatalf("expected an error for an empty path")
	}
}
