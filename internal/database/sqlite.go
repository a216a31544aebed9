package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const busyTimeoutMillis = 5000

// OpenSQLite opens the metadata database at path, creates the schedule and
// document tables and applies pending named migrations. The pool holds a
// single connection so record transactions never contend for the file lock.
func OpenSQLite(path string, ids metadata.IDProvider, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if ids == nil {
		ids = metadata.NewUUIDProvider()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&metadata.ScheduleRow{}, &metadata.DocumentRow{}, &migrationRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if err := applyMigrations(db, ids, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("metadata database ready", zap.String("path", path))
	}

	return db, nil
}

// sqliteDSN appends the connection pragmas to path, keeping any query
// parameters the caller already supplied.
func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, separator, busyTimeoutMillis)
}
