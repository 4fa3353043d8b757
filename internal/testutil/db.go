// Package testutil provides shared fixtures for package test suites: an
// in-process sqlite database migrated with the full schema, and seed helpers
// for Task/WorkflowStep graphs, so package tests run without external
// services.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/store"
)

// Logger returns a Logger suitable for tests. Safe to call repeatedly.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("init test logger: %v", err)
	}
	return log
}

// DB returns a freshly migrated in-memory sqlite database, unique to the
// calling test (each call opens its own connection, so tests never share
// state even when run in parallel).
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := fmt.Sprintf("file:testdb_%s?mode=memory&cache=shared&_fk=0", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	tb.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
