// Package database opens the engine's GORM connection: DSN assembly from
// discrete env vars, a quiet-on-not-found GORM logger, and a SQLite driver
// selectable via TASKENGINE_DB_DRIVER for the fast in-process test suites
// internal/store/readiness documents the readiness query being portable to.
package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// Open resolves TASKENGINE_DB_DRIVER ("postgres", the default, or "sqlite")
// and connects.
func Open(log *logger.Logger) (*gorm.DB, error) {
	driver := envutil.String("TASKENGINE_DB_DRIVER", "postgres")
	gormLog := gormlogger.New(
		stdLog(),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	switch driver {
	case "sqlite":
		path := envutil.String("TASKENGINE_SQLITE_PATH", "file::memory:?cache=shared")
		log.Info("opening sqlite store", "path", path)
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", path, err)
		}
		return db, nil
	default:
		dsn := dsnFromEnv()
		log.Info("connecting to postgres")
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger: gormLog,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			return nil, fmt.Errorf("enable uuid-ossp: %w", err)
		}
		return db, nil
	}
}

func dsnFromEnv() string {
	if dsn := envutil.String("DATABASE_URL", ""); dsn != "" {
		return dsn
	}
	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "taskengine")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func stdLog() *log.Logger {
	return log.New(os.Stdout, "\r\n", log.LstdFlags)
}
