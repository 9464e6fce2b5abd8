// Package db wires the Postgres connection and schema migration for the
// `pkg` table, adapted from the teacher's PostgresService
// (internal/db/postgres.go) — same DSN-from-env construction and
// gorm.Config tuning, migrating domain.Task instead of the teacher's
// learning-platform models.
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ccjuuc/chromium-tool/internal/domain"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New opens the Postgres connection described by POSTGRES_* environment
// variables. It does not migrate the schema; call AutoMigrate for that.
func New(baseLog *logger.Logger) (*Service, error) {
	svcLog := baseLog.With("service", "PostgresService")

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "postgres")
	password := getEnv("POSTGRES_PASSWORD", "")
	name := getEnv("POSTGRES_NAME", "chromium_tool")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	svcLog.Info("connecting to postgres")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		svcLog.Error("failed to connect to postgres", "error", err)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &Service{db: gdb, log: svcLog}, nil
}

// AutoMigrate idempotently evolves the `pkg` table (spec.md §6's "idempotent
// ADD COLUMN migrations at startup").
func (s *Service) AutoMigrate() error {
	s.log.Info("auto migrating pkg table")
	if err := s.db.AutoMigrate(&domain.Task{}); err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }
