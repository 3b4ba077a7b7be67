package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/driveline/forum/backend/internal/forum"
	"github.com/driveline/forum/backend/internal/reputation"
	"github.com/driveline/forum/backend/internal/slug"
	"github.com/driveline/forum/backend/internal/voting"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&forum.Category{},
		&forum.Thread{},
		&forum.Reply{},
		&forum.ReplyRevision{},
		&voting.Vote{},
		&reputation.Record{},
		&reputation.Credit{},
		&slug.Mapping{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
