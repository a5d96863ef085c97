package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atlasclinical/atlas/backend/internal/audit"
	"github.com/atlasclinical/atlas/backend/internal/devices"
	"github.com/atlasclinical/atlas/backend/internal/sync"
	"github.com/atlasclinical/atlas/backend/internal/workflow"
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

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates the schema and applies the named raw-SQL migrations.
// Exposed separately so tests can run it against their own connections.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&sync.Facility{},
		&sync.RevisionCounter{},
		&sync.LedgerEntry{},
		&sync.Tombstone{},
		&sync.ConflictAuditEntry{},
		&audit.Event{},
		&audit.OutboxEvent{},
		&workflow.IssueOrder{},
		&workflow.StockLevel{},
		&workflow.StockPosting{},
		&workflow.Registration{},
		&workflow.LossAdjustment{},
		&devices.Device{},
		&migrationRecord{},
	); err != nil {
		return err
	}

	return applyMigrations(db, logger)
}
