package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationProtectConflictAudit = "2026-05-12_protect_conflict_audit"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationProtectConflictAudit, apply: protectConflictAudit},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// protectConflictAudit makes the conflict audit table append-only at the
// storage layer. The rows are compliance evidence: no code path, including
// this codebase's own, may update or delete them.
func protectConflictAudit(db *gorm.DB) error {
	statements := []string{
		`CREATE TRIGGER IF NOT EXISTS sync_conflict_audit_forbid_update
		 BEFORE UPDATE ON sync_conflict_audit
		 BEGIN SELECT RAISE(ABORT, 'sync_conflict_audit is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS sync_conflict_audit_forbid_delete
		 BEFORE DELETE ON sync_conflict_audit
		 BEGIN SELECT RAISE(ABORT, 'sync_conflict_audit is append-only'); END;`,
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
