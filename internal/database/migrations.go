package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanedTagAssignments = "2026-08-10_prune_orphaned_tag_assignments"

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
		{name: migrationPruneOrphanedTagAssignments, apply: pruneOrphanedTagAssignments},
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

// pruneOrphanedTagAssignments clears edges whose tag or object row was
// removed before assignment cleanup became transactional with deletes.
func pruneOrphanedTagAssignments(db *gorm.DB) error {
	if err := db.Exec(
		"DELETE FROM tag_assignments WHERE tag_id NOT IN (SELECT record_id FROM tags);",
	).Error; err != nil {
		return err
	}
	return db.Exec(
		"DELETE FROM tag_assignments WHERE object_id NOT IN (SELECT record_id FROM file_objects);",
	).Error
}
