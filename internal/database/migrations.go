package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimNoteFields       = "2026-09-14_trim_note_fields"
	migrationBackfillNoteUpdated  = "2026-09-30_backfill_note_updated_at"
	queryMissingUpdatedAtOrBefore = "updated_at IS NULL OR updated_at < created_at"
)

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

// applyMigrations runs each pending migration once. A migration and its record
// commit together, so a failed step is retried on the next start.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimNoteFields, apply: trimNoteFields},
		{name: migrationBackfillNoteUpdated, apply: backfillNoteUpdatedAt},
	}

	for _, migration := range migrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", migration.name, err)
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Notes written before the service trimmed its input keep stray whitespace.
func trimNoteFields(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("title <> TRIM(title) OR content <> TRIM(content)").
		Updates(map[string]any{
			"title":   gorm.Expr("TRIM(title)"),
			"content": gorm.Expr("TRIM(content)"),
		}).Error
}

func backfillNoteUpdatedAt(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where(queryMissingUpdatedAtOrBefore).
		Update("updated_at", gorm.Expr("created_at")).Error
}
