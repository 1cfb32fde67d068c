package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeEmptyFormulas  = "2026-09-14_normalize_empty_formulas"
	migrationCellVersionCoordinateIx = "2026-09-21_cell_version_coordinate_index"
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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeEmptyFormulas, apply: normalizeEmptyFormulas},
		{name: migrationCellVersionCoordinateIx, apply: createCellVersionCoordinateIndex},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeEmptyFormulas stores a blank HEAD formula as NULL. cell_versions is
// append-only and is left as written; CellVersion.State normalizes on read.
func normalizeEmptyFormulas(db *gorm.DB) error {
	return db.Model(&versions.Cell{}).
		Where("formula IS NOT NULL AND TRIM(formula) = ''").
		Update("formula", nil).Error
}

func createCellVersionCoordinateIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_cell_versions_coordinate ON cell_versions (worksheet_id, row_index, col_index, commit_id)").Error
}
