package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestApplyMigrationsNormalizesEmptyFormulas(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(versions.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	blank := "  "
	formula := "=A1+1"
	now := time.Now().UTC()
	rows := []versions.Cell{
		{WorksheetID: "sheet-1", Row: 1, Col: 1, Address: "A1", Value: "3", Formula: &blank, UpdatedAt: now},
		{WorksheetID: "sheet-1", Row: 1, Col: 2, Address: "B1", Value: "4", Formula: &formula, UpdatedAt: now},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert cells: %v", err)
	}
	version := versions.CellVersion{CommitID: 1, WorkbookID: "workbook-1", WorksheetID: "sheet-1", Row: 1, Col: 1, Address: "A1", Value: "3", Formula: &blank}
	if err := database.Create(&version).Error; err != nil {
		testContext.Fatalf("failed to insert version: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []versions.Cell
	if err := database.Order("col_index ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload cells: %v", err)
	}
	if stored[0].Formula != nil {
		testContext.Fatalf("expected blank formula to become NULL, got %q", *stored[0].Formula)
	}
	if stored[1].Formula == nil || *stored[1].Formula != formula {
		testContext.Fatalf("expected real formula to survive, got %v", stored[1].Formula)
	}
	var storedVersion versions.CellVersion
	if err := database.Take(&storedVersion).Error; err != nil {
		testContext.Fatalf("failed to reload version: %v", err)
	}
	if storedVersion.Formula == nil || *storedVersion.Formula != blank {
		testContext.Fatalf("expected the version row to stay as written, got %v", storedVersion.Formula)
	}
	if storedVersion.State().Formula != nil {
		testContext.Fatalf("expected the version to read back without a formula")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeEmptyFormulas).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != int64(len(migrations())) {
		testContext.Fatalf("expected %d migration records, got %d", len(migrations()), count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "vault.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"workbooks", "worksheets", "cells", "commits", "cell_versions", "commit_changes", "conflicts", "authors", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if !database.Migrator().HasIndex(&versions.CellVersion{}, "idx_cell_versions_coordinate") {
		testContext.Fatalf("expected coordinate index on cell_versions")
	}
}
