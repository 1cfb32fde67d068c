package versions

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testOwner = "user-alice"

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "versions.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	clock := &steppingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
		BatchSize:  2,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, db
}

func textPtr(value string) *string {
	return &value
}

func mustImport(t *testing.T, service *Service, sheets ...WorksheetInput) ImportResult {
	t.Helper()
	result, err := service.ImportWorkbook(context.Background(), ImportRequest{
		Name:       "Budget",
		OwnerID:    testOwner,
		Worksheets: sheets,
	})
	if err != nil {
		t.Fatalf("import workbook: %v", err)
	}
	return result
}

func mustCommit(t *testing.T, service *Service, request CommitRequest) Commit {
	t.Helper()
	commit, err := service.RecordCommit(context.Background(), request)
	if err != nil {
		t.Fatalf("record commit: %v", err)
	}
	return commit
}

func mustCount(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func cellsByAddress(t *testing.T, service *Service, workbookID string) map[string]Cell {
	t.Helper()
	rows, err := service.ListCells(context.Background(), workbookID)
	if err != nil {
		t.Fatalf("list cells: %v", err)
	}
	byAddress := make(map[string]Cell, len(rows))
	for _, row := range rows {
		byAddress[row.Address] = row
	}
	return byAddress
}
