package conflicts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type harness struct {
	db       *gorm.DB
	store    *versions.Service
	detector *Detector
	workbook versions.Workbook
	sheetID  string
	head     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "conflicts.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(versions.Models()...))

	store, err := versions.NewService(versions.ServiceConfig{Database: db, IDProvider: versions.NewUUIDProvider()})
	require.NoError(t, err)
	detector, err := NewDetector(DetectorConfig{Store: store})
	require.NoError(t, err)

	imported, err := store.ImportWorkbook(context.Background(), versions.ImportRequest{
		Name:    "Roster",
		OwnerID: "user-x",
		Worksheets: []versions.WorksheetInput{{
			Name: "Sheet1",
			Cells: []versions.CellInput{
				{Address: "A1", Value: "open"},
				{Address: "B1", Value: "idle"},
			},
		}},
	})
	require.NoError(t, err)
	return &harness{
		db:       db,
		store:    store,
		detector: detector,
		workbook: imported.Workbook,
		sheetID:  imported.Worksheets[0].ID,
		head:     imported.Commit.ID,
	}
}

func (h *harness) edit(author string, base int64, row, col int, value string) Edit {
	return Edit{
		WorkbookID:   h.workbook.ID,
		AuthorID:     author,
		BaseCommitID: base,
		Cells:        []versions.CellEdit{{WorksheetID: h.sheetID, Row: row, Col: col, Value: value}},
	}
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	require.NoError(t, h.db.Model(model).Count(&total).Error)
	return total
}

func TestSubmitOnHeadRecordsCommit(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.detector.Submit(context.Background(), h.edit("user-x", h.head, 1, 1, "closed"))
	require.NoError(t, err)
	assert.False(t, outcome.Rebased)
	require.NotNil(t, outcome.Commit.ParentID)
	assert.Equal(t, h.head, *outcome.Commit.ParentID)
}

func TestSubmitRejectsConcurrentEditOfSameCell(t *testing.T) {
	h := newHarness(t)
	base := h.head

	theirs, err := h.detector.Submit(context.Background(), h.edit("user-y", base, 1, 1, "taken by y"))
	require.NoError(t, err)

	commitsBefore := h.count(t, &versions.Commit{})
	versionsBefore := h.count(t, &versions.CellVersion{})
	changesBefore := h.count(t, &versions.CommitChange{})

	_, err = h.detector.Submit(context.Background(), h.edit("user-x", base, 1, 1, "taken by x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, versions.ErrConflict))

	var conflictErr *versions.ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.False(t, conflictErr.Stale())
	require.Len(t, conflictErr.Cells, 1)
	cell := conflictErr.Cells[0]
	assert.Equal(t, "A1", cell.Address)
	assert.Equal(t, "taken by y", cell.TheirValue)
	assert.Equal(t, "taken by x", cell.MineValue)
	assert.Equal(t, "user-y", cell.TheirUserID)
	assert.Equal(t, theirs.Commit.ID, cell.TheirCommitID)
	assert.NotEmpty(t, cell.ConflictID)
	assert.Equal(t, "conflicts.submit.cells_conflict", conflictErr.Code())

	assert.Equal(t, commitsBefore, h.count(t, &versions.Commit{}))
	assert.Equal(t, versionsBefore, h.count(t, &versions.CellVersion{}))
	assert.Equal(t, changesBefore, h.count(t, &versions.CommitChange{}))

	grid, err := h.store.ListCells(context.Background(), h.workbook.ID)
	require.NoError(t, err)
	for _, stored := range grid {
		if stored.Address == "A1" {
			assert.Equal(t, "taken by y", stored.Value)
		}
	}

	pending, err := h.detector.List(context.Background(), h.workbook.ID, versions.ConflictStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cell.ConflictID, pending[0].ID)
}

func TestSubmitRebasesDisjointEdits(t *testing.T) {
	h := newHarness(t)
	base := h.head

	_, err := h.detector.Submit(context.Background(), h.edit("user-y", base, 1, 1, "y"))
	require.NoError(t, err)

	outcome, err := h.detector.Submit(context.Background(), h.edit("user-x", base, 1, 2, "x"))
	require.NoError(t, err)
	assert.True(t, outcome.Rebased)

	grid, err := h.store.ListCells(context.Background(), h.workbook.ID)
	require.NoError(t, err)
	values := map[string]string{}
	for _, stored := range grid {
		values[stored.Address] = stored.Value
	}
	assert.Equal(t, map[string]string{"A1": "y", "B1": "x"}, values)
}

func TestSubmitTreatsIdenticalConcurrentEditAsNoConflict(t *testing.T) {
	h := newHarness(t)
	base := h.head

	_, err := h.detector.Submit(context.Background(), h.edit("user-y", base, 1, 1, "same"))
	require.NoError(t, err)

	edit := h.edit("user-x", base, 1, 1, "same")
	edit.Cells = append(edit.Cells, versions.CellEdit{WorksheetID: h.sheetID, Row: 3, Col: 1, Value: "extra"})
	outcome, err := h.detector.Submit(context.Background(), edit)
	require.NoError(t, err)
	assert.True(t, outcome.Rebased)
	assert.Equal(t, int64(0), h.count(t, &versions.Conflict{}))
}

func TestSubmitRejectsUnknownBase(t *testing.T) {
	h := newHarness(t)

	_, err := h.detector.Submit(context.Background(), h.edit("user-x", h.head+42, 1, 1, "x"))
	assert.True(t, errors.Is(err, versions.ErrNotFound))
}

func TestResolveChoices(t *testing.T) {
	testCases := []struct {
		name     string
		choice   versions.ResolutionChoice
		custom   string
		expected string
	}{
		{name: "mine", choice: versions.ResolutionMine, expected: "taken by x"},
		{name: "theirs", choice: versions.ResolutionTheirs, expected: "taken by y"},
		{name: "custom", choice: versions.ResolutionCustom, custom: "merged", expected: "merged"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t)
			base := h.head
			_, err := h.detector.Submit(context.Background(), h.edit("user-y", base, 1, 1, "taken by y"))
			require.NoError(t, err)
			_, err = h.detector.Submit(context.Background(), h.edit("user-x", base, 1, 1, "taken by x"))
			var conflictErr *versions.ConflictError
			require.True(t, errors.As(err, &conflictErr))
			conflictID := conflictErr.Cells[0].ConflictID

			commit, err := h.detector.Resolve(context.Background(), ResolveRequest{
				WorkbookID: h.workbook.ID,
				AuthorID:   "user-x",
				Resolutions: []Resolution{{
					ConflictID: conflictID,
					Choice:     testCase.choice,
					Value:      testCase.custom,
				}},
			})
			require.NoError(t, err)
			assert.Equal(t, "Resolve 1 conflict(s)", commit.Message)

			grid, err := h.store.ListCells(context.Background(), h.workbook.ID)
			require.NoError(t, err)
			for _, stored := range grid {
				if stored.Address == "A1" {
					assert.Equal(t, testCase.expected, stored.Value)
				}
			}

			record, err := h.store.GetConflict(context.Background(), h.workbook.ID, conflictID)
			require.NoError(t, err)
			assert.Equal(t, versions.ConflictStatusResolved, record.Status)
			assert.Equal(t, testCase.choice, record.Resolution)
			require.NotNil(t, record.ResolvedCommitID)
			assert.Equal(t, commit.ID, *record.ResolvedCommitID)

			_, err = h.detector.Resolve(context.Background(), ResolveRequest{
				WorkbookID:  h.workbook.ID,
				AuthorID:    "user-x",
				Resolutions: []Resolution{{ConflictID: conflictID, Choice: versions.ResolutionMine}},
			})
			assert.True(t, errors.Is(err, versions.ErrConflict))
		})
	}
}

func TestResolveValidatesRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.detector.Resolve(context.Background(), ResolveRequest{WorkbookID: h.workbook.ID, AuthorID: "user-x"})
	assert.True(t, errors.Is(err, versions.ErrValidation))

	_, err = h.detector.Resolve(context.Background(), ResolveRequest{
		WorkbookID:  h.workbook.ID,
		AuthorID:    "user-x",
		Resolutions: []Resolution{{ConflictID: "missing", Choice: versions.ResolutionMine}},
	})
	assert.True(t, errors.Is(err, versions.ErrNotFound))

	_, err = h.detector.List(context.Background(), h.workbook.ID, versions.ConflictStatus("bogus"))
	assert.True(t, errors.Is(err, versions.ErrValidation))
}
