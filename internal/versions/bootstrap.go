package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errInvalidStyle = errors.New("style is not valid json")

const (
	opCreateBootstrap      = "versions.create_bootstrap_commit"
	opImportWorkbook       = "versions.import_workbook"
	defaultBootstrapPrefix = "Initial import"
)

// CellInput is one occupied cell handed over by the ingestion collaborator. Either
// Row/Col or Address must identify the coordinate; when both are present they must agree.
type CellInput struct {
	Row     int
	Col     int
	Address string
	Value   string
	Formula *string
	Style   json.RawMessage
}

// WorksheetInput is one parsed worksheet of an ingested spreadsheet.
type WorksheetInput struct {
	Name  string
	Order int
	Cells []CellInput
}

// BootstrapRequest describes the first commit of a workbook.
type BootstrapRequest struct {
	WorkbookID string
	AuthorID   string
	Message    string
	Worksheets []WorksheetInput
}

// ImportRequest creates a workbook and its bootstrap commit atomically.
type ImportRequest struct {
	Name       string
	OwnerID    string
	Message    string
	Worksheets []WorksheetInput
}

// ImportResult reports what ImportWorkbook persisted.
type ImportResult struct {
	Workbook   Workbook
	Commit     Commit
	Worksheets []Worksheet
	CellCount  int
}

type preparedCell struct {
	key     cells.Key
	address string
	state   cells.State
}

type preparedSheet struct {
	name  string
	order int
	cells []preparedCell
}

// CreateBootstrapCommit ingests the initial worksheets of an existing workbook as a
// full snapshot. Either every worksheet, cell, version and change row becomes
// visible together with the commit, or nothing does.
func (s *Service) CreateBootstrapCommit(ctx context.Context, request BootstrapRequest) (Commit, error) {
	if err := s.ready(opCreateBootstrap); err != nil {
		return Commit{}, err
	}
	sheets, err := prepareWorksheets(opCreateBootstrap, request.Worksheets)
	if err != nil {
		return Commit{}, err
	}
	authorID := strings.TrimSpace(request.AuthorID)
	if authorID == "" {
		return Commit{}, NewServiceError(opCreateBootstrap, "invalid_author", ErrValidation, nil)
	}

	var commit Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workbook, err := s.lockWorkbook(tx, opCreateBootstrap, request.WorkbookID)
		if err != nil {
			return err
		}
		result, err := s.bootstrapInTx(tx, opCreateBootstrap, workbook, authorID, request.Message, sheets)
		if err != nil {
			return err
		}
		commit = result.Commit
		return nil
	})
	if txErr != nil {
		return Commit{}, s.classify(opCreateBootstrap, txErr)
	}
	return commit, nil
}

// ImportWorkbook creates the workbook and records its bootstrap commit in one transaction.
func (s *Service) ImportWorkbook(ctx context.Context, request ImportRequest) (ImportResult, error) {
	if err := s.ready(opImportWorkbook); err != nil {
		return ImportResult{}, err
	}
	sheets, err := prepareWorksheets(opImportWorkbook, request.Worksheets)
	if err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workbook, err := s.createWorkbookInTx(tx, opImportWorkbook, request.Name, request.OwnerID)
		if err != nil {
			return err
		}
		bootstrap, err := s.bootstrapInTx(tx, opImportWorkbook, workbook, workbook.OwnerID, request.Message, sheets)
		if err != nil {
			return err
		}
		result = bootstrap
		return nil
	})
	if txErr != nil {
		return ImportResult{}, s.classify(opImportWorkbook, txErr)
	}
	return result, nil
}

func (s *Service) bootstrapInTx(tx *gorm.DB, operation string, workbook Workbook, authorID, message string, sheets []preparedSheet) (ImportResult, error) {
	if workbook.HeadCommitID != nil {
		return ImportResult{}, NewServiceError(operation, "already_bootstrapped", ErrConflict, nil)
	}

	now := s.clock().UTC()
	nonce, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String(fieldWorkbookID, workbook.ID))
		return ImportResult{}, NewServiceError(operation, "id_generation_failed", ErrStorage, err)
	}
	commitMessage := strings.TrimSpace(message)
	if commitMessage == "" {
		commitMessage = fmt.Sprintf("%s of %s", defaultBootstrapPrefix, workbook.Name)
	}
	commit := Commit{
		WorkbookID: workbook.ID,
		AuthorID:   authorID,
		Message:    commitMessage,
		Ref:        newCommitRef(workbook.ID, authorID, now, nonce),
		CreatedAt:  now,
	}
	if err := tx.Create(&commit).Error; err != nil {
		s.logError(operation, "commit_insert_failed", err, zap.String(fieldWorkbookID, workbook.ID))
		return ImportResult{}, NewServiceError(operation, "commit_insert_failed", ErrStorage, err)
	}

	result := ImportResult{Workbook: workbook, Commit: commit}
	for _, sheet := range sheets {
		worksheetID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.String(fieldWorkbookID, workbook.ID))
			return ImportResult{}, NewServiceError(operation, "id_generation_failed", ErrStorage, err)
		}
		worksheet := Worksheet{
			ID:         worksheetID,
			WorkbookID: workbook.ID,
			Name:       sheet.name,
			Position:   sheet.order,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&worksheet).Error; err != nil {
			s.logError(operation, "worksheet_insert_failed", err,
				zap.String(fieldWorkbookID, workbook.ID),
				zap.String("worksheet", sheet.name))
			return ImportResult{}, NewServiceError(operation, "worksheet_insert_failed", ErrStorage, err)
		}
		if err := s.writeSnapshot(tx, operation, workbook.ID, commit.ID, worksheet.ID, sheet.cells, now); err != nil {
			return ImportResult{}, err
		}
		result.Worksheets = append(result.Worksheets, worksheet)
		result.CellCount += len(sheet.cells)
	}

	if err := s.advanceHead(tx, operation, workbook, commit.ID, now); err != nil {
		return ImportResult{}, err
	}
	head := commit.ID
	result.Workbook.HeadCommitID = &head
	result.Workbook.UpdatedAt = now

	s.loggerOrDefault().Info("bootstrap commit recorded",
		zap.String(fieldWorkbookID, workbook.ID),
		zap.Int64(fieldCommitID, commit.ID),
		zap.Int("worksheets", len(result.Worksheets)),
		zap.Int("cells", result.CellCount))
	return result, nil
}

// writeSnapshot stores one worksheet's cells as the bootstrap full snapshot.
func (s *Service) writeSnapshot(tx *gorm.DB, operation, workbookID string, commitID int64, worksheetID string, prepared []preparedCell, now time.Time) error {
	if len(prepared) == 0 {
		return nil
	}
	cellRows := make([]Cell, 0, len(prepared))
	versionRows := make([]CellVersion, 0, len(prepared))
	changeRows := make([]CommitChange, 0, len(prepared))
	for _, cell := range prepared {
		style := datatypes.JSON(cell.state.Style)
		cellRows = append(cellRows, Cell{
			WorksheetID: worksheetID,
			Row:         cell.key.Row,
			Col:         cell.key.Col,
			Address:     cell.address,
			Value:       cell.state.Value,
			Formula:     cell.state.Formula,
			Style:       style,
			UpdatedAt:   now,
		})
		versionRows = append(versionRows, CellVersion{
			CommitID:    commitID,
			WorkbookID:  workbookID,
			WorksheetID: worksheetID,
			Row:         cell.key.Row,
			Col:         cell.key.Col,
			Address:     cell.address,
			Value:       cell.state.Value,
			Formula:     cell.state.Formula,
			Style:       style,
		})
		change := cells.Change{
			Type:       cells.ChangeAdded,
			Address:    cell.address,
			NewValue:   cell.state.Value,
			NewFormula: cell.state.Formula,
		}
		changeRows = append(changeRows, CommitChange{
			CommitID:    commitID,
			WorkbookID:  workbookID,
			WorksheetID: worksheetID,
			Row:         cell.key.Row,
			Col:         cell.key.Col,
			Address:     cell.address,
			ChangeType:  cells.ChangeAdded,
			NewValue:    cell.state.Value,
			NewFormula:  cell.state.Formula,
			Description: cells.Describe(change),
		})
	}

	if err := upsertCells(tx, cellRows, s.batchSize); err != nil {
		s.logError(operation, "cell_upsert_failed", err, zap.String("worksheet_id", worksheetID))
		return NewServiceError(operation, "cell_upsert_failed", ErrStorage, err)
	}
	if err := tx.CreateInBatches(&versionRows, s.batchSize).Error; err != nil {
		s.logError(operation, "version_insert_failed", err, zap.String("worksheet_id", worksheetID))
		return NewServiceError(operation, "version_insert_failed", ErrStorage, err)
	}
	if err := tx.CreateInBatches(&changeRows, s.batchSize).Error; err != nil {
		s.logError(operation, "change_insert_failed", err, zap.String("worksheet_id", worksheetID))
		return NewServiceError(operation, "change_insert_failed", ErrStorage, err)
	}
	return nil
}

func upsertCells(tx *gorm.DB, rows []Cell, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worksheet_id"}, {Name: "row_index"}, {Name: "col_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "value", "formula", "style", "updated_at"}),
	}).CreateInBatches(&rows, batchSize).Error
}

func prepareWorksheets(operation string, inputs []WorksheetInput) ([]preparedSheet, error) {
	if len(inputs) == 0 {
		return nil, NewServiceError(operation, "empty_worksheets", ErrValidation, nil)
	}
	seenNames := make(map[string]struct{}, len(inputs))
	sheets := make([]preparedSheet, 0, len(inputs))
	occupied := 0
	for index, input := range inputs {
		name := strings.TrimSpace(input.Name)
		if name == "" || len(name) > maxNameLength {
			return nil, NewServiceError(operation, "invalid_worksheet_name", ErrValidation,
				fmt.Errorf("worksheet %d", index))
		}
		folded := strings.ToLower(name)
		if _, exists := seenNames[folded]; exists {
			return nil, NewServiceError(operation, "duplicate_worksheet_name", ErrValidation,
				fmt.Errorf("worksheet %q", name))
		}
		seenNames[folded] = struct{}{}

		prepared, err := prepareCells(operation, name, input.Cells)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, preparedSheet{name: name, order: input.Order, cells: prepared})
		occupied += len(prepared)
	}
	if occupied == 0 {
		return nil, NewServiceError(operation, "empty_snapshot", ErrValidation, errors.New("no occupied cells"))
	}
	return sheets, nil
}

func prepareCells(operation, sheetName string, inputs []CellInput) ([]preparedCell, error) {
	seen := make(map[[2]int]struct{}, len(inputs))
	prepared := make([]preparedCell, 0, len(inputs))
	for _, input := range inputs {
		row, col, address, err := resolveCoordinate(input.Row, input.Col, input.Address)
		if err != nil {
			return nil, NewServiceError(operation, "invalid_cell_coordinate", ErrValidation,
				fmt.Errorf("worksheet %q: %w", sheetName, err))
		}
		coordinate := [2]int{row, col}
		if _, exists := seen[coordinate]; exists {
			return nil, NewServiceError(operation, "duplicate_cell", ErrValidation,
				fmt.Errorf("worksheet %q cell %s", sheetName, address))
		}
		seen[coordinate] = struct{}{}

		style, err := normalizeStyleInput(input.Style)
		if err != nil {
			return nil, NewServiceError(operation, "invalid_cell_style", ErrValidation,
				fmt.Errorf("worksheet %q cell %s: %w", sheetName, address, err))
		}
		state := cells.State{Value: input.Value, Formula: cells.NormalizeFormula(input.Formula), Style: style}
		if state.Empty() {
			continue
		}
		prepared = append(prepared, preparedCell{
			key:     cells.Key{Row: row, Col: col},
			address: address,
			state:   state,
		})
	}
	return prepared, nil
}

func resolveCoordinate(row, col int, address string) (int, int, string, error) {
	trimmed := strings.TrimSpace(address)
	if row == 0 && col == 0 && trimmed != "" {
		parsedRow, parsedCol, err := cells.ParseAddress(trimmed)
		if err != nil {
			return 0, 0, "", err
		}
		row, col = parsedRow, parsedCol
	}
	canonical, err := cells.Address(row, col)
	if err != nil {
		return 0, 0, "", err
	}
	if trimmed != "" {
		parsedRow, parsedCol, err := cells.ParseAddress(trimmed)
		if err != nil {
			return 0, 0, "", err
		}
		if parsedRow != row || parsedCol != col {
			return 0, 0, "", fmt.Errorf("%w: %s does not match row %d col %d", cells.ErrInvalidAddress, trimmed, row, col)
		}
	}
	return row, col, canonical, nil
}

func normalizeStyleInput(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, errInvalidStyle
	}
	return []byte(trimmed), nil
}
