package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const opRecordCommit = "versions.record_commit"

// CellEdit is the desired new content of one cell. An empty value together with an
// empty formula deletes the cell. A nil Style keeps the cell's current style.
type CellEdit struct {
	WorksheetID string
	Row         int
	Col         int
	Value       string
	Formula     *string
	Style       json.RawMessage
}

// Key returns the composite coordinate of the edit.
func (e CellEdit) Key() cells.Key {
	return cells.Key{WorksheetID: e.WorksheetID, Row: e.Row, Col: e.Col}
}

// ConflictMark closes a pending conflict as part of a commit.
type ConflictMark struct {
	ConflictID string
	Resolution ResolutionChoice
}

// CommitRequest describes a commit on top of BaseCommitID, which must be HEAD.
type CommitRequest struct {
	WorkbookID   string
	AuthorID     string
	Message      string
	BaseCommitID int64
	Cells        []CellEdit
	// Resolves lists conflicts closed atomically with this commit.
	Resolves []ConflictMark
	// AllowEmpty records the commit even when no cell differs from HEAD.
	AllowEmpty bool
	// Restores lists archived worksheets made visible again by this commit.
	Restores []string
}

type plannedChange struct {
	key      cells.Key
	address  string
	prior    *Cell
	next     cells.State
	change   cells.ChangeType
	changed  bool
	deletion bool
}

// RecordCommit appends a commit to the workbook's history. The workbook row is
// locked for the duration of the transaction so that reading HEAD and writing the
// new commit are atomic; a base that is no longer HEAD fails with *ConflictError.
func (s *Service) RecordCommit(ctx context.Context, request CommitRequest) (Commit, error) {
	if err := s.ready(opRecordCommit); err != nil {
		return Commit{}, err
	}
	authorID := strings.TrimSpace(request.AuthorID)
	if authorID == "" {
		return Commit{}, NewServiceError(opRecordCommit, "invalid_author", ErrValidation, nil)
	}
	if err := validateEdits(opRecordCommit, request.Cells); err != nil {
		return Commit{}, err
	}

	var commit Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workbook, err := s.lockWorkbook(tx, opRecordCommit, request.WorkbookID)
		if err != nil {
			return err
		}
		if err := s.checkBase(workbook, request.BaseCommitID); err != nil {
			return err
		}
		if err := s.restoreWorksheets(tx, opRecordCommit, workbook.ID, request.Restores); err != nil {
			return err
		}
		plan, err := s.planChanges(tx, opRecordCommit, workbook.ID, request.Cells)
		if err != nil {
			return err
		}
		if len(plan) == 0 && !request.AllowEmpty {
			return NewServiceError(opRecordCommit, "no_changes", ErrValidation, nil)
		}
		written, err := s.writeCommit(tx, opRecordCommit, workbook, authorID, request.Message, plan)
		if err != nil {
			return err
		}
		if err := s.markResolved(tx, opRecordCommit, workbook.ID, written, request.Resolves); err != nil {
			return err
		}
		commit = written
		return nil
	})
	if txErr != nil {
		return Commit{}, s.classify(opRecordCommit, txErr)
	}
	return commit, nil
}

func (s *Service) checkBase(workbook Workbook, baseCommitID int64) error {
	if workbook.HeadCommitID == nil {
		return NewServiceError(opRecordCommit, "missing_bootstrap", ErrValidation, nil)
	}
	if baseCommitID != *workbook.HeadCommitID {
		return &ConflictError{
			WorkbookID:   workbook.ID,
			ExpectedHead: baseCommitID,
			ActualHead:   *workbook.HeadCommitID,
		}
	}
	return nil
}

func validateEdits(operation string, edits []CellEdit) error {
	seen := make(map[cells.Key]struct{}, len(edits))
	for _, edit := range edits {
		key, err := cells.NewKey(edit.WorksheetID, edit.Row, edit.Col)
		if err != nil {
			return NewServiceError(operation, "invalid_cell_coordinate", ErrValidation, err)
		}
		if _, exists := seen[key]; exists {
			return NewServiceError(operation, "duplicate_cell", ErrValidation,
				fmt.Errorf("cell %s edited twice", key.Address()))
		}
		seen[key] = struct{}{}
		if _, err := normalizeStyleInput(edit.Style); err != nil {
			return NewServiceError(operation, "invalid_cell_style", ErrValidation,
				fmt.Errorf("cell %s: %w", key.Address(), err))
		}
	}
	return nil
}

// planChanges compares each edit with the current Cell row and keeps only edits
// that alter the cell.
func (s *Service) planChanges(tx *gorm.DB, operation, workbookID string, edits []CellEdit) ([]plannedChange, error) {
	if len(edits) == 0 {
		return nil, nil
	}
	sheets, err := s.activeSheets(tx, operation, workbookID)
	if err != nil {
		return nil, err
	}

	bySheet := make(map[string][]CellEdit)
	for _, edit := range edits {
		if _, ok := sheets[edit.WorksheetID]; !ok {
			return nil, NewServiceError(operation, "worksheet_not_found", ErrNotFound,
				fmt.Errorf("worksheet %s", edit.WorksheetID))
		}
		bySheet[edit.WorksheetID] = append(bySheet[edit.WorksheetID], edit)
	}

	current := make(map[cells.Key]Cell, len(edits))
	for worksheetID, sheetEdits := range bySheet {
		rows := make([]int, 0, len(sheetEdits))
		cols := make([]int, 0, len(sheetEdits))
		for _, edit := range sheetEdits {
			rows = append(rows, edit.Row)
			cols = append(cols, edit.Col)
		}
		var existing []Cell
		if err := tx.Where("worksheet_id = ? AND row_index IN ? AND col_index IN ?", worksheetID, rows, cols).
			Find(&existing).Error; err != nil {
			s.logError(operation, "cell_select_failed", err, zap.String("worksheet_id", worksheetID))
			return nil, NewServiceError(operation, "cell_select_failed", ErrStorage, err)
		}
		for _, cell := range existing {
			current[cell.Key()] = cell
		}
	}

	plan := make([]plannedChange, 0, len(edits))
	for _, edit := range edits {
		key := edit.Key()
		var prior *Cell
		if cell, ok := current[key]; ok {
			copied := cell
			prior = &copied
		}
		style, _ := normalizeStyleInput(edit.Style)
		if edit.Style == nil && prior != nil {
			style = []byte(prior.Style)
		}
		next := cells.State{Value: edit.Value, Formula: cells.NormalizeFormula(edit.Formula), Style: style}

		var priorState *cells.State
		if prior != nil {
			state := prior.State()
			priorState = &state
		}
		switch {
		case prior == nil && next.Empty():
			continue
		case prior != nil && cells.SameState(*priorState, next):
			continue
		}
		changeType, changed := cells.Classify(priorState, next)
		plan = append(plan, plannedChange{
			key:      key,
			address:  key.Address(),
			prior:    prior,
			next:     next,
			change:   changeType,
			changed:  changed,
			deletion: next.Empty(),
		})
	}
	sort.Slice(plan, func(i, j int) bool {
		return plan[i].key.Less(plan[j].key)
	})
	return plan, nil
}

func (s *Service) activeSheets(tx *gorm.DB, operation, workbookID string) (map[string]Worksheet, error) {
	var sheets []Worksheet
	if err := tx.Where("workbook_id = ? AND archived = ?", workbookID, false).Find(&sheets).Error; err != nil {
		s.logError(operation, "worksheet_select_failed", err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(operation, "worksheet_select_failed", ErrStorage, err)
	}
	byID := make(map[string]Worksheet, len(sheets))
	for _, sheet := range sheets {
		byID[sheet.ID] = sheet
	}
	return byID, nil
}

// writeCommit inserts the commit, applies the plan to the Cell table, records the
// sparse CellVersion delta with its CommitChange rows, and advances HEAD.
func (s *Service) writeCommit(tx *gorm.DB, operation string, workbook Workbook, authorID, message string, plan []plannedChange) (Commit, error) {
	now := s.clock().UTC()
	nonce, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String(fieldWorkbookID, workbook.ID))
		return Commit{}, NewServiceError(operation, "id_generation_failed", ErrStorage, err)
	}
	commitMessage := strings.TrimSpace(message)
	if commitMessage == "" {
		commitMessage = fmt.Sprintf("Update %d cell(s)", len(plan))
	}
	parentID := *workbook.HeadCommitID
	commit := Commit{
		WorkbookID: workbook.ID,
		ParentID:   &parentID,
		AuthorID:   authorID,
		Message:    commitMessage,
		Ref:        newCommitRef(workbook.ID, authorID, now, nonce),
		CreatedAt:  now,
	}
	if err := tx.Create(&commit).Error; err != nil {
		s.logError(operation, "commit_insert_failed", err, zap.String(fieldWorkbookID, workbook.ID))
		return Commit{}, NewServiceError(operation, "commit_insert_failed", ErrStorage, err)
	}

	upserts := make([]Cell, 0, len(plan))
	deletions := make([]int64, 0)
	versionRows := make([]CellVersion, 0, len(plan))
	changeRows := make([]CommitChange, 0, len(plan))
	for _, planned := range plan {
		style := datatypes.JSON(planned.next.Style)
		if planned.deletion {
			deletions = append(deletions, planned.prior.ID)
		} else {
			upserts = append(upserts, Cell{
				WorksheetID: planned.key.WorksheetID,
				Row:         planned.key.Row,
				Col:         planned.key.Col,
				Address:     planned.address,
				Value:       planned.next.Value,
				Formula:     planned.next.Formula,
				Style:       style,
				UpdatedAt:   now,
			})
		}
		versionRows = append(versionRows, CellVersion{
			CommitID:    commit.ID,
			WorkbookID:  workbook.ID,
			WorksheetID: planned.key.WorksheetID,
			Row:         planned.key.Row,
			Col:         planned.key.Col,
			Address:     planned.address,
			Value:       planned.next.Value,
			Formula:     planned.next.Formula,
			Style:       style,
			Deleted:     planned.deletion,
		})
		if !planned.changed {
			continue
		}
		change := cells.Change{
			Type:       planned.change,
			Address:    planned.address,
			NewValue:   planned.next.Value,
			NewFormula: planned.next.Formula,
		}
		if planned.prior != nil {
			change.OldValue = planned.prior.Value
			change.OldFormula = planned.prior.Formula
		}
		changeRows = append(changeRows, CommitChange{
			CommitID:    commit.ID,
			WorkbookID:  workbook.ID,
			WorksheetID: planned.key.WorksheetID,
			Row:         planned.key.Row,
			Col:         planned.key.Col,
			Address:     planned.address,
			ChangeType:  planned.change,
			OldValue:    change.OldValue,
			NewValue:    change.NewValue,
			OldFormula:  change.OldFormula,
			NewFormula:  change.NewFormula,
			Description: cells.Describe(change),
		})
	}

	if err := upsertCells(tx, upserts, s.batchSize); err != nil {
		s.logError(operation, "cell_upsert_failed", err, zap.String(fieldWorkbookID, workbook.ID))
		return Commit{}, NewServiceError(operation, "cell_upsert_failed", ErrStorage, err)
	}
	if len(deletions) > 0 {
		if err := tx.Where("id IN ?", deletions).Delete(&Cell{}).Error; err != nil {
			s.logError(operation, "cell_delete_failed", err, zap.String(fieldWorkbookID, workbook.ID))
			return Commit{}, NewServiceError(operation, "cell_delete_failed", ErrStorage, err)
		}
	}
	if len(versionRows) > 0 {
		if err := tx.CreateInBatches(&versionRows, s.batchSize).Error; err != nil {
			s.logError(operation, "version_insert_failed", err, zap.String(fieldWorkbookID, workbook.ID))
			return Commit{}, NewServiceError(operation, "version_insert_failed", ErrStorage, err)
		}
	}
	if len(changeRows) > 0 {
		if err := tx.CreateInBatches(&changeRows, s.batchSize).Error; err != nil {
			s.logError(operation, "change_insert_failed", err, zap.String(fieldWorkbookID, workbook.ID))
			return Commit{}, NewServiceError(operation, "change_insert_failed", ErrStorage, err)
		}
	}
	if err := s.advanceHead(tx, operation, workbook, commit.ID, now); err != nil {
		return Commit{}, err
	}

	s.loggerOrDefault().Info("commit recorded",
		zap.String(fieldWorkbookID, workbook.ID),
		zap.Int64(fieldCommitID, commit.ID),
		zap.String("ref", commit.ShortRef()),
		zap.Int("versions", len(versionRows)),
		zap.Int("changes", len(changeRows)))
	return commit, nil
}

// advanceHead moves HEAD with a compare-and-swap so that a concurrent writer that
// slipped past the row lock cannot be silently overwritten.
func (s *Service) advanceHead(tx *gorm.DB, operation string, workbook Workbook, commitID int64, now time.Time) error {
	query := tx.Model(&Workbook{}).Where(queryID, workbook.ID)
	if workbook.HeadCommitID == nil {
		query = query.Where("head_commit_id IS NULL")
	} else {
		query = query.Where("head_commit_id = ?", *workbook.HeadCommitID)
	}
	update := query.Updates(map[string]any{
		"head_commit_id": commitID,
		"updated_at":     now,
	})
	if update.Error != nil {
		s.logError(operation, "head_update_failed", update.Error, zap.String(fieldWorkbookID, workbook.ID))
		return NewServiceError(operation, "head_update_failed", ErrStorage, update.Error)
	}
	if update.RowsAffected == 0 {
		var latest Workbook
		if err := tx.Where(queryID, workbook.ID).Take(&latest).Error; err != nil {
			return NewServiceError(operation, "head_update_failed", ErrStorage, err)
		}
		return &ConflictError{
			WorkbookID:   workbook.ID,
			ExpectedHead: workbook.Head(),
			ActualHead:   latest.Head(),
		}
	}
	return nil
}
