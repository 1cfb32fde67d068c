package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAddWorksheet     = "versions.add_worksheet"
	opRenameWorksheet  = "versions.rename_worksheet"
	opReorderWorksheet = "versions.reorder_worksheet"
	opArchiveWorksheet = "versions.archive_worksheet"
	fieldWorksheetID   = "worksheet_id"
)

// AddWorksheet appends an empty worksheet. Its cells arrive through commits.
func (s *Service) AddWorksheet(ctx context.Context, workbookID, name string) (Worksheet, error) {
	if err := s.ready(opAddWorksheet); err != nil {
		return Worksheet{}, err
	}
	trimmed, err := validWorksheetName(opAddWorksheet, name)
	if err != nil {
		return Worksheet{}, err
	}
	var worksheet Worksheet
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockWorkbook(tx, opAddWorksheet, workbookID); err != nil {
			return err
		}
		if err := s.ensureNameFree(tx, opAddWorksheet, workbookID, "", trimmed); err != nil {
			return err
		}
		var maxPosition sql.NullInt64
		if err := tx.Model(&Worksheet{}).
			Where(queryWorkbookID, workbookID).
			Select("MAX(position)").
			Row().
			Scan(&maxPosition); err != nil {
			s.logError(opAddWorksheet, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
			return NewServiceError(opAddWorksheet, reasonQueryFailed, ErrStorage, err)
		}
		position := 0
		if maxPosition.Valid {
			position = int(maxPosition.Int64) + 1
		}
		worksheetID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAddWorksheet, "id_generation_failed", err, zap.String(fieldWorkbookID, workbookID))
			return NewServiceError(opAddWorksheet, "id_generation_failed", ErrStorage, err)
		}
		now := s.clock().UTC()
		worksheet = Worksheet{
			ID:         worksheetID,
			WorkbookID: workbookID,
			Name:       trimmed,
			Position:   position,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&worksheet).Error; err != nil {
			s.logError(opAddWorksheet, "worksheet_insert_failed", err, zap.String(fieldWorkbookID, workbookID))
			return NewServiceError(opAddWorksheet, "worksheet_insert_failed", ErrStorage, err)
		}
		return nil
	})
	if txErr != nil {
		return Worksheet{}, s.classify(opAddWorksheet, txErr)
	}
	return worksheet, nil
}

// RenameWorksheet changes a worksheet's display name. Names are metadata and are
// not versioned.
func (s *Service) RenameWorksheet(ctx context.Context, workbookID, worksheetID, name string) (Worksheet, error) {
	if err := s.ready(opRenameWorksheet); err != nil {
		return Worksheet{}, err
	}
	trimmed, err := validWorksheetName(opRenameWorksheet, name)
	if err != nil {
		return Worksheet{}, err
	}
	return s.updateWorksheet(ctx, opRenameWorksheet, workbookID, worksheetID, func(tx *gorm.DB, sheet *Worksheet) error {
		if err := s.ensureNameFree(tx, opRenameWorksheet, workbookID, sheet.ID, trimmed); err != nil {
			return err
		}
		sheet.Name = trimmed
		return nil
	})
}

// ReorderWorksheet moves a worksheet to a new display position.
func (s *Service) ReorderWorksheet(ctx context.Context, workbookID, worksheetID string, position int) (Worksheet, error) {
	if err := s.ready(opReorderWorksheet); err != nil {
		return Worksheet{}, err
	}
	if position < 0 {
		return Worksheet{}, NewServiceError(opReorderWorksheet, "invalid_position", ErrValidation, nil)
	}
	return s.updateWorksheet(ctx, opReorderWorksheet, workbookID, worksheetID, func(_ *gorm.DB, sheet *Worksheet) error {
		sheet.Position = position
		return nil
	})
}

// ArchiveWorksheet records a commit that deletes every cell of the worksheet and
// then hides the worksheet. History before the commit still shows its cells.
func (s *Service) ArchiveWorksheet(ctx context.Context, workbookID, worksheetID, authorID string, baseCommitID int64) (Commit, error) {
	if err := s.ready(opArchiveWorksheet); err != nil {
		return Commit{}, err
	}
	trimmedAuthor := strings.TrimSpace(authorID)
	if trimmedAuthor == "" {
		return Commit{}, NewServiceError(opArchiveWorksheet, "invalid_author", ErrValidation, nil)
	}
	var commit Commit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workbook, err := s.lockWorkbook(tx, opArchiveWorksheet, workbookID)
		if err != nil {
			return err
		}
		if err := s.checkBase(workbook, baseCommitID); err != nil {
			return err
		}
		sheet, err := s.findWorksheet(tx, opArchiveWorksheet, workbookID, worksheetID)
		if err != nil {
			return err
		}
		if sheet.Archived {
			return NewServiceError(opArchiveWorksheet, "worksheet_archived", ErrConflict, nil)
		}
		var existing []Cell
		if err := tx.Where("worksheet_id = ?", sheet.ID).Order("row_index ASC, col_index ASC").Find(&existing).Error; err != nil {
			s.logError(opArchiveWorksheet, "cell_select_failed", err, zap.String(fieldWorksheetID, sheet.ID))
			return NewServiceError(opArchiveWorksheet, "cell_select_failed", ErrStorage, err)
		}
		plan := make([]plannedChange, 0, len(existing))
		for _, cell := range existing {
			prior := cell
			plan = append(plan, plannedChange{
				key:      cell.Key(),
				address:  cell.Address,
				prior:    &prior,
				change:   cells.ChangeDeleted,
				changed:  true,
				deletion: true,
			})
		}
		message := fmt.Sprintf("Archive worksheet %s", sheet.Name)
		written, err := s.writeCommit(tx, opArchiveWorksheet, workbook, trimmedAuthor, message, plan)
		if err != nil {
			return err
		}
		if err := tx.Model(&Worksheet{}).Where(queryID, sheet.ID).Updates(map[string]any{
			"archived":   true,
			"updated_at": written.CreatedAt,
		}).Error; err != nil {
			s.logError(opArchiveWorksheet, "worksheet_update_failed", err, zap.String(fieldWorksheetID, sheet.ID))
			return NewServiceError(opArchiveWorksheet, "worksheet_update_failed", ErrStorage, err)
		}
		commit = written
		return nil
	})
	if txErr != nil {
		return Commit{}, s.classify(opArchiveWorksheet, txErr)
	}
	return commit, nil
}

func (s *Service) updateWorksheet(ctx context.Context, operation, workbookID, worksheetID string, mutate func(tx *gorm.DB, sheet *Worksheet) error) (Worksheet, error) {
	var worksheet Worksheet
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockWorkbook(tx, operation, workbookID); err != nil {
			return err
		}
		sheet, err := s.findWorksheet(tx, operation, workbookID, worksheetID)
		if err != nil {
			return err
		}
		if sheet.Archived {
			return NewServiceError(operation, "worksheet_archived", ErrConflict, nil)
		}
		if err := mutate(tx, &sheet); err != nil {
			return err
		}
		sheet.UpdatedAt = s.clock().UTC()
		if err := tx.Model(&Worksheet{}).Where(queryID, sheet.ID).Updates(map[string]any{
			"name":       sheet.Name,
			"position":   sheet.Position,
			"updated_at": sheet.UpdatedAt,
		}).Error; err != nil {
			s.logError(operation, "worksheet_update_failed", err, zap.String(fieldWorksheetID, sheet.ID))
			return NewServiceError(operation, "worksheet_update_failed", ErrStorage, err)
		}
		worksheet = sheet
		return nil
	})
	if txErr != nil {
		return Worksheet{}, s.classify(operation, txErr)
	}
	return worksheet, nil
}

// restoreWorksheets clears the archived flag of the listed worksheets. Archived
// names stay reserved, so a restored worksheet cannot collide with a live one.
func (s *Service) restoreWorksheets(tx *gorm.DB, operation, workbookID string, worksheetIDs []string) error {
	seen := make(map[string]struct{}, len(worksheetIDs))
	for _, worksheetID := range worksheetIDs {
		if _, done := seen[worksheetID]; done {
			continue
		}
		seen[worksheetID] = struct{}{}
		sheet, err := s.findWorksheet(tx, operation, workbookID, worksheetID)
		if err != nil {
			return err
		}
		if !sheet.Archived {
			continue
		}
		if err := tx.Model(&Worksheet{}).Where(queryID, sheet.ID).Updates(map[string]any{
			"archived":   false,
			"updated_at": s.clock().UTC(),
		}).Error; err != nil {
			s.logError(operation, "worksheet_update_failed", err, zap.String(fieldWorksheetID, sheet.ID))
			return NewServiceError(operation, "worksheet_update_failed", ErrStorage, err)
		}
		s.loggerOrDefault().Info("worksheet restored",
			zap.String(fieldWorkbookID, workbookID),
			zap.String(fieldWorksheetID, sheet.ID))
	}
	return nil
}

func (s *Service) findWorksheet(tx *gorm.DB, operation, workbookID, worksheetID string) (Worksheet, error) {
	var sheet Worksheet
	err := tx.Where("workbook_id = ? AND id = ?", workbookID, worksheetID).Take(&sheet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Worksheet{}, NewServiceError(operation, "worksheet_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldWorksheetID, worksheetID))
		return Worksheet{}, NewServiceError(operation, reasonQueryFailed, ErrStorage, err)
	}
	return sheet, nil
}

// ensureNameFree compares names case-insensitively, archived sheets included.
func (s *Service) ensureNameFree(tx *gorm.DB, operation, workbookID, exceptID, name string) error {
	var count int64
	query := tx.Model(&Worksheet{}).Where("workbook_id = ? AND LOWER(name) = ?", workbookID, strings.ToLower(name))
	if exceptID != "" {
		query = query.Where("id <> ?", exceptID)
	}
	if err := query.Count(&count).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return NewServiceError(operation, reasonQueryFailed, ErrStorage, err)
	}
	if count > 0 {
		return NewServiceError(operation, "duplicate_worksheet_name", ErrConflict, nil)
	}
	return nil
}

func validWorksheetName(operation, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > maxNameLength {
		return "", NewServiceError(operation, "invalid_worksheet_name", ErrValidation, nil)
	}
	return trimmed, nil
}
