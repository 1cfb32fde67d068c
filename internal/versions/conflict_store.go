package versions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateConflicts = "versions.create_conflicts"
	opListConflicts   = "versions.list_conflicts"
	opGetConflict     = "versions.get_conflict"
	fieldConflictID   = "conflict_id"
)

// CreateConflicts persists pending conflict records. It never touches a versioned
// table, so a rejected edit leaves history and the cell grid exactly as they were.
func (s *Service) CreateConflicts(ctx context.Context, workbookID string, records []Conflict) ([]Conflict, error) {
	if err := s.ready(opCreateConflicts); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	now := s.clock().UTC()
	stored := make([]Conflict, 0, len(records))
	for _, record := range records {
		if record.WorkbookID != "" && record.WorkbookID != workbookID {
			return nil, NewServiceError(opCreateConflicts, "workbook_mismatch", ErrValidation, nil)
		}
		conflictID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateConflicts, "id_generation_failed", err, zap.String(fieldWorkbookID, workbookID))
			return nil, NewServiceError(opCreateConflicts, "id_generation_failed", ErrStorage, err)
		}
		record.ID = conflictID
		record.WorkbookID = workbookID
		record.Status = ConflictStatusPending
		record.Resolution = ""
		record.ResolvedCommitID = nil
		record.ResolvedAt = nil
		record.CreatedAt = now
		stored = append(stored, record)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.findWorkbook(tx, opCreateConflicts, workbookID); err != nil {
			return err
		}
		if err := tx.CreateInBatches(&stored, s.batchSize).Error; err != nil {
			s.logError(opCreateConflicts, "conflict_insert_failed", err, zap.String(fieldWorkbookID, workbookID))
			return NewServiceError(opCreateConflicts, "conflict_insert_failed", ErrStorage, err)
		}
		return nil
	})
	if txErr != nil {
		return nil, s.classify(opCreateConflicts, txErr)
	}
	return stored, nil
}

// ListConflicts returns the workbook's conflicts, newest first. An empty status lists all of them.
func (s *Service) ListConflicts(ctx context.Context, workbookID string, status ConflictStatus) ([]Conflict, error) {
	if err := s.ready(opListConflicts); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findWorkbook(db, opListConflicts, workbookID); err != nil {
		return nil, err
	}
	query := db.Where(queryWorkbookID, workbookID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []Conflict
	if err := query.Order("created_at DESC, id ASC").Find(&records).Error; err != nil {
		s.logError(opListConflicts, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opListConflicts, reasonQueryFailed, ErrStorage, err)
	}
	return records, nil
}

// GetConflict loads one conflict of the workbook.
func (s *Service) GetConflict(ctx context.Context, workbookID, conflictID string) (Conflict, error) {
	if err := s.ready(opGetConflict); err != nil {
		return Conflict{}, err
	}
	var record Conflict
	err := s.db.WithContext(ctx).Where("workbook_id = ? AND id = ?", workbookID, conflictID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conflict{}, NewServiceError(opGetConflict, "conflict_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(opGetConflict, reasonQueryFailed, err, zap.String(fieldConflictID, conflictID))
		return Conflict{}, NewServiceError(opGetConflict, reasonQueryFailed, ErrStorage, err)
	}
	return record, nil
}

// markResolved closes the conflicts named by marks as part of the commit's transaction.
func (s *Service) markResolved(tx *gorm.DB, operation, workbookID string, commit Commit, marks []ConflictMark) error {
	if len(marks) == 0 {
		return nil
	}
	resolvedAt := commit.CreatedAt
	commitID := commit.ID
	for _, mark := range marks {
		conflictID := strings.TrimSpace(mark.ConflictID)
		switch mark.Resolution {
		case ResolutionMine, ResolutionTheirs, ResolutionCustom:
		default:
			return NewServiceError(operation, "invalid_resolution", ErrValidation,
				fmt.Errorf("conflict %s: %q", conflictID, mark.Resolution))
		}
		var record Conflict
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("workbook_id = ? AND id = ?", workbookID, conflictID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewServiceError(operation, "conflict_not_found", ErrNotFound, err)
		}
		if err != nil {
			s.logError(operation, "conflict_lock_failed", err, zap.String(fieldConflictID, conflictID))
			return NewServiceError(operation, "conflict_lock_failed", ErrStorage, err)
		}
		if record.Status != ConflictStatusPending {
			return NewServiceError(operation, "conflict_already_resolved", ErrConflict,
				fmt.Errorf("conflict %s", conflictID))
		}
		update := tx.Model(&Conflict{}).
			Where("id = ? AND status = ?", conflictID, ConflictStatusPending).
			Updates(map[string]any{
				"status":             ConflictStatusResolved,
				"resolution":         mark.Resolution,
				"resolved_commit_id": commitID,
				"resolved_at":        resolvedAt,
			})
		if update.Error != nil {
			s.logError(operation, "conflict_update_failed", update.Error, zap.String(fieldConflictID, conflictID))
			return NewServiceError(operation, "conflict_update_failed", ErrStorage, update.Error)
		}
		if update.RowsAffected == 0 {
			return NewServiceError(operation, "conflict_already_resolved", ErrConflict,
				fmt.Errorf("conflict %s", conflictID))
		}
	}
	return nil
}
