package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew = "rollback.coordinator.new"
	opRevert         = "rollback.revert"
)

var (
	errMissingStore  = errors.New("version store is required")
	errMissingEngine = errors.New("diff engine is required")
)

// Store is the part of the version store a revert reads and writes.
type Store interface {
	Head(ctx context.Context, workbookID string) (versions.Commit, error)
	GetCommit(ctx context.Context, workbookID string, commitID int64) (versions.Commit, error)
	ListCells(ctx context.Context, workbookID string) ([]versions.Cell, error)
	RecordCommit(ctx context.Context, request versions.CommitRequest) (versions.Commit, error)
}

// Differ computes cell diffs between commits.
type Differ interface {
	CompareCommits(ctx context.Context, workbookID string, baseCommitID *int64, headCommitID int64) ([]history.CellDiff, error)
}

// CoordinatorConfig describes the dependencies of the coordinator.
type CoordinatorConfig struct {
	Store  Store
	Engine Differ
	Logger *zap.Logger
}

// Coordinator restores earlier workbook states by recording forward commits.
type Coordinator struct {
	store  Store
	engine Differ
	logger *zap.Logger
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, versions.NewServiceError(opCoordinatorNew, "missing_store", versions.ErrValidation, errMissingStore)
	}
	if cfg.Engine == nil {
		return nil, versions.NewServiceError(opCoordinatorNew, "missing_engine", versions.ErrValidation, errMissingEngine)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: cfg.Store, engine: cfg.Engine, logger: logger}, nil
}

// Revert records a new commit whose resulting state equals the target commit's.
// History is never rewritten. If HEAD moves while the revert is prepared, the
// store's stale-write *versions.ConflictError is returned unchanged.
func (c *Coordinator) Revert(ctx context.Context, workbookID string, targetCommitID int64, authorID string) (versions.Commit, error) {
	if strings.TrimSpace(authorID) == "" {
		return versions.Commit{}, versions.NewServiceError(opRevert, "invalid_author", versions.ErrValidation, nil)
	}
	head, err := c.store.Head(ctx, workbookID)
	if err != nil {
		return versions.Commit{}, err
	}
	target, err := c.store.GetCommit(ctx, workbookID, targetCommitID)
	if err != nil {
		return versions.Commit{}, err
	}

	headID := head.ID
	diffs, err := c.engine.CompareCommits(ctx, workbookID, &headID, target.ID)
	if err != nil {
		return versions.Commit{}, err
	}
	current, err := c.store.ListCells(ctx, workbookID)
	if err != nil {
		return versions.Commit{}, err
	}
	edits := plan(diffs, current)
	if len(edits) == 0 {
		return versions.Commit{}, versions.NewServiceError(opRevert, "nothing_to_revert", versions.ErrValidation, nil)
	}

	commit, err := c.store.RecordCommit(ctx, versions.CommitRequest{
		WorkbookID:   workbookID,
		AuthorID:     authorID,
		Message:      fmt.Sprintf("Revert to %s", target.ShortRef()),
		BaseCommitID: head.ID,
		Cells:        edits,
		Restores:     restoredSheets(edits),
	})
	if err != nil {
		c.logger.Warn("revert failed",
			zap.String("operation", opRevert),
			zap.String("workbook_id", workbookID),
			zap.Int64("target_commit_id", target.ID),
			zap.Error(err))
		return versions.Commit{}, err
	}
	c.logger.Info("workbook reverted",
		zap.String("workbook_id", workbookID),
		zap.Int64("target_commit_id", target.ID),
		zap.Int64("commit_id", commit.ID),
		zap.Int("cells", len(edits)))
	return commit, nil
}

// plan maps the HEAD→target diff onto cell edits, skipping cells whose current
// content already matches the target.
func plan(diffs []history.CellDiff, current []versions.Cell) []versions.CellEdit {
	byKey := make(map[cells.Key]cells.State, len(current))
	for _, cell := range current {
		byKey[cell.Key()] = cell.State()
	}
	edits := make([]versions.CellEdit, 0, len(diffs))
	for _, diff := range diffs {
		desired := cells.State{}
		edit := versions.CellEdit{WorksheetID: diff.WorksheetID, Row: diff.Row, Col: diff.Col}
		if diff.ChangeType != cells.ChangeDeleted {
			desired = cells.State{Value: diff.NewValue, Formula: diff.NewFormula}
			edit.Value = diff.NewValue
			edit.Formula = diff.NewFormula
			edit.Style = diff.NewStyle
		}
		existing, ok := byKey[diff.Key()]
		if ok && cells.SameContent(existing, desired) {
			continue
		}
		if !ok && desired.Empty() {
			continue
		}
		edits = append(edits, edit)
	}
	return edits
}

// restoredSheets lists the worksheets that receive content from the target. Any
// of them archived after the target commit is made visible again.
func restoredSheets(edits []versions.CellEdit) []string {
	seen := make(map[string]struct{})
	worksheetIDs := make([]string, 0)
	for _, edit := range edits {
		if edit.Value == "" && cells.FormulaText(edit.Formula) == "" {
			continue
		}
		if _, ok := seen[edit.WorksheetID]; ok {
			continue
		}
		seen[edit.WorksheetID] = struct{}{}
		worksheetIDs = append(worksheetIDs, edit.WorksheetID)
	}
	return worksheetIDs
}
