package conflicts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries bounds how often an edit is re-evaluated after HEAD moved underneath it.
	DefaultMaxRetries = 3

	opDetectorNew = "conflicts.detector.new"
	opSubmit      = "conflicts.submit"
	opResolve     = "conflicts.resolve"
	opList        = "conflicts.list"
)

var (
	errMissingStore = errors.New("version store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the part of the version store the detector coordinates.
type Store interface {
	GetWorkbook(ctx context.Context, workbookID string) (versions.Workbook, error)
	GetCommit(ctx context.Context, workbookID string, commitID int64) (versions.Commit, error)
	TouchedCells(ctx context.Context, workbookID string, afterCommitID, throughCommitID int64) (map[cells.Key]versions.TouchedCell, error)
	RecordCommit(ctx context.Context, request versions.CommitRequest) (versions.Commit, error)
	CreateConflicts(ctx context.Context, workbookID string, records []versions.Conflict) ([]versions.Conflict, error)
	ListConflicts(ctx context.Context, workbookID string, status versions.ConflictStatus) ([]versions.Conflict, error)
	GetConflict(ctx context.Context, workbookID, conflictID string) (versions.Conflict, error)
}

// DetectorConfig describes the dependencies of the detector.
type DetectorConfig struct {
	Store      Store
	Logger     *zap.Logger
	MaxRetries int
}

// Detector routes user edits into the version store and turns concurrent edits
// of the same cell into conflict records instead of silent overwrites.
type Detector struct {
	store      Store
	logger     *zap.Logger
	maxRetries int
}

// Edit is a user's proposed change set and the commit it was based on.
type Edit struct {
	WorkbookID   string
	AuthorID     string
	Message      string
	BaseCommitID int64
	Cells        []versions.CellEdit
}

// Outcome reports how an accepted edit was recorded.
type Outcome struct {
	Commit versions.Commit
	// Rebased is set when the edit was based on an older commit and replayed on HEAD.
	Rebased bool
}

// NewDetector validates the configuration and returns a Detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Store == nil {
		return nil, versions.NewServiceError(opDetectorNew, "missing_store", versions.ErrValidation, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Detector{store: cfg.Store, logger: logger, maxRetries: maxRetries}, nil
}

// Submit records the edit when no cell it touches was changed since its base
// commit. Otherwise it persists one pending conflict per overlapping cell and
// returns a *versions.ConflictError without writing to any versioned table.
func (d *Detector) Submit(ctx context.Context, edit Edit) (Outcome, error) {
	if strings.TrimSpace(edit.AuthorID) == "" {
		return Outcome{}, versions.NewServiceError(opSubmit, "invalid_author", versions.ErrValidation, nil)
	}
	for _, cell := range edit.Cells {
		if _, err := cells.NewKey(cell.WorksheetID, cell.Row, cell.Col); err != nil {
			return Outcome{}, versions.NewServiceError(opSubmit, "invalid_cell_coordinate", versions.ErrValidation, err)
		}
	}
	if _, err := d.store.GetCommit(ctx, edit.WorkbookID, edit.BaseCommitID); err != nil {
		return Outcome{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		workbook, err := d.store.GetWorkbook(ctx, edit.WorkbookID)
		if err != nil {
			return Outcome{}, err
		}
		head := workbook.Head()
		rebased := head != edit.BaseCommitID
		if rebased {
			touched, err := d.store.TouchedCells(ctx, edit.WorkbookID, edit.BaseCommitID, head)
			if err != nil {
				return Outcome{}, err
			}
			overlapping := overlaps(edit, touched)
			if len(overlapping) > 0 {
				return Outcome{}, d.reject(ctx, edit, head, overlapping)
			}
		}

		commit, err := d.store.RecordCommit(ctx, versions.CommitRequest{
			WorkbookID:   edit.WorkbookID,
			AuthorID:     edit.AuthorID,
			Message:      edit.Message,
			BaseCommitID: head,
			Cells:        edit.Cells,
		})
		if err == nil {
			if rebased {
				d.logger.Info("edit rebased onto head",
					zap.String("workbook_id", edit.WorkbookID),
					zap.Int64("base_commit_id", edit.BaseCommitID),
					zap.Int64("commit_id", commit.ID))
			}
			return Outcome{Commit: commit, Rebased: rebased}, nil
		}
		var conflictErr *versions.ConflictError
		if !errors.As(err, &conflictErr) || !conflictErr.Stale() {
			return Outcome{}, err
		}
		lastErr = err
		d.logger.Debug("head moved during submit, retrying",
			zap.String("workbook_id", edit.WorkbookID),
			zap.Int("attempt", attempt+1))
	}
	d.logError(opSubmit, "retries_exhausted", lastErr, zap.String("workbook_id", edit.WorkbookID))
	return Outcome{}, lastErr
}

type overlap struct {
	edit  versions.CellEdit
	their versions.TouchedCell
}

// overlaps pairs each edited cell with a later write to the same cell. A later
// write that already produced the proposed content is not a conflict.
func overlaps(edit Edit, touched map[cells.Key]versions.TouchedCell) []overlap {
	found := make([]overlap, 0)
	for _, cell := range edit.Cells {
		their, ok := touched[cell.Key()]
		if !ok {
			continue
		}
		mine := cells.State{Value: cell.Value, Formula: cells.NormalizeFormula(cell.Formula)}
		theirs := their.State
		if their.Deleted {
			theirs = cells.State{}
		}
		if cells.SameContent(mine, theirs) {
			continue
		}
		found = append(found, overlap{edit: cell, their: their})
	}
	return found
}

func (d *Detector) reject(ctx context.Context, edit Edit, head int64, overlapping []overlap) error {
	records := make([]versions.Conflict, 0, len(overlapping))
	for _, item := range overlapping {
		theirValue, theirFormula := item.their.State.Value, item.their.State.Formula
		if item.their.Deleted {
			theirValue, theirFormula = "", nil
		}
		records = append(records, versions.Conflict{
			WorksheetID:   item.edit.WorksheetID,
			Row:           item.edit.Row,
			Col:           item.edit.Col,
			Address:       item.edit.Key().Address(),
			BaseCommitID:  edit.BaseCommitID,
			TheirCommitID: item.their.CommitID,
			TheirUserID:   item.their.AuthorID,
			TheirValue:    theirValue,
			TheirFormula:  theirFormula,
			MineUserID:    edit.AuthorID,
			MineValue:     item.edit.Value,
			MineFormula:   cells.NormalizeFormula(item.edit.Formula),
		})
	}
	stored, err := d.store.CreateConflicts(ctx, edit.WorkbookID, records)
	if err != nil {
		return err
	}

	conflictErr := &versions.ConflictError{
		WorkbookID:   edit.WorkbookID,
		ExpectedHead: edit.BaseCommitID,
		ActualHead:   head,
		Cells:        make([]versions.CellConflict, 0, len(stored)),
		Operation:    opSubmit,
	}
	for _, record := range stored {
		conflictErr.Cells = append(conflictErr.Cells, versions.CellConflict{
			ConflictID:    record.ID,
			WorksheetID:   record.WorksheetID,
			Row:           record.Row,
			Col:           record.Col,
			Address:       record.Address,
			TheirUserID:   record.TheirUserID,
			TheirCommitID: record.TheirCommitID,
			TheirValue:    record.TheirValue,
			TheirFormula:  record.TheirFormula,
			MineValue:     record.MineValue,
			MineFormula:   record.MineFormula,
		})
	}
	d.logger.Info("edit rejected with conflicts",
		zap.String("workbook_id", edit.WorkbookID),
		zap.Int64("base_commit_id", edit.BaseCommitID),
		zap.Int64("head_commit_id", head),
		zap.Int("conflicts", len(stored)))
	return conflictErr
}

// Resolution is a user's decision for one pending conflict.
type Resolution struct {
	ConflictID string
	Choice     versions.ResolutionChoice
	// Value and Formula are read for the custom choice only.
	Value   string
	Formula *string
}

// ResolveRequest closes a batch of conflicts with one commit.
type ResolveRequest struct {
	WorkbookID  string
	AuthorID    string
	Message     string
	Resolutions []Resolution
}

// Resolve records the chosen values as one commit on top of the current HEAD and
// marks the conflicts resolved in the same transaction. Choosing theirs keeps the
// stored value, so the commit may carry no cell change at all.
func (d *Detector) Resolve(ctx context.Context, request ResolveRequest) (versions.Commit, error) {
	if strings.TrimSpace(request.AuthorID) == "" {
		return versions.Commit{}, versions.NewServiceError(opResolve, "invalid_author", versions.ErrValidation, nil)
	}
	if len(request.Resolutions) == 0 {
		return versions.Commit{}, versions.NewServiceError(opResolve, "empty_resolutions", versions.ErrValidation, nil)
	}

	edits := make([]versions.CellEdit, 0, len(request.Resolutions))
	marks := make([]versions.ConflictMark, 0, len(request.Resolutions))
	seenCells := make(map[cells.Key]struct{}, len(request.Resolutions))
	for _, resolution := range request.Resolutions {
		record, err := d.store.GetConflict(ctx, request.WorkbookID, resolution.ConflictID)
		if err != nil {
			return versions.Commit{}, err
		}
		if record.Status != versions.ConflictStatusPending {
			return versions.Commit{}, versions.NewServiceError(opResolve, "conflict_already_resolved", versions.ErrConflict,
				fmt.Errorf("conflict %s", record.ID))
		}
		key := record.Key()
		if _, exists := seenCells[key]; exists {
			return versions.Commit{}, versions.NewServiceError(opResolve, "duplicate_cell", versions.ErrValidation,
				fmt.Errorf("cell %s resolved twice", record.Address))
		}
		seenCells[key] = struct{}{}

		switch resolution.Choice {
		case versions.ResolutionMine:
			edits = append(edits, versions.CellEdit{WorksheetID: record.WorksheetID, Row: record.Row, Col: record.Col,
				Value: record.MineValue, Formula: record.MineFormula})
		case versions.ResolutionCustom:
			edits = append(edits, versions.CellEdit{WorksheetID: record.WorksheetID, Row: record.Row, Col: record.Col,
				Value: resolution.Value, Formula: resolution.Formula})
		case versions.ResolutionTheirs:
		default:
			return versions.Commit{}, versions.NewServiceError(opResolve, "invalid_choice", versions.ErrValidation,
				fmt.Errorf("conflict %s: %q", record.ID, resolution.Choice))
		}
		marks = append(marks, versions.ConflictMark{ConflictID: record.ID, Resolution: resolution.Choice})
	}

	message := strings.TrimSpace(request.Message)
	if message == "" {
		message = fmt.Sprintf("Resolve %d conflict(s)", len(marks))
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		workbook, err := d.store.GetWorkbook(ctx, request.WorkbookID)
		if err != nil {
			return versions.Commit{}, err
		}
		commit, err := d.store.RecordCommit(ctx, versions.CommitRequest{
			WorkbookID:   request.WorkbookID,
			AuthorID:     request.AuthorID,
			Message:      message,
			BaseCommitID: workbook.Head(),
			Cells:        edits,
			Resolves:     marks,
			AllowEmpty:   true,
		})
		if err == nil {
			d.logger.Info("conflicts resolved",
				zap.String("workbook_id", request.WorkbookID),
				zap.Int64("commit_id", commit.ID),
				zap.Int("conflicts", len(marks)))
			return commit, nil
		}
		var conflictErr *versions.ConflictError
		if !errors.As(err, &conflictErr) || !conflictErr.Stale() {
			return versions.Commit{}, err
		}
		lastErr = err
	}
	d.logError(opResolve, "retries_exhausted", lastErr, zap.String("workbook_id", request.WorkbookID))
	return versions.Commit{}, lastErr
}

// List returns the workbook's conflicts filtered by status; an empty status lists all.
func (d *Detector) List(ctx context.Context, workbookID string, status versions.ConflictStatus) ([]versions.Conflict, error) {
	switch status {
	case "", versions.ConflictStatusPending, versions.ConflictStatusResolved:
	default:
		return nil, versions.NewServiceError(opList, "invalid_status", versions.ErrValidation, nil)
	}
	return d.store.ListConflicts(ctx, workbookID, status)
}

func (d *Detector) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("conflict detector error", attrs...)
}
