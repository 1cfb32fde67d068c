package history

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize bounds the number of reconstructed snapshots kept in memory.
	DefaultCacheSize = 128

	opEngineNew      = "history.engine.new"
	opSnapshot       = "history.snapshot"
	opCompareCommits = "history.compare_commits"
	opDiffCommit     = "history.diff_commit"
)

var (
	errMissingStore = errors.New("version store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the read side of the version store the engine folds.
type Store interface {
	GetCommit(ctx context.Context, workbookID string, commitID int64) (versions.Commit, error)
	VersionsThrough(ctx context.Context, workbookID string, commitID int64) ([]versions.CellVersion, error)
	ListWorksheets(ctx context.Context, workbookID string, includeArchived bool) ([]versions.Worksheet, error)
}

// EngineConfig describes the dependencies of the diff engine.
type EngineConfig struct {
	Store     Store
	CacheSize int
	Logger    *zap.Logger
}

// Engine reconstructs historical workbook states and compares them.
type Engine struct {
	store     Store
	snapshots *lru.Cache[string, Snapshot]
	logger    *zap.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, versions.NewServiceError(opEngineNew, "missing_store", versions.ErrValidation, errMissingStore)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Snapshot](size)
	if err != nil {
		return nil, versions.NewServiceError(opEngineNew, "cache_init_failed", versions.ErrValidation, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{store: cfg.Store, snapshots: cache, logger: logger}, nil
}

// Snapshot returns the full logical state of the workbook as of commitID. It folds
// every version from the bootstrap commit forward, since a non-bootstrap commit only
// stores the cells it touched.
func (e *Engine) Snapshot(ctx context.Context, workbookID string, commitID int64) (Snapshot, error) {
	commit, err := e.store.GetCommit(ctx, workbookID, commitID)
	if err != nil {
		return Snapshot{}, err
	}
	if cached, ok := e.snapshots.Get(commit.Ref); ok {
		return cached, nil
	}

	stream, err := e.store.VersionsThrough(ctx, workbookID, commitID)
	if err != nil {
		return Snapshot{}, err
	}
	state := make(map[cells.Key]entry, len(stream))
	for _, version := range stream {
		key := version.Key()
		if version.Deleted {
			delete(state, key)
			continue
		}
		state[key] = entry{address: version.Address, state: version.State()}
	}
	snapshot := Snapshot{workbookID: workbookID, commit: commit, cells: state}
	e.snapshots.Add(commit.Ref, snapshot)
	e.logger.Debug("snapshot reconstructed",
		zap.String("operation", opSnapshot),
		zap.String("workbook_id", workbookID),
		zap.Int64("commit_id", commitID),
		zap.Int("versions", len(stream)),
		zap.Int("cells", len(state)))
	return snapshot, nil
}

// CompareCommits computes the cell-level diff that turns the base state into the
// head state. A nil base compares against an empty workbook, so every head cell
// is reported as added.
func (e *Engine) CompareCommits(ctx context.Context, workbookID string, baseCommitID *int64, headCommitID int64) ([]CellDiff, error) {
	head, err := e.Snapshot(ctx, workbookID, headCommitID)
	if err != nil {
		return nil, err
	}
	base := Snapshot{workbookID: workbookID}
	if baseCommitID != nil {
		base, err = e.Snapshot(ctx, workbookID, *baseCommitID)
		if err != nil {
			return nil, err
		}
	}
	sheets, err := e.store.ListWorksheets(ctx, workbookID, true)
	if err != nil {
		return nil, err
	}
	return compareSnapshots(base, head, newSheetIndex(sheets)), nil
}

// DiffCommit compares a commit with its parent.
func (e *Engine) DiffCommit(ctx context.Context, workbookID string, commitID int64) ([]CellDiff, error) {
	commit, err := e.store.GetCommit(ctx, workbookID, commitID)
	if err != nil {
		return nil, err
	}
	diffs, err := e.CompareCommits(ctx, workbookID, commit.ParentID, commit.ID)
	if err != nil {
		e.logger.Warn("commit diff failed",
			zap.String("operation", opDiffCommit),
			zap.String("workbook_id", workbookID),
			zap.Int64("commit_id", commitID),
			zap.Error(err))
		return nil, err
	}
	return diffs, nil
}

func compareSnapshots(base, head Snapshot, sheets sheetIndex) []CellDiff {
	diffs := make([]CellDiff, 0)
	for key, current := range head.cells {
		previous, existed := base.cells[key]
		if !existed {
			diffs = append(diffs, newDiff(key, sheets, cells.Change{
				Type:       cells.ChangeAdded,
				Address:    current.address,
				NewValue:   current.state.Value,
				NewFormula: current.state.Formula,
			}, current.state.Style))
			continue
		}
		if cells.SameContent(previous.state, current.state) {
			continue
		}
		diffs = append(diffs, newDiff(key, sheets, cells.Change{
			Type:       cells.ChangeModified,
			Address:    current.address,
			OldValue:   previous.state.Value,
			NewValue:   current.state.Value,
			OldFormula: previous.state.Formula,
			NewFormula: current.state.Formula,
		}, current.state.Style))
	}
	for key, previous := range base.cells {
		if _, exists := head.cells[key]; exists {
			continue
		}
		diffs = append(diffs, newDiff(key, sheets, cells.Change{
			Type:       cells.ChangeDeleted,
			Address:    previous.address,
			OldValue:   previous.state.Value,
			OldFormula: previous.state.Formula,
		}, nil))
	}
	sort.Slice(diffs, func(i, j int) bool {
		left, right := sheets.position(diffs[i].WorksheetID), sheets.position(diffs[j].WorksheetID)
		if left != right {
			return left < right
		}
		if diffs[i].WorksheetID != diffs[j].WorksheetID {
			return diffs[i].WorksheetID < diffs[j].WorksheetID
		}
		if diffs[i].Row != diffs[j].Row {
			return diffs[i].Row < diffs[j].Row
		}
		return diffs[i].Col < diffs[j].Col
	})
	return diffs
}

type sheetIndex map[string]versions.Worksheet

func newSheetIndex(sheets []versions.Worksheet) sheetIndex {
	index := make(sheetIndex, len(sheets))
	for _, sheet := range sheets {
		index[sheet.ID] = sheet
	}
	return index
}

func (s sheetIndex) position(worksheetID string) int {
	if sheet, ok := s[worksheetID]; ok {
		return sheet.Position
	}
	return int(^uint(0) >> 1)
}

func (s sheetIndex) name(worksheetID string) string {
	return s[worksheetID].Name
}
