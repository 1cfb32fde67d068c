package versions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultBatchSize bounds the rows written per INSERT during ingestion.
	DefaultBatchSize = 500

	maxNameLength = 255

	opServiceNew        = "versions.service.new"
	opCreateWorkbook    = "versions.create_workbook"
	opGetWorkbook       = "versions.get_workbook"
	opListWorkbooks     = "versions.list_workbooks"
	opDeleteWorkbook    = "versions.delete_workbook"
	opListCommits       = "versions.list_commits"
	opGetCommit         = "versions.get_commit"
	opGetCommitByRef    = "versions.get_commit_by_ref"
	opHead              = "versions.head"
	opGetCellVersions   = "versions.get_cell_versions"
	opVersionsThrough   = "versions.versions_through"
	opTouchedCells      = "versions.touched_cells"
	opListCells         = "versions.list_cells"
	opListWorksheets    = "versions.list_worksheets"
	opGetCommitChanges  = "versions.get_commit_changes"
	fieldWorkbookID     = "workbook_id"
	fieldCommitID       = "commit_id"
	queryID             = "id = ?"
	queryWorkbookID     = "workbook_id = ?"
	queryWorkbookCommit = "workbook_id = ? AND id = ?"
	reasonMissingDB     = "missing_database"
	reasonQueryFailed   = "query_failed"
	reasonNotFound      = "not_found"
	reasonTxFailed      = "transaction_failed"
	reasonInvalidInput  = "invalid_input"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the version store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	BatchSize  int
}

// Service is the only writer of workbooks, worksheets, cells, commits, cell
// versions, commit changes and conflicts. All coordination between concurrent
// callers happens inside its database transactions.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	batchSize  int
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opServiceNew, reasonMissingDB, ErrStorage, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opServiceNew, "missing_id_provider", ErrValidation, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		batchSize:  batchSize,
	}, nil
}

// CreateWorkbook stores workbook metadata. The workbook has no HEAD until its
// bootstrap commit is recorded.
func (s *Service) CreateWorkbook(ctx context.Context, name, ownerID string) (Workbook, error) {
	if err := s.ready(opCreateWorkbook); err != nil {
		return Workbook{}, err
	}
	var workbook Workbook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.createWorkbookInTx(tx, opCreateWorkbook, name, ownerID)
		if err != nil {
			return err
		}
		workbook = created
		return nil
	})
	if txErr != nil {
		return Workbook{}, s.classify(opCreateWorkbook, txErr)
	}
	return workbook, nil
}

func (s *Service) createWorkbookInTx(tx *gorm.DB, operation, name, ownerID string) (Workbook, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" || len(trimmedName) > maxNameLength {
		return Workbook{}, NewServiceError(operation, "invalid_name", ErrValidation, nil)
	}
	trimmedOwner := strings.TrimSpace(ownerID)
	if trimmedOwner == "" {
		return Workbook{}, NewServiceError(operation, "invalid_owner", ErrValidation, nil)
	}
	workbookID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return Workbook{}, NewServiceError(operation, "id_generation_failed", ErrStorage, err)
	}
	now := s.clock().UTC()
	workbook := Workbook{
		ID:        workbookID,
		Name:      trimmedName,
		OwnerID:   trimmedOwner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&workbook).Error; err != nil {
		s.logError(operation, "workbook_insert_failed", err, zap.String(fieldWorkbookID, workbookID))
		return Workbook{}, NewServiceError(operation, "workbook_insert_failed", ErrStorage, err)
	}
	return workbook, nil
}

// GetWorkbook loads workbook metadata.
func (s *Service) GetWorkbook(ctx context.Context, workbookID string) (Workbook, error) {
	if err := s.ready(opGetWorkbook); err != nil {
		return Workbook{}, err
	}
	return s.findWorkbook(s.db.WithContext(ctx), opGetWorkbook, workbookID)
}

// ListWorkbooks returns the workbooks owned by ownerID, most recently updated first.
func (s *Service) ListWorkbooks(ctx context.Context, ownerID string) ([]Workbook, error) {
	if err := s.ready(opListWorkbooks); err != nil {
		return nil, err
	}
	var workbooks []Workbook
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&workbooks).Error; err != nil {
		s.logError(opListWorkbooks, reasonQueryFailed, err)
		return nil, NewServiceError(opListWorkbooks, reasonQueryFailed, ErrStorage, err)
	}
	return workbooks, nil
}

// DeleteWorkbook removes the workbook and everything it owns. It is the only path
// that deletes commits or cell versions.
func (s *Service) DeleteWorkbook(ctx context.Context, workbookID string) error {
	if err := s.ready(opDeleteWorkbook); err != nil {
		return err
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockWorkbook(tx, opDeleteWorkbook, workbookID); err != nil {
			return err
		}
		sheetIDs := tx.Model(&Worksheet{}).Select("id").Where(queryWorkbookID, workbookID)
		steps := []struct {
			reason string
			run    func() error
		}{
			{"cells_delete_failed", func() error { return tx.Where("worksheet_id IN (?)", sheetIDs).Delete(&Cell{}).Error }},
			{"versions_delete_failed", func() error { return tx.Where(queryWorkbookID, workbookID).Delete(&CellVersion{}).Error }},
			{"changes_delete_failed", func() error { return tx.Where(queryWorkbookID, workbookID).Delete(&CommitChange{}).Error }},
			{"conflicts_delete_failed", func() error { return tx.Where(queryWorkbookID, workbookID).Delete(&Conflict{}).Error }},
			{"commits_delete_failed", func() error { return tx.Where(queryWorkbookID, workbookID).Delete(&Commit{}).Error }},
			{"worksheets_delete_failed", func() error { return tx.Where(queryWorkbookID, workbookID).Delete(&Worksheet{}).Error }},
			{"workbook_delete_failed", func() error { return tx.Where(queryID, workbookID).Delete(&Workbook{}).Error }},
		}
		for _, step := range steps {
			if err := step.run(); err != nil {
				s.logError(opDeleteWorkbook, step.reason, err, zap.String(fieldWorkbookID, workbookID))
				return NewServiceError(opDeleteWorkbook, step.reason, ErrStorage, err)
			}
		}
		return nil
	})
	if txErr != nil {
		return s.classify(opDeleteWorkbook, txErr)
	}
	return nil
}

// ListCommits returns the workbook's commits, most recent first.
func (s *Service) ListCommits(ctx context.Context, workbookID string) ([]Commit, error) {
	if err := s.ready(opListCommits); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findWorkbook(db, opListCommits, workbookID); err != nil {
		return nil, err
	}
	var commits []Commit
	if err := db.Where(queryWorkbookID, workbookID).Order("id DESC").Find(&commits).Error; err != nil {
		s.logError(opListCommits, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opListCommits, reasonQueryFailed, ErrStorage, err)
	}
	return commits, nil
}

// GetCommit loads a commit that belongs to the workbook.
func (s *Service) GetCommit(ctx context.Context, workbookID string, commitID int64) (Commit, error) {
	if err := s.ready(opGetCommit); err != nil {
		return Commit{}, err
	}
	return s.findCommit(s.db.WithContext(ctx), opGetCommit, workbookID, commitID)
}

// GetCommitByRef resolves a full reference or an unambiguous prefix of at least four characters.
func (s *Service) GetCommitByRef(ctx context.Context, workbookID, ref string) (Commit, error) {
	if err := s.ready(opGetCommitByRef); err != nil {
		return Commit{}, err
	}
	normalized, ok := normalizeRef(ref)
	if !ok {
		return Commit{}, NewServiceError(opGetCommitByRef, "invalid_ref", ErrValidation, nil)
	}
	var matches []Commit
	if err := s.db.WithContext(ctx).
		Where("workbook_id = ? AND ref LIKE ?", workbookID, normalized+"%").
		Limit(2).
		Find(&matches).Error; err != nil {
		s.logError(opGetCommitByRef, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return Commit{}, NewServiceError(opGetCommitByRef, reasonQueryFailed, ErrStorage, err)
	}
	switch len(matches) {
	case 0:
		return Commit{}, NewServiceError(opGetCommitByRef, reasonNotFound, ErrNotFound, nil)
	case 1:
		return matches[0], nil
	default:
		return Commit{}, NewServiceError(opGetCommitByRef, "ambiguous_ref", ErrValidation, nil)
	}
}

// Head returns the workbook's most recent commit.
func (s *Service) Head(ctx context.Context, workbookID string) (Commit, error) {
	if err := s.ready(opHead); err != nil {
		return Commit{}, err
	}
	db := s.db.WithContext(ctx)
	workbook, err := s.findWorkbook(db, opHead, workbookID)
	if err != nil {
		return Commit{}, err
	}
	if workbook.HeadCommitID == nil {
		return Commit{}, NewServiceError(opHead, "missing_bootstrap", ErrNotFound, nil)
	}
	return s.findCommit(db, opHead, workbookID, *workbook.HeadCommitID)
}

// GetCellVersions returns the versions written by the commit itself. For any
// commit other than the bootstrap this is a sparse delta, not the full state.
func (s *Service) GetCellVersions(ctx context.Context, commitID int64) (map[cells.Key]CellVersion, error) {
	if err := s.ready(opGetCellVersions); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var commit Commit
	if err := db.Where(queryID, commitID).Take(&commit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewServiceError(opGetCellVersions, reasonNotFound, ErrNotFound, err)
		}
		s.logError(opGetCellVersions, reasonQueryFailed, err, zap.Int64(fieldCommitID, commitID))
		return nil, NewServiceError(opGetCellVersions, reasonQueryFailed, ErrStorage, err)
	}
	var rows []CellVersion
	if err := db.Where("commit_id = ?", commitID).Order("id ASC").Find(&rows).Error; err != nil {
		s.logError(opGetCellVersions, reasonQueryFailed, err, zap.Int64(fieldCommitID, commitID))
		return nil, NewServiceError(opGetCellVersions, reasonQueryFailed, ErrStorage, err)
	}
	versions := make(map[cells.Key]CellVersion, len(rows))
	for _, row := range rows {
		versions[row.Key()] = row
	}
	return versions, nil
}

// VersionsThrough returns every version written by commits up to and including
// commitID, in commit order. Folding them forward reconstructs that commit's state.
func (s *Service) VersionsThrough(ctx context.Context, workbookID string, commitID int64) ([]CellVersion, error) {
	if err := s.ready(opVersionsThrough); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findCommit(db, opVersionsThrough, workbookID, commitID); err != nil {
		return nil, err
	}
	var rows []CellVersion
	if err := db.Where("workbook_id = ? AND commit_id <= ?", workbookID, commitID).
		Order("commit_id ASC, id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opVersionsThrough, reasonQueryFailed, err,
			zap.String(fieldWorkbookID, workbookID),
			zap.Int64(fieldCommitID, commitID))
		return nil, NewServiceError(opVersionsThrough, reasonQueryFailed, ErrStorage, err)
	}
	return rows, nil
}

// TouchedCell is the latest write to a cell within a commit range.
type TouchedCell struct {
	CommitID int64
	AuthorID string
	Address  string
	State    cells.State
	Deleted  bool
}

// TouchedCells reports the cells written by commits in (afterCommitID, throughCommitID].
func (s *Service) TouchedCells(ctx context.Context, workbookID string, afterCommitID, throughCommitID int64) (map[cells.Key]TouchedCell, error) {
	if err := s.ready(opTouchedCells); err != nil {
		return nil, err
	}
	if afterCommitID >= throughCommitID {
		return map[cells.Key]TouchedCell{}, nil
	}
	db := s.db.WithContext(ctx)
	var commits []Commit
	if err := db.Where("workbook_id = ? AND id > ? AND id <= ?", workbookID, afterCommitID, throughCommitID).
		Find(&commits).Error; err != nil {
		s.logError(opTouchedCells, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opTouchedCells, reasonQueryFailed, ErrStorage, err)
	}
	authors := make(map[int64]string, len(commits))
	for _, commit := range commits {
		authors[commit.ID] = commit.AuthorID
	}
	var rows []CellVersion
	if err := db.Where("workbook_id = ? AND commit_id > ? AND commit_id <= ?", workbookID, afterCommitID, throughCommitID).
		Order("commit_id ASC, id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opTouchedCells, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opTouchedCells, reasonQueryFailed, ErrStorage, err)
	}
	touched := make(map[cells.Key]TouchedCell, len(rows))
	for _, row := range rows {
		touched[row.Key()] = TouchedCell{
			CommitID: row.CommitID,
			AuthorID: authors[row.CommitID],
			Address:  row.Address,
			State:    row.State(),
			Deleted:  row.Deleted,
		}
	}
	return touched, nil
}

// ListCells returns the authoritative grid of the workbook ordered by sheet position, row and column.
func (s *Service) ListCells(ctx context.Context, workbookID string) ([]Cell, error) {
	if err := s.ready(opListCells); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findWorkbook(db, opListCells, workbookID); err != nil {
		return nil, err
	}
	var rows []Cell
	if err := db.Model(&Cell{}).
		Select("cells.*").
		Joins("JOIN worksheets ON worksheets.id = cells.worksheet_id").
		Where("worksheets.workbook_id = ?", workbookID).
		Order("worksheets.position ASC, cells.row_index ASC, cells.col_index ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListCells, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opListCells, reasonQueryFailed, ErrStorage, err)
	}
	return rows, nil
}

// ListWorksheets returns the workbook's worksheets in display order.
func (s *Service) ListWorksheets(ctx context.Context, workbookID string, includeArchived bool) ([]Worksheet, error) {
	if err := s.ready(opListWorksheets); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findWorkbook(db, opListWorksheets, workbookID); err != nil {
		return nil, err
	}
	query := db.Where(queryWorkbookID, workbookID)
	if !includeArchived {
		query = query.Where("archived = ?", false)
	}
	var sheets []Worksheet
	if err := query.Order("position ASC, name ASC").Find(&sheets).Error; err != nil {
		s.logError(opListWorksheets, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return nil, NewServiceError(opListWorksheets, reasonQueryFailed, ErrStorage, err)
	}
	return sheets, nil
}

// GetCommitChanges returns the cached diff rows of a commit.
func (s *Service) GetCommitChanges(ctx context.Context, workbookID string, commitID int64) ([]CommitChange, error) {
	if err := s.ready(opGetCommitChanges); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findCommit(db, opGetCommitChanges, workbookID, commitID); err != nil {
		return nil, err
	}
	var changes []CommitChange
	if err := db.Where("commit_id = ?", commitID).Order("id ASC").Find(&changes).Error; err != nil {
		s.logError(opGetCommitChanges, reasonQueryFailed, err, zap.Int64(fieldCommitID, commitID))
		return nil, NewServiceError(opGetCommitChanges, reasonQueryFailed, ErrStorage, err)
	}
	return changes, nil
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDB, errMissingDatabase)
		return NewServiceError(operation, reasonMissingDB, ErrStorage, errMissingDatabase)
	}
	return nil
}

func (s *Service) findWorkbook(db *gorm.DB, operation, workbookID string) (Workbook, error) {
	var workbook Workbook
	err := db.Where(queryID, workbookID).Take(&workbook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workbook{}, NewServiceError(operation, "workbook_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldWorkbookID, workbookID))
		return Workbook{}, NewServiceError(operation, reasonQueryFailed, ErrStorage, err)
	}
	return workbook, nil
}

func (s *Service) lockWorkbook(tx *gorm.DB, operation, workbookID string) (Workbook, error) {
	var workbook Workbook
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryID, workbookID).
		Take(&workbook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Workbook{}, NewServiceError(operation, "workbook_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, "workbook_lock_failed", err, zap.String(fieldWorkbookID, workbookID))
		return Workbook{}, NewServiceError(operation, "workbook_lock_failed", ErrStorage, err)
	}
	return workbook, nil
}

func (s *Service) findCommit(db *gorm.DB, operation, workbookID string, commitID int64) (Commit, error) {
	var commit Commit
	err := db.Where(queryWorkbookCommit, workbookID, commitID).Take(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Commit{}, NewServiceError(operation, "commit_not_found", ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err,
			zap.String(fieldWorkbookID, workbookID),
			zap.Int64(fieldCommitID, commitID))
		return Commit{}, NewServiceError(operation, reasonQueryFailed, ErrStorage, err)
	}
	return commit, nil
}

// classify keeps typed errors produced inside a transaction and reports anything
// else (a failed COMMIT, a driver error) as a storage failure.
func (s *Service) classify(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return err
	}
	s.logError(operation, reasonTxFailed, err)
	return NewServiceError(operation, reasonTxFailed, ErrStorage, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("version store error", attrs...)
}
