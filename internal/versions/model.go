package versions

import (
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"gorm.io/datatypes"
)

const shortRefLength = 8

// Workbook models a versioned spreadsheet document. HeadCommitID is nil until the
// bootstrap commit is recorded.
type Workbook struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	Name         string    `gorm:"column:name;size:255;not null"`
	OwnerID      string    `gorm:"column:owner_id;size:190;not null;index"`
	HeadCommitID *int64    `gorm:"column:head_commit_id"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Workbook) TableName() string {
	return "workbooks"
}

// Head returns the head commit id, or zero before bootstrap.
func (w Workbook) Head() int64 {
	if w.HeadCommitID == nil {
		return 0
	}
	return *w.HeadCommitID
}

// Worksheet is an ordered tab of a workbook. Archived sheets keep their id so
// historical cell versions still resolve a name.
type Worksheet struct {
	ID         string    `gorm:"column:id;primaryKey;size:64;not null"`
	WorkbookID string    `gorm:"column:workbook_id;size:64;not null;index;uniqueIndex:idx_worksheets_workbook_name,priority:1"`
	Name       string    `gorm:"column:name;size:255;not null;uniqueIndex:idx_worksheets_workbook_name,priority:2"`
	Position   int       `gorm:"column:position;not null;default:0"`
	Archived   bool      `gorm:"column:archived;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Worksheet) TableName() string {
	return "worksheets"
}

// Cell holds the authoritative value of one occupied coordinate as of HEAD.
type Cell struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	WorksheetID string         `gorm:"column:worksheet_id;size:64;not null;uniqueIndex:idx_cells_coordinate,priority:1"`
	Row         int            `gorm:"column:row_index;not null;uniqueIndex:idx_cells_coordinate,priority:2"`
	Col         int            `gorm:"column:col_index;not null;uniqueIndex:idx_cells_coordinate,priority:3"`
	Address     string         `gorm:"column:address;size:16;not null"`
	Value       string         `gorm:"column:value;type:text;not null;default:''"`
	Formula     *string        `gorm:"column:formula;type:text"`
	Style       datatypes.JSON `gorm:"column:style"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cell) TableName() string {
	return "cells"
}

// Key returns the composite coordinate of the cell.
func (c Cell) Key() cells.Key {
	return cells.Key{WorksheetID: c.WorksheetID, Row: c.Row, Col: c.Col}
}

// State returns the cell content.
func (c Cell) State() cells.State {
	return cells.State{Value: c.Value, Formula: c.Formula, Style: []byte(c.Style)}
}

// Commit is one immutable link of a workbook's linear history.
type Commit struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	WorkbookID string    `gorm:"column:workbook_id;size:64;not null;index:idx_commits_workbook_created,priority:1"`
	ParentID   *int64    `gorm:"column:parent_id"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null"`
	Message    string    `gorm:"column:message;type:text;not null"`
	Ref        string    `gorm:"column:ref;size:40;not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_commits_workbook_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Commit) TableName() string {
	return "commits"
}

// ShortRef returns the truncated reference shown in history views.
func (c Commit) ShortRef() string {
	if len(c.Ref) <= shortRefLength {
		return c.Ref
	}
	return c.Ref[:shortRefLength]
}

// IsBootstrap reports whether the commit is the first of its workbook.
func (c Commit) IsBootstrap() bool {
	return c.ParentID == nil
}

// CellVersion records a cell's content as written by one commit. Deleted marks a
// tombstone so that replaying versions removes the cell.
type CellVersion struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CommitID    int64          `gorm:"column:commit_id;not null;index;index:idx_cell_versions_workbook_commit,priority:2"`
	WorkbookID  string         `gorm:"column:workbook_id;size:64;not null;index:idx_cell_versions_workbook_commit,priority:1"`
	WorksheetID string         `gorm:"column:worksheet_id;size:64;not null"`
	Row         int            `gorm:"column:row_index;not null"`
	Col         int            `gorm:"column:col_index;not null"`
	Address     string         `gorm:"column:address;size:16;not null"`
	Value       string         `gorm:"column:value;type:text;not null;default:''"`
	Formula     *string        `gorm:"column:formula;type:text"`
	Style       datatypes.JSON `gorm:"column:style"`
	Deleted     bool           `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (CellVersion) TableName() string {
	return "cell_versions"
}

// Key returns the composite coordinate of the version.
func (v CellVersion) Key() cells.Key {
	return cells.Key{WorksheetID: v.WorksheetID, Row: v.Row, Col: v.Col}
}

// State returns the recorded content. Version rows are immutable, so a blank
// formula written before formulas were normalized is mapped to nil on read.
func (v CellVersion) State() cells.State {
	return cells.State{Value: v.Value, Formula: cells.NormalizeFormula(v.Formula), Style: []byte(v.Style)}
}

// CommitChange is the precomputed diff row cached alongside a commit.
type CommitChange struct {
	ID          int64            `gorm:"column:id;primaryKey;autoIncrement"`
	CommitID    int64            `gorm:"column:commit_id;not null;index"`
	WorkbookID  string           `gorm:"column:workbook_id;size:64;not null;index"`
	WorksheetID string           `gorm:"column:worksheet_id;size:64;not null"`
	Row         int              `gorm:"column:row_index;not null"`
	Col         int              `gorm:"column:col_index;not null"`
	Address     string           `gorm:"column:address;size:16;not null"`
	ChangeType  cells.ChangeType `gorm:"column:change_type;size:16;not null"`
	OldValue    string           `gorm:"column:old_value;type:text;not null;default:''"`
	NewValue    string           `gorm:"column:new_value;type:text;not null;default:''"`
	OldFormula  *string          `gorm:"column:old_formula;type:text"`
	NewFormula  *string          `gorm:"column:new_formula;type:text"`
	Description string           `gorm:"column:description;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommitChange) TableName() string {
	return "commit_changes"
}

// ConflictStatus enumerates the lifecycle of a conflict record.
type ConflictStatus string

const (
	// ConflictStatusPending marks a conflict awaiting a user decision.
	ConflictStatusPending ConflictStatus = "pending"
	// ConflictStatusResolved marks a conflict closed by a resolution commit.
	ConflictStatusResolved ConflictStatus = "resolved"
)

// ResolutionChoice names how a conflict was closed.
type ResolutionChoice string

const (
	// ResolutionMine keeps the value proposed by the rejected edit.
	ResolutionMine ResolutionChoice = "mine"
	// ResolutionTheirs keeps the value already committed by the other user.
	ResolutionTheirs ResolutionChoice = "theirs"
	// ResolutionCustom writes a value supplied at resolution time.
	ResolutionCustom ResolutionChoice = "custom"
)

// Conflict records two divergent edits to one cell.
type Conflict struct {
	ID               string           `gorm:"column:id;primaryKey;size:64;not null"`
	WorkbookID       string           `gorm:"column:workbook_id;size:64;not null;index:idx_conflicts_workbook_status,priority:1"`
	Status           ConflictStatus   `gorm:"column:status;size:16;not null;index:idx_conflicts_workbook_status,priority:2"`
	WorksheetID      string           `gorm:"column:worksheet_id;size:64;not null"`
	Row              int              `gorm:"column:row_index;not null"`
	Col              int              `gorm:"column:col_index;not null"`
	Address          string           `gorm:"column:address;size:16;not null"`
	BaseCommitID     int64            `gorm:"column:base_commit_id;not null"`
	TheirCommitID    int64            `gorm:"column:their_commit_id;not null"`
	TheirUserID      string           `gorm:"column:their_user_id;size:190;not null"`
	TheirValue       string           `gorm:"column:their_value;type:text;not null;default:''"`
	TheirFormula     *string          `gorm:"column:their_formula;type:text"`
	MineUserID       string           `gorm:"column:mine_user_id;size:190;not null"`
	MineValue        string           `gorm:"column:mine_value;type:text;not null;default:''"`
	MineFormula      *string          `gorm:"column:mine_formula;type:text"`
	Resolution       ResolutionChoice `gorm:"column:resolution;size:16;not null;default:''"`
	ResolvedCommitID *int64           `gorm:"column:resolved_commit_id"`
	CreatedAt        time.Time        `gorm:"column:created_at;not null"`
	ResolvedAt       *time.Time       `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (Conflict) TableName() string {
	return "conflicts"
}

// Key returns the composite coordinate of the conflicting cell.
func (c Conflict) Key() cells.Key {
	return cells.Key{WorksheetID: c.WorksheetID, Row: c.Row, Col: c.Col}
}

// Models lists every table owned by the version store, in migration order.
func Models() []any {
	return []any{
		&Workbook{},
		&Worksheet{},
		&Cell{},
		&Commit{},
		&CellVersion{},
		&CommitChange{},
		&Conflict{},
	}
}
