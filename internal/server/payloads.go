package server

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
)

type workbookPayload struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"ownerId"`
	HeadCommitID *int64    `json:"headCommitId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newWorkbookPayload(workbook versions.Workbook) workbookPayload {
	return workbookPayload{
		ID:           workbook.ID,
		Name:         workbook.Name,
		OwnerID:      workbook.OwnerID,
		HeadCommitID: workbook.HeadCommitID,
		CreatedAt:    workbook.CreatedAt,
		UpdatedAt:    workbook.UpdatedAt,
	}
}

type worksheetPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Archived bool   `json:"archived"`
}

func newWorksheetPayloads(sheets []versions.Worksheet) []worksheetPayload {
	payloads := make([]worksheetPayload, 0, len(sheets))
	for _, sheet := range sheets {
		payloads = append(payloads, worksheetPayload{ID: sheet.ID, Name: sheet.Name, Position: sheet.Position, Archived: sheet.Archived})
	}
	return payloads
}

type cellPayload struct {
	WorksheetID string          `json:"worksheetId"`
	Row         int             `json:"row"`
	Col         int             `json:"col"`
	Address     string          `json:"address"`
	Value       string          `json:"value"`
	Formula     *string         `json:"formula"`
	Style       json.RawMessage `json:"style,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
}

func newCellPayload(key cells.Key, address string, state cells.State) cellPayload {
	payload := cellPayload{
		WorksheetID: key.WorksheetID,
		Row:         key.Row,
		Col:         key.Col,
		Address:     address,
		Value:       state.Value,
		Formula:     state.Formula,
	}
	if len(state.Style) > 0 {
		payload.Style = json.RawMessage(state.Style)
	}
	return payload
}

type commitPayload struct {
	ID         int64     `json:"id"`
	Ref        string    `json:"ref"`
	ShortRef   string    `json:"shortRef"`
	ParentID   *int64    `json:"parentId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newCommitPayload(commit versions.Commit, names map[string]string) commitPayload {
	return commitPayload{
		ID:         commit.ID,
		Ref:        commit.Ref,
		ShortRef:   commit.ShortRef(),
		ParentID:   commit.ParentID,
		AuthorID:   commit.AuthorID,
		AuthorName: names[commit.AuthorID],
		Message:    commit.Message,
		CreatedAt:  commit.CreatedAt,
	}
}

type changePayload struct {
	WorksheetID string           `json:"worksheetId"`
	Row         int              `json:"row"`
	Col         int              `json:"col"`
	Address     string           `json:"address"`
	ChangeType  cells.ChangeType `json:"changeType"`
	OldValue    string           `json:"oldValue"`
	NewValue    string           `json:"newValue"`
	OldFormula  *string          `json:"oldFormula"`
	NewFormula  *string          `json:"newFormula"`
	Description string           `json:"description"`
}

func newChangePayloads(changes []versions.CommitChange) []changePayload {
	payloads := make([]changePayload, 0, len(changes))
	for _, change := range changes {
		payloads = append(payloads, changePayload{
			WorksheetID: change.WorksheetID,
			Row:         change.Row,
			Col:         change.Col,
			Address:     change.Address,
			ChangeType:  change.ChangeType,
			OldValue:    change.OldValue,
			NewValue:    change.NewValue,
			OldFormula:  change.OldFormula,
			NewFormula:  change.NewFormula,
			Description: change.Description,
		})
	}
	return payloads
}

type conflictPayload struct {
	ID            string                    `json:"id,omitempty"`
	Status        versions.ConflictStatus   `json:"status,omitempty"`
	WorksheetID   string                    `json:"worksheetId"`
	Row           int                       `json:"row"`
	Col           int                       `json:"col"`
	Address       string                    `json:"address"`
	BaseCommitID  int64                     `json:"baseCommitId,omitempty"`
	TheirCommitID int64                     `json:"theirCommitId"`
	TheirUserID   string                    `json:"theirUserId"`
	TheirValue    string                    `json:"theirValue"`
	TheirFormula  *string                   `json:"theirFormula"`
	MineUserID    string                    `json:"mineUserId,omitempty"`
	MineValue     string                    `json:"mineValue"`
	MineFormula   *string                   `json:"mineFormula"`
	Resolution    versions.ResolutionChoice `json:"resolution,omitempty"`
	CreatedAt     *time.Time                `json:"createdAt,omitempty"`
	ResolvedAt    *time.Time                `json:"resolvedAt,omitempty"`
}

func newConflictPayloadFromCell(cell versions.CellConflict) conflictPayload {
	return conflictPayload{
		ID:            cell.ConflictID,
		Status:        versions.ConflictStatusPending,
		WorksheetID:   cell.WorksheetID,
		Row:           cell.Row,
		Col:           cell.Col,
		Address:       cell.Address,
		TheirCommitID: cell.TheirCommitID,
		TheirUserID:   cell.TheirUserID,
		TheirValue:    cell.TheirValue,
		TheirFormula:  cell.TheirFormula,
		MineValue:     cell.MineValue,
		MineFormula:   cell.MineFormula,
	}
}

func newConflictPayload(conflict versions.Conflict) conflictPayload {
	createdAt := conflict.CreatedAt
	return conflictPayload{
		ID:            conflict.ID,
		Status:        conflict.Status,
		WorksheetID:   conflict.WorksheetID,
		Row:           conflict.Row,
		Col:           conflict.Col,
		Address:       conflict.Address,
		BaseCommitID:  conflict.BaseCommitID,
		TheirCommitID: conflict.TheirCommitID,
		TheirUserID:   conflict.TheirUserID,
		TheirValue:    conflict.TheirValue,
		TheirFormula:  conflict.TheirFormula,
		MineUserID:    conflict.MineUserID,
		MineValue:     conflict.MineValue,
		MineFormula:   conflict.MineFormula,
		Resolution:    conflict.Resolution,
		CreatedAt:     &createdAt,
		ResolvedAt:    conflict.ResolvedAt,
	}
}
