package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/conflicts"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-gonic/gin"
)

type editCellPayload struct {
	WorksheetID string          `json:"worksheetId"`
	Row         int             `json:"row"`
	Col         int             `json:"col"`
	Address     string          `json:"address"`
	Value       string          `json:"value"`
	Formula     *string         `json:"formula"`
	Style       json.RawMessage `json:"style"`
}

type submitEditPayload struct {
	BaseCommitID int64             `json:"baseCommitId"`
	Message      string            `json:"message"`
	Cells        []editCellPayload `json:"cells"`
}

// toCellEdits resolves A1 addresses for cells sent without row and col.
func toCellEdits(payloads []editCellPayload) ([]versions.CellEdit, error) {
	edits := make([]versions.CellEdit, 0, len(payloads))
	for _, payload := range payloads {
		row, col := payload.Row, payload.Col
		if row == 0 && col == 0 && strings.TrimSpace(payload.Address) != "" {
			parsedRow, parsedCol, err := cells.ParseAddress(payload.Address)
			if err != nil {
				return nil, versions.NewServiceError("server.submit_edit", "invalid_address", versions.ErrValidation, err)
			}
			row, col = parsedRow, parsedCol
		}
		var style json.RawMessage
		if len(payload.Style) > 0 && string(payload.Style) != "null" {
			style = payload.Style
		}
		edits = append(edits, versions.CellEdit{
			WorksheetID: payload.WorksheetID,
			Row:         row,
			Col:         col,
			Value:       payload.Value,
			Formula:     payload.Formula,
			Style:       style,
		})
	}
	return edits, nil
}

func (h *httpHandler) handleSubmitEdit(c *gin.Context) {
	var request submitEditPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.BaseCommitID <= 0 || len(request.Cells) == 0 {
		badRequest(c, "server.submit_edit.invalid_request")
		return
	}
	edits, err := toCellEdits(request.Cells)
	if err != nil {
		h.respondError(c, err)
		return
	}
	authorID := c.GetString(authorIDContextKey)
	workbookID := c.Param("workbook")

	outcome, err := h.detector.Submit(c.Request.Context(), conflicts.Edit{
		WorkbookID:   workbookID,
		AuthorID:     authorID,
		Message:      request.Message,
		BaseCommitID: request.BaseCommitID,
		Cells:        edits,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishHead(workbookID, authorID, outcome.Commit)
	c.JSON(http.StatusCreated, gin.H{
		"commit":  newCommitPayload(outcome.Commit, nil),
		"rebased": outcome.Rebased,
	})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	records, err := h.detector.List(c.Request.Context(), c.Param("workbook"), versions.ConflictStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]conflictPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, newConflictPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": payloads})
}

type resolutionPayload struct {
	ConflictID string                    `json:"conflictId"`
	Choice     versions.ResolutionChoice `json:"choice"`
	Value      string                    `json:"value"`
	Formula    *string                   `json:"formula"`
}

type resolveRequestPayload struct {
	Message     string              `json:"message"`
	Resolutions []resolutionPayload `json:"resolutions"`
}

func (h *httpHandler) handleResolveConflicts(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "server.resolve_conflicts.invalid_request")
		return
	}
	authorID := c.GetString(authorIDContextKey)
	workbookID := c.Param("workbook")

	resolutions := make([]conflicts.Resolution, 0, len(request.Resolutions))
	for _, resolution := range request.Resolutions {
		resolutions = append(resolutions, conflicts.Resolution{
			ConflictID: resolution.ConflictID,
			Choice:     resolution.Choice,
			Value:      resolution.Value,
			Formula:    resolution.Formula,
		})
	}
	commit, err := h.detector.Resolve(c.Request.Context(), conflicts.ResolveRequest{
		WorkbookID:  workbookID,
		AuthorID:    authorID,
		Message:     request.Message,
		Resolutions: resolutions,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishHead(workbookID, authorID, commit)
	c.JSON(http.StatusCreated, gin.H{"commit": newCommitPayload(commit, nil)})
}
