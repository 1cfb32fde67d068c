package server

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/ingest"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultWorkbookName = "Untitled workbook"

type importResponsePayload struct {
	Workbook   workbookPayload    `json:"workbook"`
	Commit     commitPayload      `json:"commit"`
	Worksheets []worksheetPayload `json:"worksheets"`
	CellCount  int                `json:"cellCount"`
}

// handleImportWorkbook accepts a parsed spreadsheet either as the raw request
// body (JSON or YAML) or as the "file" part of a multipart upload.
func (h *httpHandler) handleImportWorkbook(c *gin.Context) {
	authorID := c.GetString(authorIDContextKey)

	var (
		reader   io.Reader
		fileName = c.Query("filename")
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			badRequest(c, "ingest.upload.missing_file")
			return
		}
		file, err := header.Open()
		if err != nil {
			badRequest(c, "ingest.upload.unreadable_file")
			return
		}
		defer file.Close()
		reader = file
		fileName = header.Filename
	} else {
		reader = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	}

	contentType := c.ContentType()
	if strings.HasPrefix(contentType, "multipart/") {
		contentType = ""
	}
	document, err := ingest.Decode(reader, ingest.DetectFormat(contentType, fileName))
	if err != nil {
		h.respondError(c, err)
		return
	}
	fallbackName := defaultWorkbookName
	if base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)); fileName != "" && base != "" {
		fallbackName = base
	}
	request, err := document.ImportRequest(authorID, fallbackName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.store.ImportWorkbook(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("workbook imported",
		zap.String("workbook_id", result.Workbook.ID),
		zap.String("author_id", authorID),
		zap.Int("cells", result.CellCount))

	c.JSON(http.StatusCreated, importResponsePayload{
		Workbook:   newWorkbookPayload(result.Workbook),
		Commit:     newCommitPayload(result.Commit, nil),
		Worksheets: newWorksheetPayloads(result.Worksheets),
		CellCount:  result.CellCount,
	})
}

func (h *httpHandler) handleListWorkbooks(c *gin.Context) {
	workbooks, err := h.store.ListWorkbooks(c.Request.Context(), c.GetString(authorIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]workbookPayload, 0, len(workbooks))
	for _, workbook := range workbooks {
		payloads = append(payloads, newWorkbookPayload(workbook))
	}
	c.JSON(http.StatusOK, gin.H{"workbooks": payloads})
}

func (h *httpHandler) handleGetWorkbook(c *gin.Context) {
	workbook, err := h.store.GetWorkbook(c.Request.Context(), c.Param("workbook"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	sheets, err := h.store.ListWorksheets(c.Request.Context(), workbook.ID, false)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workbook":   newWorkbookPayload(workbook),
		"worksheets": newWorksheetPayloads(sheets),
	})
}

func (h *httpHandler) handleDeleteWorkbook(c *gin.Context) {
	authorID := c.GetString(authorIDContextKey)
	workbook, err := h.store.GetWorkbook(c.Request.Context(), c.Param("workbook"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if workbook.OwnerID != authorID {
		c.JSON(http.StatusForbidden, errorPayload{Error: "forbidden", Code: "server.delete_workbook.not_owner"})
		return
	}
	if err := h.store.DeleteWorkbook(c.Request.Context(), workbook.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCells(c *gin.Context) {
	stored, err := h.store.ListCells(c.Request.Context(), c.Param("workbook"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	worksheetID := c.Query("worksheet")
	payloads := make([]cellPayload, 0, len(stored))
	for _, cell := range stored {
		if worksheetID != "" && cell.WorksheetID != worksheetID {
			continue
		}
		payloads = append(payloads, newCellPayload(cell.Key(), cell.Address, cell.State()))
	}
	c.JSON(http.StatusOK, gin.H{"cells": payloads})
}

func (h *httpHandler) handleListWorksheets(c *gin.Context) {
	sheets, err := h.store.ListWorksheets(c.Request.Context(), c.Param("workbook"), c.Query("archived") == "true")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worksheets": newWorksheetPayloads(sheets)})
}

type addWorksheetPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleAddWorksheet(c *gin.Context) {
	var request addWorksheetPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "server.add_worksheet.invalid_request")
		return
	}
	sheet, err := h.store.AddWorksheet(c.Request.Context(), c.Param("workbook"), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newWorksheetPayloads([]versions.Worksheet{sheet})[0])
}

type updateWorksheetPayload struct {
	Name     *string `json:"name"`
	Position *int    `json:"position"`
}

func (h *httpHandler) handleUpdateWorksheet(c *gin.Context) {
	var request updateWorksheetPayload
	if err := c.ShouldBindJSON(&request); err != nil || (request.Name == nil && request.Position == nil) {
		badRequest(c, "server.update_worksheet.invalid_request")
		return
	}
	ctx := c.Request.Context()
	workbookID := c.Param("workbook")
	sheetID := c.Param("sheet")

	var (
		sheet versions.Worksheet
		err   error
	)
	if request.Name != nil {
		if sheet, err = h.store.RenameWorksheet(ctx, workbookID, sheetID, *request.Name); err != nil {
			h.respondError(c, err)
			return
		}
	}
	if request.Position != nil {
		if sheet, err = h.store.ReorderWorksheet(ctx, workbookID, sheetID, *request.Position); err != nil {
			h.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, newWorksheetPayloads([]versions.Worksheet{sheet})[0])
}

func (h *httpHandler) handleArchiveWorksheet(c *gin.Context) {
	authorID := c.GetString(authorIDContextKey)
	baseCommitID, ok := parseCommitID(c.Query("base"))
	if !ok {
		badRequest(c, "server.archive_worksheet.invalid_base")
		return
	}
	workbookID := c.Param("workbook")
	commit, err := h.store.ArchiveWorksheet(c.Request.Context(), workbookID, c.Param("sheet"), authorID, baseCommitID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishHead(workbookID, authorID, commit)
	c.JSON(http.StatusOK, gin.H{"commit": newCommitPayload(commit, nil)})
}
