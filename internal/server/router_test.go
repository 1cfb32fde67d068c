package server

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/live"
)

type submitResponse struct {
	Commit  commitPayload `json:"commit"`
	Rebased bool          `json:"rebased"`
}

func editPayload(base int64, sheetID string, cellsByAddress map[string]string) map[string]any {
	edits := make([]map[string]any, 0, len(cellsByAddress))
	for address, value := range cellsByAddress {
		edits = append(edits, map[string]any{"worksheetId": sheetID, "address": address, "value": value})
	}
	return map[string]any{"baseCommitId": base, "cells": edits}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, "", http.MethodGet, "/workbooks", "", nil)
	expectStatus(t, recorder, http.StatusUnauthorized)

	health := server.do(t, "", http.MethodGet, "/healthz", "", nil)
	expectStatus(t, health, http.StatusOK)
}

func TestImportListsCellsAndHistory(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)

	cellsRecorder := server.do(t, userBob, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/cells", "", nil)
	expectStatus(t, cellsRecorder, http.StatusOK)
	var cellsResponse struct {
		Cells []cellPayload `json:"cells"`
	}
	mustDecode(t, cellsRecorder, &cellsResponse)
	if len(cellsResponse.Cells) != 2 || cellsResponse.Cells[0].Value != "open" {
		t.Fatalf("unexpected cells %#v", cellsResponse.Cells)
	}

	commitsRecorder := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/commits", "", nil)
	expectStatus(t, commitsRecorder, http.StatusOK)
	var commitsResponse struct {
		Commits []commitPayload `json:"commits"`
	}
	mustDecode(t, commitsRecorder, &commitsResponse)
	if len(commitsResponse.Commits) != 1 {
		t.Fatalf("expected the bootstrap commit only, got %d", len(commitsResponse.Commits))
	}
	bootstrap := commitsResponse.Commits[0]
	if bootstrap.AuthorName != "Display "+userAlice || bootstrap.ParentID != nil {
		t.Fatalf("unexpected bootstrap commit %#v", bootstrap)
	}

	changesRecorder := server.do(t, userAlice, http.MethodGet, fmt.Sprintf("/workbooks/%s/commits/%s/changes", roster.WorkbookID, bootstrap.ShortRef), "", nil)
	expectStatus(t, changesRecorder, http.StatusOK)
	var changesResponse struct {
		Changes []changePayload `json:"changes"`
	}
	mustDecode(t, changesRecorder, &changesResponse)
	if len(changesResponse.Changes) != 2 || changesResponse.Changes[0].Description != `Added value "open" to cell A1` {
		t.Fatalf("unexpected changes %#v", changesResponse.Changes)
	}
}

func TestImportAcceptsMultipartUpload(t *testing.T) {
	server := newTestServer(t)
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "Payroll.yaml")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("worksheets:\n  - name: Staff\n    cells:\n      - address: C3\n        value: 42\n")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	recorder := server.do(t, userAlice, http.MethodPost, "/workbooks", writer.FormDataContentType(), &body)
	expectStatus(t, recorder, http.StatusCreated)
	var response importResponsePayload
	mustDecode(t, recorder, &response)
	if response.Workbook.Name != "Payroll" || response.CellCount != 1 {
		t.Fatalf("unexpected import %#v", response)
	}
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, userAlice, http.MethodPost, "/workbooks", "application/json", strings.NewReader(`{"worksheets": [`))
	expectStatus(t, recorder, http.StatusBadRequest)
	var payload errorPayload
	mustDecode(t, recorder, &payload)
	if payload.Error != "validation_error" || payload.Code != "ingest.decode.invalid_json" {
		t.Fatalf("unexpected error payload %#v", payload)
	}
}

func TestSubmitEditPublishesHead(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription := server.hub.Subscribe(ctx, roster.WorkbookID)

	recorder := server.doJSON(t, userBob, http.MethodPost, "/workbooks/"+roster.WorkbookID+"/commits",
		editPayload(roster.HeadID, roster.WorksheetID, map[string]string{"A1": "closed"}))
	expectStatus(t, recorder, http.StatusCreated)
	var response submitResponse
	mustDecode(t, recorder, &response)
	if response.Rebased || response.Commit.ParentID == nil || *response.Commit.ParentID != roster.HeadID {
		t.Fatalf("unexpected submit response %#v", response)
	}

	select {
	case message := <-subscription.Stream:
		if message.Kind != live.KindHead || message.CommitID != response.Commit.ID || message.UserID != userBob {
			t.Fatalf("unexpected live message %#v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("expected head announcement")
	}
}

func TestConflictingEditReturnsConflictCells(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)
	path := "/workbooks/" + roster.WorkbookID + "/commits"

	first := server.doJSON(t, userBob, http.MethodPost, path, editPayload(roster.HeadID, roster.WorksheetID, map[string]string{"A1": "bob"}))
	expectStatus(t, first, http.StatusCreated)

	second := server.doJSON(t, userAlice, http.MethodPost, path, editPayload(roster.HeadID, roster.WorksheetID, map[string]string{"A1": "alice"}))
	expectStatus(t, second, http.StatusConflict)
	var payload errorPayload
	mustDecode(t, second, &payload)
	if payload.Error != "conflict" || payload.Code != "conflicts.submit.cells_conflict" {
		t.Fatalf("unexpected conflict payload %#v", payload)
	}
	if len(payload.Cells) != 1 {
		t.Fatalf("expected one conflicting cell, got %#v", payload.Cells)
	}
	cell := payload.Cells[0]
	if cell.Address != "A1" || cell.TheirValue != "bob" || cell.MineValue != "alice" || cell.TheirUserID != userBob {
		t.Fatalf("unexpected conflict cell %#v", cell)
	}

	listRecorder := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/conflicts?status=pending", "", nil)
	expectStatus(t, listRecorder, http.StatusOK)
	var listed struct {
		Conflicts []conflictPayload `json:"conflicts"`
	}
	mustDecode(t, listRecorder, &listed)
	if len(listed.Conflicts) != 1 || listed.Conflicts[0].ID != cell.ID {
		t.Fatalf("unexpected pending conflicts %#v", listed.Conflicts)
	}

	resolveRecorder := server.doJSON(t, userAlice, http.MethodPost, "/workbooks/"+roster.WorkbookID+"/conflicts/resolve", map[string]any{
		"resolutions": []map[string]any{{"conflictId": cell.ID, "choice": "mine"}},
	})
	expectStatus(t, resolveRecorder, http.StatusCreated)

	cellsRecorder := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/cells", "", nil)
	var cellsResponse struct {
		Cells []cellPayload `json:"cells"`
	}
	mustDecode(t, cellsRecorder, &cellsResponse)
	if cellsResponse.Cells[0].Value != "alice" {
		t.Fatalf("expected mine resolution to win, got %#v", cellsResponse.Cells[0])
	}

	invalidStatus := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/conflicts?status=open", "", nil)
	expectStatus(t, invalidStatus, http.StatusBadRequest)
}

func TestCompareAndRevertRoundTrip(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)
	workbookPath := "/workbooks/" + roster.WorkbookID

	edit := server.doJSON(t, userBob, http.MethodPost, workbookPath+"/commits",
		editPayload(roster.HeadID, roster.WorksheetID, map[string]string{"A1": "closed", "B1": "", "C1": "new"}))
	expectStatus(t, edit, http.StatusCreated)

	compare := server.do(t, userAlice, http.MethodGet, fmt.Sprintf("%s/compare?base=%d", workbookPath, roster.HeadID), "", nil)
	expectStatus(t, compare, http.StatusOK)
	var compared struct {
		Changes []history.CellDiff `json:"changes"`
	}
	mustDecode(t, compare, &compared)
	kinds := map[string]cells.ChangeType{}
	for _, diff := range compared.Changes {
		kinds[diff.Address] = diff.ChangeType
	}
	if kinds["A1"] != cells.ChangeModified || kinds["B1"] != cells.ChangeDeleted || kinds["C1"] != cells.ChangeAdded {
		t.Fatalf("unexpected change kinds %#v", kinds)
	}

	patch := server.do(t, userAlice, http.MethodGet, fmt.Sprintf("%s/compare?base=%d&format=patch", workbookPath, roster.HeadID), "", nil)
	expectStatus(t, patch, http.StatusOK)
	if !strings.Contains(patch.Body.String(), `+Shifts!C1 "new"`) {
		t.Fatalf("unexpected patch %q", patch.Body.String())
	}

	revert := server.doJSON(t, userAlice, http.MethodPost, workbookPath+"/revert", map[string]any{"target": fmt.Sprint(roster.HeadID)})
	expectStatus(t, revert, http.StatusCreated)

	again := server.do(t, userAlice, http.MethodGet, fmt.Sprintf("%s/compare?base=%d", workbookPath, roster.HeadID), "", nil)
	expectStatus(t, again, http.StatusOK)
	mustDecode(t, again, &compared)
	if len(compared.Changes) != 0 {
		t.Fatalf("expected reverted head to equal the bootstrap, got %#v", compared.Changes)
	}

	nothing := server.doJSON(t, userAlice, http.MethodPost, workbookPath+"/revert", map[string]any{"target": fmt.Sprint(roster.HeadID)})
	expectStatus(t, nothing, http.StatusBadRequest)
}

func TestWorksheetLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)
	sheetsPath := "/workbooks/" + roster.WorkbookID + "/worksheets"

	added := server.doJSON(t, userAlice, http.MethodPost, sheetsPath, map[string]any{"name": "Notes"})
	expectStatus(t, added, http.StatusCreated)
	var sheet worksheetPayload
	mustDecode(t, added, &sheet)

	duplicate := server.doJSON(t, userAlice, http.MethodPost, sheetsPath, map[string]any{"name": "notes"})
	expectStatus(t, duplicate, http.StatusConflict)

	renamed := server.doJSON(t, userAlice, http.MethodPatch, sheetsPath+"/"+sheet.ID, map[string]any{"name": "Memo", "position": 0})
	expectStatus(t, renamed, http.StatusOK)
	mustDecode(t, renamed, &sheet)
	if sheet.Name != "Memo" || sheet.Position != 0 {
		t.Fatalf("unexpected worksheet %#v", sheet)
	}

	archived := server.do(t, userAlice, http.MethodDelete, fmt.Sprintf("%s/%s?base=%d", sheetsPath, roster.WorksheetID, roster.HeadID), "", nil)
	expectStatus(t, archived, http.StatusOK)

	cellsRecorder := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/cells", "", nil)
	var cellsResponse struct {
		Cells []cellPayload `json:"cells"`
	}
	mustDecode(t, cellsRecorder, &cellsResponse)
	if len(cellsResponse.Cells) != 0 {
		t.Fatalf("expected archived worksheet cells to be removed, got %#v", cellsResponse.Cells)
	}
}

func TestErrorMapping(t *testing.T) {
	server := newTestServer(t)
	roster := server.mustImportRoster(t)

	missing := server.do(t, userAlice, http.MethodGet, "/workbooks/does-not-exist", "", nil)
	expectStatus(t, missing, http.StatusNotFound)
	var payload errorPayload
	mustDecode(t, missing, &payload)
	if payload.Error != "not_found" || payload.Code == "" {
		t.Fatalf("unexpected not found payload %#v", payload)
	}

	stale := server.doJSON(t, userAlice, http.MethodPost, "/workbooks/"+roster.WorkbookID+"/commits",
		map[string]any{"baseCommitId": roster.HeadID + 100, "cells": []map[string]any{{"worksheetId": roster.WorksheetID, "address": "A1", "value": "x"}}})
	expectStatus(t, stale, http.StatusNotFound)

	badAddress := server.doJSON(t, userAlice, http.MethodPost, "/workbooks/"+roster.WorkbookID+"/commits",
		map[string]any{"baseCommitId": roster.HeadID, "cells": []map[string]any{{"worksheetId": roster.WorksheetID, "address": "1A", "value": "x"}}})
	expectStatus(t, badAddress, http.StatusBadRequest)

	forbidden := server.do(t, userBob, http.MethodDelete, "/workbooks/"+roster.WorkbookID, "", nil)
	expectStatus(t, forbidden, http.StatusForbidden)

	deleted := server.do(t, userAlice, http.MethodDelete, "/workbooks/"+roster.WorkbookID, "", nil)
	expectStatus(t, deleted, http.StatusNoContent)
	gone := server.do(t, userAlice, http.MethodGet, "/workbooks/"+roster.WorkbookID+"/commits", "", nil)
	expectStatus(t, gone, http.StatusNotFound)
}
