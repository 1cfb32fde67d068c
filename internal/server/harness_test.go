package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/authors"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/conflicts"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/live"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/rollback"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "gridvault-test"
	testCookieName    = "gridvault_session"
	userAlice         = "user-alice"
	userBob           = "user-bob"
)

const rosterDocument = `
name: Roster
worksheets:
  - name: Shifts
    cells:
      - address: A1
        value: open
      - address: B1
        value: idle
`

type testServer struct {
	handler http.Handler
	hub     *live.Hub
	store   *versions.Service
	issuer  *auth.SessionIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := versions.NewService(versions.ServiceConfig{Database: db, IDProvider: versions.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	engine, err := history.NewEngine(history.EngineConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	detector, err := conflicts.NewDetector(conflicts.DetectorConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create detector: %v", err)
	}
	coordinator, err := rollback.NewCoordinator(rollback.CoordinatorConfig{Store: store, Engine: engine})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	directory, err := authors.NewService(authors.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create author directory: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	hub := live.NewHub(16)
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Authors:          directory,
		Store:            store,
		Engine:           engine,
		Detector:         detector,
		Coordinator:      coordinator,
		Hub:              hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, hub: hub, store: store, issuer: issuer}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionIdentity{UserID: userID, DisplayName: "Display " + userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, userID, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = http.NoBody
	}
	request := httptest.NewRequest(method, path, body)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) doJSON(t *testing.T, userID, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	return s.do(t, userID, method, path, "application/json", body)
}

type importedRoster struct {
	WorkbookID  string
	WorksheetID string
	HeadID      int64
}

func (s *testServer) mustImportRoster(t *testing.T) importedRoster {
	t.Helper()
	recorder := s.do(t, userAlice, http.MethodPost, "/workbooks", "application/x-yaml", bytes.NewBufferString(rosterDocument))
	expectStatus(t, recorder, http.StatusCreated)
	var response importResponsePayload
	mustDecode(t, recorder, &response)
	if len(response.Worksheets) != 1 {
		t.Fatalf("expected one worksheet, got %d", len(response.Worksheets))
	}
	return importedRoster{
		WorkbookID:  response.Workbook.ID,
		WorksheetID: response.Worksheets[0].ID,
		HeadID:      response.Commit.ID,
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Fatalf("expected status %d, got %d: %s", expected, recorder.Code, recorder.Body.String())
	}
}

func mustDecode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
