package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/conflicts"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/live"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/rollback"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	authorIDContextKey = "gridvault_author_id"
	maxUploadBytes     = 32 << 20
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAuthors          = errors.New("author directory dependency required")
	errMissingStore            = errors.New("version store dependency required")
	errMissingEngine           = errors.New("diff engine dependency required")
	errMissingDetector         = errors.New("conflict detector dependency required")
	errMissingCoordinator      = errors.New("rollback coordinator dependency required")
	errMissingHub              = errors.New("live hub dependency required")
)

// SessionValidator authenticates a request from its session cookie or bearer token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AuthorDirectory maps sessions to author ids and ids to display names.
type AuthorDirectory interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (string, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Dependencies wires the API to the version-store subsystem.
type Dependencies struct {
	SessionValidator SessionValidator
	Authors          AuthorDirectory
	Store            *versions.Service
	Engine           *history.Engine
	Detector         *conflicts.Detector
	Coordinator      *rollback.Coordinator
	Hub              *live.Hub
	Socket           *live.SocketServer
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Authors == nil {
		return nil, errMissingAuthors
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Detector == nil {
		return nil, errMissingDetector
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	socket := deps.Socket
	if socket == nil {
		created, err := live.NewSocketServer(live.SocketConfig{Hub: deps.Hub, Logger: logger})
		if err != nil {
			return nil, err
		}
		socket = created
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		authors:     deps.Authors,
		store:       deps.Store,
		engine:      deps.Engine,
		detector:    deps.Detector,
		coordinator: deps.Coordinator,
		hub:         deps.Hub,
		socket:      socket,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/workbooks", handler.handleListWorkbooks)
	protected.POST("/workbooks", handler.handleImportWorkbook)
	protected.GET("/workbooks/:workbook", handler.handleGetWorkbook)
	protected.DELETE("/workbooks/:workbook", handler.handleDeleteWorkbook)
	protected.GET("/workbooks/:workbook/cells", handler.handleListCells)

	protected.GET("/workbooks/:workbook/worksheets", handler.handleListWorksheets)
	protected.POST("/workbooks/:workbook/worksheets", handler.handleAddWorksheet)
	protected.PATCH("/workbooks/:workbook/worksheets/:sheet", handler.handleUpdateWorksheet)
	protected.DELETE("/workbooks/:workbook/worksheets/:sheet", handler.handleArchiveWorksheet)

	protected.GET("/workbooks/:workbook/commits", handler.handleListCommits)
	protected.POST("/workbooks/:workbook/commits", handler.handleSubmitEdit)
	protected.GET("/workbooks/:workbook/commits/:commit", handler.handleGetCommit)
	protected.GET("/workbooks/:workbook/commits/:commit/changes", handler.handleCommitChanges)
	protected.GET("/workbooks/:workbook/commits/:commit/versions", handler.handleCommitVersions)
	protected.GET("/workbooks/:workbook/compare", handler.handleCompare)
	protected.POST("/workbooks/:workbook/revert", handler.handleRevert)

	protected.GET("/workbooks/:workbook/conflicts", handler.handleListConflicts)
	protected.POST("/workbooks/:workbook/conflicts/resolve", handler.handleResolveConflicts)

	protected.GET("/workbooks/:workbook/live", handler.handleLive)

	return router, nil
}

type httpHandler struct {
	sessions    SessionValidator
	authors     AuthorDirectory
	store       *versions.Service
	engine      *history.Engine
	detector    *conflicts.Detector
	coordinator *rollback.Coordinator
	hub         *live.Hub
	socket      *live.SocketServer
	logger      *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	authorID, err := h.authors.Resolve(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("author resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(authorIDContextKey, authorID)
	c.Next()
}

// publishHead announces a durable commit to live subscribers. It runs after the
// write transaction has returned.
func (h *httpHandler) publishHead(workbookID, authorID string, commit versions.Commit) {
	h.hub.Publish(live.Message{
		Kind:       live.KindHead,
		WorkbookID: workbookID,
		UserID:     authorID,
		CommitID:   commit.ID,
		Ref:        commit.Ref,
	})
}
