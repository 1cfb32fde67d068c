package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const emptyStateLabel = "empty"

func parseCommitID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// resolveCommit accepts a numeric commit id or a ref prefix.
func (h *httpHandler) resolveCommit(ctx context.Context, workbookID, raw string) (versions.Commit, error) {
	if id, ok := parseCommitID(raw); ok {
		commit, err := h.store.GetCommit(ctx, workbookID, id)
		if err == nil || !errors.Is(err, versions.ErrNotFound) {
			return commit, err
		}
	}
	return h.store.GetCommitByRef(ctx, workbookID, raw)
}

func (h *httpHandler) displayNames(ctx context.Context, commits ...versions.Commit) map[string]string {
	ids := make([]string, 0, len(commits))
	for _, commit := range commits {
		ids = append(ids, commit.AuthorID)
	}
	names, err := h.authors.DisplayNames(ctx, ids)
	if err != nil {
		h.logger.Warn("author names unavailable", zap.Error(err))
		return nil
	}
	return names
}

func (h *httpHandler) handleListCommits(c *gin.Context) {
	ctx := c.Request.Context()
	commits, err := h.store.ListCommits(ctx, c.Param("workbook"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	names := h.displayNames(ctx, commits...)
	payloads := make([]commitPayload, 0, len(commits))
	for _, commit := range commits {
		payloads = append(payloads, newCommitPayload(commit, names))
	}
	c.JSON(http.StatusOK, gin.H{"commits": payloads})
}

func (h *httpHandler) handleGetCommit(c *gin.Context) {
	ctx := c.Request.Context()
	commit, err := h.resolveCommit(ctx, c.Param("workbook"), c.Param("commit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCommitPayload(commit, h.displayNames(ctx, commit)))
}

func (h *httpHandler) handleCommitChanges(c *gin.Context) {
	ctx := c.Request.Context()
	workbookID := c.Param("workbook")
	commit, err := h.resolveCommit(ctx, workbookID, c.Param("commit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	changes, err := h.store.GetCommitChanges(ctx, workbookID, commit.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"commit":  newCommitPayload(commit, h.displayNames(ctx, commit)),
		"changes": newChangePayloads(changes),
	})
}

func (h *httpHandler) handleCommitVersions(c *gin.Context) {
	ctx := c.Request.Context()
	commit, err := h.resolveCommit(ctx, c.Param("workbook"), c.Param("commit"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	stored, err := h.store.GetCellVersions(ctx, commit.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	keys := make([]cells.Key, 0, len(stored))
	for key := range stored {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	payloads := make([]cellPayload, 0, len(keys))
	for _, key := range keys {
		version := stored[key]
		payload := newCellPayload(key, version.Address, version.State())
		payload.Deleted = version.Deleted
		payloads = append(payloads, payload)
	}
	c.JSON(http.StatusOK, gin.H{"commitId": commit.ID, "versions": payloads})
}

// handleCompare diffs two commits. A missing base compares against the empty
// workbook; a missing head selects the current HEAD.
func (h *httpHandler) handleCompare(c *gin.Context) {
	ctx := c.Request.Context()
	workbookID := c.Param("workbook")

	var (
		head versions.Commit
		err  error
	)
	if raw := c.Query("head"); raw != "" {
		head, err = h.resolveCommit(ctx, workbookID, raw)
	} else {
		head, err = h.store.Head(ctx, workbookID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	var (
		baseID    *int64
		baseLabel = emptyStateLabel
	)
	if raw := c.Query("base"); raw != "" {
		base, err := h.resolveCommit(ctx, workbookID, raw)
		if err != nil {
			h.respondError(c, err)
			return
		}
		baseID = &base.ID
		baseLabel = base.ShortRef()
	}

	diffs, err := h.engine.CompareCommits(ctx, workbookID, baseID, head.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if c.Query("format") == "patch" {
		patch, err := history.RenderPatch(diffs, baseLabel, head.ShortRef())
		if err != nil {
			h.respondError(c, versions.NewServiceError("server.compare", "render_failed", versions.ErrStorage, err))
			return
		}
		c.String(http.StatusOK, patch)
		return
	}
	if diffs == nil {
		diffs = []history.CellDiff{}
	}
	c.JSON(http.StatusOK, gin.H{"base": baseID, "head": head.ID, "changes": diffs})
}

type revertRequestPayload struct {
	Target string `json:"target"`
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	var request revertRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Target) == "" {
		badRequest(c, "server.revert.invalid_request")
		return
	}
	ctx := c.Request.Context()
	authorID := c.GetString(authorIDContextKey)
	workbookID := c.Param("workbook")

	target, err := h.resolveCommit(ctx, workbookID, request.Target)
	if err != nil {
		h.respondError(c, err)
		return
	}
	commit, err := h.coordinator.Revert(ctx, workbookID, target.ID, authorID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publishHead(workbookID, authorID, commit)
	c.JSON(http.StatusCreated, gin.H{"commit": newCommitPayload(commit, nil)})
}
