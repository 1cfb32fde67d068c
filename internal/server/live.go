package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleLive upgrades to the live channel after confirming the workbook exists.
func (h *httpHandler) handleLive(c *gin.Context) {
	workbook, err := h.store.GetWorkbook(c.Request.Context(), c.Param("workbook"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	authorID := c.GetString(authorIDContextKey)
	if err := h.socket.Serve(c.Writer, c.Request, workbook.ID, authorID); err != nil {
		h.logger.Debug("live connection closed",
			zap.String("workbook_id", workbook.ID),
			zap.String("author_id", authorID),
			zap.Error(err))
	}
}
