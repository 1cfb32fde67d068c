package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorPayload struct {
	Error        string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	ExpectedHead int64             `json:"expectedHead,omitempty"`
	ActualHead   int64             `json:"actualHead,omitempty"`
	Cells        []conflictPayload `json:"cells,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, versions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, versions.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, versions.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	payload := errorPayload{
		Error: versions.KindName(err),
		Code:  versions.CodeOf(err),
	}
	if status != http.StatusInternalServerError {
		payload.Message = err.Error()
	} else {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", payload.Code),
			zap.Error(err))
	}
	var conflictErr *versions.ConflictError
	if errors.As(err, &conflictErr) {
		payload.ExpectedHead = conflictErr.ExpectedHead
		payload.ActualHead = conflictErr.ActualHead
		for _, cell := range conflictErr.Cells {
			payload.Cells = append(payload.Cells, newConflictPayloadFromCell(cell))
		}
	}
	c.JSON(status, payload)
}

func badRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: versions.KindName(versions.ErrValidation), Code: code})
}
