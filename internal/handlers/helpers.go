package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// workspaceID extracts the X-Workspace-ID header, writing nothing on
// success. Handlers reject the request themselves when it is empty.
func workspaceID(c *gin.Context) string {
	return c.GetHeader("X-Workspace-ID")
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func actionableResponse(err *errs.ActionableError) responses.ActionableErrorResponse {
	return responses.ActionableErrorResponse{
		Code:             string(err.Code),
		Message:          err.Message,
		UserMessage:      err.UserMessage,
		SuggestedActions: err.SuggestedActions,
		Retryable:        err.Retryable,
		Context:          err.Context,
	}
}
