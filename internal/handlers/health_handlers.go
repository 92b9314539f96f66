package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// HealthHandler serves the service liveness probe.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// CheckHealth handles GET /healthz.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	c.JSON(http.StatusOK, responses.HealthResponse{Status: "ok"})
}
