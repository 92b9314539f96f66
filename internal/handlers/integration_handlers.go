package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// IntegrationHandler manages POS integration configurations and runs
// sync operations through the resilient adapter layer.
type IntegrationHandler struct {
	registry *pos.Registry
	health   *resilience.HealthMonitor
	monitor  *services.MonitoringService
	logger   *zap.Logger
}

func NewIntegrationHandler(registry *pos.Registry, health *resilience.HealthMonitor, monitor *services.MonitoringService) *IntegrationHandler {
	return &IntegrationHandler{
		registry: registry,
		health:   health,
		monitor:  monitor,
		logger:   logger.Log,
	}
}

// CreateConfiguration handles POST /api/v1/integrations.
func (h *IntegrationHandler) CreateConfiguration(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	var req pos.IntegrationConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind integration configuration", zap.Error(err))
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}
	req.WorkspaceID = wsID

	created, err := h.registry.CreateConfiguration(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListConfigurations handles GET /api/v1/integrations.
func (h *IntegrationHandler) ListConfigurations(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	configs, err := h.registry.ListConfigurations(c.Request.Context(), wsID,
		intQuery(c, "limit", 20), intQuery(c, "offset", 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, responses.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": configs})
}

// UpdateConfiguration handles PUT /api/v1/integrations/:id.
func (h *IntegrationHandler) UpdateConfiguration(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	var req pos.IntegrationConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}

	updated, err := h.registry.UpdateConfiguration(c.Request.Context(), wsID, c.Param("id"), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteConfiguration handles DELETE /api/v1/integrations/:id.
func (h *IntegrationHandler) DeleteConfiguration(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	if err := h.registry.DeleteConfiguration(c.Request.Context(), wsID, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, responses.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, responses.SuccessResponse{Message: "integration deleted"})
}

// TestConnection handles POST /api/v1/integrations/:id/test.
func (h *IntegrationHandler) TestConnection(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	if err := h.registry.TestConnection(c.Request.Context(), wsID, c.Param("id")); err != nil {
		h.respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, responses.SuccessResponse{Message: "connection ok"})
}

// SyncTransactions handles POST /api/v1/integrations/:provider/sync/transactions.
func (h *IntegrationHandler) SyncTransactions(c *gin.Context) {
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	txs, err := adapter.SyncTransactions(c.Request.Context(), h.syncParams(c))
	if err != nil {
		h.respondOperationError(c, err)
		return
	}
	h.recordSync(c)
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// SyncProducts handles POST /api/v1/integrations/:provider/sync/products.
func (h *IntegrationHandler) SyncProducts(c *gin.Context) {
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	products, err := adapter.SyncProducts(c.Request.Context(), h.syncParams(c))
	if err != nil {
		h.respondOperationError(c, err)
		return
	}
	h.recordSync(c)
	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

// SyncCustomers handles POST /api/v1/integrations/:provider/sync/customers.
func (h *IntegrationHandler) SyncCustomers(c *gin.Context) {
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	customers, err := adapter.SyncCustomers(c.Request.Context(), h.syncParams(c))
	if err != nil {
		h.respondOperationError(c, err)
		return
	}
	h.recordSync(c)
	c.JSON(http.StatusOK, gin.H{"customers": customers, "count": len(customers)})
}

// ProviderCalculateTax handles POST /api/v1/integrations/:provider/tax/quote.
// It returns the provider's own tax quote, used to reconcile against the
// internal engine's result.
func (h *IntegrationHandler) ProviderCalculateTax(c *gin.Context) {
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	var req requests.TaxCalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}

	result, err := adapter.CalculateTax(c.Request.Context(), req)
	if err != nil {
		h.respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UpdateTransaction handles PUT /api/v1/integrations/:provider/transactions/:id.
func (h *IntegrationHandler) UpdateTransaction(c *gin.Context) {
	adapter, ok := h.adapter(c)
	if !ok {
		return
	}

	var tx pos.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}
	tx.ExternalID = c.Param("id")

	if err := adapter.UpdateTransaction(c.Request.Context(), tx); err != nil {
		h.respondOperationError(c, err)
		return
	}
	c.JSON(http.StatusOK, responses.SuccessResponse{Message: "transaction updated"})
}

// GetIntegrationHealth handles GET /api/v1/integrations/:provider/health.
func (h *IntegrationHandler) GetIntegrationHealth(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	integrationID := wsID + ":" + c.Param("provider")
	metrics, ok := h.health.GetMetrics(integrationID)
	if !ok {
		c.JSON(http.StatusNotFound, responses.ErrorResponse{Error: "no metrics recorded for integration"})
		return
	}

	c.JSON(http.StatusOK, responses.IntegrationHealthResponse{
		IntegrationID: integrationID,
		HealthScore:   h.health.GetHealthScore(integrationID),
		Metrics:       metrics,
	})
}

// ListProviders handles GET /api/v1/integrations/providers.
func (h *IntegrationHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.registry.AvailableProviders()})
}

func (h *IntegrationHandler) adapter(c *gin.Context) (*pos.ResilientAdapter, bool) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return nil, false
	}

	adapter, err := h.registry.AdapterFor(c.Request.Context(), wsID, c.Param("provider"))
	if err != nil {
		h.logger.Error("Failed to resolve integration adapter",
			zap.String("workspace_id", wsID),
			zap.String("provider", c.Param("provider")),
			zap.Error(err))
		c.JSON(http.StatusNotFound, responses.ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return adapter, true
}

// recordSync stamps the integration's last-sync time after a successful
// sync operation.
func (h *IntegrationHandler) recordSync(c *gin.Context) {
	h.registry.RecordSyncSuccess(c.Request.Context(), workspaceID(c), c.Param("provider"))
}

func (h *IntegrationHandler) syncParams(c *gin.Context) pos.SyncParams {
	params := pos.SyncParams{Limit: intQuery(c, "limit", 0)}
	if raw := c.Query("since"); raw != "" {
		if since, err := time.Parse(time.RFC3339, raw); err == nil {
			params.Since = since
		}
	}
	return params
}

func (h *IntegrationHandler) respondOperationError(c *gin.Context, err error) {
	var actionable *errs.ActionableError
	if errors.As(err, &actionable) {
		status := http.StatusBadGateway
		if actionable.Code == errs.KindBreakerOpen {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, actionableResponse(actionable))
		return
	}
	c.JSON(http.StatusInternalServerError, responses.ErrorResponse{Error: err.Error()})
}
