package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// TaxHandler exposes the tax calculation engine over HTTP.
type TaxHandler struct {
	calculator *services.TaxCalculationService
	monitor    *services.MonitoringService
	logger     *zap.Logger
}

func NewTaxHandler(calculator *services.TaxCalculationService, monitor *services.MonitoringService) *TaxHandler {
	return &TaxHandler{
		calculator: calculator,
		monitor:    monitor,
		logger:     logger.Log,
	}
}

// CalculateTax handles POST /api/v1/tax/calculate. Degraded rate data
// still returns 200 with a best-effort result; only a structurally
// invalid request is rejected with 400.
func (h *TaxHandler) CalculateTax(c *gin.Context) {
	var req requests.TaxCalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind tax calculation request", zap.Error(err))
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}

	result, err := h.calculator.CalculateTax(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CalculateTaxForBusiness handles POST /api/v1/tax/calculate/business.
// The business ID routes the request through the nexus check, so a
// business without registration in the destination state gets a zero-tax
// result tagged with the no_nexus reason.
func (h *TaxHandler) CalculateTaxForBusiness(c *gin.Context) {
	var req requests.TaxCalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Failed to bind tax calculation request", zap.Error(err))
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}
	if req.BusinessID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "business_id is required"})
		return
	}

	result, err := h.calculator.CalculateTaxForBusiness(c.Request.Context(), req.BusinessID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RecentAlerts handles GET /api/v1/tax/alerts for dashboard consumption.
func (h *TaxHandler) RecentAlerts(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{"alerts": h.monitor.RecentAlerts(limit)})
}

func (h *TaxHandler) respondError(c *gin.Context, err error) {
	var actionable *errs.ActionableError
	if errors.As(err, &actionable) {
		c.JSON(http.StatusBadGateway, actionableResponse(actionable))
		return
	}
	if errs.KindOf(err) == errs.KindValidation {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: err.Error()})
		return
	}
	h.logger.Error("Tax calculation failed", zap.Error(err))
	c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: err.Error()})
}
