package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// Signature header candidates, checked in order. Clover and most POS
// vendors use one of these.
var signatureHeaders = []string{"X-Clover-Auth", "X-Webhook-Signature", "X-Signature"}

// WebhookHandler receives inbound provider webhooks and manages the
// outbound notification endpoints merchants register.
type WebhookHandler struct {
	registry *pos.Registry
	notifier *services.NotificationService
	logger   *zap.Logger
}

func NewWebhookHandler(registry *pos.Registry, notifier *services.NotificationService) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		notifier: notifier,
		logger:   logger.Log,
	}
}

// HandleProviderWebhook handles POST /webhooks/:workspace_id/:provider.
// The workspace is in the path because providers cannot send custom
// headers. Signature failures return 401; events filtered out by the
// order and payment checks are acknowledged with 200 so the provider
// does not redeliver them.
func (h *WebhookHandler) HandleProviderWebhook(c *gin.Context) {
	wsID := c.Param("workspace_id")
	provider := c.Param("provider")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "failed to read request body"})
		return
	}

	adapter, err := h.registry.AdapterFor(c.Request.Context(), wsID, provider)
	if err != nil {
		h.logger.Warn("Webhook for unknown integration",
			zap.String("workspace_id", wsID),
			zap.String("provider", provider),
			zap.Error(err))
		c.JSON(http.StatusNotFound, responses.ErrorResponse{Error: "unknown integration"})
		return
	}

	if err := adapter.HandleWebhook(c.Request.Context(), body, firstSignatureHeader(c)); err != nil {
		var actionable *errs.ActionableError
		if errors.As(err, &actionable) && actionable.Code == errs.KindAuth {
			c.JSON(http.StatusUnauthorized, responses.ErrorResponse{Error: "invalid signature"})
			return
		}
		h.logger.Error("Webhook processing failed",
			zap.String("workspace_id", wsID),
			zap.String("provider", provider),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, responses.ErrorResponse{Error: "webhook processing failed"})
		return
	}

	h.registry.RecordWebhookReceipt(c.Request.Context(), wsID, provider)

	// Fan out to the workspace's registered receivers in the background so
	// the provider gets its 200 without waiting on merchant endpoints.
	go h.notifier.Notify(context.Background(), wsID, "pos.webhook.processed", map[string]interface{}{
		"provider": provider,
	})

	c.JSON(http.StatusOK, responses.SuccessResponse{Message: "ok"})
}

// RegisterEndpoint handles POST /api/v1/webhooks/endpoints.
func (h *WebhookHandler) RegisterEndpoint(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	var req struct {
		URL    string   `json:"url" binding:"required"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "invalid request payload"})
		return
	}

	endpoint := h.notifier.RegisterEndpoint(wsID, services.NotificationEndpoint{
		URL:    req.URL,
		Secret: req.Secret,
		Events: req.Events,
	})
	c.JSON(http.StatusCreated, endpoint)
}

// ListEndpoints handles GET /api/v1/webhooks/endpoints.
func (h *WebhookHandler) ListEndpoints(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": h.notifier.ListEndpoints(wsID)})
}

// RemoveEndpoint handles DELETE /api/v1/webhooks/endpoints/:id.
func (h *WebhookHandler) RemoveEndpoint(c *gin.Context) {
	wsID := workspaceID(c)
	if wsID == "" {
		c.JSON(http.StatusBadRequest, responses.ErrorResponse{Error: "workspace_id is required"})
		return
	}

	if !h.notifier.RemoveEndpoint(wsID, c.Param("id")) {
		c.JSON(http.StatusNotFound, responses.ErrorResponse{Error: "endpoint not found"})
		return
	}
	c.JSON(http.StatusOK, responses.SuccessResponse{Message: "endpoint removed"})
}

func firstSignatureHeader(c *gin.Context) string {
	for _, name := range signatureHeaders {
		if value := c.GetHeader(name); value != "" {
			return value
		}
	}
	return ""
}
