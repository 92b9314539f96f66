package responses

import (
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the liveness check body.
type HealthResponse struct {
	Status string `json:"status"`
}

// IntegrationHealthResponse pairs the raw metrics with the derived score.
type IntegrationHealthResponse struct {
	IntegrationID string                 `json:"integration_id"`
	HealthScore   float64                `json:"health_score"`
	Metrics       business.HealthMetrics `json:"metrics"`
}

// ActionableErrorResponse is the JSON shape of an ActionableError surfaced
// to dashboard clients.
type ActionableErrorResponse struct {
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	UserMessage      string                 `json:"user_message"`
	SuggestedActions []string               `json:"suggested_actions"`
	Retryable        bool                   `json:"retryable"`
	Context          map[string]interface{} `json:"context,omitempty"`
}
