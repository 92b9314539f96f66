package business

import (
	"time"
)

// HealthMetrics is the rolling per-integration record mutated after every
// call. Average response time is a decaying approximation, not a true mean.
type HealthMetrics struct {
	Availability       float64    `json:"availability"`
	AvgResponseTimeMs  float64    `json:"avg_response_time_ms"`
	ErrorRate          float64    `json:"error_rate"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
	TotalRequests      int64      `json:"total_requests"`
	FailedRequests     int64      `json:"failed_requests"`
}

// AnalyticsEvent is a generic fire-and-forget event for the analytics sink.
type AnalyticsEvent struct {
	Event         string                 `json:"event"`
	IntegrationID string                 `json:"integration_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
}

// WebhookPayload is an outbound webhook body. It is signed in place before
// transmission and never mutated after signing.
type WebhookPayload struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Signature string      `json:"signature,omitempty"`
}
