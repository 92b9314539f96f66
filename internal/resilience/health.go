package resilience

import (
	"math"
	"sync"
	"time"

	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// HealthMonitor keeps rolling metrics per integration id and derives a
// 0-100 health score from them. Metrics reflect calls in completion order.
type HealthMonitor struct {
	mu      sync.Mutex
	metrics map[string]*business.HealthMetrics
	now     func() time.Time
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		metrics: make(map[string]*business.HealthMetrics),
		now:     time.Now,
	}
}

// RecordRequest folds one completed call into the integration's metrics.
// The response-time average halves the weight of history on every sample:
// (prevAvg + newSample) / 2. That is a decaying approximation, kept for its
// cheapness over a true running mean.
func (h *HealthMonitor) RecordRequest(integrationID string, success bool, responseTimeMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.metrics[integrationID]
	if !ok {
		m = &business.HealthMetrics{}
		h.metrics[integrationID] = m
	}

	m.TotalRequests++
	if success {
		now := h.now()
		m.LastSuccessfulSync = &now
	} else {
		m.FailedRequests++
	}

	if m.TotalRequests == 1 {
		m.AvgResponseTimeMs = responseTimeMs
	} else {
		m.AvgResponseTimeMs = (m.AvgResponseTimeMs + responseTimeMs) / 2
	}

	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests) * 100
	m.Availability = 100 - m.ErrorRate
}

// GetMetrics returns a copy of the integration's metrics.
func (h *HealthMonitor) GetMetrics(integrationID string) (business.HealthMetrics, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.metrics[integrationID]
	if !ok {
		return business.HealthMetrics{}, false
	}
	return *m, true
}

// GetHealthScore derives the weighted score:
// availability*0.5 + responseScore*0.3 + recencyScore*0.2. An integration
// with no recorded calls scores 0.
func (h *HealthMonitor) GetHealthScore(integrationID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.metrics[integrationID]
	if !ok {
		return 0
	}

	responseScore := math.Max(0, 100-m.AvgResponseTimeMs/50)
	recencyScore := h.recencyScore(m.LastSuccessfulSync)

	return m.Availability*0.5 + responseScore*0.3 + recencyScore*0.2
}

// recencyScore is a step function of hours since the last successful sync.
func (h *HealthMonitor) recencyScore(lastSuccess *time.Time) float64 {
	if lastSuccess == nil {
		return 20
	}
	hours := h.now().Sub(*lastSuccess).Hours()
	switch {
	case hours < 1:
		return 100
	case hours < 6:
		return 80
	case hours < 24:
		return 60
	case hours < 72:
		return 40
	default:
		return 20
	}
}
