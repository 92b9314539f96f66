package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// Alert severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
)

// maxBufferedEvents bounds the in-memory event buffers.
const maxBufferedEvents = 1000

// MonitoringService is the fire-and-forget sink for calculation-accuracy
// reports, data-quality alerts, and generic integration analytics events.
// Events are logged structured and kept in a bounded in-memory buffer for
// the dashboard endpoints; long-term storage is someone else's job.
type MonitoringService struct {
	mu      sync.Mutex
	reports []business.CalculationReport
	alerts  []business.DataQualityAlert
	events  []business.AnalyticsEvent
	logger  *zap.Logger
}

// NewMonitoringService creates an empty monitoring sink.
func NewMonitoringService() *MonitoringService {
	return &MonitoringService{
		logger: logger.Log,
	}
}

// RecordCalculation reports one completed tax calculation.
func (m *MonitoringService) RecordCalculation(report business.CalculationReport) {
	m.logger.Info("Tax calculation completed",
		zap.Float64("amount", report.Amount),
		zap.Float64("confidence", report.Confidence),
		zap.String("jurisdiction", report.Jurisdiction),
		zap.Int64("latency_ms", report.LatencyMs),
		zap.Int("error_count", report.ErrorCount),
		zap.String("zero_tax_reason", string(report.ZeroTax)))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	if len(m.reports) > maxBufferedEvents {
		m.reports = m.reports[len(m.reports)-maxBufferedEvents:]
	}
}

// RaiseDataQualityAlert flags a low-confidence calculation.
func (m *MonitoringService) RaiseDataQualityAlert(alert business.DataQualityAlert) {
	m.logger.Warn("Data quality alert",
		zap.String("severity", alert.Severity),
		zap.Float64("confidence", alert.Confidence),
		zap.String("jurisdiction", alert.Jurisdiction),
		zap.Int("error_count", alert.ErrorCount))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > maxBufferedEvents {
		m.alerts = m.alerts[len(m.alerts)-maxBufferedEvents:]
	}
}

// TrackEvent records a generic integration analytics event.
func (m *MonitoringService) TrackEvent(event string, integrationID string, properties map[string]interface{}) {
	analyticsEvent := business.AnalyticsEvent{
		Event:         event,
		IntegrationID: integrationID,
		Timestamp:     time.Now(),
		Properties:    properties,
	}
	if analyticsEvent.Properties == nil {
		analyticsEvent.Properties = map[string]interface{}{}
	}
	analyticsEvent.Properties["event_id"] = uuid.NewString()

	m.logger.Info("Analytics event",
		zap.String("event", event),
		zap.String("integration_id", integrationID),
		zap.Any("properties", analyticsEvent.Properties))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, analyticsEvent)
	if len(m.events) > maxBufferedEvents {
		m.events = m.events[len(m.events)-maxBufferedEvents:]
	}
}

// RecentAlerts returns up to limit most recent data-quality alerts.
func (m *MonitoringService) RecentAlerts(limit int) []business.DataQualityAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]business.DataQualityAlert, limit)
	copy(out, m.alerts[len(m.alerts)-limit:])
	return out
}

// RecentEvents returns up to limit most recent analytics events.
func (m *MonitoringService) RecentEvents(limit int) []business.AnalyticsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]business.AnalyticsEvent, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out
}
