package pos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// AdapterConfig tunes the resilience wrapping around a provider.
type AdapterConfig struct {
	Breaker  resilience.BreakerConfig
	Retry    resilience.RetryConfig
	CacheTTL time.Duration
	CacheMax int
}

// DefaultAdapterConfig matches the production defaults for POS integrations.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Breaker:  resilience.DefaultBreakerConfig(),
		Retry:    resilience.DefaultRetryConfig(),
		CacheTTL: 5 * time.Minute,
		CacheMax: 200,
	}
}

// ResilientAdapter wraps a Provider so every outbound operation flows
// through cache read (where applicable), circuit breaker, and retry
// executor, with health metrics and analytics recorded on both paths.
// Failures surface as ActionableError.
type ResilientAdapter struct {
	integrationID string
	provider      Provider
	breaker       *resilience.CircuitBreaker
	retry         *resilience.RetryExecutor
	health        *resilience.HealthMonitor
	monitor       *services.MonitoringService
	txCache       *resilience.Cache[[]Transaction]
	productCache  *resilience.Cache[[]Product]
	customerCache *resilience.Cache[[]Customer]
	logger        *zap.Logger
	now           func() time.Time
}

// NewResilientAdapter builds the façade around provider. integrationID
// scopes health metrics and analytics, typically "<workspace>:<provider>".
func NewResilientAdapter(
	integrationID string,
	provider Provider,
	health *resilience.HealthMonitor,
	monitor *services.MonitoringService,
	config AdapterConfig,
) *ResilientAdapter {
	name := fmt.Sprintf("%s/%s", integrationID, provider.GetProviderName())
	return &ResilientAdapter{
		integrationID: integrationID,
		provider:      provider,
		breaker:       resilience.NewCircuitBreaker(name, config.Breaker),
		retry:         resilience.NewRetryExecutor(name, config.Retry),
		health:        health,
		monitor:       monitor,
		txCache:       resilience.NewCache[[]Transaction](config.CacheTTL, config.CacheMax),
		productCache:  resilience.NewCache[[]Product](config.CacheTTL, config.CacheMax),
		customerCache: resilience.NewCache[[]Customer](config.CacheTTL, config.CacheMax),
		logger:        logger.Log,
		now:           time.Now,
	}
}

// Provider exposes the wrapped provider for configuration calls that
// should not count against the breaker.
func (a *ResilientAdapter) Provider() Provider {
	return a.provider
}

// BreakerState reports the current circuit state for health endpoints.
func (a *ResilientAdapter) BreakerState() resilience.BreakerState {
	return a.breaker.State()
}

// execute runs op through breaker then retry, recording health metrics
// and analytics. All adapter operations funnel through here.
func execute[T any](ctx context.Context, a *ResilientAdapter, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	start := a.now()

	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = resilience.ExecuteWithResult(ctx, a.retry, op)
		return innerErr
	})

	elapsed := float64(a.now().Sub(start).Milliseconds())
	a.health.RecordRequest(a.integrationID, err == nil, elapsed)

	if err != nil {
		actionable := errs.Actionable(operation, err, map[string]interface{}{
			"integration_id": a.integrationID,
			"provider":       a.provider.GetProviderName(),
		})
		a.monitor.TrackEvent("operation_failure", a.integrationID, map[string]interface{}{
			"operation":  operation,
			"error_code": string(actionable.Code),
			"latency_ms": elapsed,
		})
		a.logger.Warn("pos operation failed",
			zap.String("integration_id", a.integrationID),
			zap.String("operation", operation),
			zap.String("error_code", string(actionable.Code)),
			zap.Error(err))
		return result, actionable
	}

	a.monitor.TrackEvent("operation_success", a.integrationID, map[string]interface{}{
		"operation":  operation,
		"latency_ms": elapsed,
	})
	return result, nil
}

// CheckConnection probes the provider. Never cached.
func (a *ResilientAdapter) CheckConnection(ctx context.Context) error {
	_, err := execute(ctx, a, "check_connection", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.provider.CheckConnection(ctx)
	})
	return err
}

// SyncTransactions fetches transactions, serving a recent result from
// cache when the same window was synced within the cache TTL.
func (a *ResilientAdapter) SyncTransactions(ctx context.Context, params SyncParams) ([]Transaction, error) {
	key := syncCacheKey("transactions", params)
	if cached, ok := a.txCache.Get(key); ok {
		return cached, nil
	}
	txs, err := execute(ctx, a, "sync_transactions", func(ctx context.Context) ([]Transaction, error) {
		return a.provider.SyncTransactions(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	a.txCache.Set(key, txs)
	return txs, nil
}

// SyncProducts fetches the catalog with the same cache-aside pattern.
func (a *ResilientAdapter) SyncProducts(ctx context.Context, params SyncParams) ([]Product, error) {
	key := syncCacheKey("products", params)
	if cached, ok := a.productCache.Get(key); ok {
		return cached, nil
	}
	products, err := execute(ctx, a, "sync_products", func(ctx context.Context) ([]Product, error) {
		return a.provider.SyncProducts(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	a.productCache.Set(key, products)
	return products, nil
}

// SyncCustomers fetches customer records with the same cache-aside pattern.
func (a *ResilientAdapter) SyncCustomers(ctx context.Context, params SyncParams) ([]Customer, error) {
	key := syncCacheKey("customers", params)
	if cached, ok := a.customerCache.Get(key); ok {
		return cached, nil
	}
	customers, err := execute(ctx, a, "sync_customers", func(ctx context.Context) ([]Customer, error) {
		return a.provider.SyncCustomers(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	a.customerCache.Set(key, customers)
	return customers, nil
}

// CalculateTax asks the provider for its tax quote. Quotes are never
// cached since they depend on the full request payload.
func (a *ResilientAdapter) CalculateTax(ctx context.Context, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error) {
	return execute(ctx, a, "calculate_tax", func(ctx context.Context) (*responses.TaxCalculationResult, error) {
		return a.provider.CalculateTax(ctx, req)
	})
}

// UpdateTransaction pushes a correction and invalidates transaction caches.
func (a *ResilientAdapter) UpdateTransaction(ctx context.Context, tx Transaction) error {
	_, err := execute(ctx, a, "update_transaction", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.provider.UpdateTransaction(ctx, tx)
	})
	if err == nil {
		a.txCache.Clear()
	}
	return err
}

// HandleWebhook verifies and normalizes an inbound webhook, filters it,
// and dispatches it to the provider. Events that are not order events, or
// order events with no fully paid sub-check, are acknowledged and dropped.
func (a *ResilientAdapter) HandleWebhook(ctx context.Context, body []byte, signatureHeader string) error {
	event, err := a.provider.ParseWebhook(ctx, body, signatureHeader)
	if err != nil {
		a.monitor.TrackEvent("webhook_rejected", a.integrationID, map[string]interface{}{
			"provider": a.provider.GetProviderName(),
			"reason":   string(errs.KindOf(err)),
		})
		return errs.Actionable("handle_webhook", err, map[string]interface{}{
			"integration_id": a.integrationID,
		})
	}

	if !isOrderEvent(event.EventType) {
		a.logger.Debug("ignoring non-order webhook event",
			zap.String("integration_id", a.integrationID),
			zap.String("event_type", event.EventType))
		return nil
	}
	if !event.FullyPaid() {
		a.logger.Debug("ignoring order webhook with no fully paid check",
			zap.String("integration_id", a.integrationID),
			zap.String("object_id", event.ObjectID))
		return nil
	}

	_, err = execute(ctx, a, "process_webhook", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.provider.ProcessWebhook(ctx, event)
	})
	return err
}

func isOrderEvent(eventType string) bool {
	return strings.Contains(strings.ToUpper(eventType), "ORDER")
}

func syncCacheKey(kind string, params SyncParams) string {
	return fmt.Sprintf("%s|%d|%d", kind, params.Since.Unix(), params.Limit)
}
