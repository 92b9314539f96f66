package pos_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/testutil"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

func TestMain(m *testing.M) {
	logger.InitLogger(constants.TestEnvironment)
	m.Run()
}

type adapterFixture struct {
	provider *testutil.MockPOSProvider
	health   *resilience.HealthMonitor
	monitor  *services.MonitoringService
	adapter  *pos.ResilientAdapter
}

// newAdapterFixture builds an adapter with millisecond retry delays and a
// two-failure breaker so tests run fast and trip deterministically.
func newAdapterFixture() *adapterFixture {
	f := &adapterFixture{
		provider: new(testutil.MockPOSProvider),
		health:   resilience.NewHealthMonitor(),
		monitor:  services.NewMonitoringService(),
	}
	f.provider.On("GetProviderName").Return("clover")

	config := pos.AdapterConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  time.Minute,
			MonitoringWindow: 5 * time.Minute,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:   2,
			BaseDelay:     time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		CacheTTL: time.Minute,
		CacheMax: 10,
	}
	f.adapter = pos.NewResilientAdapter("ws-1:clover", f.provider, f.health, f.monitor, config)
	return f
}

func syncWindow() pos.SyncParams {
	return pos.SyncParams{Since: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Limit: 100}
}

func TestSyncTransactionsServedFromCacheOnRepeat(t *testing.T) {
	f := newAdapterFixture()
	txs := []pos.Transaction{{ID: "t-1", Total: 108.25, TaxAmount: 8.25, Currency: "USD"}}
	f.provider.On("SyncTransactions", mock.Anything, syncWindow()).Return(txs, nil).Once()

	first, err := f.adapter.SyncTransactions(context.Background(), syncWindow())
	require.NoError(t, err)
	second, err := f.adapter.SyncTransactions(context.Background(), syncWindow())
	require.NoError(t, err)

	assert.Equal(t, txs, first)
	assert.Equal(t, txs, second)
	f.provider.AssertNumberOfCalls(t, "SyncTransactions", 1)
}

func TestSyncTransactionsDistinctWindowsNotConflated(t *testing.T) {
	f := newAdapterFixture()
	early := syncWindow()
	late := pos.SyncParams{Since: early.Since.Add(24 * time.Hour), Limit: 100}
	f.provider.On("SyncTransactions", mock.Anything, early).Return([]pos.Transaction{{ID: "t-1"}}, nil).Once()
	f.provider.On("SyncTransactions", mock.Anything, late).Return([]pos.Transaction{{ID: "t-2"}}, nil).Once()

	a, err := f.adapter.SyncTransactions(context.Background(), early)
	require.NoError(t, err)
	b, err := f.adapter.SyncTransactions(context.Background(), late)
	require.NoError(t, err)

	assert.Equal(t, "t-1", a[0].ID)
	assert.Equal(t, "t-2", b[0].ID)
}

func TestTransientFailureRetriedThenSurfacedAsActionable(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("SyncProducts", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindTimeout, "request timed out"))

	_, err := f.adapter.SyncProducts(context.Background(), syncWindow())

	require.Error(t, err)
	var actionable *errs.ActionableError
	require.ErrorAs(t, err, &actionable)
	assert.Equal(t, errs.KindTimeout, actionable.Code)
	assert.True(t, actionable.Retryable)
	assert.NotEmpty(t, actionable.SuggestedActions)
	f.provider.AssertNumberOfCalls(t, "SyncProducts", 2)
}

func TestAuthFailureNotRetried(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("CheckConnection", mock.Anything).
		Return(errs.New(errs.KindAuth, "token revoked"))

	err := f.adapter.CheckConnection(context.Background())

	var actionable *errs.ActionableError
	require.ErrorAs(t, err, &actionable)
	assert.Equal(t, errs.KindAuth, actionable.Code)
	assert.False(t, actionable.Retryable)
	f.provider.AssertNumberOfCalls(t, "CheckConnection", 1)
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("CheckConnection", mock.Anything).
		Return(errs.New(errs.KindUnavailable, "service down"))

	// Two breaker-level failures reach the threshold.
	require.Error(t, f.adapter.CheckConnection(context.Background()))
	require.Error(t, f.adapter.CheckConnection(context.Background()))
	assert.Equal(t, resilience.StateOpen, f.adapter.BreakerState())

	callsBefore := len(f.provider.Calls)
	err := f.adapter.CheckConnection(context.Background())

	var actionable *errs.ActionableError
	require.ErrorAs(t, err, &actionable)
	assert.Equal(t, errs.KindBreakerOpen, actionable.Code)
	assert.Len(t, f.provider.Calls, callsBefore, "open breaker never reaches the provider")
}

func TestFailuresDegradeHealthAndEmitAnalytics(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("SyncCustomers", mock.Anything, mock.Anything).
		Return([]pos.Customer{{ID: "c-1"}}, nil).Once()
	f.provider.On("SyncProducts", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindNetwork, "connection reset"))

	_, err := f.adapter.SyncCustomers(context.Background(), syncWindow())
	require.NoError(t, err)
	_, err = f.adapter.SyncProducts(context.Background(), syncWindow())
	require.Error(t, err)

	metrics, ok := f.health.GetMetrics("ws-1:clover")
	require.True(t, ok)
	assert.Equal(t, int64(2), metrics.TotalRequests)
	assert.Equal(t, int64(1), metrics.FailedRequests)

	events := f.monitor.RecentEvents(10)
	require.Len(t, events, 2)
	assert.Equal(t, "operation_success", events[0].Event)
	assert.Equal(t, "operation_failure", events[1].Event)
	assert.Equal(t, string(errs.KindNetwork), events[1].Properties["error_code"])
}

func TestUpdateTransactionInvalidatesTransactionCache(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("SyncTransactions", mock.Anything, syncWindow()).
		Return([]pos.Transaction{{ID: "t-1"}}, nil).Twice()
	f.provider.On("UpdateTransaction", mock.Anything, mock.Anything).Return(nil).Once()

	_, err := f.adapter.SyncTransactions(context.Background(), syncWindow())
	require.NoError(t, err)
	require.NoError(t, f.adapter.UpdateTransaction(context.Background(), pos.Transaction{ID: "t-1", State: "locked"}))

	_, err = f.adapter.SyncTransactions(context.Background(), syncWindow())
	require.NoError(t, err)
	f.provider.AssertNumberOfCalls(t, "SyncTransactions", 2)
}

func TestCalculateTaxPassesThroughProviderQuote(t *testing.T) {
	f := newAdapterFixture()
	quote := &responses.TaxCalculationResult{Subtotal: 100, TotalTax: 8.25, GrandTotal: 108.25}
	req := requests.TaxCalculationRequest{
		Items:   []requests.TaxCalculationItem{{ID: "i-1", Quantity: 1, UnitPrice: 100}},
		Address: business.Address{State: "CA"},
	}
	f.provider.On("CalculateTax", mock.Anything, req).Return(quote, nil).Once()

	result, err := f.adapter.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Same(t, quote, result)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("ParseWebhook", mock.Anything, mock.Anything, "bad-sig").
		Return(pos.WebhookEvent{}, errs.New(errs.KindAuth, "invalid webhook signature"))

	err := f.adapter.HandleWebhook(context.Background(), []byte(`{}`), "bad-sig")

	var actionable *errs.ActionableError
	require.ErrorAs(t, err, &actionable)
	assert.Equal(t, errs.KindAuth, actionable.Code)
	f.provider.AssertNotCalled(t, "ProcessWebhook", mock.Anything, mock.Anything)

	events := f.monitor.RecentEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, "webhook_rejected", events[0].Event)
}

func TestHandleWebhookDropsNonOrderEvents(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(pos.WebhookEvent{EventType: "INVENTORY_UPDATED", ObjectID: "inv-1"}, nil)

	err := f.adapter.HandleWebhook(context.Background(), []byte(`{}`), "sig")

	assert.NoError(t, err, "unrelated events are acknowledged, not errored")
	f.provider.AssertNotCalled(t, "ProcessWebhook", mock.Anything, mock.Anything)
}

func TestHandleWebhookDropsUnpaidOrders(t *testing.T) {
	f := newAdapterFixture()
	f.provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).
		Return(pos.WebhookEvent{
			EventType: "ORDER_UPDATED",
			ObjectID:  "ord-1",
			Checks:    []pos.WebhookCheck{{ID: "chk-1", PaymentState: "OPEN"}},
		}, nil)

	err := f.adapter.HandleWebhook(context.Background(), []byte(`{}`), "sig")

	assert.NoError(t, err)
	f.provider.AssertNotCalled(t, "ProcessWebhook", mock.Anything, mock.Anything)
}

func TestHandleWebhookProcessesPaidOrders(t *testing.T) {
	f := newAdapterFixture()
	event := pos.WebhookEvent{
		EventType: "ORDER_UPDATED",
		ObjectID:  "ord-1",
		Checks: []pos.WebhookCheck{
			{ID: "chk-1", PaymentState: "OPEN"},
			{ID: "chk-2", PaymentState: "PAID"},
		},
	}
	f.provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).Return(event, nil)
	f.provider.On("ProcessWebhook", mock.Anything, event).Return(nil).Once()

	err := f.adapter.HandleWebhook(context.Background(), []byte(`{}`), "sig")

	assert.NoError(t, err)
	f.provider.AssertExpectations(t)
}
