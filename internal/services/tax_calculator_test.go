package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/testutil"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

func TestMain(m *testing.M) {
	logger.InitLogger(constants.TestEnvironment)
	m.Run()
}

type calculatorFixture struct {
	store   *testutil.MockRateStore
	fetcher *testutil.MockRateFetcher
	jobs    *testutil.MockJobQueue
	nexus   *testutil.MockNexusChecker
	monitor *services.MonitoringService
	svc     *services.TaxCalculationService
}

func newCalculatorFixture() *calculatorFixture {
	f := &calculatorFixture{
		store:   new(testutil.MockRateStore),
		fetcher: new(testutil.MockRateFetcher),
		jobs:    new(testutil.MockJobQueue),
		nexus:   new(testutil.MockNexusChecker),
		monitor: services.NewMonitoringService(),
	}
	f.svc = services.NewTaxCalculationService(f.store, f.fetcher, f.jobs, f.nexus, f.monitor)
	return f
}

func californiaRates() []business.JurisdictionRate {
	effective := time.Now().AddDate(0, -6, 0)
	return []business.JurisdictionRate{
		{
			Jurisdiction:     "CA",
			JurisdictionType: constants.JurisdictionTypeState,
			Rate:             7.25,
			EffectiveDate:    effective,
			LastUpdated:      time.Now(),
		},
		{
			Jurisdiction:     "CA-LOS-ANGELES",
			JurisdictionType: constants.JurisdictionTypeCounty,
			Rate:             1.0,
			EffectiveDate:    effective,
			LastUpdated:      time.Now(),
		},
	}
}

func losAngelesRequest(items ...requests.TaxCalculationItem) requests.TaxCalculationRequest {
	return requests.TaxCalculationRequest{
		Items: items,
		Address: business.Address{
			Street:  "123 Main St",
			City:    "Los Angeles",
			State:   "CA",
			ZipCode: "90001",
			Country: "US",
		},
	}
}

func TestCalculateTaxSingleItemGeneralCategory(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Subtotal)
	assert.Equal(t, 8.25, result.TotalTax)
	assert.Equal(t, 108.25, result.GrandTotal)

	require.Len(t, result.TaxBreakdown, 2)
	assert.Equal(t, "CA", result.TaxBreakdown[0].Jurisdiction)
	assert.Equal(t, 7.25, result.TaxBreakdown[0].TaxAmount)
	assert.Equal(t, "CA-LOS-ANGELES", result.TaxBreakdown[1].Jurisdiction)
	assert.Equal(t, 1.0, result.TaxBreakdown[1].TaxAmount)

	require.Len(t, result.ItemBreakdown, 1)
	assert.Equal(t, 8.25, result.ItemBreakdown[0].TaxAmount)
	assert.Equal(t, 108.25, result.ItemBreakdown[0].Total)

	f.fetcher.AssertNotCalled(t, "FetchRates")
	f.jobs.AssertNotCalled(t, "EnqueueRateRefresh")
}

func TestCalculateTaxGrandTotalInvariants(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()

	req := losAngelesRequest(
		requests.TaxCalculationItem{ID: "a", Quantity: 3, UnitPrice: 19.99, TaxCategory: constants.TaxCategoryGeneral},
		requests.TaxCalculationItem{ID: "b", Quantity: 1, UnitPrice: 4.55, TaxCategory: constants.TaxCategoryGeneral},
	)
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.InDelta(t, result.Subtotal+result.TotalTax, result.GrandTotal, 0.01)

	breakdownSum := 0.0
	for _, line := range result.TaxBreakdown {
		breakdownSum += line.TaxAmount
	}
	assert.InDelta(t, result.TotalTax, breakdownSum, 0.01)
}

func TestCalculateTaxGrandTotalExactForSubCentPrices(t *testing.T) {
	f := newCalculatorFixture()
	rates := californiaRates()[:1]
	rates[0].CategoryOverrides = []business.CategoryOverride{
		{Category: constants.TaxCategoryFood, Exempt: true},
	}
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(rates, nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "bulk-grain", Quantity: 1, UnitPrice: 10.0039, TaxCategory: constants.TaxCategoryFood,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 10.0039, result.Subtotal)
	assert.Equal(t, 0.0, result.TotalTax)
	assert.Equal(t, result.Subtotal+result.TotalTax, result.GrandTotal,
		"grand total is the sum of the reported subtotal and total tax")
}

func TestCalculateTaxCustomerExemptShortCircuits(t *testing.T) {
	f := newCalculatorFixture()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 2, UnitPrice: 50, TaxCategory: constants.TaxCategoryGeneral,
	})
	req.CustomerTaxExempt = true

	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 0.0, result.TotalTax)
	assert.Equal(t, result.Subtotal, result.GrandTotal)
	assert.Empty(t, result.TaxBreakdown)
	assert.Equal(t, business.ZeroTaxCustomerExempt, result.ZeroTaxReason)
	require.Len(t, result.ItemBreakdown, 1)
	assert.Equal(t, 100.0, result.ItemBreakdown[0].Subtotal)

	// No rate lookup of any kind on the exempt path.
	f.store.AssertNotCalled(t, "QueryRates")
	f.fetcher.AssertNotCalled(t, "FetchRates")
}

func TestCalculateTaxExemptCategoryOverride(t *testing.T) {
	f := newCalculatorFixture()
	rates := californiaRates()
	rates[0].CategoryOverrides = []business.CategoryOverride{
		{Category: constants.TaxCategoryFood, Exempt: true},
	}
	rates[1].CategoryOverrides = []business.CategoryOverride{
		{Category: constants.TaxCategoryFood, Exempt: true},
	}
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(rates, nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "groceries", Quantity: 1, UnitPrice: 10, TaxCategory: constants.TaxCategoryFood,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 0.0, result.TotalTax)
	assert.Equal(t, 10.0, result.GrandTotal)
	assert.Empty(t, result.TaxBreakdown, "zero-tax jurisdictions are omitted")
}

func TestCalculateTaxReducedCategoryRate(t *testing.T) {
	f := newCalculatorFixture()
	rates := californiaRates()[:1]
	rates[0].CategoryOverrides = []business.CategoryOverride{
		{Category: constants.TaxCategoryClothing, Rate: 2.0},
	}
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(rates, nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "shirt", Quantity: 1, UnitPrice: 40, TaxCategory: constants.TaxCategoryClothing,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 0.80, result.TotalTax)
	require.Len(t, result.TaxBreakdown, 1)
	assert.Equal(t, 2.0, result.TaxBreakdown[0].Rate)
}

func TestCalculateTaxExpiredRatesIgnored(t *testing.T) {
	f := newCalculatorFixture()
	expired := time.Now().AddDate(-1, 0, 0)
	rates := californiaRates()
	rates[1].ExpirationDate = &expired
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(rates, nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 7.25, result.TotalTax)
	require.Len(t, result.TaxBreakdown, 1)
	assert.Equal(t, "CA", result.TaxBreakdown[0].Jurisdiction)
}

func TestCalculateTaxUnknownJurisdictionRecovery(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return([]business.JurisdictionRate{}, nil).Twice()
	f.fetcher.On("FetchRates", mock.Anything, mock.Anything).Return([]business.JurisdictionRate{}, nil).Once()
	f.jobs.On("EnqueueRateRefresh", mock.Anything, mock.MatchedBy(func(job business.RefreshJob) bool {
		return job.Priority == constants.JobPriorityHigh
	})).Return(nil).Once()

	req := requests.TaxCalculationRequest{
		Items: []requests.TaxCalculationItem{
			{ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral},
		},
		Address: business.Address{State: "ZZ", City: "Nowhere", ZipCode: "00000"},
	}
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err, "degraded data still yields a result")
	assert.Equal(t, 0.0, result.TotalTax)
	assert.Equal(t, 100.0, result.GrandTotal)

	f.store.AssertExpectations(t)
	f.fetcher.AssertExpectations(t)
	f.jobs.AssertExpectations(t)

	alerts := f.monitor.RecentAlerts(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, services.SeverityCritical, alerts[0].Severity)
	assert.LessOrEqual(t, alerts[0].Confidence, 0.5)
}

func TestCalculateTaxRecoveryViaFallbackFetch(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return([]business.JurisdictionRate{}, nil).Once()
	f.fetcher.On("FetchRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()
	f.store.On("UpsertRates", mock.Anything, mock.Anything).Return(nil).Once()
	f.jobs.On("EnqueueRateRefresh", mock.Anything, mock.Anything).Return(nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 8.25, result.TotalTax, "fetched rates are used immediately")
	f.store.AssertExpectations(t)
}

func TestCalculateTaxRetriesStoreAfterFailedFallbackFetch(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return([]business.JurisdictionRate{}, nil).Once()
	f.fetcher.On("FetchRates", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindNetwork, "rate source unreachable")).Once()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()
	f.jobs.On("EnqueueRateRefresh", mock.Anything, mock.Anything).Return(nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 8.25, result.TotalTax, "a failed crawl must not suppress the store retry")
	f.store.AssertNumberOfCalls(t, "QueryRates", 2)
	f.fetcher.AssertExpectations(t)
}

func TestCalculateTaxFailedFetchAndEmptyRetryCountBothErrors(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return([]business.JurisdictionRate{}, nil).Twice()
	f.fetcher.On("FetchRates", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindTimeout, "rate source timed out")).Once()
	f.jobs.On("EnqueueRateRefresh", mock.Anything, mock.Anything).Return(nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, 0.0, result.TotalTax)
	f.store.AssertExpectations(t)

	alerts := f.monitor.RecentAlerts(10)
	require.Len(t, alerts, 1)
	assert.Equal(t, services.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 3, alerts[0].ErrorCount, "missing rates, failed fetch, and empty retry each count")
	assert.Equal(t, 0.0, alerts[0].Confidence)
}

func TestCalculateTaxSecondCallServedFromCache(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})

	_, err := f.svc.CalculateTax(context.Background(), req)
	require.NoError(t, err)
	result, err := f.svc.CalculateTax(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 8.25, result.TotalTax)
	f.store.AssertNumberOfCalls(t, "QueryRates", 1)
}

func TestCalculateTaxStaleRatesScheduleRefresh(t *testing.T) {
	f := newCalculatorFixture()
	rates := californiaRates()
	rates[0].LastUpdated = time.Now().AddDate(0, 0, -constants.RateStalenessDays-10)
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(rates, nil).Once()
	f.jobs.On("EnqueueRateRefresh", mock.Anything, mock.MatchedBy(func(job business.RefreshJob) bool {
		return job.Priority == constants.JobPriorityNormal
	})).Return(nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	_, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	f.jobs.AssertExpectations(t)
}

func TestCalculateTaxRejectsInvalidRequests(t *testing.T) {
	f := newCalculatorFixture()

	cases := []struct {
		name string
		req  requests.TaxCalculationRequest
	}{
		{"no items", requests.TaxCalculationRequest{Address: business.Address{State: "CA"}}},
		{"no state", requests.TaxCalculationRequest{
			Items: []requests.TaxCalculationItem{{ID: "x", Quantity: 1, UnitPrice: 1}},
		}},
		{"item without id", losAngelesRequest(requests.TaxCalculationItem{Quantity: 1, UnitPrice: 1})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CalculateTax(context.Background(), tc.req)
			assert.Error(t, err)
		})
	}
}

func TestCalculateTaxForBusinessWithoutNexus(t *testing.T) {
	f := newCalculatorFixture()
	f.nexus.On("HasNexus", mock.Anything, "biz-1", "CA").Return(false, nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTaxForBusiness(context.Background(), "biz-1", req)

	require.NoError(t, err)
	assert.Equal(t, 0.0, result.TotalTax)
	assert.Equal(t, business.ZeroTaxNoNexus, result.ZeroTaxReason, "no-nexus zero is distinguishable from exemption")
	f.store.AssertNotCalled(t, "QueryRates")
}

func TestCalculateTaxForBusinessWithNexus(t *testing.T) {
	f := newCalculatorFixture()
	f.nexus.On("HasNexus", mock.Anything, "biz-1", "CA").Return(true, nil).Once()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates(), nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTaxForBusiness(context.Background(), "biz-1", req)

	require.NoError(t, err)
	assert.Equal(t, 8.25, result.TotalTax)
}

func TestCalculateTaxForBusinessNexusCheckFailure(t *testing.T) {
	f := newCalculatorFixture()
	f.nexus.On("HasNexus", mock.Anything, "biz-1", "CA").
		Return(false, errs.New(errs.KindNetwork, "registry down")).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "item-1", Quantity: 1, UnitPrice: 100, TaxCategory: constants.TaxCategoryGeneral,
	})
	_, err := f.svc.CalculateTaxForBusiness(context.Background(), "biz-1", req)

	assert.Error(t, err)
}

func TestCalculateTaxRefundLine(t *testing.T) {
	f := newCalculatorFixture()
	f.store.On("QueryRates", mock.Anything, mock.Anything).Return(californiaRates()[:1], nil).Once()

	req := losAngelesRequest(requests.TaxCalculationItem{
		ID: "refund-1", Quantity: 1, UnitPrice: -100, TaxCategory: constants.TaxCategoryGeneral,
	})
	result, err := f.svc.CalculateTax(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, -100.0, result.Subtotal)
	assert.Equal(t, -7.25, result.TotalTax)
	assert.Equal(t, -107.25, result.GrandTotal)
}
