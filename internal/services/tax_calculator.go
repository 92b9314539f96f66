package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/taxfolio/taxfolio-api/internal/client/jobqueue"
	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/store"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// NexusChecker reports whether a business is registered to collect tax in a
// state. No nexus means zero tax for legal reasons, which is a different
// zero than a customer exemption.
type NexusChecker interface {
	HasNexus(ctx context.Context, businessID, state string) (bool, error)
}

// TaxCalculationService computes per-item, per-jurisdiction tax breakdowns
// against cached or freshly fetched jurisdiction rates, with a data-quality
// confidence score reported to monitoring on every calculation.
type TaxCalculationService struct {
	rates   store.RateStore
	fetcher RateFetcher
	jobs    jobqueue.Queue
	nexus   NexusChecker
	cache   *resilience.Cache[[]business.JurisdictionRate]
	monitor *MonitoringService
	logger  *zap.Logger
}

// NewTaxCalculationService creates a calculator. nexus may be nil when the
// caller does not gate on nexus registration.
func NewTaxCalculationService(
	rates store.RateStore,
	fetcher RateFetcher,
	jobs jobqueue.Queue,
	nexus NexusChecker,
	monitor *MonitoringService,
) *TaxCalculationService {
	return &TaxCalculationService{
		rates:   rates,
		fetcher: fetcher,
		jobs:    jobs,
		nexus:   nexus,
		cache:   resilience.NewCache[[]business.JurisdictionRate](30*time.Minute, 500),
		monitor: monitor,
		logger:  logger.Log,
	}
}

// CalculateTax computes the tax breakdown for the request. Degraded rate
// data produces a best-effort result with reduced confidence rather than an
// error; only structurally invalid requests fail.
func (s *TaxCalculationService) CalculateTax(ctx context.Context, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tax calculation request: %w", err)
	}

	start := time.Now()

	if req.CustomerTaxExempt {
		result := s.zeroTaxResult(req, business.ZeroTaxCustomerExempt)
		s.logger.Info("Customer is tax exempt, skipping rate lookup",
			zap.String("state", req.Address.State),
			zap.Float64("subtotal", result.Subtotal))
		s.report(req, result, 1.0, 0, start)
		return result, nil
	}

	return s.calculate(ctx, req, start)
}

// CalculateTaxForBusiness is the nexus-gated entry point: a business with no
// registered nexus in the sale's state collects no tax, without any rate
// lookup. The zero-tax reason stays distinguishable from customer exemption.
func (s *TaxCalculationService) CalculateTaxForBusiness(ctx context.Context, businessID string, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tax calculation request: %w", err)
	}
	if businessID == "" {
		return nil, fmt.Errorf("business id is required")
	}

	start := time.Now()

	if s.nexus != nil && !req.CustomerTaxExempt {
		hasNexus, err := s.nexus.HasNexus(ctx, businessID, req.Address.State)
		if err != nil {
			return nil, fmt.Errorf("failed to check nexus for business %s: %w", businessID, err)
		}
		if !hasNexus {
			result := s.zeroTaxResult(req, business.ZeroTaxNoNexus)
			s.logger.Info("Business has no nexus in state, no tax collected",
				zap.String("business_id", businessID),
				zap.String("state", req.Address.State))
			s.report(req, result, 1.0, 0, start)
			return result, nil
		}
	}

	if req.CustomerTaxExempt {
		result := s.zeroTaxResult(req, business.ZeroTaxCustomerExempt)
		s.logger.Info("Customer is tax exempt, skipping rate lookup",
			zap.String("business_id", businessID),
			zap.String("state", req.Address.State))
		s.report(req, result, 1.0, 0, start)
		return result, nil
	}

	return s.calculate(ctx, req, start)
}

// calculate is the shared non-exempt path: acquire rates, break down tax
// per item and jurisdiction, score confidence, and report.
func (s *TaxCalculationService) calculate(ctx context.Context, req requests.TaxCalculationRequest, start time.Time) (*responses.TaxCalculationResult, error) {
	errorCount := 0
	zeroRatesFound := false

	rates := s.acquireRates(ctx, req.Address)
	if len(rates) == 0 {
		zeroRatesFound = true
		errorCount++
		rates = s.recoverRates(ctx, req.Address, &errorCount)
	}

	result := s.buildBreakdown(req, rates)

	confidence := s.confidenceScore(rates, zeroRatesFound, errorCount, len(result.TaxBreakdown))
	s.report(req, result, confidence, errorCount, start)

	if confidence < 0.8 && errorCount > 0 {
		severity := SeverityHigh
		if confidence < 0.5 {
			severity = SeverityCritical
		}
		s.monitor.RaiseDataQualityAlert(business.DataQualityAlert{
			Severity:     severity,
			Confidence:   confidence,
			Jurisdiction: req.Address.State,
			ErrorCount:   errorCount,
			OccurredAt:   time.Now(),
		})
	}

	return result, nil
}

// acquireRates resolves rates cache-aside: cached entry for the address if
// present, otherwise a direct rate store query whose result is cached for
// subsequent requests.
func (s *TaxCalculationService) acquireRates(ctx context.Context, addr business.Address) []business.JurisdictionRate {
	key := rateCacheKey(addr)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}

	rates, err := s.rates.QueryRates(ctx, business.RateQuery{
		State:   addr.State,
		ZipCode: addr.ZipCode,
		City:    addr.City,
		AsOf:    time.Now(),
	})
	if err != nil {
		s.logger.Error("Rate store query failed",
			zap.String("state", addr.State),
			zap.Error(err))
		return nil
	}

	if len(rates) > 0 {
		s.cache.Set(key, rates)
		s.scheduleStalenessRefresh(ctx, addr.State, rates)
	}
	return rates
}

// recoverRates is the empty-result path: enqueue an async high-priority
// refresh for the state, attempt one synchronous crawl of the missing
// jurisdiction, then retry acquisition once. A retry that still comes back
// empty counts as another error.
func (s *TaxCalculationService) recoverRates(ctx context.Context, addr business.Address, errorCount *int) []business.JurisdictionRate {
	if err := s.jobs.EnqueueRateRefresh(ctx, business.RefreshJob{
		State:    addr.State,
		Priority: constants.JobPriorityHigh,
		Reason:   "no applicable rates found",
	}); err != nil {
		s.logger.Warn("Failed to enqueue rate refresh job",
			zap.String("state", addr.State),
			zap.Error(err))
	}

	query := business.RateQuery{
		State:   addr.State,
		ZipCode: addr.ZipCode,
		City:    addr.City,
		AsOf:    time.Now(),
	}

	// The crawl is best effort; a fetch failure still falls through to the
	// store retry below.
	fetched, err := s.fetcher.FetchRates(ctx, query)
	if err != nil {
		s.logger.Warn("Fallback rate fetch failed",
			zap.String("state", addr.State),
			zap.Error(err))
		*errorCount++
	} else if len(fetched) > 0 {
		if err := s.rates.UpsertRates(ctx, fetched); err != nil {
			s.logger.Warn("Failed to store fetched rates",
				zap.String("state", addr.State),
				zap.Error(err))
		}
		s.cache.Set(rateCacheKey(addr), fetched)
		return fetched
	}

	// Retry acquisition once against the store; the crawl may have landed
	// rates through another path.
	rates, retryErr := s.rates.QueryRates(ctx, query)
	if retryErr != nil || len(rates) == 0 {
		*errorCount++
		return nil
	}
	s.cache.Set(rateCacheKey(addr), rates)
	return rates
}

// buildBreakdown computes per-item taxes and the per-jurisdiction
// aggregation. Monetary sub-results round to 4 decimal places, the total
// tax to 2, effective rates to 6; intermediate additions stay unrounded.
// The grand total is the sum of the already rounded subtotal and total tax
// so it always equals their reported values exactly.
func (s *TaxCalculationService) buildBreakdown(req requests.TaxCalculationRequest, rates []business.JurisdictionRate) *responses.TaxCalculationResult {
	type jurisdictionKey struct {
		jurisdiction     string
		jurisdictionType string
	}
	type jurisdictionAgg struct {
		rate          float64
		taxableAmount float64
		taxAmount     float64
	}

	now := time.Now()
	applicable := make([]business.JurisdictionRate, 0, len(rates))
	for _, rate := range rates {
		if rate.ApplicableAt(now) {
			applicable = append(applicable, rate)
		}
	}

	subtotal := 0.0
	itemBreakdown := make([]business.ItemTax, 0, len(req.Items))
	aggregates := make(map[jurisdictionKey]*jurisdictionAgg)
	var aggOrder []jurisdictionKey

	for _, item := range req.Items {
		itemSubtotal := item.Quantity * item.UnitPrice
		subtotal += itemSubtotal

		itemTax := 0.0
		for _, rate := range applicable {
			categoryRate := rate.RateForCategory(item.TaxCategory)
			if categoryRate <= 0 {
				continue
			}
			taxAmount := itemSubtotal * categoryRate / 100

			itemTax += taxAmount

			key := jurisdictionKey{rate.Jurisdiction, rate.JurisdictionType}
			agg, ok := aggregates[key]
			if !ok {
				agg = &jurisdictionAgg{rate: categoryRate}
				aggregates[key] = agg
				aggOrder = append(aggOrder, key)
			}
			agg.taxableAmount += itemSubtotal
			agg.taxAmount += taxAmount
		}

		itemTax = round4(itemTax)
		itemBreakdown = append(itemBreakdown, business.ItemTax{
			ID:        item.ID,
			Subtotal:  round4(itemSubtotal),
			TaxAmount: itemTax,
			Total:     round4(itemSubtotal + itemTax),
		})
	}

	taxBreakdown := make([]business.TaxLineItem, 0, len(aggOrder))
	totalTax := 0.0
	for _, key := range aggOrder {
		agg := aggregates[key]
		if agg.taxAmount == 0 {
			continue
		}
		totalTax += agg.taxAmount
		taxBreakdown = append(taxBreakdown, business.TaxLineItem{
			Jurisdiction:     key.jurisdiction,
			JurisdictionType: key.jurisdictionType,
			Rate:             round6(agg.rate),
			TaxableAmount:    round4(agg.taxableAmount),
			TaxAmount:        round4(agg.taxAmount),
		})
	}

	totalTax = round2(totalTax)
	subtotal = round4(subtotal)
	return &responses.TaxCalculationResult{
		Subtotal:      subtotal,
		TotalTax:      totalTax,
		GrandTotal:    round4(subtotal + totalTax),
		TaxBreakdown:  taxBreakdown,
		ItemBreakdown: itemBreakdown,
		CalculatedAt:  now,
	}
}

// confidenceScore derives the [0,1] data-quality score for a calculation.
func (s *TaxCalculationService) confidenceScore(rates []business.JurisdictionRate, zeroRatesFound bool, errorCount, breakdownLen int) float64 {
	confidence := 1.0

	if zeroRatesFound {
		confidence -= 0.5
	}
	confidence -= 0.2 * float64(errorCount)
	if breakdownLen == 0 && len(rates) > 0 {
		confidence -= 0.3
	}

	if len(rates) > 0 {
		staleCutoff := time.Now().AddDate(0, 0, -constants.RateStalenessDays)
		stale := 0
		for _, rate := range rates {
			if rate.LastUpdated.Before(staleCutoff) {
				stale++
			}
		}
		confidence -= float64(stale) / float64(len(rates)) * 0.2
	}

	return math.Max(0, math.Min(1, confidence))
}

// report emits the calculation to monitoring.
func (s *TaxCalculationService) report(req requests.TaxCalculationRequest, result *responses.TaxCalculationResult, confidence float64, errorCount int, start time.Time) {
	s.monitor.RecordCalculation(business.CalculationReport{
		Amount:       result.GrandTotal,
		Confidence:   confidence,
		Jurisdiction: req.Address.State,
		LatencyMs:    time.Since(start).Milliseconds(),
		ErrorCount:   errorCount,
		ZeroTax:      result.ZeroTaxReason,
	})
}

// zeroTaxResult builds the zero-tax breakdown shared by the exemption and
// no-nexus paths.
func (s *TaxCalculationService) zeroTaxResult(req requests.TaxCalculationRequest, reason business.ZeroTaxReason) *responses.TaxCalculationResult {
	subtotal := 0.0
	itemBreakdown := make([]business.ItemTax, 0, len(req.Items))
	for _, item := range req.Items {
		itemSubtotal := round4(item.Quantity * item.UnitPrice)
		subtotal += item.Quantity * item.UnitPrice
		itemBreakdown = append(itemBreakdown, business.ItemTax{
			ID:        item.ID,
			Subtotal:  itemSubtotal,
			TaxAmount: 0,
			Total:     itemSubtotal,
		})
	}

	subtotal = round4(subtotal)
	return &responses.TaxCalculationResult{
		Subtotal:      subtotal,
		TotalTax:      0,
		GrandTotal:    subtotal,
		TaxBreakdown:  []business.TaxLineItem{},
		ItemBreakdown: itemBreakdown,
		CalculatedAt:  time.Now(),
		ZeroTaxReason: reason,
	}
}

// scheduleStalenessRefresh enqueues a normal-priority refresh when acquired
// rates are going stale. Best effort.
func (s *TaxCalculationService) scheduleStalenessRefresh(ctx context.Context, state string, rates []business.JurisdictionRate) {
	staleCutoff := time.Now().AddDate(0, 0, -constants.RateStalenessDays)
	for _, rate := range rates {
		if rate.LastUpdated.Before(staleCutoff) {
			if err := s.jobs.EnqueueRateRefresh(ctx, business.RefreshJob{
				State:    state,
				Priority: constants.JobPriorityNormal,
				Reason:   "stale rates in use",
			}); err != nil {
				s.logger.Debug("Failed to enqueue staleness refresh",
					zap.String("state", state),
					zap.Error(err))
			}
			return
		}
	}
}

func rateCacheKey(addr business.Address) string {
	return strings.ToUpper(addr.State) + "|" + strings.ToLower(addr.City) + "|" + addr.ZipCode + "|" + strings.ToLower(addr.Street)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round6(v float64) float64 { return math.Round(v*1000000) / 1000000 }
