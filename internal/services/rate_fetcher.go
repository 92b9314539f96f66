package services

import (
	"context"
	"fmt"
	"time"

	httpclient "github.com/taxfolio/taxfolio-api/internal/client/http"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// RateFetcher is the synchronous best-effort fallback used when the rate
// store has nothing for a jurisdiction: one direct crawl of the upstream
// rate source. The heavy lifting stays with the async refresh workers.
type RateFetcher interface {
	FetchRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error)
}

// HTTPRateFetcher fetches rates from the upstream rate source API.
type HTTPRateFetcher struct {
	client *httpclient.Client
	logger *zap.Logger
}

// rateSourceRecord is the upstream API's rate shape.
type rateSourceRecord struct {
	Jurisdiction      string                      `json:"jurisdiction"`
	JurisdictionType  string                      `json:"jurisdiction_type"`
	Rate              float64                     `json:"rate"`
	CategoryOverrides []business.CategoryOverride `json:"category_overrides"`
	EffectiveDate     time.Time                   `json:"effective_date"`
	ExpirationDate    *time.Time                  `json:"expiration_date"`
}

// NewHTTPRateFetcher creates a fetcher against the rate source base URL.
// The transport retries on its own here because this path does not go
// through the adapter's retry executor.
func NewHTTPRateFetcher(baseURL, apiKey string) *HTTPRateFetcher {
	return &HTTPRateFetcher{
		client: httpclient.NewClient(
			httpclient.WithBaseURL(baseURL),
			httpclient.WithTimeout(15*time.Second),
			httpclient.WithDefaultHeader("X-API-Key", apiKey),
			httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
		),
		logger: logger.Log,
	}
}

// FetchRates performs one crawl of the upstream source for the queried
// state and locality.
func (f *HTTPRateFetcher) FetchRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error) {
	options := []httpclient.RequestOption{
		httpclient.WithQueryParam("state", query.State),
	}
	if query.ZipCode != "" {
		options = append(options, httpclient.WithQueryParam("zip_code", query.ZipCode))
	}
	if query.City != "" {
		options = append(options, httpclient.WithQueryParam("city", query.City))
	}

	resp, err := f.client.Get(ctx, "/v1/rates", options...)
	if err != nil {
		return nil, fmt.Errorf("rate source fetch failed: %w", err)
	}

	var records []rateSourceRecord
	if err := f.client.ProcessJSONResponse(resp, &records); err != nil {
		return nil, fmt.Errorf("failed to decode rate source response: %w", err)
	}

	now := time.Now()
	rates := make([]business.JurisdictionRate, 0, len(records))
	for _, record := range records {
		rates = append(rates, business.JurisdictionRate{
			Jurisdiction:      record.Jurisdiction,
			JurisdictionType:  record.JurisdictionType,
			Rate:              record.Rate,
			CategoryOverrides: record.CategoryOverrides,
			EffectiveDate:     record.EffectiveDate,
			ExpirationDate:    record.ExpirationDate,
			LastUpdated:       now,
		})
	}

	f.logger.Info("Fetched rates from upstream source",
		zap.String("state", query.State),
		zap.Int("count", len(rates)))

	return rates, nil
}
