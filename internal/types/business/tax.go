package business

import (
	"time"
)

// Address represents a tax-relevant address
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

// CategoryOverride replaces a jurisdiction's base rate for one product
// category. Exempt categories tax at zero regardless of the override rate.
type CategoryOverride struct {
	Category string  `json:"category"`
	Rate     float64 `json:"rate"`
	Exempt   bool    `json:"exempt"`
}

// JurisdictionRate is a single taxing authority's rate record. Rates are
// immutable once fetched within a calculation; the rate store rotates them
// over time via effective/expiration dates.
type JurisdictionRate struct {
	Jurisdiction      string             `json:"jurisdiction"`
	JurisdictionType  string             `json:"jurisdiction_type"` // federal, state, county, city, special
	Rate              float64            `json:"rate"`              // percent, e.g. 7.25
	CategoryOverrides []CategoryOverride `json:"category_overrides,omitempty"`
	EffectiveDate     time.Time          `json:"effective_date"`
	ExpirationDate    *time.Time         `json:"expiration_date,omitempty"`
	LastUpdated       time.Time          `json:"last_updated"`
}

// ApplicableAt reports whether the rate is in force at the given instant.
func (r JurisdictionRate) ApplicableAt(now time.Time) bool {
	if now.Before(r.EffectiveDate) {
		return false
	}
	if r.ExpirationDate != nil && !now.Before(*r.ExpirationDate) {
		return false
	}
	return true
}

// RateForCategory resolves the effective rate for a product category:
// category override if present (zero when the override marks the category
// exempt), otherwise the jurisdiction's base rate.
func (r JurisdictionRate) RateForCategory(category string) float64 {
	for _, override := range r.CategoryOverrides {
		if override.Category == category {
			if override.Exempt {
				return 0
			}
			return override.Rate
		}
	}
	return r.Rate
}

// TaxLineItem is one jurisdiction's share of the tax on a calculation.
type TaxLineItem struct {
	Jurisdiction     string  `json:"jurisdiction"`
	JurisdictionType string  `json:"jurisdiction_type"`
	Rate             float64 `json:"rate"`
	TaxableAmount    float64 `json:"taxable_amount"`
	TaxAmount        float64 `json:"tax_amount"`
}

// ItemTax is the per-line-item view of a calculation.
type ItemTax struct {
	ID        string  `json:"id"`
	Subtotal  float64 `json:"subtotal"`
	TaxAmount float64 `json:"tax_amount"`
	Total     float64 `json:"total"`
}

// ZeroTaxReason distinguishes the legally distinct zero-tax paths. The
// numeric result is identical but the reason must survive into logs.
type ZeroTaxReason string

const (
	ZeroTaxCustomerExempt ZeroTaxReason = "customer_exempt"
	ZeroTaxNoNexus        ZeroTaxReason = "no_nexus"
)

// RateQuery is the filter sent to the rate store: active rates for the
// state, in force now, optionally narrowed by locality.
type RateQuery struct {
	State   string
	ZipCode string
	City    string
	County  string
	AsOf    time.Time
}

// RefreshJob asks the background worker fleet to re-crawl rates for a state.
type RefreshJob struct {
	State    string `json:"state"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// CalculationReport is what the engine emits to monitoring after every
// calculation. Confidence is computed fresh per calculation and is not
// persisted on the result itself.
type CalculationReport struct {
	Amount       float64       `json:"amount"`
	Confidence   float64       `json:"confidence"`
	Jurisdiction string        `json:"jurisdiction"`
	LatencyMs    int64         `json:"latency_ms"`
	ErrorCount   int           `json:"error_count"`
	ZeroTax      ZeroTaxReason `json:"zero_tax_reason,omitempty"`
}

// DataQualityAlert flags a calculation whose inputs were too degraded to
// trust. Severity is "critical" below 0.5 confidence, "high" below 0.8.
type DataQualityAlert struct {
	Severity     string    `json:"severity"`
	Confidence   float64   `json:"confidence"`
	Jurisdiction string    `json:"jurisdiction"`
	ErrorCount   int       `json:"error_count"`
	OccurredAt   time.Time `json:"occurred_at"`
}
