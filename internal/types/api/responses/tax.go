package responses

import (
	"time"

	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// TaxCalculationResult contains the calculated tax information.
// Invariants: GrandTotal = Subtotal + TotalTax and
// TotalTax = sum of TaxBreakdown tax amounts.
type TaxCalculationResult struct {
	Subtotal      float64                `json:"subtotal"`
	TotalTax      float64                `json:"total_tax"`
	GrandTotal    float64                `json:"grand_total"`
	TaxBreakdown  []business.TaxLineItem `json:"tax_breakdown"`
	ItemBreakdown []business.ItemTax     `json:"item_breakdown"`
	CalculatedAt  time.Time              `json:"calculated_at"`
	ZeroTaxReason business.ZeroTaxReason `json:"zero_tax_reason,omitempty"`
}
