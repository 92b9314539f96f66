package requests

import (
	"fmt"

	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// TaxCalculationItem is a single line on a tax calculation request.
// Quantities and unit prices may be negative for refunds.
type TaxCalculationItem struct {
	ID          string  `json:"id" binding:"required"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TaxCategory string  `json:"tax_category"`
}

// TaxCalculationRequest is the inbound body for the calculation endpoint.
type TaxCalculationRequest struct {
	BusinessID        string               `json:"business_id"`
	Items             []TaxCalculationItem `json:"items"`
	Address           business.Address     `json:"address"`
	CustomerTaxExempt bool                 `json:"customer_tax_exempt"`
}

// Validate enforces the structural invariants the engine relies on.
func (r TaxCalculationRequest) Validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("at least one item is required")
	}
	if r.Address.State == "" {
		return fmt.Errorf("address state is required")
	}
	for i, item := range r.Items {
		if item.ID == "" {
			return fmt.Errorf("item %d: id is required", i)
		}
	}
	return nil
}
