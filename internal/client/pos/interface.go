// Package pos integrates point-of-sale providers behind one canonical
// interface and a resilient adapter façade. Implementations handle the
// specifics of each provider's API; the façade handles caching, breaker
// gating, retries, health recording, and error classification.
package pos

import (
	"context"
	"time"

	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
)

// Transaction is a canonical POS sale or refund.
type Transaction struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"external_id"`
	Total      float64           `json:"total"`
	TaxAmount  float64           `json:"tax_amount"`
	Currency   string            `json:"currency"`
	State      string            `json:"state"` // sale origin state, for nexus checks
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Product is a canonical POS catalog item.
type Product struct {
	ID          string  `json:"id"`
	ExternalID  string  `json:"external_id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	TaxCategory string  `json:"tax_category"`
	Active      bool    `json:"active"`
}

// Customer is a canonical POS customer record.
type Customer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	TaxExempt  bool   `json:"tax_exempt"`
}

// WebhookCheck is one sub-check (tab) inside an order-type webhook event.
type WebhookCheck struct {
	ID           string `json:"id"`
	PaymentState string `json:"payment_state"` // OPEN, PARTIALLY_PAID, PAID
}

// WebhookEvent is a normalized inbound webhook event from any provider.
type WebhookEvent struct {
	ProviderEventID string         `json:"provider_event_id"`
	Provider        string         `json:"provider"`
	EventType       string         `json:"event_type"`
	ObjectID        string         `json:"object_id"`
	Checks          []WebhookCheck `json:"checks,omitempty"`
	ReceivedAt      int64          `json:"received_at"`
	RawData         []byte         `json:"-"`
	SignatureValid  bool           `json:"signature_valid"`
}

// FullyPaid reports whether at least one sub-check is fully paid.
func (e WebhookEvent) FullyPaid() bool {
	for _, check := range e.Checks {
		if check.PaymentState == "PAID" {
			return true
		}
	}
	return false
}

// SyncParams bounds a sync operation.
type SyncParams struct {
	Since time.Time
	Limit int
}

// Provider is the canonical POS provider contract. Implementations must
// return kinded errors (internal/errs) so the adapter can classify and
// retry without parsing message text.
type Provider interface {
	// GetProviderName returns a unique identifier, e.g. "clover".
	GetProviderName() string

	// Configure initializes the provider with credentials and settings.
	// config carries provider-specific keys like "api_key", "merchant_id",
	// "webhook_secret", "base_url".
	Configure(ctx context.Context, config map[string]string) error

	// CheckConnection verifies connectivity and authentication.
	CheckConnection(ctx context.Context) error

	// SyncTransactions fetches transactions changed since params.Since.
	SyncTransactions(ctx context.Context, params SyncParams) ([]Transaction, error)

	// SyncProducts fetches the product catalog.
	SyncProducts(ctx context.Context, params SyncParams) ([]Product, error)

	// SyncCustomers fetches customer records.
	SyncCustomers(ctx context.Context, params SyncParams) ([]Customer, error)

	// CalculateTax asks the provider for its own tax quote on a request.
	CalculateTax(ctx context.Context, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error)

	// UpdateTransaction pushes a corrected transaction back to the provider.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	// ParseWebhook validates an inbound webhook body against the signature
	// header and normalizes it. Signature failures must return an auth-kinded
	// error with SignatureValid false on the event.
	ParseWebhook(ctx context.Context, body []byte, signatureHeader string) (WebhookEvent, error)

	// ProcessWebhook handles a verified, filtered webhook event.
	ProcessWebhook(ctx context.Context, event WebhookEvent) error
}
