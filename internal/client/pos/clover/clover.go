// Package clover implements the POS provider contract against the Clover
// REST API (v3 merchant endpoints plus webhook notifications).
package clover

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	httpclient "github.com/taxfolio/taxfolio-api/internal/client/http"
	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

const (
	productionBaseURL = "https://api.clover.com"
	sandboxBaseURL    = "https://apisandbox.dev.clover.com"
	defaultPageSize   = 100
)

// Provider talks to the Clover API for one configured merchant.
type Provider struct {
	client        *httpclient.Client
	apiKey        string
	merchantID    string
	webhookSecret string
	logger        *zap.Logger
}

// New returns an unconfigured Clover provider. Configure must be called
// before any other operation.
func New() *Provider {
	return &Provider{logger: logger.Log}
}

// NewFactory adapts New to the registry's factory signature.
func NewFactory() pos.ProviderFactory {
	return func() pos.Provider { return New() }
}

func (p *Provider) GetProviderName() string {
	return constants.ProviderClover
}

func (p *Provider) Configure(ctx context.Context, config map[string]string) error {
	apiKey, ok := config["api_key"]
	if !ok || apiKey == "" {
		return errs.New(errs.KindValidation, "clover api_key is required")
	}
	merchantID, ok := config["merchant_id"]
	if !ok || merchantID == "" {
		return errs.New(errs.KindValidation, "clover merchant_id is required")
	}

	baseURL := config["base_url"]
	if baseURL == "" {
		if config["environment"] == "live" {
			baseURL = productionBaseURL
		} else {
			baseURL = sandboxBaseURL
		}
	}

	p.apiKey = apiKey
	p.merchantID = merchantID
	p.webhookSecret = config["webhook_secret"]
	p.client = httpclient.NewClient(
		httpclient.WithBaseURL(baseURL),
		httpclient.WithTimeout(20*time.Second),
	)

	p.logger.Info("Configured Clover provider",
		zap.String("merchant_id", merchantID),
		zap.String("environment", config["environment"]))
	return nil
}

func (p *Provider) CheckConnection(ctx context.Context) error {
	if p.client == nil {
		return errs.New(errs.KindValidation, "clover provider not configured")
	}

	resp, err := p.client.Get(ctx, fmt.Sprintf("/v3/merchants/%s", p.merchantID),
		httpclient.WithBearerToken(p.apiKey))
	if err != nil {
		return fmt.Errorf("clover connection check failed: %w", err)
	}

	var merchant struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := p.client.ProcessJSONResponse(resp, &merchant); err != nil {
		return fmt.Errorf("clover connection check failed: %w", err)
	}
	return nil
}

// cloverOrder mirrors the subset of Clover's order object we consume.
type cloverOrder struct {
	ID         string `json:"id"`
	Total      int64  `json:"total"` // cents
	TaxAmount  int64  `json:"taxAmount"`
	Currency   string `json:"currency"`
	State      string `json:"state"`
	CreatedAt  int64  `json:"createdTime"` // milliseconds
	ModifiedAt int64  `json:"modifiedTime"`
}

type cloverItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Tags  []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Hidden bool `json:"hidden"`
}

type cloverCustomer struct {
	ID             string `json:"id"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	EmailAddresses struct {
		Elements []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"elements"`
	} `json:"emailAddresses"`
	Metadata struct {
		TaxExempt bool `json:"taxExempt"`
	} `json:"metadata"`
}

func (p *Provider) SyncTransactions(ctx context.Context, params pos.SyncParams) ([]pos.Transaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	opts := []httpclient.RequestOption{
		httpclient.WithBearerToken(p.apiKey),
		httpclient.WithQueryParam("limit", strconv.Itoa(limit)),
	}
	if !params.Since.IsZero() {
		opts = append(opts, httpclient.WithQueryParam("filter",
			fmt.Sprintf("modifiedTime>=%d", params.Since.UnixMilli())))
	}

	resp, err := p.client.Get(ctx, fmt.Sprintf("/v3/merchants/%s/orders", p.merchantID), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clover orders: %w", err)
	}

	var payload struct {
		Elements []cloverOrder `json:"elements"`
	}
	if err := p.client.ProcessJSONResponse(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode clover orders: %w", err)
	}

	transactions := make([]pos.Transaction, 0, len(payload.Elements))
	for _, order := range payload.Elements {
		transactions = append(transactions, pos.Transaction{
			ID:         order.ID,
			ExternalID: order.ID,
			Total:      centsToDollars(order.Total),
			TaxAmount:  centsToDollars(order.TaxAmount),
			Currency:   orDefault(order.Currency, "USD"),
			OccurredAt: time.UnixMilli(order.CreatedAt),
			Metadata:   map[string]string{"order_state": order.State},
		})
	}
	return transactions, nil
}

func (p *Provider) SyncProducts(ctx context.Context, params pos.SyncParams) ([]pos.Product, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	resp, err := p.client.Get(ctx, fmt.Sprintf("/v3/merchants/%s/items", p.merchantID),
		httpclient.WithBearerToken(p.apiKey),
		httpclient.WithQueryParam("limit", strconv.Itoa(limit)),
		httpclient.WithQueryParam("expand", "tags"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clover items: %w", err)
	}

	var payload struct {
		Elements []cloverItem `json:"elements"`
	}
	if err := p.client.ProcessJSONResponse(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode clover items: %w", err)
	}

	products := make([]pos.Product, 0, len(payload.Elements))
	for _, item := range payload.Elements {
		products = append(products, pos.Product{
			ID:          item.ID,
			ExternalID:  item.ID,
			Name:        item.Name,
			Price:       centsToDollars(item.Price),
			TaxCategory: taxCategoryFromTags(item),
			Active:      !item.Hidden,
		})
	}
	return products, nil
}

func (p *Provider) SyncCustomers(ctx context.Context, params pos.SyncParams) ([]pos.Customer, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	resp, err := p.client.Get(ctx, fmt.Sprintf("/v3/merchants/%s/customers", p.merchantID),
		httpclient.WithBearerToken(p.apiKey),
		httpclient.WithQueryParam("limit", strconv.Itoa(limit)),
		httpclient.WithQueryParam("expand", "emailAddresses,metadata"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clover customers: %w", err)
	}

	var payload struct {
		Elements []cloverCustomer `json:"elements"`
	}
	if err := p.client.ProcessJSONResponse(resp, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode clover customers: %w", err)
	}

	customers := make([]pos.Customer, 0, len(payload.Elements))
	for _, c := range payload.Elements {
		email := ""
		if len(c.EmailAddresses.Elements) > 0 {
			email = c.EmailAddresses.Elements[0].EmailAddress
		}
		customers = append(customers, pos.Customer{
			ID:         c.ID,
			ExternalID: c.ID,
			Email:      email,
			Name:       strings.TrimSpace(c.FirstName + " " + c.LastName),
			TaxExempt:  c.Metadata.TaxExempt,
		})
	}
	return customers, nil
}

// CalculateTax asks Clover's tax engine for a quote on the request.
func (p *Provider) CalculateTax(ctx context.Context, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error) {
	type quoteLine struct {
		ID       string `json:"id"`
		Price    int64  `json:"price"`
		UnitQty  int    `json:"unitQty"`
		TaxRates bool   `json:"calcTaxRates"`
		Category string `json:"category,omitempty"`
	}

	lines := make([]quoteLine, len(req.Items))
	for i, item := range req.Items {
		lines[i] = quoteLine{
			ID:       item.ID,
			Price:    dollarsToCents(item.UnitPrice),
			UnitQty:  int(item.Quantity),
			TaxRates: true,
			Category: item.TaxCategory,
		}
	}

	resp, err := p.client.Post(ctx,
		fmt.Sprintf("/v3/merchants/%s/tax_quotes", p.merchantID),
		map[string]interface{}{
			"lineItems": lines,
			"address": map[string]string{
				"address1": req.Address.Street,
				"city":     req.Address.City,
				"state":    req.Address.State,
				"zip":      req.Address.ZipCode,
				"country":  orDefault(req.Address.Country, "US"),
			},
		},
		httpclient.WithBearerToken(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("clover tax quote failed: %w", err)
	}

	var quote struct {
		Subtotal int64 `json:"subtotal"`
		TaxTotal int64 `json:"taxTotal"`
		Taxes    []struct {
			Name   string  `json:"name"`
			Rate   float64 `json:"rate"` // basis points * 1000 per Clover docs
			Amount int64   `json:"amount"`
		} `json:"taxes"`
	}
	if err := p.client.ProcessJSONResponse(resp, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode clover tax quote: %w", err)
	}

	result := &responses.TaxCalculationResult{
		Subtotal:     centsToDollars(quote.Subtotal),
		TotalTax:     centsToDollars(quote.TaxTotal),
		GrandTotal:   centsToDollars(quote.Subtotal + quote.TaxTotal),
		CalculatedAt: time.Now().UTC(),
	}
	for _, tax := range quote.Taxes {
		result.TaxBreakdown = append(result.TaxBreakdown, business.TaxLineItem{
			Jurisdiction:  tax.Name,
			Rate:          tax.Rate / 100000, // Clover rates are percent * 100000
			TaxableAmount: centsToDollars(quote.Subtotal),
			TaxAmount:     centsToDollars(tax.Amount),
		})
	}
	return result, nil
}

func (p *Provider) UpdateTransaction(ctx context.Context, tx pos.Transaction) error {
	resp, err := p.client.Post(ctx,
		fmt.Sprintf("/v3/merchants/%s/orders/%s", p.merchantID, tx.ExternalID),
		map[string]interface{}{
			"total":     dollarsToCents(tx.Total),
			"taxAmount": dollarsToCents(tx.TaxAmount),
		},
		httpclient.WithBearerToken(p.apiKey))
	if err != nil {
		return fmt.Errorf("failed to update clover order %s: %w", tx.ExternalID, err)
	}
	return p.client.ProcessJSONResponse(resp, nil)
}

// cloverWebhook is Clover's notification envelope. Merchants map object
// IDs prefixed with their type, e.g. "O:ORDER_ID" for orders.
type cloverWebhook struct {
	AppID     string `json:"appId"`
	Merchants map[string][]struct {
		ObjectID string `json:"objectId"`
		Type     string `json:"type"`
		TS       int64  `json:"ts"`
	} `json:"merchants"`
	Order struct {
		ID     string `json:"id"`
		Checks []struct {
			ID           string `json:"id"`
			PaymentState string `json:"paymentState"`
		} `json:"checks"`
	} `json:"order"`
}

func (p *Provider) ParseWebhook(ctx context.Context, body []byte, signatureHeader string) (pos.WebhookEvent, error) {
	event := pos.WebhookEvent{
		Provider:   constants.ProviderClover,
		ReceivedAt: time.Now().Unix(),
		RawData:    body,
	}

	if !p.verifySignature(body, signatureHeader) {
		return event, errs.New(errs.KindAuth, "invalid webhook signature")
	}
	event.SignatureValid = true

	var payload cloverWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return event, errs.Wrap(errs.KindValidation, "malformed webhook payload", err)
	}

	for merchantID, notifications := range payload.Merchants {
		if merchantID != p.merchantID {
			continue
		}
		for _, n := range notifications {
			event.ProviderEventID = fmt.Sprintf("%s:%d", n.ObjectID, n.TS)
			event.EventType = eventTypeFor(n.ObjectID, n.Type)
			event.ObjectID = stripObjectPrefix(n.ObjectID)
			break
		}
	}
	for _, check := range payload.Order.Checks {
		event.Checks = append(event.Checks, pos.WebhookCheck{
			ID:           check.ID,
			PaymentState: check.PaymentState,
		})
	}

	if event.EventType == "" {
		return event, errs.New(errs.KindValidation, "webhook carries no notification for this merchant")
	}
	return event, nil
}

func (p *Provider) ProcessWebhook(ctx context.Context, event pos.WebhookEvent) error {
	// Refetch the order so downstream consumers see authoritative state
	// rather than the webhook's possibly stale snapshot.
	resp, err := p.client.Get(ctx,
		fmt.Sprintf("/v3/merchants/%s/orders/%s", p.merchantID, event.ObjectID),
		httpclient.WithBearerToken(p.apiKey))
	if err != nil {
		return fmt.Errorf("failed to fetch order %s for webhook: %w", event.ObjectID, err)
	}

	var order cloverOrder
	if err := p.client.ProcessJSONResponse(resp, &order); err != nil {
		return fmt.Errorf("failed to decode order %s for webhook: %w", event.ObjectID, err)
	}

	p.logger.Info("Processed Clover order webhook",
		zap.String("order_id", order.ID),
		zap.Int64("total", order.Total),
		zap.Int64("tax_amount", order.TaxAmount))
	return nil
}

// verifySignature checks the X-Clover-Auth style HMAC-SHA256 signature.
// An empty configured secret disables verification (sandbox merchants).
func (p *Provider) verifySignature(body []byte, signature string) bool {
	if p.webhookSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// eventTypeFor combines the object kind encoded in the notification's ID
// prefix with Clover's CREATE/UPDATE/DELETE action, e.g. "ORDER_UPDATE".
func eventTypeFor(objectID, action string) string {
	kind := "UNKNOWN"
	switch {
	case strings.HasPrefix(objectID, "O:"):
		kind = "ORDER"
	case strings.HasPrefix(objectID, "P:"):
		kind = "PAYMENT"
	case strings.HasPrefix(objectID, "C:"):
		kind = "CUSTOMER"
	case strings.HasPrefix(objectID, "I:"):
		kind = "INVENTORY"
	}
	return kind + "_" + action
}

func stripObjectPrefix(objectID string) string {
	if i := strings.Index(objectID, ":"); i >= 0 {
		return objectID[i+1:]
	}
	return objectID
}

func taxCategoryFromTags(item cloverItem) string {
	for _, tag := range item.Tags {
		name := strings.ToLower(tag.Name)
		switch name {
		case constants.TaxCategoryFood, constants.TaxCategoryClothing,
			constants.TaxCategoryPrescription, constants.TaxCategoryDigital:
			return name
		}
	}
	return constants.TaxCategoryGeneral
}

func centsToDollars(cents int64) float64 {
	return float64(cents) / 100
}

func dollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
