package clover_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/client/pos/clover"
	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

func TestMain(m *testing.M) {
	logger.InitLogger(constants.TestEnvironment)
	m.Run()
}

func newTestProvider(t *testing.T, baseURL, webhookSecret string) *clover.Provider {
	t.Helper()

	p := clover.New()
	config := map[string]string{
		"api_key":     "test-token",
		"merchant_id": "M123",
		"environment": "test",
	}
	if baseURL != "" {
		config["base_url"] = baseURL
	}
	if webhookSecret != "" {
		config["webhook_secret"] = webhookSecret
	}
	require.NoError(t, p.Configure(context.Background(), config))
	return p
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestConfigureRequiresCredentials(t *testing.T) {
	p := clover.New()

	err := p.Configure(context.Background(), map[string]string{"merchant_id": "M123"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	err = p.Configure(context.Background(), map[string]string{"api_key": "k"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCheckConnectionUnconfigured(t *testing.T) {
	err := clover.New().CheckConnection(context.Background())
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCheckConnection(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"id":"M123","name":"Test Merchant"}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	require.NoError(t, p.CheckConnection(context.Background()))

	assert.Equal(t, "/v3/merchants/M123", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestSyncTransactionsMapsOrders(t *testing.T) {
	var gotFilter string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		fmt.Fprint(w, `{"elements":[
			{"id":"ORD1","total":10825,"taxAmount":825,"currency":"USD","state":"locked","createdTime":1756300000000},
			{"id":"ORD2","total":500,"taxAmount":0,"state":"open","createdTime":1756300060000}
		]}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	since := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	txs, err := p.SyncTransactions(context.Background(), pos.SyncParams{Since: since, Limit: 50})

	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, 108.25, txs[0].Total)
	assert.Equal(t, 8.25, txs[0].TaxAmount)
	assert.Equal(t, "locked", txs[0].Metadata["order_state"])
	assert.Equal(t, "USD", txs[1].Currency, "missing currency defaults to USD")
	assert.Equal(t, fmt.Sprintf("modifiedTime>=%d", since.UnixMilli()), gotFilter)
}

func TestSyncProductsCategoryFromTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tags", r.URL.Query().Get("expand"))
		fmt.Fprint(w, `{"elements":[
			{"id":"I1","name":"Bread","price":350,"tags":[{"name":"Food"}]},
			{"id":"I2","name":"Mug","price":1200,"tags":[{"name":"Kitchen"}]},
			{"id":"I3","name":"Old Mug","price":900,"hidden":true}
		]}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	products, err := p.SyncProducts(context.Background(), pos.SyncParams{})

	require.NoError(t, err)
	require.Len(t, products, 3)
	assert.Equal(t, constants.TaxCategoryFood, products[0].TaxCategory, "tag match is case insensitive")
	assert.Equal(t, constants.TaxCategoryGeneral, products[1].TaxCategory, "unknown tags fall back to general")
	assert.Equal(t, 3.50, products[0].Price)
	assert.True(t, products[0].Active)
	assert.False(t, products[2].Active)
}

func TestSyncCustomersMapsFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"elements":[
			{"id":"C1","firstName":"Ada","lastName":"Lovelace",
			 "emailAddresses":{"elements":[{"emailAddress":"ada@example.com"}]},
			 "metadata":{"taxExempt":true}},
			{"id":"C2","firstName":"Grace","lastName":""}
		]}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	customers, err := p.SyncCustomers(context.Background(), pos.SyncParams{})

	require.NoError(t, err)
	require.Len(t, customers, 2)
	assert.Equal(t, "Ada Lovelace", customers[0].Name)
	assert.Equal(t, "ada@example.com", customers[0].Email)
	assert.True(t, customers[0].TaxExempt)
	assert.Equal(t, "Grace", customers[1].Name, "single names carry no trailing space")
	assert.Empty(t, customers[1].Email)
}

func TestCalculateTaxDecodesQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/merchants/M123/tax_quotes", r.URL.Path)
		fmt.Fprint(w, `{"subtotal":10000,"taxTotal":825,"taxes":[
			{"name":"CA","rate":725000,"amount":725},
			{"name":"CA-LOS-ANGELES","rate":100000,"amount":100}
		]}`)
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL, "")
	result, err := p.CalculateTax(context.Background(), requests.TaxCalculationRequest{
		Items:   []requests.TaxCalculationItem{{ID: "i-1", Quantity: 1, UnitPrice: 100}},
		Address: business.Address{Street: "123 Main St", City: "Los Angeles", State: "CA", ZipCode: "90001"},
	})

	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Subtotal)
	assert.Equal(t, 8.25, result.TotalTax)
	assert.Equal(t, 108.25, result.GrandTotal)
	require.Len(t, result.TaxBreakdown, 2)
	assert.Equal(t, 7.25, result.TaxBreakdown[0].Rate)
	assert.Equal(t, 1.0, result.TaxBreakdown[1].Rate)
}

func orderWebhookBody() []byte {
	return []byte(`{
		"appId":"APP1",
		"merchants":{"M123":[{"objectId":"O:ORD1","type":"UPDATE","ts":1756300000000}]},
		"order":{"id":"ORD1","checks":[
			{"id":"CHK1","paymentState":"OPEN"},
			{"id":"CHK2","paymentState":"PAID"}
		]}
	}`)
}

func TestParseWebhookSignedOrderEvent(t *testing.T) {
	p := newTestProvider(t, "", "whsec_test")
	body := orderWebhookBody()

	event, err := p.ParseWebhook(context.Background(), body, sign(body, "whsec_test"))

	require.NoError(t, err)
	assert.True(t, event.SignatureValid)
	assert.Equal(t, "ORDER_UPDATE", event.EventType)
	assert.Equal(t, "ORD1", event.ObjectID)
	assert.Equal(t, constants.ProviderClover, event.Provider)
	require.Len(t, event.Checks, 2)
	assert.True(t, event.FullyPaid())
}

func TestParseWebhookAcceptsPrefixedSignature(t *testing.T) {
	p := newTestProvider(t, "", "whsec_test")
	body := orderWebhookBody()

	_, err := p.ParseWebhook(context.Background(), body, "sha256="+sign(body, "whsec_test"))
	assert.NoError(t, err)
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	p := newTestProvider(t, "", "whsec_test")
	body := orderWebhookBody()

	event, err := p.ParseWebhook(context.Background(), body, sign(body, "wrong-secret"))

	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
	assert.False(t, event.SignatureValid)
}

func TestParseWebhookEmptySecretSkipsVerification(t *testing.T) {
	p := newTestProvider(t, "", "")

	event, err := p.ParseWebhook(context.Background(), orderWebhookBody(), "")

	require.NoError(t, err)
	assert.Equal(t, "ORDER_UPDATE", event.EventType)
}

func TestParseWebhookMalformedBody(t *testing.T) {
	p := newTestProvider(t, "", "")

	_, err := p.ParseWebhook(context.Background(), []byte(`{"merchants":`), "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestParseWebhookOtherMerchant(t *testing.T) {
	p := newTestProvider(t, "", "")
	body := []byte(`{"merchants":{"M999":[{"objectId":"O:ORD1","type":"UPDATE","ts":1}]}}`)

	_, err := p.ParseWebhook(context.Background(), body, "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestParseWebhookPaymentEventType(t *testing.T) {
	p := newTestProvider(t, "", "")
	body := []byte(`{"merchants":{"M123":[{"objectId":"P:PAY1","type":"CREATE","ts":1}]}}`)

	event, err := p.ParseWebhook(context.Background(), body, "")

	require.NoError(t, err)
	assert.Equal(t, "PAYMENT_CREATE", event.EventType)
	assert.Equal(t, "PAY1", event.ObjectID)
}
