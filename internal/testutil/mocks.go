// Package testutil provides hand-rolled testify mocks for the service
// and client interfaces, plus gin test helpers.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"

	httpclient "github.com/taxfolio/taxfolio-api/internal/client/http"
	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/types/api/requests"
	"github.com/taxfolio/taxfolio-api/internal/types/api/responses"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// MockRateStore mocks store.RateStore.
type MockRateStore struct {
	mock.Mock
}

func (m *MockRateStore) QueryRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]business.JurisdictionRate), args.Error(1)
}

func (m *MockRateStore) UpsertRates(ctx context.Context, rates []business.JurisdictionRate) error {
	args := m.Called(ctx, rates)
	return args.Error(0)
}

// MockRateFetcher mocks services.RateFetcher.
type MockRateFetcher struct {
	mock.Mock
}

func (m *MockRateFetcher) FetchRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]business.JurisdictionRate), args.Error(1)
}

// MockJobQueue mocks jobqueue.Queue.
type MockJobQueue struct {
	mock.Mock
}

func (m *MockJobQueue) EnqueueRateRefresh(ctx context.Context, job business.RefreshJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// MockNexusChecker mocks services.NexusChecker.
type MockNexusChecker struct {
	mock.Mock
}

func (m *MockNexusChecker) HasNexus(ctx context.Context, businessID, state string) (bool, error) {
	args := m.Called(ctx, businessID, state)
	return args.Bool(0), args.Error(1)
}

// MockPOSProvider mocks pos.Provider.
type MockPOSProvider struct {
	mock.Mock
}

func (m *MockPOSProvider) GetProviderName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockPOSProvider) Configure(ctx context.Context, config map[string]string) error {
	args := m.Called(ctx, config)
	return args.Error(0)
}

func (m *MockPOSProvider) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPOSProvider) SyncTransactions(ctx context.Context, params pos.SyncParams) ([]pos.Transaction, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pos.Transaction), args.Error(1)
}

func (m *MockPOSProvider) SyncProducts(ctx context.Context, params pos.SyncParams) ([]pos.Product, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pos.Product), args.Error(1)
}

func (m *MockPOSProvider) SyncCustomers(ctx context.Context, params pos.SyncParams) ([]pos.Customer, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pos.Customer), args.Error(1)
}

func (m *MockPOSProvider) CalculateTax(ctx context.Context, req requests.TaxCalculationRequest) (*responses.TaxCalculationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*responses.TaxCalculationResult), args.Error(1)
}

func (m *MockPOSProvider) UpdateTransaction(ctx context.Context, tx pos.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockPOSProvider) ParseWebhook(ctx context.Context, body []byte, signatureHeader string) (pos.WebhookEvent, error) {
	args := m.Called(ctx, body, signatureHeader)
	return args.Get(0).(pos.WebhookEvent), args.Error(1)
}

func (m *MockPOSProvider) ProcessWebhook(ctx context.Context, event pos.WebhookEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockPoster mocks resilience.Poster.
type MockPoster struct {
	mock.Mock
}

func (m *MockPoster) Post(ctx context.Context, path string, body interface{}, options ...httpclient.RequestOption) (*http.Response, error) {
	args := m.Called(ctx, path, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

// TestContext creates a gin test context backed by a response recorder.
func TestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	return c, recorder
}

// TestServer starts an httptest server and registers cleanup.
func TestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	gin.SetMode(gin.TestMode)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}
