package server

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/client/jobqueue"
	"github.com/taxfolio/taxfolio-api/internal/client/pos"
	"github.com/taxfolio/taxfolio-api/internal/client/pos/clover"
	"github.com/taxfolio/taxfolio-api/internal/handlers"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/store"
)

// Handler Definitions
var (
	taxHandler         *handlers.TaxHandler
	integrationHandler *handlers.IntegrationHandler
	webhookHandler     *handlers.WebhookHandler
	healthHandler      *handlers.HealthHandler
)

// InitializeHandlers wires stores, resilience primitives, and services
// from environment configuration. It must run after logger.InitLogger.
func InitializeHandlers() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Fatal("Unable to parse database connection string", zap.Error(err))
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}

	rateStore := store.NewPostgresRateStore(pool)
	nexusStore := store.NewPostgresNexusStore(pool)
	configStore := store.NewPostgresIntegrationConfigStore(pool)

	// Rate refresh jobs go to SQS when a queue is configured; local
	// development falls back to the no-op queue.
	var jobs jobqueue.Queue
	if queueURL := os.Getenv("RATE_REFRESH_QUEUE_URL"); queueURL != "" {
		sqsQueue, err := jobqueue.NewSQSQueue(context.Background(), queueURL)
		if err != nil {
			logger.Fatal("Unable to create rate refresh queue", zap.Error(err))
		}
		jobs = sqsQueue
	} else {
		logger.Warn("RATE_REFRESH_QUEUE_URL not set, rate refresh jobs are disabled")
		jobs = jobqueue.NoopQueue{}
	}

	rateSourceURL := os.Getenv("RATE_SOURCE_URL")
	if rateSourceURL == "" {
		logger.Fatal("RATE_SOURCE_URL environment variable is required")
	}
	fetcher := services.NewHTTPRateFetcher(rateSourceURL, os.Getenv("RATE_SOURCE_API_KEY"))

	monitor := services.NewMonitoringService()
	health := resilience.NewHealthMonitor()
	notifier := services.NewNotificationService(
		resilience.NewWebhookDeliverer(resilience.DefaultWebhookDeliveryConfig()))

	calculator := services.NewTaxCalculationService(rateStore, fetcher, jobs, nexusStore, monitor)

	encryptionKey := os.Getenv("CONFIG_ENCRYPTION_KEY")
	if encryptionKey == "" {
		logger.Fatal("CONFIG_ENCRYPTION_KEY environment variable is required")
	}
	registry, err := pos.NewRegistry(configStore, encryptionKey, health, monitor, pos.DefaultAdapterConfig())
	if err != nil {
		logger.Fatal("Unable to create POS registry", zap.Error(err))
	}
	registry.RegisterProvider(clover.New().GetProviderName(), clover.NewFactory())

	taxHandler = handlers.NewTaxHandler(calculator, monitor)
	integrationHandler = handlers.NewIntegrationHandler(registry, health, monitor)
	webhookHandler = handlers.NewWebhookHandler(registry, notifier)
	healthHandler = handlers.NewHealthHandler()
}

// InitializeRoutes registers middleware and the route tree.
func InitializeRoutes(router *gin.Engine) {
	router.Use(configureCORS())

	// Health check
	router.GET("/healthz", healthHandler.CheckHealth)

	// Provider webhooks carry the workspace in the path because providers
	// cannot send custom headers.
	router.POST("/webhooks/:workspace_id/:provider", webhookHandler.HandleProviderWebhook)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		tax := v1.Group("/tax")
		{
			tax.POST("/calculate", taxHandler.CalculateTax)
			tax.POST("/calculate/business", taxHandler.CalculateTaxForBusiness)
			tax.GET("/alerts", taxHandler.RecentAlerts)
		}

		integrations := v1.Group("/integrations")
		{
			integrations.GET("/providers", integrationHandler.ListProviders)
			integrations.POST("", integrationHandler.CreateConfiguration)
			integrations.GET("", integrationHandler.ListConfigurations)
			integrations.PUT("/:id", integrationHandler.UpdateConfiguration)
			integrations.DELETE("/:id", integrationHandler.DeleteConfiguration)
			integrations.POST("/:id/test", integrationHandler.TestConnection)

			provider := v1.Group("/integrations/by-provider/:provider")
			{
				provider.POST("/sync/transactions", integrationHandler.SyncTransactions)
				provider.POST("/sync/products", integrationHandler.SyncProducts)
				provider.POST("/sync/customers", integrationHandler.SyncCustomers)
				provider.POST("/tax/quote", integrationHandler.ProviderCalculateTax)
				provider.PUT("/transactions/:id", integrationHandler.UpdateTransaction)
				provider.GET("/health", integrationHandler.GetIntegrationHealth)
			}
		}

		webhooks := v1.Group("/webhooks/endpoints")
		{
			webhooks.POST("", webhookHandler.RegisterEndpoint)
			webhooks.GET("", webhookHandler.ListEndpoints)
			webhooks.DELETE("/:id", webhookHandler.RemoveEndpoint)
		}
	}
}

// configureCORS returns a configured CORS middleware
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if originsEnv == "" {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	}

	methodsEnv := os.Getenv("CORS_ALLOWED_METHODS")
	if methodsEnv == "" {
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	} else {
		methods := strings.Split(methodsEnv, ",")
		for i, method := range methods {
			methods[i] = strings.TrimSpace(method)
		}
		corsConfig.AllowMethods = methods
	}

	headersEnv := os.Getenv("CORS_ALLOWED_HEADERS")
	if headersEnv == "" {
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Workspace-ID"}
	} else {
		headers := strings.Split(headersEnv, ",")
		for i, header := range headers {
			headers[i] = strings.TrimSpace(header)
		}
		corsConfig.AllowHeaders = headers
	}

	corsConfig.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(corsConfig)
}
