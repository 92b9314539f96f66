package pos

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/services"
	"github.com/taxfolio/taxfolio-api/internal/store"
)

// ProviderFactory builds a fresh, unconfigured provider instance.
// Registered per provider name so each workspace gets its own configured
// instance rather than sharing mutable credentials.
type ProviderFactory func() Provider

// ProviderConfig is the plaintext provider configuration. It is stored
// encrypted with AES-256-GCM and never logged.
type ProviderConfig struct {
	APIKey        string `json:"api_key"`
	MerchantID    string `json:"merchant_id,omitempty"`
	WebhookSecret string `json:"webhook_secret"`
	Environment   string `json:"environment"` // "test" or "live"
	BaseURL       string `json:"base_url,omitempty"`
}

// IntegrationConfig is the decrypted view of a workspace integration.
type IntegrationConfig struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	ProviderName  string         `json:"provider_name"`
	IsActive      bool           `json:"is_active"`
	IsTestMode    bool           `json:"is_test_mode"`
	Configuration ProviderConfig `json:"configuration"`
	LastSyncAt    *int64         `json:"last_sync_at,omitempty"`
	LastWebhookAt *int64         `json:"last_webhook_at,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Registry manages workspace integration configurations and hands out
// configured resilient adapters. Adapters are cached per workspace and
// provider so breaker state and health metrics persist across requests.
type Registry struct {
	store         store.IntegrationConfigStore
	encryptionKey []byte
	health        *resilience.HealthMonitor
	monitor       *services.MonitoringService
	adapterConfig AdapterConfig
	logger        *zap.Logger

	mu        sync.RWMutex
	factories map[string]ProviderFactory
	adapters  map[string]*ResilientAdapter
}

// NewRegistry builds a Registry. encryptionKey must be hex-encoded,
// 64 characters for the 32 bytes AES-256 requires.
func NewRegistry(
	configStore store.IntegrationConfigStore,
	encryptionKey string,
	health *resilience.HealthMonitor,
	monitor *services.MonitoringService,
	adapterConfig AdapterConfig,
) (*Registry, error) {
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key format, expected hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Registry{
		store:         configStore,
		encryptionKey: key,
		health:        health,
		monitor:       monitor,
		adapterConfig: adapterConfig,
		logger:        logger.Log,
		factories:     make(map[string]ProviderFactory),
		adapters:      make(map[string]*ResilientAdapter),
	}, nil
}

// RegisterProvider registers a provider factory under its name.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
	r.logger.Info("Registered POS provider", zap.String("provider", name))
}

// AvailableProviders lists registered provider names.
func (r *Registry) AvailableProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// AdapterFor returns the configured resilient adapter for a workspace and
// provider, building and caching it on first use.
func (r *Registry) AdapterFor(ctx context.Context, workspaceID, providerName string) (*ResilientAdapter, error) {
	integrationID := workspaceID + ":" + providerName

	r.mu.RLock()
	adapter, ok := r.adapters[integrationID]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	r.mu.RLock()
	factory, registered := r.factories[providerName]
	r.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("provider %s not registered", providerName)
	}

	config, err := r.GetConfiguration(ctx, workspaceID, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace configuration: %w", err)
	}
	if !config.IsActive {
		return nil, fmt.Errorf("integration %s is not active", integrationID)
	}

	provider := factory()
	if err := provider.Configure(ctx, configMap(config.Configuration)); err != nil {
		return nil, fmt.Errorf("failed to configure provider: %w", err)
	}

	adapter = NewResilientAdapter(integrationID, provider, r.health, r.monitor, r.adapterConfig)

	r.mu.Lock()
	// Another request may have built it concurrently; keep the first.
	if existing, ok := r.adapters[integrationID]; ok {
		adapter = existing
	} else {
		r.adapters[integrationID] = adapter
	}
	r.mu.Unlock()

	return adapter, nil
}

// InvalidateAdapter drops a cached adapter so the next AdapterFor call
// reconfigures from the stored configuration.
func (r *Registry) InvalidateAdapter(workspaceID, providerName string) {
	r.mu.Lock()
	delete(r.adapters, workspaceID+":"+providerName)
	r.mu.Unlock()
}

// CreateConfiguration encrypts and persists a new integration configuration.
func (r *Registry) CreateConfiguration(ctx context.Context, config IntegrationConfig) (*IntegrationConfig, error) {
	wsID, err := uuid.Parse(config.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}

	r.mu.RLock()
	_, registered := r.factories[config.ProviderName]
	r.mu.RUnlock()
	if !registered {
		return nil, fmt.Errorf("provider %s is not registered", config.ProviderName)
	}

	encrypted, err := r.encryptConfiguration(config.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt configuration: %w", err)
	}

	row, err := r.store.Create(ctx, store.IntegrationConfigRow{
		WorkspaceID:   wsID,
		ProviderName:  config.ProviderName,
		IsActive:      config.IsActive,
		IsTestMode:    config.IsTestMode,
		Configuration: encrypted,
		WebhookSecret: r.encryptSecret(config.Configuration.WebhookSecret),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create integration configuration: %w", err)
	}

	result := r.rowToConfig(row)
	return &result, nil
}

// GetConfiguration retrieves and decrypts a workspace configuration by provider.
func (r *Registry) GetConfiguration(ctx context.Context, workspaceID, providerName string) (*IntegrationConfig, error) {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}

	row, err := r.store.GetByWorkspaceAndProvider(ctx, wsID, providerName)
	if err != nil {
		return nil, err
	}

	result := r.rowToConfig(row)
	return &result, nil
}

// ListConfigurations lists a workspace's integrations with decrypted settings.
func (r *Registry) ListConfigurations(ctx context.Context, workspaceID string, limit, offset int) ([]IntegrationConfig, error) {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}

	rows, err := r.store.List(ctx, wsID, limit, offset)
	if err != nil {
		return nil, err
	}

	results := make([]IntegrationConfig, len(rows))
	for i, row := range rows {
		results[i] = r.rowToConfig(row)
	}
	return results, nil
}

// UpdateConfiguration re-encrypts and persists updated settings, then
// invalidates any cached adapter for the integration.
func (r *Registry) UpdateConfiguration(ctx context.Context, workspaceID, configID string, updates IntegrationConfig) (*IntegrationConfig, error) {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}
	cfgID, err := uuid.Parse(configID)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration ID: %w", err)
	}

	encrypted, err := r.encryptConfiguration(updates.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt configuration: %w", err)
	}

	row, err := r.store.Update(ctx, store.IntegrationConfigRow{
		ID:            cfgID,
		WorkspaceID:   wsID,
		IsActive:      updates.IsActive,
		IsTestMode:    updates.IsTestMode,
		Configuration: encrypted,
		WebhookSecret: r.encryptSecret(updates.Configuration.WebhookSecret),
	})
	if err != nil {
		return nil, err
	}

	result := r.rowToConfig(row)
	r.InvalidateAdapter(result.WorkspaceID, result.ProviderName)
	return &result, nil
}

// DeleteConfiguration soft deletes an integration and drops its adapter.
func (r *Registry) DeleteConfiguration(ctx context.Context, workspaceID, configID string) error {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return fmt.Errorf("invalid workspace ID: %w", err)
	}
	cfgID, err := uuid.Parse(configID)
	if err != nil {
		return fmt.Errorf("invalid configuration ID: %w", err)
	}

	row, err := r.store.GetByID(ctx, wsID, cfgID)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, wsID, cfgID); err != nil {
		return err
	}

	r.InvalidateAdapter(workspaceID, row.ProviderName)
	return nil
}

// RecordSyncSuccess stamps the integration's last successful sync time.
// Best effort: a failed stamp never fails the sync that triggered it.
func (r *Registry) RecordSyncSuccess(ctx context.Context, workspaceID, providerName string) {
	r.touch(ctx, workspaceID, providerName, "sync", r.store.TouchLastSync)
}

// RecordWebhookReceipt stamps the integration's last processed webhook time.
func (r *Registry) RecordWebhookReceipt(ctx context.Context, workspaceID, providerName string) {
	r.touch(ctx, workspaceID, providerName, "webhook", r.store.TouchLastWebhook)
}

func (r *Registry) touch(ctx context.Context, workspaceID, providerName, what string,
	stamp func(ctx context.Context, workspaceID uuid.UUID, providerName string, at time.Time) error) {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return
	}
	if err := stamp(ctx, wsID, providerName, time.Now()); err != nil {
		r.logger.Warn("Failed to record last "+what+" time",
			zap.String("workspace_id", workspaceID),
			zap.String("provider", providerName),
			zap.Error(err))
	}
}

// TestConnection verifies a stored configuration by probing the provider
// through its adapter.
func (r *Registry) TestConnection(ctx context.Context, workspaceID, configID string) error {
	wsID, err := uuid.Parse(workspaceID)
	if err != nil {
		return fmt.Errorf("invalid workspace ID: %w", err)
	}
	cfgID, err := uuid.Parse(configID)
	if err != nil {
		return fmt.Errorf("invalid configuration ID: %w", err)
	}

	row, err := r.store.GetByID(ctx, wsID, cfgID)
	if err != nil {
		return fmt.Errorf("failed to get configuration: %w", err)
	}

	adapter, err := r.AdapterFor(ctx, workspaceID, row.ProviderName)
	if err != nil {
		return fmt.Errorf("failed to get provider adapter: %w", err)
	}

	if err := adapter.CheckConnection(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	r.logger.Info("Connection test successful",
		zap.String("workspace_id", workspaceID),
		zap.String("provider", row.ProviderName))
	return nil
}

func configMap(config ProviderConfig) map[string]string {
	m := map[string]string{
		"api_key":        config.APIKey,
		"webhook_secret": config.WebhookSecret,
		"environment":    config.Environment,
	}
	if config.MerchantID != "" {
		m["merchant_id"] = config.MerchantID
	}
	if config.BaseURL != "" {
		m["base_url"] = config.BaseURL
	}
	return m
}

func (r *Registry) rowToConfig(row store.IntegrationConfigRow) IntegrationConfig {
	config, err := r.decryptConfiguration(row.Configuration)
	if err != nil {
		r.logger.Error("Failed to decrypt integration configuration", zap.Error(err))
		config = ProviderConfig{}
	}
	if secret := r.decryptSecret(row.WebhookSecret); secret != "" {
		config.WebhookSecret = secret
	}

	result := IntegrationConfig{
		ID:            row.ID.String(),
		WorkspaceID:   row.WorkspaceID.String(),
		ProviderName:  row.ProviderName,
		IsActive:      row.IsActive,
		IsTestMode:    row.IsTestMode,
		Configuration: config,
		CreatedAt:     row.CreatedAt.Unix(),
		UpdatedAt:     row.UpdatedAt.Unix(),
	}
	if row.LastSyncAt != nil {
		ts := row.LastSyncAt.Unix()
		result.LastSyncAt = &ts
	}
	if row.LastWebhookAt != nil {
		ts := row.LastWebhookAt.Unix()
		result.LastWebhookAt = &ts
	}
	return result
}

func (r *Registry) encryptConfiguration(config ProviderConfig) ([]byte, error) {
	plaintext, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return r.seal(plaintext)
}

func (r *Registry) decryptConfiguration(ciphertext []byte) (ProviderConfig, error) {
	var config ProviderConfig
	plaintext, err := r.open(ciphertext)
	if err != nil {
		return config, err
	}
	if err := json.Unmarshal(plaintext, &config); err != nil {
		return config, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return config, nil
}

func (r *Registry) encryptSecret(secret string) string {
	if secret == "" {
		return ""
	}
	ciphertext, err := r.seal([]byte(secret))
	if err != nil {
		r.logger.Error("Failed to encrypt webhook secret", zap.Error(err))
		return ""
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func (r *Registry) decryptSecret(encrypted string) string {
	if encrypted == "" {
		return ""
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		r.logger.Error("Failed to decode webhook secret", zap.Error(err))
		return ""
	}
	plaintext, err := r.open(ciphertext)
	if err != nil {
		r.logger.Error("Failed to decrypt webhook secret", zap.Error(err))
		return ""
	}
	return string(plaintext)
}

func (r *Registry) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(r.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (r *Registry) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(r.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
