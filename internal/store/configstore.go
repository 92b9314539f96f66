package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrationConfigRow is a persisted POS integration configuration.
// Configuration holds the AES-GCM ciphertext of the provider settings;
// WebhookSecret holds the separately encrypted webhook signing secret.
type IntegrationConfigRow struct {
	ID            uuid.UUID
	WorkspaceID   uuid.UUID
	ProviderName  string
	IsActive      bool
	IsTestMode    bool
	Configuration []byte
	WebhookSecret string
	LastSyncAt    *time.Time
	LastWebhookAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IntegrationConfigStore persists workspace POS integration configurations.
type IntegrationConfigStore interface {
	Create(ctx context.Context, row IntegrationConfigRow) (IntegrationConfigRow, error)
	GetByWorkspaceAndProvider(ctx context.Context, workspaceID uuid.UUID, providerName string) (IntegrationConfigRow, error)
	GetByID(ctx context.Context, workspaceID, id uuid.UUID) (IntegrationConfigRow, error)
	List(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]IntegrationConfigRow, error)
	Update(ctx context.Context, row IntegrationConfigRow) (IntegrationConfigRow, error)
	Delete(ctx context.Context, workspaceID, id uuid.UUID) error
	TouchLastSync(ctx context.Context, workspaceID uuid.UUID, providerName string, at time.Time) error
	TouchLastWebhook(ctx context.Context, workspaceID uuid.UUID, providerName string, at time.Time) error
}

// PostgresIntegrationConfigStore backs IntegrationConfigStore with the
// workspace_integration_configurations table.
type PostgresIntegrationConfigStore struct {
	pool *pgxpool.Pool
}

func NewPostgresIntegrationConfigStore(pool *pgxpool.Pool) *PostgresIntegrationConfigStore {
	return &PostgresIntegrationConfigStore{pool: pool}
}

const configColumns = `id, workspace_id, provider_name, is_active, is_test_mode,
	configuration, webhook_secret_key, last_sync_at, last_webhook_at, created_at, updated_at`

func (s *PostgresIntegrationConfigStore) Create(ctx context.Context, row IntegrationConfigRow) (IntegrationConfigRow, error) {
	query := `
		INSERT INTO workspace_integration_configurations
			(workspace_id, provider_name, is_active, is_test_mode, configuration, webhook_secret_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + configColumns

	created, err := s.scanOne(s.pool.QueryRow(ctx, query,
		row.WorkspaceID, row.ProviderName, row.IsActive, row.IsTestMode,
		row.Configuration, textOrNull(row.WebhookSecret)))
	if err != nil {
		return IntegrationConfigRow{}, fmt.Errorf("failed to create integration configuration: %w", err)
	}
	return created, nil
}

func (s *PostgresIntegrationConfigStore) GetByWorkspaceAndProvider(ctx context.Context, workspaceID uuid.UUID, providerName string) (IntegrationConfigRow, error) {
	query := `
		SELECT ` + configColumns + `
		FROM workspace_integration_configurations
		WHERE workspace_id = $1 AND provider_name = $2 AND deleted_at IS NULL`

	row, err := s.scanOne(s.pool.QueryRow(ctx, query, workspaceID, providerName))
	if err != nil {
		return IntegrationConfigRow{}, fmt.Errorf("integration configuration not found: %w", err)
	}
	return row, nil
}

func (s *PostgresIntegrationConfigStore) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (IntegrationConfigRow, error) {
	query := `
		SELECT ` + configColumns + `
		FROM workspace_integration_configurations
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL`

	row, err := s.scanOne(s.pool.QueryRow(ctx, query, id, workspaceID))
	if err != nil {
		return IntegrationConfigRow{}, fmt.Errorf("integration configuration not found: %w", err)
	}
	return row, nil
}

func (s *PostgresIntegrationConfigStore) List(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]IntegrationConfigRow, error) {
	query := `
		SELECT ` + configColumns + `
		FROM workspace_integration_configurations
		WHERE workspace_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list integration configurations: %w", err)
	}
	defer rows.Close()

	var results []IntegrationConfigRow
	for rows.Next() {
		row, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration configuration: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *PostgresIntegrationConfigStore) Update(ctx context.Context, row IntegrationConfigRow) (IntegrationConfigRow, error) {
	query := `
		UPDATE workspace_integration_configurations
		SET is_active = $3, is_test_mode = $4, configuration = $5,
			webhook_secret_key = $6, updated_at = now()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
		RETURNING ` + configColumns

	updated, err := s.scanOne(s.pool.QueryRow(ctx, query,
		row.ID, row.WorkspaceID, row.IsActive, row.IsTestMode,
		row.Configuration, textOrNull(row.WebhookSecret)))
	if err != nil {
		return IntegrationConfigRow{}, fmt.Errorf("failed to update integration configuration: %w", err)
	}
	return updated, nil
}

func (s *PostgresIntegrationConfigStore) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	query := `
		UPDATE workspace_integration_configurations
		SET deleted_at = now()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete integration configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("integration configuration not found")
	}
	return nil
}

func (s *PostgresIntegrationConfigStore) TouchLastSync(ctx context.Context, workspaceID uuid.UUID, providerName string, at time.Time) error {
	query := `
		UPDATE workspace_integration_configurations
		SET last_sync_at = $3
		WHERE workspace_id = $1 AND provider_name = $2 AND deleted_at IS NULL`
	_, err := s.pool.Exec(ctx, query, workspaceID, providerName, at)
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

func (s *PostgresIntegrationConfigStore) TouchLastWebhook(ctx context.Context, workspaceID uuid.UUID, providerName string, at time.Time) error {
	query := `
		UPDATE workspace_integration_configurations
		SET last_webhook_at = $3
		WHERE workspace_id = $1 AND provider_name = $2 AND deleted_at IS NULL`
	_, err := s.pool.Exec(ctx, query, workspaceID, providerName, at)
	if err != nil {
		return fmt.Errorf("failed to record webhook time: %w", err)
	}
	return nil
}

func (s *PostgresIntegrationConfigStore) scanOne(row pgx.Row) (IntegrationConfigRow, error) {
	var (
		out           IntegrationConfigRow
		webhookSecret pgtype.Text
		lastSync      pgtype.Timestamptz
		lastWebhook   pgtype.Timestamptz
	)
	err := row.Scan(
		&out.ID, &out.WorkspaceID, &out.ProviderName, &out.IsActive, &out.IsTestMode,
		&out.Configuration, &webhookSecret, &lastSync, &lastWebhook,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return IntegrationConfigRow{}, err
	}
	if webhookSecret.Valid {
		out.WebhookSecret = webhookSecret.String
	}
	if lastSync.Valid {
		t := lastSync.Time
		out.LastSyncAt = &t
	}
	if lastWebhook.Valid {
		t := lastWebhook.Time
		out.LastWebhookAt = &t
	}
	return out, nil
}

func textOrNull(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
