// Package store holds the rate store collaborator: the source of truth for
// jurisdiction tax rates, keyed by state and locality.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
	"go.uber.org/zap"
)

// RateStore looks up applicable jurisdiction rates.
type RateStore interface {
	// QueryRates returns active rates matching the query: in force at
	// query.AsOf, narrowed by zip/city/county when the rate specifies one.
	QueryRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error)

	// UpsertRates stores freshly crawled rates.
	UpsertRates(ctx context.Context, rates []business.JurisdictionRate) error
}

// PostgresRateStore implements RateStore over a pgx connection pool.
type PostgresRateStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRateStore creates a store over an existing pool.
func NewPostgresRateStore(pool *pgxpool.Pool) *PostgresRateStore {
	return &PostgresRateStore{
		pool:   pool,
		logger: logger.Log,
	}
}

// QueryRates fetches active, currently effective rates for the state. A rate
// that names a zip code, city, or county only matches when the query carries
// the same value; rates with no locality filter match statewide.
func (s *PostgresRateStore) QueryRates(ctx context.Context, query business.RateQuery) ([]business.JurisdictionRate, error) {
	asOf := query.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}

	rows, err := s.pool.Query(ctx, `
		SELECT jurisdiction, jurisdiction_type, rate, category_overrides,
			effective_date, expiration_date, last_updated
		FROM jurisdiction_rates
		WHERE state = $1
			AND status = $2
			AND effective_date <= $3
			AND (expiration_date IS NULL OR expiration_date >= $3)
			AND (zip_code IS NULL OR zip_code = $4)
			AND (city IS NULL OR lower(city) = lower($5))
			AND (county IS NULL OR lower(county) = lower($6))
		ORDER BY jurisdiction_type, jurisdiction
	`, query.State, constants.RateStatusActive, asOf, query.ZipCode, query.City, query.County)
	if err != nil {
		return nil, fmt.Errorf("failed to query jurisdiction rates: %w", err)
	}
	defer rows.Close()

	var rates []business.JurisdictionRate
	for rows.Next() {
		var (
			rate          business.JurisdictionRate
			overridesJSON []byte
			expiration    pgtype.Timestamptz
		)
		if err := rows.Scan(
			&rate.Jurisdiction,
			&rate.JurisdictionType,
			&rate.Rate,
			&overridesJSON,
			&rate.EffectiveDate,
			&expiration,
			&rate.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan jurisdiction rate: %w", err)
		}

		if expiration.Valid {
			t := expiration.Time
			rate.ExpirationDate = &t
		}
		if len(overridesJSON) > 0 {
			if err := json.Unmarshal(overridesJSON, &rate.CategoryOverrides); err != nil {
				s.logger.Warn("Skipping malformed category overrides",
					zap.String("jurisdiction", rate.Jurisdiction),
					zap.Error(err))
			}
		}

		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jurisdiction rates: %w", err)
	}

	return rates, nil
}

// UpsertRates writes crawled rates inside one transaction, replacing any
// record with the same jurisdiction and effective date.
func (s *PostgresRateStore) UpsertRates(ctx context.Context, rates []business.JurisdictionRate) error {
	if len(rates) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rate := range rates {
		overridesJSON, err := json.Marshal(rate.CategoryOverrides)
		if err != nil {
			return fmt.Errorf("failed to marshal category overrides: %w", err)
		}

		var expiration pgtype.Timestamptz
		if rate.ExpirationDate != nil {
			expiration = pgtype.Timestamptz{Time: *rate.ExpirationDate, Valid: true}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO jurisdiction_rates
				(jurisdiction, jurisdiction_type, rate, category_overrides,
				 effective_date, expiration_date, last_updated, status, state)
			VALUES ($1, $2, $3, $4, $5, $6, now(), $7, $8)
			ON CONFLICT (jurisdiction, effective_date) DO UPDATE SET
				rate = EXCLUDED.rate,
				category_overrides = EXCLUDED.category_overrides,
				expiration_date = EXCLUDED.expiration_date,
				last_updated = now(),
				status = EXCLUDED.status
		`, rate.Jurisdiction, rate.JurisdictionType, rate.Rate, overridesJSON,
			rate.EffectiveDate, expiration, constants.RateStatusActive, stateOf(rate))
		if err != nil {
			return fmt.Errorf("failed to upsert rate for %s: %w", rate.Jurisdiction, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rate upsert: %w", err)
	}

	s.logger.Info("Upserted jurisdiction rates", zap.Int("count", len(rates)))
	return nil
}

// stateOf extracts the owning state from a jurisdiction code such as
// "CA" or "CA-SAN_FRANCISCO".
func stateOf(rate business.JurisdictionRate) string {
	for i := 0; i < len(rate.Jurisdiction); i++ {
		if rate.Jurisdiction[i] == '-' {
			return rate.Jurisdiction[:i]
		}
	}
	return rate.Jurisdiction
}
