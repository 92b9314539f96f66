package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresNexusStore answers nexus registration checks from the
// business_nexus_registrations table.
type PostgresNexusStore struct {
	pool *pgxpool.Pool
}

func NewPostgresNexusStore(pool *pgxpool.Pool) *PostgresNexusStore {
	return &PostgresNexusStore{pool: pool}
}

// HasNexus reports whether the business holds an active registration to
// collect tax in the state.
func (s *PostgresNexusStore) HasNexus(ctx context.Context, businessID, state string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM business_nexus_registrations
			WHERE business_id = $1 AND state = $2 AND is_active = true
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, businessID, strings.ToUpper(state)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check nexus registration: %w", err)
	}
	return exists, nil
}
