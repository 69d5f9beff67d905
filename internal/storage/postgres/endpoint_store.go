package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// EndpointStore reads and writes endpoint rows. Expected schema:
//
//	CREATE TABLE endpoints (
//	    id                 TEXT PRIMARY KEY,
//	    source_id          TEXT NOT NULL,
//	    url                TEXT NOT NULL,
//	    priority           TEXT NOT NULL,
//	    frequency          TEXT NOT NULL,
//	    active             BOOLEAN NOT NULL DEFAULT TRUE,
//	    last_checked_at    TIMESTAMPTZ,
//	    last_error         TEXT NOT NULL DEFAULT '',
//	    consecutive_errors INT NOT NULL DEFAULT 0,
//	    circuit_open_until TIMESTAMPTZ
//	);
type EndpointStore struct {
	pool querier
}

// NewEndpointStore constructs an EndpointStore over an existing pool.
func NewEndpointStore(pool querier) (*EndpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EndpointStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *EndpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const endpointColumns = `id, source_id, url, priority, frequency, active,
	last_checked_at, last_error, consecutive_errors, circuit_open_until`

// ListDue returns active, due, circuit-closed endpoints ordered by priority
// descending. Due-ness is computed in SQL so the selection stays consistent
// when several instances share the store.
func (s *EndpointStore) ListDue(ctx context.Context, now time.Time) ([]sentinel.Endpoint, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM endpoints
WHERE active
  AND (circuit_open_until IS NULL OR circuit_open_until <= $1)
  AND (last_checked_at IS NULL
    OR frequency = 'EVERY_RUN'
    OR (frequency = 'DAILY' AND last_checked_at <= $1 - INTERVAL '24 hours')
    OR (frequency = 'TWICE_WEEKLY' AND last_checked_at <= $1 - INTERVAL '84 hours')
    OR (frequency = 'WEEKLY' AND last_checked_at <= $1 - INTERVAL '168 hours'))
ORDER BY CASE priority
	WHEN 'CRITICAL' THEN 0
	WHEN 'HIGH' THEN 1
	WHEN 'MEDIUM' THEN 2
	ELSE 3
END, id`, endpointColumns)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list due endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []sentinel.Endpoint
	for rows.Next() {
		ep, scanErr := scanEndpoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}
	return endpoints, nil
}

// Get fetches one endpoint by id.
func (s *EndpointStore) Get(ctx context.Context, id string) (sentinel.Endpoint, error) {
	query := fmt.Sprintf(`SELECT %s FROM endpoints WHERE id = $1`, endpointColumns)
	ep, err := scanEndpoint(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sentinel.Endpoint{}, fmt.Errorf("endpoint %s not found", id)
		}
		return sentinel.Endpoint{}, err
	}
	return ep, nil
}

// UpdateHealth persists the health snapshot returned by a permit release.
func (s *EndpointStore) UpdateHealth(ctx context.Context, id string, health sentinel.EndpointHealth) error {
	query := `
UPDATE endpoints
SET last_checked_at = $2,
    last_error = $3,
    consecutive_errors = $4,
    circuit_open_until = $5
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, health.LastCheckedAt, health.LastError,
		health.ConsecutiveErrors, health.CircuitOpenUntil)
	if err != nil {
		return fmt.Errorf("update endpoint health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s not found", id)
	}
	return nil
}

// ResetStaleCircuits gives endpoints whose cooldown elapsed before the
// cutoff a clean slate even if they were never re-selected.
func (s *EndpointStore) ResetStaleCircuits(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
UPDATE endpoints
SET consecutive_errors = 0,
    circuit_open_until = NULL,
    last_error = ''
WHERE circuit_open_until IS NOT NULL AND circuit_open_until <= $1`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale circuits: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (sentinel.Endpoint, error) {
	var ep sentinel.Endpoint
	err := row.Scan(
		&ep.ID,
		&ep.SourceID,
		&ep.URL,
		&ep.Priority,
		&ep.Frequency,
		&ep.Active,
		&ep.LastCheckedAt,
		&ep.LastError,
		&ep.ConsecutiveErrors,
		&ep.CircuitOpenUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sentinel.Endpoint{}, err
		}
		return sentinel.Endpoint{}, fmt.Errorf("scan endpoint: %w", err)
	}
	return ep, nil
}
