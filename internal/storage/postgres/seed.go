package postgres

import (
	"context"
	"fmt"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// Upsert inserts an endpoint or refreshes its declarative fields. Health
// fields are never touched here; the rate limiter owns them.
func (s *EndpointStore) Upsert(ctx context.Context, ep sentinel.Endpoint) error {
	query := `
INSERT INTO endpoints (id, source_id, url, priority, frequency, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET source_id = EXCLUDED.source_id,
    url = EXCLUDED.url,
    priority = EXCLUDED.priority,
    frequency = EXCLUDED.frequency,
    active = EXCLUDED.active`
	if _, err := s.pool.Exec(ctx, query,
		ep.ID, ep.SourceID, ep.URL, ep.Priority, ep.Frequency, ep.Active); err != nil {
		return fmt.Errorf("upsert endpoint %s: %w", ep.ID, err)
	}
	return nil
}
