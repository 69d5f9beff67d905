package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// ItemStore reads and writes discovered item rows. Expected schema:
//
//	CREATE TABLE items (
//	    id            TEXT PRIMARY KEY,
//	    endpoint_id   TEXT NOT NULL,
//	    url           TEXT NOT NULL,
//	    content_hash  TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    kind          TEXT NOT NULL DEFAULT '',
//	    blob_uri      TEXT NOT NULL DEFAULT '',
//	    retry_count   INT NOT NULL DEFAULT 0,
//	    last_error    TEXT NOT NULL DEFAULT '',
//	    discovered_at TIMESTAMPTZ NOT NULL,
//	    fetched_at    TIMESTAMPTZ,
//	    classified_at TIMESTAMPTZ,
//	    UNIQUE (endpoint_id, url)
//	);
//
// The UNIQUE constraint is the cross-cycle concurrency guard; Insert relies
// on it instead of a read-then-write.
type ItemStore struct {
	pool querier
}

// NewItemStore constructs an ItemStore over an existing pool.
func NewItemStore(pool querier) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool}, nil
}

const itemColumns = `id, endpoint_id, url, content_hash, status, kind, blob_uri,
	retry_count, last_error, discovered_at, fetched_at, classified_at`

// Insert conditionally creates an item row. It returns false when the
// (endpoint_id, url) pair already exists.
func (s *ItemStore) Insert(ctx context.Context, item sentinel.Item) (bool, error) {
	query := `
INSERT INTO items (id, endpoint_id, url, content_hash, status, kind, blob_uri,
	retry_count, last_error, discovered_at, fetched_at, classified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (endpoint_id, url) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		item.ID,
		item.EndpointID,
		item.URL,
		item.ContentHash,
		item.Status,
		item.Kind,
		item.BlobURI,
		item.RetryCount,
		item.LastError,
		item.DiscoveredAt,
		item.FetchedAt,
		item.ClassifiedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByEndpointURL returns the item for the pair, or nil when unknown.
func (s *ItemStore) FindByEndpointURL(ctx context.Context, endpointID, url string) (*sentinel.Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM items WHERE endpoint_id = $1 AND url = $2`, itemColumns)
	item, err := scanItem(s.pool.QueryRow(ctx, query, endpointID, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// Update persists the mutable fields of an item.
func (s *ItemStore) Update(ctx context.Context, item sentinel.Item) error {
	query := `
UPDATE items
SET content_hash = $2,
    status = $3,
    kind = $4,
    blob_uri = $5,
    retry_count = $6,
    last_error = $7,
    fetched_at = $8,
    classified_at = $9
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		item.ID,
		item.ContentHash,
		item.Status,
		item.Kind,
		item.BlobURI,
		item.RetryCount,
		item.LastError,
		item.FetchedAt,
		item.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s not found", item.ID)
	}
	return nil
}

// ListByStatus returns up to limit items in the given status, oldest first.
func (s *ItemStore) ListByStatus(ctx context.Context, status sentinel.ItemStatus, limit int) ([]sentinel.Item, error) {
	query := fmt.Sprintf(`
SELECT %s FROM items WHERE status = $1 ORDER BY discovered_at, id LIMIT $2`, itemColumns)
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list items by status: %w", err)
	}
	defer rows.Close()

	var items []sentinel.Item
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func scanItem(row rowScanner) (sentinel.Item, error) {
	var item sentinel.Item
	err := row.Scan(
		&item.ID,
		&item.EndpointID,
		&item.URL,
		&item.ContentHash,
		&item.Status,
		&item.Kind,
		&item.BlobURI,
		&item.RetryCount,
		&item.LastError,
		&item.DiscoveredAt,
		&item.FetchedAt,
		&item.ClassifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sentinel.Item{}, err
		}
		return sentinel.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}
