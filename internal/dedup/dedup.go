// Package dedup prevents the same logical document from being processed
// twice, both within one discovery cycle and across cycles.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// Decision is the outcome of a dedup check.
type Decision int

// Dedup decisions.
const (
	// DecisionNew marks a URL never seen for the endpoint.
	DecisionNew Decision = iota
	// DecisionDuplicate marks a known URL with unchanged content; the fetch
	// is discarded silently.
	DecisionDuplicate
	// DecisionChanged marks a known URL whose content hash differs; a new
	// record is created for the updated content.
	DecisionChanged
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionDuplicate:
		return "duplicate"
	case DecisionChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Deduplicator combines a per-cycle in-memory seen set with durable
// (endpointID, URL) lookups. Callers must pass canonicalized URLs; the
// durable uniqueness constraint itself lives in the item store's conditional
// insert, which backstops this check if two cycles overlap.
type Deduplicator struct {
	seen  sync.Map
	items sentinel.ItemStore
}

// New creates a Deduplicator for one discovery cycle.
func New(items sentinel.ItemStore) *Deduplicator {
	return &Deduplicator{items: items}
}

// MarkSeen records the (endpointID, URL) pair for this cycle and reports
// whether it was already present. Re-discovering the same link through two
// listing pages short-circuits here without a store round-trip.
func (d *Deduplicator) MarkSeen(endpointID, url string) bool {
	_, loaded := d.seen.LoadOrStore(endpointID+"|"+url, struct{}{})
	return loaded
}

// Check classifies a fetched URL against stored items. It assumes MarkSeen
// already filtered same-cycle repeats.
func (d *Deduplicator) Check(ctx context.Context, endpointID, url, contentHash string) (Decision, error) {
	existing, err := d.items.FindByEndpointURL(ctx, endpointID, url)
	if err != nil {
		return DecisionNew, fmt.Errorf("lookup item: %w", err)
	}
	if existing == nil {
		return DecisionNew, nil
	}
	if existing.ContentHash == contentHash {
		return DecisionDuplicate, nil
	}
	return DecisionChanged, nil
}
