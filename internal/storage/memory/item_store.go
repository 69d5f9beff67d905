package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// ItemStore keeps items in a map keyed by ID, with a secondary index on
// (endpointID, url) enforcing the same uniqueness the Postgres schema does.
type ItemStore struct {
	mu     sync.RWMutex
	items  map[string]sentinel.Item
	byPair map[string]string
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:  make(map[string]sentinel.Item),
		byPair: make(map[string]string),
	}
}

func pairKey(endpointID, url string) string {
	return endpointID + "|" + url
}

// Insert conditionally creates an item. It returns false when the
// (endpointID, url) pair already exists.
func (s *ItemStore) Insert(_ context.Context, item sentinel.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(item.EndpointID, item.URL)
	if _, exists := s.byPair[key]; exists {
		return false, nil
	}
	s.items[item.ID] = item
	s.byPair[key] = item.ID
	return true, nil
}

// FindByEndpointURL returns the item for the pair, or nil when unknown.
func (s *ItemStore) FindByEndpointURL(_ context.Context, endpointID, url string) (*sentinel.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[pairKey(endpointID, url)]
	if !ok {
		return nil, nil
	}
	item := s.items[id]
	return &item, nil
}

// Update replaces a stored item.
func (s *ItemStore) Update(_ context.Context, item sentinel.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return fmt.Errorf("item %s not found", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

// ListByStatus returns up to limit items in the given status, oldest first.
func (s *ItemStore) ListByStatus(_ context.Context, status sentinel.ItemStatus, limit int) ([]sentinel.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []sentinel.Item
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
