// Package memory provides in-memory stores for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/regwatch/sentinel/internal/sentinel"
)

// EndpointStore keeps endpoints in a map. Seed it with Put before use.
type EndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]sentinel.Endpoint
}

// NewEndpointStore constructs an empty EndpointStore.
func NewEndpointStore() *EndpointStore {
	return &EndpointStore{endpoints: make(map[string]sentinel.Endpoint)}
}

// Put inserts or replaces an endpoint.
func (s *EndpointStore) Put(ep sentinel.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
}

// ListDue returns active, due, circuit-closed endpoints ordered by priority
// rank, then ID for a stable order.
func (s *EndpointStore) ListDue(_ context.Context, now time.Time) ([]sentinel.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []sentinel.Endpoint
	for _, ep := range s.endpoints {
		if !ep.Active || ep.CircuitOpen(now) || !ep.Due(now) {
			continue
		}
		due = append(due, ep)
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// Get fetches one endpoint by id.
func (s *EndpointStore) Get(_ context.Context, id string) (sentinel.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return sentinel.Endpoint{}, fmt.Errorf("endpoint %s not found", id)
	}
	return ep, nil
}

// UpdateHealth applies a health snapshot to the stored endpoint.
func (s *EndpointStore) UpdateHealth(_ context.Context, id string, health sentinel.EndpointHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	checked := health.LastCheckedAt
	ep.LastCheckedAt = &checked
	ep.LastError = health.LastError
	ep.ConsecutiveErrors = health.ConsecutiveErrors
	ep.CircuitOpenUntil = health.CircuitOpenUntil
	s.endpoints[id] = ep
	return nil
}

// ResetStaleCircuits clears circuits whose cooldown elapsed before cutoff.
func (s *EndpointStore) ResetStaleCircuits(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, ep := range s.endpoints {
		if ep.CircuitOpenUntil == nil || ep.CircuitOpenUntil.After(cutoff) {
			continue
		}
		ep.CircuitOpenUntil = nil
		ep.ConsecutiveErrors = 0
		ep.LastError = ""
		s.endpoints[id] = ep
		n++
	}
	return n, nil
}
