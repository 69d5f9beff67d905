package sentinel

import (
	"context"
	"time"
)

// EndpointStore persists endpoints and their health state.
type EndpointStore interface {
	// ListDue returns active endpoints whose frequency interval has elapsed
	// and whose circuit is not open, ordered by priority descending.
	ListDue(ctx context.Context, now time.Time) ([]Endpoint, error)
	Get(ctx context.Context, id string) (Endpoint, error)
	// UpdateHealth writes the health snapshot produced by a permit release.
	UpdateHealth(ctx context.Context, id string, health EndpointHealth) error
	// ResetStaleCircuits zeroes consecutive errors on endpoints whose circuit
	// cooldown elapsed before the cutoff without a retry attempt. It returns
	// the number of endpoints reset.
	ResetStaleCircuits(ctx context.Context, cutoff time.Time) (int, error)
}

// ItemStore persists discovered items.
type ItemStore interface {
	// Insert performs a single conditional insert keyed on (endpoint_id, url).
	// It returns false when the pair already exists; that is the sole
	// cross-cycle uniqueness guard, not a read-then-write.
	Insert(ctx context.Context, item Item) (bool, error)
	FindByEndpointURL(ctx context.Context, endpointID, url string) (*Item, error)
	Update(ctx context.Context, item Item) error
	ListByStatus(ctx context.Context, status ItemStatus, limit int) ([]Item, error)
}

// BlobStore writes raw fetched content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Queue hands an item id to a downstream consumer. Delivery is at-least-once;
// consumers must be idempotent on the item id.
type Queue interface {
	Publish(ctx context.Context, itemID string, attrs map[string]string) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Auditor records fetch attempts and state transitions. Implementations are
// fire-and-forget: they must never block or fail the discovery cycle.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent)
}

// AuditEvent is one reported fetch attempt or state transition.
type AuditEvent struct {
	EndpointID string    `json:"endpoint_id"`
	URL        string    `json:"url"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Audit outcomes.
const (
	AuditFetched        = "fetched"
	AuditFetchFailed    = "fetch_failed"
	AuditCircuitSkipped = "circuit_skipped"
	AuditBlocked        = "blocked"
	AuditClassified     = "classified"
	AuditHandedOff      = "handed_off"
	AuditRetryScheduled = "retry_scheduled"
	AuditTerminalFailed = "terminal_failed"
	AuditCircuitReset   = "circuit_reset"
)

// Hasher computes digests for content deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
