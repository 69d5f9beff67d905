// Package scheduler orchestrates discovery cycles: endpoint selection, rate
// limited fetching, deduplication, classification, and downstream handoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regwatch/sentinel/internal/classify"
	"github.com/regwatch/sentinel/internal/dedup"
	"github.com/regwatch/sentinel/internal/metrics"
	"github.com/regwatch/sentinel/internal/ratelimit"
	"github.com/regwatch/sentinel/internal/sentinel"
)

// Classifier assigns a content kind to a fetched body.
type Classifier interface {
	Classify(rawURL, contentType string, body []byte) (classify.Result, error)
}

// Router publishes a classified item to the downstream queue for its kind.
type Router interface {
	Handoff(ctx context.Context, item sentinel.Item) (string, error)
}

// Config controls cycle behavior. Zero values fall back to defaults.
type Config struct {
	MaxAttempts        int           // total attempts before an item failure is terminal
	CircuitResetAge    time.Duration // stale-circuit sweep cutoff age
	RetryBatchSize     int           // PENDING items retried per cycle
	RedeliverBatchSize int           // CLASSIFIED items redelivered per cycle
	UserAgent          string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = sentinel.DefaultMaxAttempts
	}
	if c.CircuitResetAge <= 0 {
		c.CircuitResetAge = 24 * time.Hour
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 100
	}
	if c.RedeliverBatchSize <= 0 {
		c.RedeliverBatchSize = 100
	}
	return c
}

// Deps wires the scheduler's collaborators.
type Deps struct {
	Endpoints  sentinel.EndpointStore
	Items      sentinel.ItemStore
	Blobs      sentinel.BlobStore
	Fetcher    sentinel.Fetcher
	Limiter    *ratelimit.Limiter
	Classifier Classifier
	Router     Router
	Auditor    sentinel.Auditor
	Hasher     sentinel.Hasher
	Clock      sentinel.Clock
	IDs        sentinel.IDGenerator
	Blocklist  *sentinel.Blocklist
	Logger     *zap.Logger
}

// Scheduler runs discovery cycles over the configured endpoint population.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	// runMu serializes cycles; overlapping runs would double-fetch endpoints.
	runMu sync.Mutex
}

// New constructs a Scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	switch {
	case deps.Endpoints == nil:
		return nil, fmt.Errorf("endpoint store is required")
	case deps.Items == nil:
		return nil, fmt.Errorf("item store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("router is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	if deps.Auditor == nil {
		deps.Auditor = noopAuditor{}
	}
	return &Scheduler{cfg: cfg.withDefaults(), deps: deps, log: deps.Logger}, nil
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, sentinel.AuditEvent) {}

// counters is the mutex-guarded running tally for one cycle.
type counters struct {
	mu      sync.Mutex
	summary sentinel.RunSummary
}

func (c *counters) add(apply func(*sentinel.RunSummary)) {
	c.mu.Lock()
	apply(&c.summary)
	c.mu.Unlock()
}

// RunCycle executes one full discovery cycle and returns its summary. The
// summary is returned even when endpoint selection fails.
func (s *Scheduler) RunCycle(ctx context.Context) (sentinel.RunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := s.deps.Clock.Now()
	tally := &counters{summary: sentinel.RunSummary{StartedAt: started}}
	deduper := dedup.New(s.deps.Items)

	endpoints, err := s.deps.Endpoints.ListDue(ctx, started)
	if err != nil {
		tally.summary.FinishedAt = s.deps.Clock.Now()
		return tally.summary, fmt.Errorf("list due endpoints: %w", err)
	}
	tally.summary.Selected = len(endpoints)
	s.log.Info("cycle started",
		zap.Int("selected", len(endpoints)),
		zap.Time("started_at", started))

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep sentinel.Endpoint) {
			defer wg.Done()
			s.processEndpoint(ctx, ep, deduper, tally)
		}(ep)
	}
	wg.Wait()

	s.retryPending(ctx, deduper, tally)
	s.redeliverClassified(ctx, tally)
	s.resetStaleCircuits(ctx, started)

	tally.summary.FinishedAt = s.deps.Clock.Now()
	metrics.ObserveCycle(tally.summary.FinishedAt.Sub(started))
	s.log.Info("cycle finished",
		zap.Int("fetched", tally.summary.Fetched),
		zap.Int("duplicates", tally.summary.Duplicates),
		zap.Int("classified", tally.summary.Classified),
		zap.Int("failed", tally.summary.Failed),
		zap.Int("circuit_skipped", tally.summary.CircuitSkipped),
		zap.Int("block_skipped", tally.summary.BlockSkipped),
		zap.Int("retried", tally.summary.Retried),
		zap.Int("redelivered", tally.summary.Redelivered))
	return tally.summary, nil
}

// processEndpoint fetches one endpoint URL and runs the resulting content
// through dedup, classification, and handoff.
func (s *Scheduler) processEndpoint(ctx context.Context, ep sentinel.Endpoint, deduper *dedup.Deduplicator, tally *counters) {
	now := s.deps.Clock.Now()
	domain := sentinel.DomainOf(ep.URL)

	if s.deps.Blocklist.Blocked(domain) {
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: ep.ID, URL: ep.URL,
			Outcome: sentinel.AuditBlocked, At: now,
		})
		metrics.ObserveFetch(domain, "blocked")
		tally.add(func(sum *sentinel.RunSummary) { sum.BlockSkipped++ })
		return
	}

	s.deps.Limiter.Restore(domain, ep.ConsecutiveErrors, ep.LastError, ep.CircuitOpenUntil)

	resp, health, err := s.fetchWithPermit(ctx, domain, sentinel.FetchRequest{
		EndpointID: ep.ID,
		URL:        ep.URL,
		Headers:    s.requestHeaders(),
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrCircuitOpen) {
			s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
				EndpointID: ep.ID, URL: ep.URL,
				Outcome: sentinel.AuditCircuitSkipped, Detail: err.Error(), At: now,
			})
			metrics.ObserveFetch(domain, "circuit_skipped")
			tally.add(func(sum *sentinel.RunSummary) { sum.CircuitSkipped++ })
			return
		}
		if ctx.Err() != nil {
			// Canceled cycle: the endpoint is simply left for the next one.
			return
		}
		s.recordHealth(ctx, ep.ID, health)
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: ep.ID, URL: ep.URL,
			Outcome: sentinel.AuditFetchFailed, Detail: err.Error(), At: now,
		})
		metrics.ObserveFetch(domain, "failure")
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	s.recordHealth(ctx, ep.ID, health)
	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: ep.ID, URL: resp.URL,
		Outcome: sentinel.AuditFetched, At: now,
	})
	metrics.ObserveFetch(domain, "success")
	tally.add(func(sum *sentinel.RunSummary) { sum.Fetched++ })

	s.processContent(ctx, ep, resp, deduper, tally)
}

// fetchWithPermit runs one admitted fetch. The health snapshot is zero when
// the circuit rejected the request, since no attempt was made.
func (s *Scheduler) fetchWithPermit(ctx context.Context, domain string, req sentinel.FetchRequest) (sentinel.FetchResponse, sentinel.EndpointHealth, error) {
	permit, err := s.deps.Limiter.Acquire(ctx, domain)
	if err != nil {
		return sentinel.FetchResponse{}, sentinel.EndpointHealth{}, err
	}

	resp, err := s.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// The cycle was canceled mid-fetch. The attempt never completed,
			// so it is abandoned without an outcome; circuit state and
			// endpoint health stay as they were.
			permit.Abandon()
			return sentinel.FetchResponse{}, sentinel.EndpointHealth{}, fmt.Errorf("fetch abandoned: %w", ctx.Err())
		}
		health := permit.Release(false, err.Error())
		return sentinel.FetchResponse{}, health, err
	}
	if resp.StatusCode >= 400 {
		detail := fmt.Sprintf("status %d", resp.StatusCode)
		health := permit.Release(false, detail)
		return sentinel.FetchResponse{}, health, errors.New(detail)
	}

	health := permit.Release(true, "")
	return resp, health, nil
}

// recordHealth persists a limiter health snapshot. A zero snapshot means no
// request was attempted and the stored state must not be touched.
func (s *Scheduler) recordHealth(ctx context.Context, endpointID string, health sentinel.EndpointHealth) {
	if health.LastCheckedAt.IsZero() {
		return
	}
	if err := s.deps.Endpoints.UpdateHealth(ctx, endpointID, health); err != nil {
		s.log.Error("update endpoint health failed",
			zap.String("endpoint_id", endpointID), zap.Error(err))
	}
}

// processContent dedups, classifies, stores, and hands off a fetched body.
func (s *Scheduler) processContent(ctx context.Context, ep sentinel.Endpoint, resp sentinel.FetchResponse, deduper *dedup.Deduplicator, tally *counters) {
	rawURL := resp.URL
	if rawURL == "" {
		rawURL = ep.URL
	}
	canonical, err := sentinel.CanonicalizeURL(rawURL)
	if err != nil {
		s.log.Warn("canonicalize failed", zap.String("url", rawURL), zap.Error(err))
		canonical = rawURL
	}

	if deduper.MarkSeen(ep.ID, canonical) {
		tally.add(func(sum *sentinel.RunSummary) { sum.Duplicates++ })
		return
	}

	hash, err := s.deps.Hasher.Hash(resp.Body)
	if err != nil {
		s.log.Error("hash content failed", zap.String("url", canonical), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	decision, err := deduper.Check(ctx, ep.ID, canonical, hash)
	if err != nil {
		s.log.Error("dedup check failed", zap.String("url", canonical), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	switch decision {
	case dedup.DecisionDuplicate:
		s.processDuplicate(ctx, ep, canonical, resp, tally)
	case dedup.DecisionChanged:
		s.processChanged(ctx, ep, canonical, hash, resp, tally)
	case dedup.DecisionNew:
		s.processNew(ctx, ep, canonical, hash, resp, tally)
	}
}

// processDuplicate handles a known URL with unchanged content. Finished rows
// are discarded silently; a row parked in PENDING by an earlier transient
// failure is resumed with the body already in hand instead of waiting for
// the retry sweep to fetch it again.
func (s *Scheduler) processDuplicate(ctx context.Context, ep sentinel.Endpoint, canonical string, resp sentinel.FetchResponse, tally *counters) {
	existing, err := s.deps.Items.FindByEndpointURL(ctx, ep.ID, canonical)
	if err != nil || existing == nil || existing.Status != sentinel.StatusPending {
		tally.add(func(sum *sentinel.RunSummary) { sum.Duplicates++ })
		return
	}

	now := s.deps.Clock.Now()
	item := *existing
	if err := item.Advance(sentinel.StatusFetched, now); err != nil {
		s.log.Error("advance resumed item failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	tally.add(func(sum *sentinel.RunSummary) { sum.Retried++ })
	s.finishItem(ctx, item, resp, tally)
}

// processNew creates, classifies, stores, and hands off a brand new item.
func (s *Scheduler) processNew(ctx context.Context, ep sentinel.Endpoint, canonical, hash string, resp sentinel.FetchResponse, tally *counters) {
	now := s.deps.Clock.Now()

	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.log.Error("generate item id failed", zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	item := sentinel.Item{
		ID:           id,
		EndpointID:   ep.ID,
		URL:          canonical,
		ContentHash:  hash,
		Status:       sentinel.StatusPending,
		DiscoveredAt: now,
	}
	if err := item.Advance(sentinel.StatusFetched, now); err != nil {
		s.log.Error("advance item failed", zap.String("item_id", id), zap.Error(err))
		return
	}

	result, err := s.deps.Classifier.Classify(canonical, resp.ContentType(), resp.Body)
	if err != nil {
		// Parse and empty-content failures are terminal: retrying the same
		// bytes cannot improve the outcome. The row is kept for audit.
		item.FailTerminal(err.Error())
		if _, insErr := s.deps.Items.Insert(ctx, item); insErr != nil {
			s.log.Error("insert failed item", zap.String("item_id", id), zap.Error(insErr))
		}
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: ep.ID, URL: canonical,
			Outcome: sentinel.AuditTerminalFailed, Detail: err.Error(), At: now,
		})
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}
	item.Kind = result.Kind

	blobURI, err := s.deps.Blobs.PutObject(ctx, blobPath(ep.ID, hash), resp.ContentType(), resp.Body)
	if err != nil {
		// Blob storage is transient infrastructure; the item keeps its retry
		// budget and returns on the next cycle's PENDING pass.
		item.ApplyFailure(fmt.Sprintf("store blob: %v", err), s.cfg.MaxAttempts)
		if _, insErr := s.deps.Items.Insert(ctx, item); insErr != nil {
			s.log.Error("insert pending item", zap.String("item_id", id), zap.Error(insErr))
		}
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: ep.ID, URL: canonical,
			Outcome: sentinel.AuditRetryScheduled, Detail: item.LastError, At: now,
		})
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}
	item.BlobURI = blobURI

	if err := item.Advance(sentinel.StatusClassified, now); err != nil {
		s.log.Error("advance item failed", zap.String("item_id", id), zap.Error(err))
		return
	}

	inserted, err := s.deps.Items.Insert(ctx, item)
	if err != nil {
		s.log.Error("insert item failed", zap.String("item_id", id), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}
	if !inserted {
		// A concurrent cycle won the conditional insert.
		tally.add(func(sum *sentinel.RunSummary) { sum.Duplicates++ })
		return
	}

	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: ep.ID, URL: canonical,
		Outcome: sentinel.AuditClassified, Detail: string(item.Kind), At: now,
	})
	metrics.ObserveItem(string(item.Kind))
	tally.add(func(sum *sentinel.RunSummary) { sum.Classified++ })

	s.handoff(ctx, &item, tally, false)
}

// processChanged re-processes a known URL whose content hash moved. The
// existing row is updated in place as a new content version; its retry
// budget starts over.
func (s *Scheduler) processChanged(ctx context.Context, ep sentinel.Endpoint, canonical, hash string, resp sentinel.FetchResponse, tally *counters) {
	now := s.deps.Clock.Now()

	existing, err := s.deps.Items.FindByEndpointURL(ctx, ep.ID, canonical)
	if err != nil || existing == nil {
		s.log.Error("load changed item failed", zap.String("url", canonical), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	result, err := s.deps.Classifier.Classify(canonical, resp.ContentType(), resp.Body)
	if err != nil {
		// The previous version already made it downstream; an unparseable
		// update is recorded but does not regress the stored row.
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: ep.ID, URL: canonical,
			Outcome: sentinel.AuditTerminalFailed, Detail: err.Error(), At: now,
		})
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	blobURI, err := s.deps.Blobs.PutObject(ctx, blobPath(ep.ID, hash), resp.ContentType(), resp.Body)
	if err != nil {
		s.log.Error("store changed blob failed", zap.String("url", canonical), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	item := *existing
	item.ContentHash = hash
	item.Kind = result.Kind
	item.BlobURI = blobURI
	item.Status = sentinel.StatusClassified
	item.RetryCount = 0
	item.LastError = ""
	item.FetchedAt = &now
	item.ClassifiedAt = &now

	if err := s.deps.Items.Update(ctx, item); err != nil {
		s.log.Error("update changed item failed", zap.String("item_id", item.ID), zap.Error(err))
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}

	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: ep.ID, URL: canonical,
		Outcome: sentinel.AuditClassified, Detail: string(item.Kind), At: now,
	})
	metrics.ObserveItem(string(item.Kind))
	tally.add(func(sum *sentinel.RunSummary) { sum.Classified++ })

	s.handoff(ctx, &item, tally, false)
}

// handoff publishes the item and advances it to HANDED_OFF. On publish
// failure the row stays CLASSIFIED for the redelivery sweep; downstream
// consumers are idempotent on the item ID, so occasional double delivery
// is acceptable.
func (s *Scheduler) handoff(ctx context.Context, item *sentinel.Item, tally *counters, redelivery bool) {
	now := s.deps.Clock.Now()

	msgID, err := s.deps.Router.Handoff(ctx, *item)
	if err != nil {
		s.log.Warn("handoff failed, leaving item for redelivery",
			zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	if err := item.Advance(sentinel.StatusHandedOff, now); err != nil {
		s.log.Error("advance to handed off failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	if err := s.deps.Items.Update(ctx, *item); err != nil {
		s.log.Error("persist handed off item failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: item.EndpointID, URL: item.URL,
		Outcome: sentinel.AuditHandedOff, Detail: msgID, At: now,
	})
	if redelivery {
		tally.add(func(sum *sentinel.RunSummary) { sum.Redelivered++ })
	}
}

// requestHeaders returns the headers sent with every discovery fetch.
func (s *Scheduler) requestHeaders() http.Header {
	headers := http.Header{
		"Accept": {"text/html,application/pdf,application/msword," +
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document," +
			"application/vnd.ms-excel," +
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet,*/*;q=0.8"},
	}
	if s.cfg.UserAgent != "" {
		headers["User-Agent"] = []string{s.cfg.UserAgent}
	}
	return headers
}

func blobPath(endpointID, hash string) string {
	return endpointID + "/" + hash
}
