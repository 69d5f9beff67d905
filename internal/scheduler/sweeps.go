package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/regwatch/sentinel/internal/dedup"
	"github.com/regwatch/sentinel/internal/metrics"
	"github.com/regwatch/sentinel/internal/sentinel"
)

// retryPending re-attempts items parked in PENDING by earlier failures.
// Items touched earlier in this same cycle are skipped; their next attempt
// belongs to the next cycle.
func (s *Scheduler) retryPending(ctx context.Context, deduper *dedup.Deduplicator, tally *counters) {
	items, err := s.deps.Items.ListByStatus(ctx, sentinel.StatusPending, s.cfg.RetryBatchSize)
	if err != nil {
		s.log.Error("list pending items failed", zap.Error(err))
		return
	}
	for _, item := range items {
		if deduper.MarkSeen(item.EndpointID, item.URL) {
			continue
		}
		s.retryItem(ctx, item, tally)
	}
}

func (s *Scheduler) retryItem(ctx context.Context, item sentinel.Item, tally *counters) {
	now := s.deps.Clock.Now()
	tally.add(func(sum *sentinel.RunSummary) { sum.Retried++ })

	ep, err := s.deps.Endpoints.Get(ctx, item.EndpointID)
	if err != nil {
		s.log.Error("load endpoint for retry failed",
			zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	domain := sentinel.DomainOf(item.URL)
	if s.deps.Blocklist.Blocked(domain) {
		// The domain was blocklisted after discovery; the item waits out its
		// budget rather than failing on an operator decision.
		tally.add(func(sum *sentinel.RunSummary) { sum.BlockSkipped++ })
		return
	}

	s.deps.Limiter.Restore(domain, ep.ConsecutiveErrors, ep.LastError, ep.CircuitOpenUntil)

	resp, health, err := s.fetchWithPermit(ctx, domain, sentinel.FetchRequest{
		EndpointID: ep.ID,
		URL:        item.URL,
		Headers:    s.requestHeaders(),
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrCircuitOpen) {
			tally.add(func(sum *sentinel.RunSummary) { sum.CircuitSkipped++ })
			return
		}
		if ctx.Err() != nil {
			// Canceled cycle: the item keeps its retry budget for the next one.
			return
		}
		s.recordHealth(ctx, ep.ID, health)
		metrics.ObserveFetch(domain, "failure")
		s.failAttempt(ctx, &item, err.Error(), tally)
		return
	}
	s.recordHealth(ctx, ep.ID, health)
	metrics.ObserveFetch(domain, "success")

	if err := item.Advance(sentinel.StatusFetched, now); err != nil {
		s.log.Error("advance retried item failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	s.finishItem(ctx, item, resp, tally)
}

// finishItem takes an item in FETCHED with a fresh body through hashing,
// classification, blob storage, persistence, and handoff.
func (s *Scheduler) finishItem(ctx context.Context, item sentinel.Item, resp sentinel.FetchResponse, tally *counters) {
	now := s.deps.Clock.Now()

	hash, err := s.deps.Hasher.Hash(resp.Body)
	if err != nil {
		s.failAttempt(ctx, &item, fmt.Sprintf("hash content: %v", err), tally)
		return
	}
	item.ContentHash = hash

	result, err := s.deps.Classifier.Classify(item.URL, resp.ContentType(), resp.Body)
	if err != nil {
		item.FailTerminal(err.Error())
		if updErr := s.deps.Items.Update(ctx, item); updErr != nil {
			s.log.Error("persist failed item", zap.String("item_id", item.ID), zap.Error(updErr))
		}
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			EndpointID: item.EndpointID, URL: item.URL,
			Outcome: sentinel.AuditTerminalFailed, Detail: err.Error(), At: now,
		})
		tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
		return
	}
	item.Kind = result.Kind

	blobURI, err := s.deps.Blobs.PutObject(ctx, blobPath(item.EndpointID, hash), resp.ContentType(), resp.Body)
	if err != nil {
		s.failAttempt(ctx, &item, fmt.Sprintf("store blob: %v", err), tally)
		return
	}
	item.BlobURI = blobURI

	if err := item.Advance(sentinel.StatusClassified, now); err != nil {
		s.log.Error("advance retried item failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	item.LastError = ""
	if err := s.deps.Items.Update(ctx, item); err != nil {
		s.log.Error("persist retried item failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: item.EndpointID, URL: item.URL,
		Outcome: sentinel.AuditClassified, Detail: string(item.Kind), At: now,
	})
	metrics.ObserveItem(string(item.Kind))
	tally.add(func(sum *sentinel.RunSummary) { sum.Classified++ })

	s.handoff(ctx, &item, tally, false)
}

// failAttempt burns one attempt from the item's retry budget and persists
// the outcome.
func (s *Scheduler) failAttempt(ctx context.Context, item *sentinel.Item, reason string, tally *counters) {
	now := s.deps.Clock.Now()
	status := item.ApplyFailure(reason, s.cfg.MaxAttempts)
	if err := s.deps.Items.Update(ctx, *item); err != nil {
		s.log.Error("persist failed attempt", zap.String("item_id", item.ID), zap.Error(err))
	}

	outcome := sentinel.AuditRetryScheduled
	if status == sentinel.StatusFailed {
		outcome = sentinel.AuditTerminalFailed
	}
	s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
		EndpointID: item.EndpointID, URL: item.URL,
		Outcome: outcome, Detail: reason, At: now,
	})
	tally.add(func(sum *sentinel.RunSummary) { sum.Failed++ })
}

// redeliverClassified re-publishes items whose handoff failed in an earlier
// cycle. Rows stay CLASSIFIED until a publish succeeds.
func (s *Scheduler) redeliverClassified(ctx context.Context, tally *counters) {
	items, err := s.deps.Items.ListByStatus(ctx, sentinel.StatusClassified, s.cfg.RedeliverBatchSize)
	if err != nil {
		s.log.Error("list classified items failed", zap.Error(err))
		return
	}
	for _, item := range items {
		it := item
		s.handoff(ctx, &it, tally, true)
	}
}

// resetStaleCircuits clears circuit state that has sat open-and-expired for
// longer than the reset age, giving abandoned endpoints a clean slate.
func (s *Scheduler) resetStaleCircuits(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.CircuitResetAge)
	n, err := s.deps.Endpoints.ResetStaleCircuits(ctx, cutoff)
	if err != nil {
		s.log.Error("reset stale circuits failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.deps.Auditor.Record(ctx, sentinel.AuditEvent{
			Outcome: sentinel.AuditCircuitReset,
			Detail:  fmt.Sprintf("%d endpoints reset", n),
			At:      now,
		})
		s.log.Info("stale circuits reset", zap.Int("count", n))
	}
}
