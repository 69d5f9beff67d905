package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/regwatch/sentinel/internal/audit"
	"github.com/regwatch/sentinel/internal/classify"
	"github.com/regwatch/sentinel/internal/hash/sha256"
	"github.com/regwatch/sentinel/internal/queue"
	queuememory "github.com/regwatch/sentinel/internal/queue/memory"
	"github.com/regwatch/sentinel/internal/ratelimit"
	"github.com/regwatch/sentinel/internal/sentinel"
	"github.com/regwatch/sentinel/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("item-%d", s.n), nil
}

type fetchResult struct {
	status      int
	body        []byte
	contentType string
	respURL     string
	err         error
	block       bool // hold the fetch until the context is canceled
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fetchResult
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]fetchResult),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) set(url string, result fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = result
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req sentinel.FetchRequest) (sentinel.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	result, ok := f.responses[req.URL]
	f.mu.Unlock()
	if !ok {
		return sentinel.FetchResponse{}, fmt.Errorf("no response configured for %s", req.URL)
	}
	if result.block {
		<-ctx.Done()
		return sentinel.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	}
	if result.err != nil {
		return sentinel.FetchResponse{}, result.err
	}
	respURL := result.respURL
	if respURL == "" {
		respURL = req.URL
	}
	headers := http.Header{}
	if result.contentType != "" {
		headers.Set("Content-Type", result.contentType)
	}
	return sentinel.FetchResponse{
		URL:        respURL,
		StatusCode: result.status,
		Headers:    headers,
		Body:       result.body,
		Duration:   time.Millisecond,
	}, nil
}

// failingBlobs rejects the first n PutObject calls, then delegates.
type failingBlobs struct {
	inner    *memory.BlobStore
	mu       sync.Mutex
	failures int
}

func (b *failingBlobs) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	b.mu.Lock()
	fail := b.failures != 0
	if b.failures > 0 {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return "", errors.New("bucket unavailable")
	}
	return b.inner.PutObject(ctx, path, contentType, data)
}

type harness struct {
	scheduler  *Scheduler
	endpoints  *memory.EndpointStore
	items      *memory.ItemStore
	blobs      *failingBlobs
	fetcher    *fakeFetcher
	extraction *queuememory.Queue
	imageRecog *queuememory.Queue
	auditor    *audit.MemoryAuditor
	clock      *fakeClock
}

func newHarness(t *testing.T, cfg Config, blocklist []string) *harness {
	t.Helper()

	clock := newFakeClock()
	extraction := queuememory.New()
	imageRecog := queuememory.New()
	router, err := queue.NewRouter(extraction, imageRecog)
	require.NoError(t, err)

	h := &harness{
		endpoints:  memory.NewEndpointStore(),
		items:      memory.NewItemStore(),
		blobs:      &failingBlobs{inner: memory.NewBlobStore()},
		fetcher:    newFakeFetcher(),
		extraction: extraction,
		imageRecog: imageRecog,
		auditor:    audit.NewMemoryAuditor(),
		clock:      clock,
	}

	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:          time.Nanosecond,
		RequestsPerMinute: 600000,
		FailureThreshold:  5,
		Cooldown:          time.Hour,
	}, clock)

	h.scheduler, err = New(cfg, Deps{
		Endpoints:  h.endpoints,
		Items:      h.items,
		Blobs:      h.blobs,
		Fetcher:    h.fetcher,
		Limiter:    limiter,
		Classifier: classify.New(classify.Config{}),
		Router:     router,
		Auditor:    h.auditor,
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        &seqIDs{},
		Blocklist:  sentinel.NewBlocklist(blocklist),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) addEndpoint(id, url string) {
	h.endpoints.Put(sentinel.Endpoint{
		ID:        id,
		SourceID:  "src-1",
		URL:       url,
		Priority:  sentinel.PriorityHigh,
		Frequency: sentinel.FrequencyEveryRun,
		Active:    true,
	})
}

func htmlPage(text string) fetchResult {
	return fetchResult{
		status:      200,
		body:        []byte("<html><body>" + text + "</body></html>"),
		contentType: "text/html",
	}
}

func TestCycleDiscoversClassifiesAndHandsOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("bulletin 42"))

	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Selected)
	require.Equal(t, 1, summary.Fetched)
	require.Equal(t, 1, summary.Classified)
	require.Zero(t, summary.Failed)

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusHandedOff, item.Status)
	require.Equal(t, sentinel.KindHTMLRaw, item.Kind)
	require.NotEmpty(t, item.BlobURI)
	require.NotNil(t, item.FetchedAt)
	require.NotNil(t, item.ClassifiedAt)

	msgs := h.extraction.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, item.ID, msgs[0].ItemID)

	ep, err := h.endpoints.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.NotNil(t, ep.LastCheckedAt)
	require.Zero(t, ep.ConsecutiveErrors)

	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditFetched)
	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditHandedOff)
}

func TestTwoCyclesSameContentYieldOneItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("stable notice"))

	_, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)
	require.Zero(t, summary.Classified)

	items, err := h.items.ListByStatus(context.Background(), sentinel.StatusHandedOff, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, h.extraction.Messages(), 1)
}

func TestTrailingSlashVariantIsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/notices")
	h.fetcher.set("https://tax.example.gov/notices", htmlPage("notice"))

	_, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)

	// The server starts redirecting to the slash variant; content unchanged.
	result := htmlPage("notice")
	result.respURL = "https://tax.example.gov/notices/"
	h.fetcher.set("https://tax.example.gov/notices", result)

	h.clock.Advance(time.Minute)
	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)

	items, err := h.items.ListByStatus(context.Background(), sentinel.StatusHandedOff, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestChangedContentUpdatesItemAndRedelivers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("version one"))

	_, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	first, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, first)

	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("version two"))
	h.clock.Advance(time.Minute)
	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Classified)
	require.Zero(t, summary.Duplicates)

	second, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)
	require.NotEqual(t, first.ContentHash, second.ContentHash)
	require.Equal(t, sentinel.StatusHandedOff, second.Status)
	require.Len(t, h.extraction.Messages(), 2)
}

func TestBlockedDomainNeverFetches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, []string{"blocked.example"})
	h.addEndpoint("ep-1", "https://blocked.example.gov/feed")
	h.addEndpoint("ep-2", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("ok"))

	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Selected)
	require.Equal(t, 1, summary.BlockSkipped)
	require.Equal(t, 1, summary.Fetched)
	require.Zero(t, h.fetcher.callCount("https://blocked.example.gov/feed"))
	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditBlocked)
}

func TestFiveFailuresOpenCircuitAndProbeRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://flaky.example.gov/feed")
	h.fetcher.set("https://flaky.example.gov/feed", fetchResult{status: 503})

	for i := 0; i < 5; i++ {
		summary, err := h.scheduler.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Failed, "cycle %d", i+1)
		h.clock.Advance(time.Minute)
	}

	ep, err := h.endpoints.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Equal(t, 5, ep.ConsecutiveErrors)
	require.Equal(t, "status 503", ep.LastError)
	require.NotNil(t, ep.CircuitOpenUntil)

	// While the circuit is open the endpoint is not even selected.
	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Selected)

	// After the cooldown a single probe goes through and recovers the domain.
	h.fetcher.set("https://flaky.example.gov/feed", htmlPage("back online"))
	h.clock.Advance(2 * time.Hour)
	summary, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Fetched)
	require.Equal(t, 1, summary.Classified)

	ep, err = h.endpoints.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Zero(t, ep.ConsecutiveErrors)
	require.Nil(t, ep.CircuitOpenUntil)
}

func TestUnparseablePDFFailsTerminally(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/report.pdf")
	h.fetcher.set("https://tax.example.gov/report.pdf", fetchResult{
		status:      200,
		body:        []byte("definitely not a pdf"),
		contentType: "application/pdf",
	})

	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, summary.Classified)

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/report.pdf")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusFailed, item.Status)
	require.NotEmpty(t, item.LastError)
	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditTerminalFailed)
	require.Empty(t, h.extraction.Messages())
	require.Empty(t, h.imageRecog.Messages())

	// Terminal rows are never retried.
	h.clock.Advance(time.Minute)
	summary, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)
	require.Zero(t, summary.Retried)
}

func TestTransientFailureExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxAttempts: 3}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("doc"))
	h.blobs.failures = -1 // fail every upload

	// Attempt 1 parks the item in PENDING.
	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusPending, item.Status)
	require.Equal(t, 1, item.RetryCount)

	// Attempts 2 and 3 resume the pending row; the third is terminal.
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Minute)
		summary, err = h.scheduler.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Retried)
	}

	item, err = h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusFailed, item.Status)
	require.Equal(t, 3, item.RetryCount)
	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditTerminalFailed)

	// The terminal row is a plain duplicate afterwards.
	h.clock.Advance(time.Minute)
	summary, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Duplicates)
	require.Zero(t, summary.Retried)
}

func TestTwoFailuresThenSuccessHandsOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxAttempts: 3}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("doc"))
	h.blobs.failures = 2 // first two uploads fail, third succeeds

	for i := 0; i < 2; i++ {
		_, err := h.scheduler.RunCycle(context.Background())
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusPending, item.Status)
	require.Equal(t, 2, item.RetryCount)

	_, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)

	item, err = h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusHandedOff, item.Status)
	require.Equal(t, 2, item.RetryCount)
	require.Len(t, h.extraction.Messages(), 1)
}

func TestHandoffFailureRedeliversNextCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("doc"))
	h.extraction.FailWith(errors.New("broker down"))

	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Classified)

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusClassified, item.Status)

	h.extraction.FailWith(nil)
	h.clock.Advance(time.Minute)
	summary, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Redelivered)

	item, err = h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, sentinel.StatusHandedOff, item.Status)
	require.Len(t, h.extraction.Messages(), 1)
}

func TestCancellationMidFetchLeavesHealthUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.addEndpoint("ep-1", "https://tax.example.gov/bulletins")
	h.fetcher.set("https://tax.example.gov/bulletins", fetchResult{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	summary, err := h.scheduler.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Selected)
	require.Zero(t, summary.Fetched)
	require.Zero(t, summary.Failed)

	ep, err := h.endpoints.Get(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Zero(t, ep.ConsecutiveErrors)
	require.Empty(t, ep.LastError)
	require.Nil(t, ep.LastCheckedAt)
	require.Nil(t, ep.CircuitOpenUntil)

	item, err := h.items.FindByEndpointURL(context.Background(), "ep-1", "https://tax.example.gov/bulletins")
	require.NoError(t, err)
	require.Nil(t, item)

	// The abandoned permit freed the domain slot; the next cycle proceeds.
	h.fetcher.set("https://tax.example.gov/bulletins", htmlPage("bulletin 42"))
	h.clock.Advance(time.Minute)
	summary, err = h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Fetched)
	require.Equal(t, 1, summary.Classified)
}

func TestStaleCircuitSweepResets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{CircuitResetAge: 24 * time.Hour}, nil)
	now := h.clock.Now()
	open := now.Add(-30 * time.Hour) // expired long ago, never probed
	h.endpoints.Put(sentinel.Endpoint{
		ID:                "ep-stale",
		URL:               "https://old.example.gov/feed",
		Priority:          sentinel.PriorityLow,
		Frequency:         sentinel.FrequencyWeekly,
		Active:            true,
		ConsecutiveErrors: 5,
		LastError:         "status 503",
		CircuitOpenUntil:  &open,
		LastCheckedAt:     &now,
	})

	_, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)

	ep, err := h.endpoints.Get(context.Background(), "ep-stale")
	require.NoError(t, err)
	require.Zero(t, ep.ConsecutiveErrors)
	require.Nil(t, ep.CircuitOpenUntil)
	require.Contains(t, h.auditor.Outcomes(), sentinel.AuditCircuitReset)
}

func TestConcurrentEndpointsDifferentDomains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	for i := 0; i < 8; i++ {
		url := fmt.Sprintf("https://agency%d.example.gov/feed", i)
		h.addEndpoint(fmt.Sprintf("ep-%d", i), url)
		h.fetcher.set(url, htmlPage(fmt.Sprintf("notice %d", i)))
	}

	summary, err := h.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, summary.Selected)
	require.Equal(t, 8, summary.Fetched)
	require.Equal(t, 8, summary.Classified)
	require.Len(t, h.extraction.Messages(), 8)
}
