// Package ratelimit implements per-domain request pacing with a
// consecutive-failure circuit breaker.
//
// Requests to one domain are fully serialized (at most one in flight) and
// paced by a minimum inter-request delay plus a token bucket; requests to
// different domains proceed concurrently. Once a domain accumulates enough
// consecutive failures its circuit opens and Acquire fails fast until the
// cooldown elapses, after which a single half-open probe is let through.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/regwatch/sentinel/internal/metrics"
	"github.com/regwatch/sentinel/internal/sentinel"
)

// Config holds rate limiter defaults. Zero values fall back to the
// documented defaults.
type Config struct {
	MinDelay          time.Duration // minimum gap between requests to one domain
	RequestsPerMinute int           // token bucket rate per domain
	FailureThreshold  int           // consecutive failures before the circuit opens
	Cooldown          time.Duration // how long an open circuit stays open
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 20
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	return c
}

// Limiter manages per-domain pacing and circuit state. It owns no durable
// entity; the health snapshot returned by Permit.Release is what the
// scheduler persists onto the endpoint, making the limiter the single writer
// of endpoint health values.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainState
	cfg     Config
	clock   sentinel.Clock
}

type domainState struct {
	slot    chan struct{} // capacity 1, serializes in-flight requests
	bucket  *rate.Limiter
	mu      sync.Mutex
	nextAt  time.Time // earliest start of the next request
	fails   int
	lastErr string
	// openUntil is non-zero while the circuit is open or awaiting a probe.
	openUntil time.Time
	probing   bool
}

// New creates a Limiter.
func New(cfg Config, clock sentinel.Clock) *Limiter {
	return &Limiter{
		domains: make(map[string]*domainState),
		cfg:     cfg.withDefaults(),
		clock:   clock,
	}
}

// Permit grants one in-flight request for a domain. It must be released
// exactly once with the request outcome.
type Permit struct {
	limiter *Limiter
	domain  string
	state   *domainState
	once    sync.Once
	probe   bool
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{
			slot:   make(chan struct{}, 1),
			bucket: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), 1),
		}
		l.domains[domain] = st
	}
	return st
}

// Restore hydrates in-memory circuit state from durable endpoint health.
// It only applies to domains the limiter has not seen yet, so the in-memory
// state stays authoritative for the life of the process.
func (l *Limiter) Restore(domain string, consecutiveErrors int, lastError string, openUntil *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.domains[domain]; seen {
		return
	}
	st := &domainState{
		slot:    make(chan struct{}, 1),
		bucket:  rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), 1),
		fails:   consecutiveErrors,
		lastErr: lastError,
	}
	if openUntil != nil {
		st.openUntil = *openUntil
	}
	l.domains[domain] = st
}

// Acquire returns a permit for the domain, or sentinel.ErrCircuitOpen
// without any pacing wait while the circuit is open. After the cooldown the
// first caller through becomes the half-open probe; concurrent callers keep
// failing fast until the probe's outcome is released.
func (l *Limiter) Acquire(ctx context.Context, domain string) (*Permit, error) {
	st := l.state(domain)

	probe, err := st.admit(l.clock.Now(), domain)
	if err != nil {
		return nil, err
	}

	select {
	case st.slot <- struct{}{}:
	case <-ctx.Done():
		st.abortProbe(probe)
		return nil, fmt.Errorf("acquire %s: %w", domain, ctx.Err())
	}

	// The in-flight holder may have opened the circuit while this caller
	// waited on the slot; re-apply the circuit check before pacing.
	if !probe {
		probe, err = st.admit(l.clock.Now(), domain)
		if err != nil {
			<-st.slot
			return nil, err
		}
	}

	if err := st.pace(ctx, l.clock, l.cfg.MinDelay, domain); err != nil {
		<-st.slot
		st.abortProbe(probe)
		return nil, fmt.Errorf("acquire %s: %w", domain, err)
	}

	return &Permit{limiter: l, domain: domain, state: st, probe: probe}, nil
}

// admit applies the circuit check. It returns whether this request is the
// half-open probe.
func (st *domainState) admit(now time.Time, domain string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.openUntil.IsZero() {
		return false, nil
	}
	if now.Before(st.openUntil) {
		return false, fmt.Errorf("domain %s: %w", domain, sentinel.ErrCircuitOpen)
	}
	// Cooldown elapsed: half-open. Exactly one probe at a time.
	if st.probing {
		return false, fmt.Errorf("domain %s: probe in flight: %w", domain, sentinel.ErrCircuitOpen)
	}
	st.probing = true
	return true, nil
}

func (st *domainState) abortProbe(probe bool) {
	if !probe {
		return
	}
	st.mu.Lock()
	st.probing = false
	st.mu.Unlock()
}

// pace waits out the minimum inter-request delay and the token bucket.
// The caller holds the domain slot, so nextAt cannot move underneath it.
func (st *domainState) pace(ctx context.Context, clock sentinel.Clock, minDelay time.Duration, domain string) error {
	st.mu.Lock()
	wait := st.nextAt.Sub(clock.Now())
	st.mu.Unlock()

	if wait > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, wait)
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := st.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	st.mu.Lock()
	st.nextAt = clock.Now().Add(minDelay)
	st.mu.Unlock()
	return nil
}

// Release reports the outcome of the permitted request and frees the domain
// slot. A failure increments the consecutive-failure counter and opens the
// circuit at the threshold (or immediately on a failed probe); a success
// resets the counter and closes the circuit. The returned snapshot is the
// durable health state for the endpoint just fetched.
// Abandon frees the domain slot without recording an outcome. A canceled
// cycle abandons its in-flight request; an attempt that was never completed
// must not change circuit state or endpoint health.
func (p *Permit) Abandon() {
	p.once.Do(func() {
		p.state.abortProbe(p.probe)
		<-p.state.slot
	})
}

func (p *Permit) Release(success bool, detail string) sentinel.EndpointHealth {
	var health sentinel.EndpointHealth
	p.once.Do(func() {
		now := p.limiter.clock.Now()
		st := p.state
		cfg := p.limiter.cfg

		st.mu.Lock()
		if success {
			st.fails = 0
			st.lastErr = ""
			st.openUntil = time.Time{}
		} else {
			st.fails++
			st.lastErr = detail
			if p.probe || st.fails >= cfg.FailureThreshold {
				st.openUntil = now.Add(cfg.Cooldown)
				metrics.ObserveCircuitOpen(p.domain)
			}
		}
		st.probing = false

		health = sentinel.EndpointHealth{
			LastCheckedAt:     now,
			LastError:         st.lastErr,
			ConsecutiveErrors: st.fails,
		}
		if !st.openUntil.IsZero() {
			until := st.openUntil
			health.CircuitOpenUntil = &until
		}
		st.mu.Unlock()

		<-st.slot
	})
	return health
}
