package engine

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitSnapshot is the provider's quota state as last reported in
// response headers.
type RateLimitSnapshot struct {
	LimitRequests     int           `json:"limit_requests"`
	RemainingRequests int           `json:"remaining_requests"`
	ResetRequests     time.Duration `json:"reset_requests"`
	LimitTokens       int           `json:"limit_tokens"`
	RemainingTokens   int           `json:"remaining_tokens"`
	ResetTokens       time.Duration `json:"reset_tokens"`
	ObservedAt        time.Time     `json:"observed_at"`
}

// ParseRateLimitHeaders extracts a snapshot from x-ratelimit-* headers.
// The boolean is false when no rate-limit header is present.
func ParseRateLimitHeaders(h http.Header, now time.Time) (RateLimitSnapshot, bool) {
	snap := RateLimitSnapshot{ObservedAt: now}
	found := false
	readInt := func(key string, dst *int) {
		if v := h.Get(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
				found = true
			}
		}
	}
	readDur := func(key string, dst *time.Duration) {
		if v := h.Get(key); v != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
				found = true
			}
		}
	}
	readInt("x-ratelimit-limit-requests", &snap.LimitRequests)
	readInt("x-ratelimit-remaining-requests", &snap.RemainingRequests)
	readDur("x-ratelimit-reset-requests", &snap.ResetRequests)
	readInt("x-ratelimit-limit-tokens", &snap.LimitTokens)
	readInt("x-ratelimit-remaining-tokens", &snap.RemainingTokens)
	readDur("x-ratelimit-reset-tokens", &snap.ResetTokens)
	return snap, found
}

// RateLimitReporter is implemented by engines that track provider quota.
// forceRefresh discards the cached snapshot so a miss is reported until the
// next response refreshes it.
type RateLimitReporter interface {
	RateLimit(forceRefresh bool) (RateLimitSnapshot, bool)
}

// RateLimitCache owns the most recent snapshot. A snapshot is served until
// its TTL passes or a refresh is forced; after that Get reports a miss and
// the owner is expected to fetch a new one.
type RateLimitCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	current *RateLimitSnapshot
	stale   bool
}

// NewRateLimitCache creates a cache with the given TTL.
func NewRateLimitCache(ttl time.Duration) *RateLimitCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RateLimitCache{ttl: ttl, now: time.Now}
}

// Store replaces the cached snapshot.
func (c *RateLimitCache) Store(snap RateLimitSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = c.now()
	}
	c.current = &snap
	c.stale = false
}

// Get returns the cached snapshot if it is still fresh.
func (c *RateLimitCache) Get() (RateLimitSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.stale || c.now().Sub(c.current.ObservedAt) > c.ttl {
		return RateLimitSnapshot{}, false
	}
	return *c.current, true
}

// Invalidate forces the next Get to miss.
func (c *RateLimitCache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Last returns the most recent snapshot regardless of freshness.
func (c *RateLimitCache) Last() (RateLimitSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return RateLimitSnapshot{}, false
	}
	return *c.current, true
}
