package engine

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "500")
	h.Set("x-ratelimit-remaining-requests", "499")
	h.Set("x-ratelimit-reset-requests", "120ms")
	h.Set("x-ratelimit-remaining-tokens", "bogus")

	now := time.Unix(100, 0)
	snap, ok := ParseRateLimitHeaders(h, now)
	if !ok {
		t.Fatal("expected headers to be found")
	}
	if snap.LimitRequests != 500 || snap.RemainingRequests != 499 || snap.ResetRequests != 120*time.Millisecond {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.RemainingTokens != 0 {
		t.Fatalf("malformed header should be ignored, got %d", snap.RemainingTokens)
	}
	if !snap.ObservedAt.Equal(now) {
		t.Fatalf("ObservedAt = %v", snap.ObservedAt)
	}

	if _, ok := ParseRateLimitHeaders(http.Header{}, now); ok {
		t.Fatal("expected no snapshot without headers")
	}
}

func TestRateLimitCacheTTL(t *testing.T) {
	clock := time.Unix(0, 0)
	c := NewRateLimitCache(time.Minute)
	c.now = func() time.Time { return clock }

	if _, ok := c.Get(); ok {
		t.Fatal("empty cache should miss")
	}

	c.Store(RateLimitSnapshot{RemainingRequests: 10})
	if snap, ok := c.Get(); !ok || snap.RemainingRequests != 10 {
		t.Fatalf("expected fresh hit, got %+v %v", snap, ok)
	}

	clock = clock.Add(2 * time.Minute)
	if _, ok := c.Get(); ok {
		t.Fatal("expired snapshot should miss")
	}
	if snap, ok := c.Last(); !ok || snap.RemainingRequests != 10 {
		t.Fatal("Last should still return the expired snapshot")
	}
}

func TestRateLimitCacheInvalidate(t *testing.T) {
	c := NewRateLimitCache(time.Hour)
	c.Store(RateLimitSnapshot{RemainingTokens: 5})
	c.Invalidate()
	if _, ok := c.Get(); ok {
		t.Fatal("invalidated snapshot should miss")
	}
	c.Store(RateLimitSnapshot{RemainingTokens: 6})
	if snap, ok := c.Get(); !ok || snap.RemainingTokens != 6 {
		t.Fatal("store after invalidate should be fresh")
	}
}
