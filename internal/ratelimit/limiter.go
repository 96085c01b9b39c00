// Package ratelimit throttles prompt submissions per session and per
// client with token buckets.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures a Limiter.
type Config struct {
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
	// PromptsPerMinute is the sustained rate allowed per key.
	PromptsPerMinute float64 `yaml:"prompts_per_minute"`
	// Burst is the number of prompts a quiet key may send at once.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PromptsPerMinute: 30,
		Burst:            5,
	}
}

// bucket is a token bucket. Callers hold Limiter.mu.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks a token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	capacity float64
	enabled  bool
	maxKeys  int
	now      func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(config Config) *Limiter {
	if config.PromptsPerMinute <= 0 {
		config.PromptsPerMinute = DefaultConfig().PromptsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		rate:     config.PromptsPerMinute / 60,
		capacity: float64(config.Burst),
		enabled:  config.Enabled,
		maxKeys:  10000,
		now:      time.Now,
	}
}

// Allow consumes a token for key. When none is available it returns false
// and how long until one is.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.enabled {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketFor(key, now)
	l.refill(b, now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / l.rate
	return false, time.Duration(wait * float64(time.Second))
}

// Reset forgets key's bucket.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune(now)
	}
	b := &bucket{tokens: l.capacity, lastRefill: now}
	l.buckets[key] = b
	return b
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
}

// prune drops buckets that have refilled, which belong to idle keys.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= l.capacity {
			delete(l.buckets, key)
		}
	}
}

// Key joins parts into a limiter key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
