// Package backoff computes exponential delays with jitter for reconnect
// and retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps every delay.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter adds up to this fraction (0.0 to 1.0) of the delay at random.
	Jitter float64 `yaml:"jitter"`
}

// Delay returns the delay after attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// DefaultPolicy is used for worker reconnects.
// Initial: 500ms, Max: 30s, Factor: 2, Jitter: 20%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// StartupPolicy retries dependencies that come up alongside the server.
// Initial: 200ms, Max: 5s, Factor: 1.5, Jitter: 10%
func StartupPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  1.5,
		Jitter:  0.1,
	}
}

// Backoff tracks consecutive failures against a Policy.
// It is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
}

// New creates a Backoff.
func New(policy Policy) *Backoff {
	return &Backoff{policy: policy}
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	return b.policy.Delay(b.attempt)
}

// Attempt returns the number of failures since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the failure count after a success.
func (b *Backoff) Reset() { b.attempt = 0 }
