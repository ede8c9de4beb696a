package session

import (
	"time"

	"github.com/JakeFAU/fetchcore/internal/fetch"
)

// Tiers maps the global failure rate onto a retry budget and backoff base.
type Tiers struct {
	LowThreshold  float64
	HighThreshold float64
	MaxRetries    int
	Aggressive    time.Duration
	Standard      time.Duration
	Conservative  time.Duration
}

// ConcurrentTiers are the defaults for the task-based strategy.
func ConcurrentTiers() Tiers {
	return Tiers{
		LowThreshold:  0.1,
		HighThreshold: 0.3,
		MaxRetries:    10,
		Aggressive:    300 * time.Millisecond,
		Standard:      500 * time.Millisecond,
		Conservative:  time.Second,
	}
}

// BlockingTiers are the defaults for the blocking strategy.
func BlockingTiers() Tiers {
	return Tiers{
		LowThreshold:  0.1,
		HighThreshold: 0.3,
		MaxRetries:    10,
		Aggressive:    500 * time.Millisecond,
		Standard:      time.Second,
		Conservative:  2 * time.Second,
	}
}

// Validate enforces ordered thresholds and non-decreasing backoff.
func (t Tiers) Validate() error {
	if t.LowThreshold <= 0 || t.HighThreshold <= t.LowThreshold || t.HighThreshold > 1 {
		return fetch.Configf("session.tiers", "thresholds must satisfy 0 < low < high <= 1")
	}
	if t.MaxRetries < 1 {
		return fetch.Configf("session.tiers.max_retries", "must be >= 1")
	}
	if t.Aggressive <= 0 || t.Standard < t.Aggressive || t.Conservative < t.Standard {
		return fetch.Configf("session.tiers.backoff", "must be positive and non-decreasing")
	}
	return nil
}

// RetryPolicy is what the engine consumes for one fetch.
type RetryPolicy struct {
	Retries int           `json:"retries"`
	Backoff time.Duration `json:"backoff"`
	Tier    string        `json:"tier"`
}

// Policy derives the retry budget for base retries at the given failure rate.
func (t Tiers) Policy(rate float64, base int) RetryPolicy {
	switch {
	case rate < t.LowThreshold:
		return RetryPolicy{Retries: max(1, base-1), Backoff: t.Aggressive, Tier: "aggressive"}
	case rate < t.HighThreshold:
		return RetryPolicy{Retries: base, Backoff: t.Standard, Tier: "standard"}
	default:
		return RetryPolicy{Retries: min(base+2, t.MaxRetries), Backoff: t.Conservative, Tier: "conservative"}
	}
}
