package oauth

import (
	"math/rand"
	"time"
)

// BackoffConfig tunes the retry loop around a provider token refresh.
type BackoffConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // multiplicative jitter in [1-j, 1+j]

	// Rand allows tests to pin the jitter source. Nil uses the shared
	// package source.
	Rand *rand.Rand
}

// DefaultBackoff matches the standard token-refresh tuning.
var DefaultBackoff = BackoffConfig{
	MaxRetries:   3,
	BaseDelay:    500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	JitterFactor: 0.2,
}

// CalculateBackoffDelay returns the pause before retrying attempt (0-based):
// BaseDelay * 2^attempt, clamped to MaxDelay, with multiplicative jitter.
// Always returns a positive duration.
func CalculateBackoffDelay(attempt int, cfg BackoffConfig) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBackoff.BaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultBackoff.MaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if cfg.JitterFactor > 0 {
		//nolint:gosec // G404: math/rand is sufficient for retry jitter, not used for security
		f := rand.Float64
		if cfg.Rand != nil {
			f = cfg.Rand.Float64
		}
		factor := 1 + cfg.JitterFactor*(2*f()-1)
		delay = time.Duration(float64(delay) * factor)
	}

	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}
