package transport

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig holds reconnection backoff configuration.
type BackoffConfig struct {
	// Base is the initial backoff duration.
	Base time.Duration

	// Multiplier is applied to the backoff on each consecutive failure.
	Multiplier float64

	// Max caps the maximum backoff duration.
	Max time.Duration

	// MaxAttempts is the reconnect ceiling. Once this many consecutive
	// automatic attempts have failed the channel stops retrying and waits
	// for an explicit Connect.
	MaxAttempts int
}

// DefaultBackoffConfig returns the standard reconnection schedule:
// 1s, 2s, 4s, 8s, 16s, then give up.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:        1 * time.Second,
		Multiplier:  2.0,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay computes the exponential backoff duration for the given attempt
// (1-based) with jitter. Jitter prevents synchronized redial storms when
// many monitors lose the same backend.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.Multiplier
	}

	backoff := time.Duration(float64(c.Base) * multiplier)
	if backoff > c.Max {
		backoff = c.Max
	}

	// Add jitter: +/- 25%
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
