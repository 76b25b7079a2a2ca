package orchestrator

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Defaults applied when an ActionType declares no explicit retry shape.
const (
	DefaultBaseDelay = 250 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
)

// ExponentialBackoff computes jittered, capped retry delays. The deterministic
// half grows with the attempt count, so eligible-times for successive failures
// of the same item are non-decreasing.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialBackoff builds a backoff from a retry config, falling back to
// the package defaults for unset fields.
func NewExponentialBackoff(cfg RetryConfig) ExponentialBackoff {
	b := ExponentialBackoff{Base: cfg.BaseDelay, Cap: cfg.MaxDelay}
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Cap <= 0 {
		b.Cap = DefaultMaxDelay
	}
	return b
}

// Delay returns the wait before the next attempt, given how many attempts
// have already failed (attempt >= 1).
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
