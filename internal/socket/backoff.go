package socket

import (
	"time"

	"github.com/soyeahso/porchlight/internal/config"
)

// Backoff computes reconnect delays. Attempt numbers start at 1 for the
// first retry and stop growing at MaxAttempt, so the delay plateaus at
// min(Base*2^MaxAttempt, Max).
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxAttempt int
}

// DefaultBackoff is 2s, 4s, 8s, then 15s forever.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 15 * time.Second, MaxAttempt: 6}
}

// BackoffFromConfig builds a Backoff from the reconnect section.
// Zero values fall back to DefaultBackoff.
func BackoffFromConfig(cfg config.ReconnectConfig) Backoff {
	b := DefaultBackoff()
	if cfg.BaseDelayMs > 0 {
		b.Base = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		b.Max = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	if cfg.MaxAttempt > 0 {
		b.MaxAttempt = cfg.MaxAttempt
	}
	return b
}

// Next returns the attempt number following attempt.
func (b Backoff) Next(attempt int) int {
	n := attempt + 1
	if n > b.MaxAttempt {
		n = b.MaxAttempt
	}
	return n
}

// Delay returns min(Base*2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
