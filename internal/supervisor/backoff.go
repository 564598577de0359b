package supervisor

import (
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/backoff"
)

// DefaultBackoff is the reconnect policy used when none is configured.
var DefaultBackoff = backoff.Config{
	BaseDelay:  time.Second,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   120 * time.Second,
}

// Backoff yields reconnect delays: exponential in the number of consecutive
// failures, jittered, capped at MaxDelay, and never shorter than the previous
// delay until Reset.
type Backoff struct {
	cfg     backoff.Config
	rand    func() float64
	retries int
	prev    time.Duration
}

// NewBackoff returns a Backoff for cfg. rand must return values in [0, 1);
// nil means math/rand/v2.
func NewBackoff(cfg backoff.Config, rand func() float64) *Backoff {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBackoff.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultBackoff.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = DefaultBackoff.Jitter
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if rand == nil {
		rand = randFloat
	}
	return &Backoff{cfg: cfg, rand: rand}
}

func randFloat() float64 { return rand.Float64() }

// Next returns the delay before the next attempt and advances the failure count.
func (b *Backoff) Next() time.Duration {
	d, maxDelay := float64(b.cfg.BaseDelay), float64(b.cfg.MaxDelay)
	for i := 0; i < b.retries && d < maxDelay; i++ {
		d *= b.cfg.Multiplier
	}
	d *= 1 + b.cfg.Jitter*(b.rand()*2-1)
	if d > maxDelay {
		d = maxDelay
	}
	out := time.Duration(d)
	if out < b.prev {
		out = b.prev
	}
	b.prev = out
	b.retries++
	return out
}

// Reset starts the sequence over; called once a connection reached Active.
func (b *Backoff) Reset() {
	b.retries = 0
	b.prev = 0
}
