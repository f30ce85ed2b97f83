package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Reconnect defaults: the first retry comes one second after a failed
// connect, then the delay doubles up to a minute.
const (
	InitialBackoff    = time.Second
	MaxBackoff        = time.Minute
	BackoffMultiplier = 2.0

	// JitterFactor is the largest fraction added on top of a delay.
	JitterFactor = 0.25
)

// BackoffConfig holds the backoff parameters. Zero fields take the defaults;
// a zero Jitter stays zero.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff produces growing retry delays. It is owned by the supervisor and
// runs on the loop, so it does no locking.
type Backoff struct {
	cfg      BackoffConfig
	attempts int

	// rand returns a value in [0, 1).
	rand func() float64
}

// NewBackoff returns a backoff with the default parameters and jitter.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: JitterFactor})
}

// NewBackoffWithConfig returns a backoff for cfg.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = max(MaxBackoff, cfg.Initial)
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	cfg.Jitter = max(cfg.Jitter, 0)
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Current returns the base delay of the next retry, before jitter.
func (b *Backoff) Current() time.Duration {
	d := float64(b.cfg.Initial) * math.Pow(b.cfg.Multiplier, float64(b.attempts))
	if d >= float64(b.cfg.Max) {
		return b.cfg.Max
	}
	return time.Duration(d)
}

// Peek returns a jittered delay without counting an attempt.
func (b *Backoff) Peek() time.Duration {
	d := b.Current()
	if b.cfg.Jitter == 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*b.rand())
}

// Next returns the jittered delay of the next retry and counts the attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Peek()
	b.attempts++
	return d
}

// Reset starts over from the initial delay. The supervisor calls it when a
// session is established.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the retries counted since the last reset.
func (b *Backoff) Attempts() int { return b.attempts }
