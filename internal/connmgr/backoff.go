package connmgr

import (
	"math/rand"
	"time"
)

const (
	// InitialRestartDelay is the first ListenWorker restart delay.
	InitialRestartDelay = 500 * time.Millisecond
	// MaxRestartDelay caps the ListenWorker restart delay.
	MaxRestartDelay = 30 * time.Second
)

// BackoffConfig allows customizing restart backoff parameters.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the maximum extra delay as a fraction of the base delay.
	Jitter float64
}

// backoff doubles its delay on every Next up to max. It is not safe for
// concurrent use; the manager only touches it under its mutex.
type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
	jitter  float64
	rng     *rand.Rand
}

func newBackoff(cfg BackoffConfig) *backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialRestartDelay
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = MaxRestartDelay
		if cfg.Max < cfg.Initial {
			cfg.Max = cfg.Initial
		}
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &backoff{
		current: cfg.Initial,
		initial: cfg.Initial,
		max:     cfg.Max,
		jitter:  cfg.Jitter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay and advances.
func (b *backoff) Next() time.Duration {
	d := b.current
	if b.jitter > 0 {
		d += time.Duration(float64(d) * b.jitter * b.rng.Float64())
	}
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
	return d
}

// Reset goes back to the initial delay. Called after a successful accept.
func (b *backoff) Reset() {
	b.current = b.initial
}
