package reconnect

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	// InitialBackoff is the first retry delay.
	InitialBackoff = 1 * time.Second

	// MaxBackoff caps the retry delay.
	MaxBackoff = 60 * time.Second

	// BackoffMultiplier is the growth factor between attempts.
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum jitter as a fraction of the base delay.
	JitterFactor = 0.25
)

// BackoffConfig customizes a Backoff. Zero fields take the defaults.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the maximum jitter fraction. Negative disables jitter.
	Jitter float64
}

// Backoff yields exponentially growing delays with jitter.
// It is safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	base     time.Duration
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = JitterFactor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{
		cfg:  cfg,
		base: cfg.Initial,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the jittered delay for the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base
	if b.cfg.Jitter > 0 {
		delay += time.Duration(float64(b.base) * b.cfg.Jitter * b.rng.Float64())
	}

	b.attempts++
	b.base = time.Duration(float64(b.base) * b.cfg.Multiplier)
	if b.base > b.cfg.Max {
		b.base = b.cfg.Max
	}
	return delay
}

// Reset returns to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = b.cfg.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Base returns the next delay before jitter.
func (b *Backoff) Base() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}
