package reconnect

import (
	"context"
	"errors"
	"time"
)

// ErrGaveUp is returned when MaxAttempts consecutive sessions failed.
var ErrGaveUp = errors.New("reconnect: giving up")

// DefaultStableAfter is how long a session must last to reset the backoff.
const DefaultStableAfter = 30 * time.Second

// Session runs one connection cycle. It returns nil when it ended because
// ctx is done or the caller is finished, and an error when it should be
// retried.
type Session func(ctx context.Context) error

// Config configures Run.
type Config struct {
	// Backoff configures the retry delays.
	Backoff BackoffConfig

	// StableAfter is the session duration that resets the backoff
	// (default: DefaultStableAfter).
	StableAfter time.Duration

	// MaxAttempts bounds consecutive failed sessions. Zero retries forever.
	MaxAttempts int

	// Permanent reports errors that must not be retried (optional).
	Permanent func(err error) bool

	// OnRetry is called before each wait (optional).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Run calls session until it returns nil, fails permanently, exhausts
// MaxAttempts or ctx ends. The last session error is wrapped into the
// result when giving up.
func Run(ctx context.Context, cfg Config, session Session) error {
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	backoff := NewBackoff(cfg.Backoff)

	for {
		start := time.Now()
		err := session(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if cfg.Permanent != nil && cfg.Permanent(err) {
			return err
		}

		if time.Since(start) >= cfg.StableAfter {
			backoff.Reset()
		}
		if cfg.MaxAttempts > 0 && backoff.Attempts() >= cfg.MaxAttempts {
			return errors.Join(ErrGaveUp, err)
		}

		delay := backoff.Next()
		if cfg.OnRetry != nil {
			cfg.OnRetry(backoff.Attempts(), delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
