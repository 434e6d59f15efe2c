// Package retry provides exponential-backoff retry for transient failures,
// used by the Sync Controller's S3 calls (spec §4.3).
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// Config controls retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// OnRetry, if set, is invoked before each wait between attempts.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig mirrors the spec's capped-exponential-backoff requirement:
// retries cap at the policy interval, here represented by MaxDelay.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes an operation with retry-with-backoff semantics.
type Retryer struct {
	cfg Config
}

// New creates a Retryer, filling unset fields with DefaultConfig values.
func New(cfg Config) *Retryer {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = d.Multiplier
	}
	return &Retryer{cfg: cfg}
}

// WithInterval caps MaxDelay at the given sync-policy interval, per
// §4.3: "re-enqueues with exponential backoff (caps at the policy interval)".
func (r *Retryer) WithInterval(interval time.Duration) *Retryer {
	cfg := r.cfg
	if interval > 0 && interval < cfg.MaxDelay {
		cfg.MaxDelay = interval
	}
	return New(cfg)
}

// Do runs fn, retrying while it returns a *VaultError with Code Transient.
// Any other error, or CodeFatal, aborts immediately without retry (§7).
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == r.cfg.MaxAttempts {
			return err
		}

		delay := r.delayFor(attempt)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.cfg.MaxAttempts, lastErr)
}

func isRetryable(err error) bool {
	var vErr *vherrors.VaultError
	if stderrors.As(err, &vErr) {
		return vErr.Retryable || vErr.Code == vherrors.CodeTransient
	}
	return false
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		delay = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
