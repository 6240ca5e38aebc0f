package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines an exponential backoff budget
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	RetryIf         func(error) bool
}

// DefaultRetryConfig retries three times starting at 100ms
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}
}

// NewBackOff builds the backoff policy for cfg, bound to ctx
func NewBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	b.MaxElapsedTime = cfg.MaxElapsedTime

	var policy backoff.BackOff = b
	if cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	return backoff.WithContext(policy, ctx)
}

// Retry runs op until it succeeds, the budget runs out or ctx is done.
// Errors rejected by RetryIf stop immediately.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, NewBackOff(ctx, cfg))
}
