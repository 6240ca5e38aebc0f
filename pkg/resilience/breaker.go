// Package resilience wraps circuit breaking and retry for the sync
// services' outbound calls: storage backends and client dials.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("resilience: circuit open")

// BreakerConfig configures a circuit breaker
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig trips after five calls with half of them failing
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     30 * time.Second,
		Timeout:      15 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// Breaker guards calls to a dependency
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	name    string
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBreaker creates a breaker. State changes are logged and counted.
func NewBreaker(cfg BreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *Breaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}

	b := &Breaker{name: cfg.Name, logger: logger, metrics: metrics}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			b.metrics.IncrementCounterWithLabels("circuit_breaker_transitions_total", 1, map[string]string{
				"breaker": name,
				"to":      to.String(),
			})
		},
		IsSuccessful: cfg.IsSuccessful,
	})
	return b
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// ExecuteValue runs fn unless the breaker is open and returns its result
func ExecuteValue[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// IsOpen reports whether calls are currently rejected
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}
