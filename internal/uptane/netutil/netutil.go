// Package netutil wires the resilience primitives the rest of the agent's
// network-facing components (fetcher, reportqueue, provisioner, orchestrator)
// share: exponential-backoff retry over cenkalti/backoff and a
// per-endpoint circuit breaker over sony/gobreaker.
package netutil

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig controls exponential backoff retry of a fallible operation.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig is the image-download retry cadence (exactly 500ms,
// 1s, 2s): a doubling exponential backoff capped at 3 retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		MaxRetries:      3,
	}
}

// Retry runs op until it succeeds, ctx is cancelled, or the retry budget is
// exhausted, backing off exponentially between attempts.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	// No jitter, doubling only: callers state their cadence exactly and
	// the per-upstream circuit breaker already prevents synchronized
	// hammering of a struggling endpoint.
	b.RandomizationFactor = 0
	b.Multiplier = 2

	var bo backoff.BackOff = b
	if cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(b, cfg.MaxRetries)
	}
	bo = backoff.WithContext(bo, ctx)

	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("netutil: retry exhausted: %w", err)
	}
	return nil
}

// Breaker wraps a sony/gobreaker.CircuitBreaker for one named upstream
// (Director repo, Image repo, backend report sink). Opening trips after 3
// consecutive failures and half-opens after 30s.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a Breaker named name with the package default settings.
func NewBreaker(name string) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})}
}

// Do executes op through the breaker, returning gobreaker.ErrOpenState
// immediately if the breaker is open.
func (b *Breaker) Do(op func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(op)
}

// State returns the breaker's current state, for health reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
