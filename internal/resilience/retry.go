package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  10 * time.Second,
		MaxRetries:      8,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	def := DefaultRetryPolicy()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = def.InitialInterval
	}
	eb.MaxInterval = p.MaxInterval
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = def.MaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsedTime
	if eb.MaxElapsedTime <= 0 {
		eb.MaxElapsedTime = def.MaxElapsedTime
	}
	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Retry calls op until it succeeds, returns a non-retryable error, or the
// policy gives up. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
}
