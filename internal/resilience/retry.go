package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/taxfolio/taxfolio-api/internal/errs"
	"github.com/taxfolio/taxfolio-api/internal/logger"
	"go.uber.org/zap"
)

// RetryConfig configures ExecuteWithRetry.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides the settings used for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryExecutor retries transient failures with exponential backoff. Whether
// an error is retryable is decided by its kind (errs.IsRetryable): network,
// timeout, rate-limit and unavailable errors retry, everything else
// propagates immediately and unchanged.
type RetryExecutor struct {
	config RetryConfig
	name   string
	logger *zap.Logger
}

// NewRetryExecutor creates an executor for the named integration.
func NewRetryExecutor(name string, config RetryConfig) *RetryExecutor {
	return &RetryExecutor{
		config: config,
		name:   name,
		logger: logger.Log,
	}
}

// Execute runs op up to MaxAttempts times. The delay before attempt n is
// min(BaseDelay * BackoffFactor^(n-2), MaxDelay), with a uniform +/-25%
// jitter when enabled. Jitter never changes which errors are retried. The
// last error is returned unchanged when attempts are exhausted.
func (r *RetryExecutor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0

	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("Retryable operation failed",
			zap.String("executor", r.name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.config.MaxAttempts),
			zap.String("error_kind", string(errs.KindOf(err))),
			zap.Error(err))
		return err
	}

	return backoff.Retry(operation, r.newBackOff(ctx))
}

// ExecuteWithResult is Execute for operations that produce a value.
func ExecuteWithResult[T any](ctx context.Context, r *RetryExecutor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func (r *RetryExecutor) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.config.BaseDelay
	exp.MaxInterval = r.config.MaxDelay
	exp.Multiplier = r.config.BackoffFactor
	exp.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	if r.config.Jitter {
		exp.RandomizationFactor = 0.25
	} else {
		exp.RandomizationFactor = 0
	}
	exp.Reset()

	maxRetries := uint64(0)
	if r.config.MaxAttempts > 1 {
		maxRetries = uint64(r.config.MaxAttempts - 1)
	}

	return backoff.WithContext(backoff.WithMaxRetries(exp, maxRetries), ctx)
}
