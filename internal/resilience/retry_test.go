package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxfolio/taxfolio-api/internal/errs"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:   maxAttempts,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        false,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(3))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(3))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindTimeout, "provider timed out")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(3))

	calls := 0
	lastErr := errs.New(errs.KindNetwork, "still down")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return lastErr
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, lastErr)
}

func TestRetryDoesNotRetryNonRetryableKinds(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindAuth, errs.KindValidation, errs.KindUnknown} {
		t.Run(string(kind), func(t *testing.T) {
			r := NewRetryExecutor("test", fastRetryConfig(5))

			calls := 0
			original := errs.New(kind, "not transient")
			err := r.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				return original
			})

			assert.Equal(t, 1, calls, "non-retryable errors must fail fast")
			assert.ErrorIs(t, err, original)
		})
	}
}

func TestRetryRetriesAllTransientKinds(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindNetwork, errs.KindTimeout, errs.KindRateLimit, errs.KindUnavailable} {
		t.Run(string(kind), func(t *testing.T) {
			r := NewRetryExecutor("test", fastRetryConfig(2))

			calls := 0
			_ = r.Execute(context.Background(), func(ctx context.Context) error {
				calls++
				return errs.New(kind, "transient")
			})

			assert.Equal(t, 2, calls)
		})
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	r := NewRetryExecutor("test", RetryConfig{
		MaxAttempts:   10,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Execute(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errs.New(errs.KindNetwork, "down")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation must stop further attempts")
}

func TestRetrySingleAttemptConfig(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(1))

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return errs.New(errs.KindUnavailable, "down")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithResultReturnsValue(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(3))

	calls := 0
	result, err := ExecuteWithResult(context.Background(), r, func(ctx context.Context) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, errs.New(errs.KindRateLimit, "slow down")
		}
		return []string{"CA", "NY"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"CA", "NY"}, result)
}

func TestExecuteWithResultPropagatesError(t *testing.T) {
	r := NewRetryExecutor("test", fastRetryConfig(1))

	boom := errors.New("validation failed: bad input")
	result, err := ExecuteWithResult(context.Background(), r, func(ctx context.Context) (int, error) {
		return 0, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, result)
}
