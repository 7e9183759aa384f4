package lendingcore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/lending-core-go/lendingcore"
)

func Test_RetryWithExponentialBackoff_Success_NoRetries(t *testing.T) {
	ctx := context.Background()
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		return nil // Success on the first attempt
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn)

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, 1, meta.Attempts)
	assert.Equal(t, time.Duration(0), meta.TotalDelay)
	assert.Equal(t, "none", meta.LastErrorType)
}

func Test_RetryWithExponentialBackoff_RetryOnClaimConflict(t *testing.T) {
	ctx := context.Background()
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		if callCount < 3 {
			return lendingcore.ErrClaimConflict // Fail twice
		}
		return nil // Success on the third attempt
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 3, meta.Attempts)
	assert.Greater(t, meta.TotalDelay, time.Duration(0))
	assert.Equal(t, "none", meta.LastErrorType)
}

func Test_RetryWithExponentialBackoff_NoRetryOnPermanentError(t *testing.T) {
	ctx := context.Background()
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		return lendingcore.ErrNoCopyAvailable
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn)

	assert.ErrorIs(t, err, lendingcore.ErrNoCopyAvailable)
	assert.Equal(t, 1, callCount, "permanent errors must fail fast")
	assert.Equal(t, 1, meta.Attempts)
	assert.Equal(t, "no_copy_available", meta.LastErrorType)
}

func Test_RetryWithExponentialBackoff_MaxAttemptsReached(t *testing.T) {
	ctx := context.Background()
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		return lendingcore.ErrClaimConflict
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn,
		lendingcore.WithMaxAttempts(3),
		lendingcore.WithBaseDelay(time.Millisecond),
	)

	assert.ErrorIs(t, err, lendingcore.ErrClaimConflict)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, 3, meta.Attempts)
	assert.Equal(t, "claim_conflict", meta.LastErrorType)
}

func Test_RetryWithExponentialBackoff_WithAllOptions(t *testing.T) {
	ctx := context.Background()
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		if callCount < 2 {
			return lendingcore.ErrClaimConflict
		}
		return nil
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn,
		lendingcore.WithMaxAttempts(3),
		lendingcore.WithBaseDelay(5*time.Millisecond),
		lendingcore.WithJitterFactor(0.1),
	)

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
	assert.Equal(t, 2, meta.Attempts)
	assert.Greater(t, meta.TotalDelay, time.Duration(0))
	assert.Equal(t, "none", meta.LastErrorType)
}

func Test_RetryWithExponentialBackoff_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	fn := func(_ context.Context) error { return nil }

	// Test invalid max attempts
	_, err := lendingcore.RetryWithExponentialBackoff(ctx, fn, lendingcore.WithMaxAttempts(0))
	assert.ErrorIs(t, err, lendingcore.ErrInvalidMaxAttempts)

	// Test negative base delay
	_, err = lendingcore.RetryWithExponentialBackoff(ctx, fn, lendingcore.WithBaseDelay(-1*time.Second))
	assert.ErrorIs(t, err, lendingcore.ErrNegativeBaseDelay)

	// Test invalid jitter factor
	_, err = lendingcore.RetryWithExponentialBackoff(ctx, fn, lendingcore.WithJitterFactor(1.5))
	assert.ErrorIs(t, err, lendingcore.ErrInvalidJitterFactor)

	// Test nil metrics collector
	_, err = lendingcore.RetryWithExponentialBackoff(ctx, fn, lendingcore.WithRetryMetrics(nil, "claim"))
	assert.ErrorIs(t, err, lendingcore.ErrNilMetricsCollector)
}

func Test_RetryWithExponentialBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0

	fn := func(_ context.Context) error {
		callCount++
		cancel() // Cancel while waiting for the first backoff
		return lendingcore.ErrClaimConflict
	}

	meta, err := lendingcore.RetryWithExponentialBackoff(ctx, fn,
		lendingcore.WithBaseDelay(50*time.Millisecond),
	)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, callCount)
	assert.Equal(t, "context_canceled", meta.LastErrorType)
}
