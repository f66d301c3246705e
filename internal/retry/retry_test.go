package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"capsule/internal/errors"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(stderrors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(stderrors.New("429 Too Many Requests")))
	assert.False(t, IsRetryableError(stderrors.New("execution reverted: too early")))
	assert.False(t, IsRetryableError(context.Canceled))

	assert.False(t, IsRetryableError(errors.ErrNotOwner))
	assert.False(t, IsRetryableError(errors.ErrChainCallFailed.Wrap(stderrors.New("execution reverted"))))
	assert.True(t, IsRetryableError(errors.ErrChainCallFailed.Wrap(stderrors.New("i/o timeout"))))
	assert.True(t, IsRetryableError(NewRetryableError(stderrors.New("x"), true)))
	assert.False(t, IsRetryableError(NewRetryableError(stderrors.New("timeout"), false)))
}

func TestDoRetriesTransientErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRetrier(fastConfig(3), logger)

	calls := 0
	got, err := Do(context.Background(), r, "count", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, stderrors.New("connection reset by peer")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRetrier(fastConfig(5), logger)

	calls := 0
	err := r.Execute(context.Background(), "open", func() error {
		calls++
		return errors.ErrTooEarly
	})
	assert.ErrorIs(t, err, errors.ErrTooEarly)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRetrier(fastConfig(2), logger)

	calls := 0
	err := r.Execute(context.Background(), "get", func() error {
		calls++
		return stderrors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "重试 2 次后失败")
}

func TestDoHonorsContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRetrier(fastConfig(3), logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, "get", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayBounded(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRetrier(&RetryConfig{MaxAttempts: 10, InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, BackoffFactor: 2}, logger)
	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(8))
}
