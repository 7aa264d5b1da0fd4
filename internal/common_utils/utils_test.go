package commonutils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errFlaky = errors.New("flaky")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(RetryPolicy{Attempts: 4, Backoff: time.Millisecond}, func(err error) bool {
		return errors.Is(err, errFlaky)
	}, zap.NewNop(), "write", func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func(err error) bool {
		return errors.Is(err, errFlaky)
	}, nil, "read", func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func(error) bool { return true }, nil, "sync", func() error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Contains(t, err.Error(), "sync failed after 3 attempts")
	require.Equal(t, 3, calls)
}
