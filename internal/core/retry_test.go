package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryPolicy{Retries: 3, Base: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyGivesUp(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := RetryPolicy{Retries: 3, Base: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetryPolicyBackoffGrows(t *testing.T) {
	t.Parallel()

	var stamps []time.Time
	_ = RetryPolicy{Retries: 2, Base: 20 * time.Millisecond}.Do(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
}

func TestRetryPolicyStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{Retries: 3, Base: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
