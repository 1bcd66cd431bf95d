package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Name: "op"}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Name: "op"}, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("wrong password")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5}, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(boom)
	})
	require.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursStopFlag(t *testing.T) {
	var stop atomic.Bool
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Stop: &stop}, func(ctx context.Context, attempt int) error {
		calls++
		stop.Store(true)
		return errors.New("fail")
	})
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{Attempts: 3, Delay: time.Hour}, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	fixed := Policy{Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Backoff(2))
	assert.Equal(t, time.Second, fixed.Backoff(5))

	doubling := Policy{Delay: time.Second, Doubling: true, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, doubling.Backoff(2))
	assert.Equal(t, 2*time.Second, doubling.Backoff(3))
	assert.Equal(t, 4*time.Second, doubling.Backoff(4))
	assert.Equal(t, 5*time.Second, doubling.Backoff(5))
}
