package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetryable = errors.New("retry me")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func always(error) bool { return true }

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), always, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), always, func(context.Context) error {
		calls++
		if calls < 3 {
			return errRetryable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), always, func(context.Context) error {
		calls++
		return errRetryable
	})
	require.ErrorIs(t, err, errRetryable)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(err error) bool {
		return !errors.Is(err, fatal)
	}, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Minute}, always, func(context.Context) error {
		calls++
		cancel()
		return errRetryable
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "no further attempts once the context ends")
}

func TestIntervalGrowthCapped(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.interval(1))
	assert.Equal(t, 200*time.Millisecond, p.interval(2))
	assert.Equal(t, 300*time.Millisecond, p.interval(3), "capped at MaxInterval")
	assert.Equal(t, 300*time.Millisecond, p.interval(4))
}
