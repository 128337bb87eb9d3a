package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotYet = errors.New("not yet")

type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func TestDoExhaustsBudget(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Interval:    10 * time.Second,
		Sleep:       clock.Sleep,
	}, func(context.Context, int) (string, error) {
		calls++
		return "", errNotYet
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errNotYet)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.slept)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("bad key")
	clock := &fakeClock{}
	calls := 0
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 300,
		Retryable:   func(err error) bool { return errors.Is(err, errNotYet) },
		Sleep:       clock.Sleep,
	}, func(context.Context, int) (int, error) {
		calls++
		if calls < 2 {
			return 0, errNotYet
		}
		return 0, fatal
	})

	assert.Same(t, fatal, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, clock.slept, 1)
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	clock := &fakeClock{}
	var retried []int
	v, err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		Sleep:       clock.Sleep,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(_ context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errNotYet
		}
		return attempt, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoTreatsZeroAttemptsAsOne(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context, int) (int, error) {
		calls++
		return 0, errNotYet
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRealSleepWithZeroInterval(t *testing.T) {
	start := time.Now()
	_, err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context, int) (int, error) {
		return 0, errNotYet
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
