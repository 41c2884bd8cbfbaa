package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, func(attempt int, _ time.Duration, err error) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errTransient)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "max attempts (3)")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(0), func() error {
		calls++
		return Permanent(errTransient)
	}, nil)

	assert.Equal(t, errTransient, err)
	assert.Equal(t, 1, calls)
}

func TestDo_UnlimitedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(0), func() error {
		calls++
		if calls == 4 {
			cancel()
		}
		return errTransient
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 800*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, time.Second, Backoff(cfg, 10))

	cfg.Jitter = true
	for i := 0; i < 20; i++ {
		d := Backoff(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
