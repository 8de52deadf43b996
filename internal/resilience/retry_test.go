package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoTries_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	tries, err := DoTries(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		if calls <= 3 {
			return NewTransientError(errors.New("429"), 429)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, tries)
}

func TestDoTries_ExhaustsBudget(t *testing.T) {
	tries, err := DoTries(context.Background(), fastRetry(3), func(context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, tries)
}

func TestDoTries_PermanentNotRetried(t *testing.T) {
	tries, err := DoTries(context.Background(), fastRetry(5), func(context.Context) error {
		return NewPermanentError(errors.New("404"), 404)
	})
	require.Error(t, err)
	assert.Equal(t, 1, tries)
}

func TestDoTries_FatalNotRetriedEvenWithCustomPredicate(t *testing.T) {
	cfg := fastRetry(5)
	cfg.ShouldRetry = func(error) bool { return true }
	tries, err := DoTries(context.Background(), cfg, func(context.Context) error {
		return Fatal(errors.New("disk full"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, tries)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("502"), 502)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var seen []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("500"), 500)
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, Backoff(0, cfg))
	assert.Equal(t, 400*time.Millisecond, Backoff(2, cfg))
	assert.Equal(t, time.Second, Backoff(10, cfg))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, JitterFraction: 0.25}
	for i := 0; i < 50; i++ {
		d := Backoff(0, cfg)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 250, 10000, 0, 0.1)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}
