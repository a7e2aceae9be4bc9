package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, time.Second, b.Delay(5))

	closure := b.Scaled(2)
	assert.Equal(t, 200*time.Millisecond, closure.Delay(0))
	assert.Equal(t, 800*time.Millisecond, closure.Delay(2))

	assert.Zero(t, Backoff{}.Delay(3))
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}

	_, ok := RetryAfter(h, now, time.Minute)
	assert.False(t, ok)

	h.Set("Retry-After", "7")
	d, ok := RetryAfter(h, now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	h.Set("Retry-After", "3600")
	d, _ = RetryAfter(h, now, time.Minute)
	assert.Equal(t, time.Minute, d)

	h.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
	d, ok = RetryAfter(h, now, time.Minute)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	h.Set("Retry-After", "soon")
	_, ok = RetryAfter(h, now, time.Minute)
	assert.False(t, ok)
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(errors.New("Client.Timeout exceeded while awaiting headers")))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}
