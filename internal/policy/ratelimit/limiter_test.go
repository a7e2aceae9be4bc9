package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSpacesTaskStarts(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 10})
	defer l.Close()

	ctx := context.Background()
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Execute(ctx, func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, 90*time.Millisecond, "gap %d was %v", i, gap)
	}
}

func TestExecuteRunsOneAtATimeInOrder(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	defer l.Close()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		mu      sync.Mutex
		order   []int
	)
	release := make(chan struct{})
	first := make(chan struct{})

	go func() {
		_ = l.Execute(context.Background(), func(context.Context) error {
			close(first)
			<-release
			return nil
		})
	}()
	<-first

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(context.Background(), func(context.Context) error {
				n := active.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return nil
			})
		}()
		require.Eventually(t, func() bool { return l.pending() == i+1 }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestExecutePropagatesTaskError(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	defer l.Close()

	boom := errors.New("boom")
	err := l.Execute(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	// The worker keeps serving after a failure.
	require.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))
}

func TestCanceledTaskIsNeverStarted(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	defer l.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Execute(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, l.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestDoReturnsValue(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 100})
	defer l.Close()

	got, err := Do(context.Background(), l, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	got, err = Do[string](context.Background(), nil, func(context.Context) (string, error) {
		return "direct", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", got)
}

func TestDoWithExpiringContextsIsRaceFree(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	defer l.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
			defer cancel()
			got, err := Do(ctx, l, func(context.Context) (int, error) {
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			})
			if err == nil {
				assert.Equal(t, 42, got)
			}
		}()
	}
	wg.Wait()
}

func TestExecuteAfterClose(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Close()
	l.Close()
	require.ErrorIs(t, l.Execute(context.Background(), func(context.Context) error { return nil }), ErrClosed)
}
