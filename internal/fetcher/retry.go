// Package fetcher holds retry helpers shared by the HTTP and browser
// clients, and the browser-first fallback fetcher.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff computes exponential retry delays: Base * Multiplier * 2^attempt,
// capped at Max when Max is positive.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(b.Base) * mult * math.Pow(2, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// Scaled returns a copy of b with its multiplier scaled by factor.
func (b Backoff) Scaled(factor float64) Backoff {
	if factor <= 0 {
		return b
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	b.Multiplier = mult * factor
	return b
}

// RetryAfter parses a Retry-After header as seconds or an HTTP date. The
// result is capped at limit when limit is positive.
func RetryAfter(h http.Header, now time.Time, limit time.Duration) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	var wait time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(raw); err == nil {
		wait = at.Sub(now)
		if wait < 0 {
			wait = 0
		}
	} else {
		return 0, false
	}
	if limit > 0 && wait > limit {
		wait = limit
	}
	return wait, true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// IsTimeout reports whether err is a client-side timeout or abort.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
