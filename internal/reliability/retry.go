// Package reliability provides retry classification and backoff helpers for
// calls to external systems.
package reliability

import (
	"context"
	"time"
)

// RetryableStatus reports whether an HTTP status code indicates a transient
// upstream condition worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Backoff computes a deterministic capped exponential backoff duration.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
