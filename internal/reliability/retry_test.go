package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryableStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		if got := RetryableStatus(tc.code); got != tc.want {
			t.Fatalf("RetryableStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 700 * time.Millisecond
	if got := Backoff(0, base, max); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := Backoff(1, base, max); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := Backoff(10, base, max); got != max {
		t.Fatalf("attempt 10 = %v, want %v", got, max)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
}
