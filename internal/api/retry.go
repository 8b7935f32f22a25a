package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"escrowchat/pkg/circuitbreaker"
)

type AttemptFunc func() (status int, err error)

// DoWithRetry retries the attempt function on transient errors (429/5xx) or
// transport errors. An open breaker or a cancelled context stops immediately.
func DoWithRetry(ctx context.Context, attempts int, initialDelay time.Duration, fn AttemptFunc) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	delay := initialDelay
	var (
		status int
		err    error
	)
	for i := 0; i < attempts; i++ {
		status, err = fn()
		if err == nil || !transient(status, err) {
			return status, err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return status, ctx.Err()
		case <-t.C:
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
	return status, err
}

func transient(status int, err error) bool {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}
