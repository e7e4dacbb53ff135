package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/provider"
)

// call runs fn under the account rate limit, retrying transient failures
// with exponential backoff.
func call[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		out, err := fn(callCtx)
		cancel()
		metrics.CountProviderCall("google", method, err)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) || attempt >= c.cfg.MaxRetries {
			return zero, err
		}
		wait := backoff(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt)
		c.log.Warn("retrying provider call", "method", method, "attempt", attempt+1, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return true
		case gerr.Code == http.StatusForbidden:
			for _, item := range gerr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isStatus(err error, codes ...int) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, code := range codes {
		if gerr.Code == code {
			return true
		}
	}
	return false
}

func mapError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case gerr.Code == http.StatusGone:
		return fmt.Errorf("%s: %w", op, provider.ErrCursorInvalid)
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, provider.ErrNotFound)
	case gerr.Code >= 400 && gerr.Code < 500 && !retryable(err):
		return &provider.TerminalError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
