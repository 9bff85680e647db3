package crm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// APIError is a non-2xx response from the CRM API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether an error is worth another attempt. Transport
// errors are retryable; API errors only on rate limiting, auth expiry or
// server faults.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNoToken) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 401 || apiErr.Status == 429 || apiErr.Status >= 500
	}
	return true
}

// Policy describes a bounded retry loop with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles each retry.
	BaseDelay time.Duration
	// RetryIf decides whether an error warrants another attempt. A nil
	// RetryIf retries every error.
	RetryIf func(error) bool
	// OnRetry, when set, is invoked before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy matches the CRM API guidance: three attempts with 1s and 2s
// waits between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		RetryIf:     IsRetryable,
	}
}

// Do runs op under the policy. It returns the last error when all attempts
// fail, or the context error when cancelled during a backoff wait.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		delay := p.BaseDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
