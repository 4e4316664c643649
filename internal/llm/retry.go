package llm

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/drover/internal/retry"
)

// RetryPolicy configures the shared retry wrapper around provider calls.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	Jitter     bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the baseline policy used by sessions.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

func (p RetryPolicy) config() retry.Config {
	return retry.Config{
		MaxAttempts:  p.MaxRetries + 1,
		InitialDelay: p.BaseDelay,
		MaxDelay:     p.MaxDelay,
		Factor:       p.Multiplier,
		Jitter:       p.Jitter,
		DelayHint:    RetryAfterHint,
	}
}

// CompleteWithRetry retries Complete on retryable provider errors with
// exponential backoff, honoring Retry-After hints. Non-retryable errors
// propagate immediately; context cancellation surfaces as an abort error.
func (c *Client) CompleteWithRetry(ctx context.Context, req *Request, policy RetryPolicy) (*Response, error) {
	resp, result := retry.DoWithValue(ctx, policy.config(), func() (*Response, error) {
		resp, err := c.Complete(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return resp, err
	})
	if result.Err == nil {
		return resp, nil
	}
	return nil, unwrapRetryError(result.Err)
}

// StreamWithRetry retries the stream open on retryable provider errors under
// the same policy as CompleteWithRetry. Only the open is retried: once an
// adapter hands back its event channel the stream is live, and mid-stream
// failures surface through the returned handle, not here.
func (c *Client) StreamWithRetry(ctx context.Context, req *Request, policy RetryPolicy) (*Stream, error) {
	s, result := retry.DoWithValue(ctx, policy.config(), func() (*Stream, error) {
		s, err := c.Stream(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, retry.Permanent(err)
		}
		return s, err
	})
	if result.Err == nil {
		return s, nil
	}
	return nil, unwrapRetryError(result.Err)
}

// unwrapRetryError strips the retry wrapper's permanent marker and maps
// context expiry onto the abort kind.
func unwrapRetryError(err error) error {
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return AbortError(err)
	}
	return err
}
