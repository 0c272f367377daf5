package llm

import (
	"context"
	"errors"
	"time"

	llmclient "repoviz/internal/llmClient"
)

// Retry retries Complete up to maxAttempts with exponential backoff
// starting at baseDelay. Permanent errors, rejected requests and canceled
// contexts are returned immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next llmclient.LLMClient
	max  int
	base time.Duration
}

func (r *retrying) Name() string               { return r.next.Name() }
func (r *retrying) Close() error               { return r.next.Close() }
func (r *retrying) Unwrap() llmclient.LLMClient { return r.next }

func (r *retrying) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		out, err := r.next.Complete(ctx, system, user, opts)
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return "", err
		}
		last = err
		if i == r.max-1 {
			break
		}
		if err := sleepCtx(ctx, r.base*time.Duration(1<<i)); err != nil {
			return "", err
		}
	}
	return "", last
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, llmclient.ErrMissingCredentials) {
		return false
	}
	var pErr *llmclient.PermanentError
	if errors.As(err, &pErr) {
		return false
	}
	var apiErr *llmclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
