// Package llm layers cross-cutting behavior (rate limiting, retries,
// logging, metrics) over an llmclient.LLMClient.
package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/metrics"
)

// Middleware decorates an LLMClient.
type Middleware func(llmclient.LLMClient) llmclient.LLMClient

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner llmclient.LLMClient, mws ...Middleware) llmclient.LLMClient {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// Unwrapper is implemented by every middleware so callers can reach the
// provider client underneath.
type Unwrapper interface {
	Unwrap() llmclient.LLMClient
}

// Innermost follows Unwrap until it reaches the provider client.
func Innermost(c llmclient.LLMClient) llmclient.LLMClient {
	for {
		u, ok := c.(Unwrapper)
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}

type opKey struct{}

// WithOperation labels ctx for logs, e.g. "summarize-file".
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

func OperationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(opKey{}).(string); ok && v != "" {
		return v
	}
	return "complete"
}

// -------- Rate Limiting --------

// RateLimit limits request rate with a token bucket. If rps <= 0, the
// limiter is disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &rateLimited{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	next llmclient.LLMClient
	rl   *rpsLimiter
}

func (c *rateLimited) Name() string               { return c.next.Name() }
func (c *rateLimited) Unwrap() llmclient.LLMClient { return c.next }
func (c *rateLimited) Close() error {
	c.rl.Stop()
	return c.next.Close()
}

func (c *rateLimited) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}
	return c.next.Complete(ctx, system, user, opts)
}

// RespectRateLimitSignals delays a request while the provider's last
// reported budget is exhausted.
func RespectRateLimitSignals(adapter llmclient.RateLimitControlAdapter) Middleware {
	if adapter == nil {
		adapter = llmclient.HeaderRateLimitControlAdapter{Max: time.Minute}
	}
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &signalControlled{next: next, adapter: adapter}
	}
}

type signalControlled struct {
	next    llmclient.LLMClient
	adapter llmclient.RateLimitControlAdapter
}

func (m *signalControlled) Name() string               { return m.next.Name() }
func (m *signalControlled) Close() error               { return m.next.Close() }
func (m *signalControlled) Unwrap() llmclient.LLMClient { return m.next }

func (m *signalControlled) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	if err := sleepCtx(ctx, m.NextWait()); err != nil {
		return "", err
	}
	return m.next.Complete(ctx, system, user, opts)
}

// NextWait is how long the next call should be held back.
func (m *signalControlled) NextWait() time.Duration {
	aware, ok := Innermost(m.next).(llmclient.RateLimitHeaderAwareClient)
	if !ok {
		return 0
	}
	headers, ok := aware.LastRateLimitHeaders()
	if !ok {
		return 0
	}
	return m.adapter.NextWait(headers)
}

// -------- Logging & Metrics --------

// WithLogging logs request size, latency and errors.
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next llmclient.LLMClient
	log  *zap.Logger
}

func (l *logging) Name() string               { return l.next.Name() }
func (l *logging) Close() error               { return l.next.Close() }
func (l *logging) Unwrap() llmclient.LLMClient { return l.next }

func (l *logging) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	op := OperationFrom(ctx)
	l.log.Debug("LLM request",
		zap.String("client", l.next.Name()),
		zap.String("op", op),
		zap.Int("bytes", len(system)+len(user)),
		zap.Int("approx_tokens", llmclient.CountTokens(user)),
	)
	start := time.Now()
	out, err := l.next.Complete(ctx, system, user, opts)
	if err != nil {
		l.log.Warn("LLM error", zap.String("client", l.next.Name()), zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
		return out, err
	}
	l.log.Debug("LLM response", zap.String("client", l.next.Name()), zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Int("bytes", len(out)))
	return out, nil
}

// WithMetrics records call counts and latency under the provider label,
// or the client name when provider is empty.
func WithMetrics(provider string) Middleware {
	return func(next llmclient.LLMClient) llmclient.LLMClient {
		return &metered{next: next, provider: provider}
	}
}

type metered struct {
	next     llmclient.LLMClient
	provider string
}

func (m *metered) Name() string               { return m.next.Name() }
func (m *metered) Close() error               { return m.next.Close() }
func (m *metered) Unwrap() llmclient.LLMClient { return m.next }

func (m *metered) Complete(ctx context.Context, system, user string, opts llmclient.CompletionOptions) (string, error) {
	start := time.Now()
	out, err := m.next.Complete(ctx, system, user, opts)
	label := m.provider
	if label == "" {
		label = m.next.Name()
	}
	metrics.RecordLLMCall(label, time.Since(start), err == nil)
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
