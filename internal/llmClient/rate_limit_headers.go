package llmclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders represents normalized provider rate-limit signals.
type RateLimitHeaders struct {
	RetryAfter time.Duration

	LimitRequests     int
	LimitTokens       int
	RemainingRequests int
	RemainingTokens   int

	// Has* distinguish a reported zero from an absent header.
	HasRemainingRequests bool
	HasRemainingTokens   bool

	ResetRequests time.Duration
	ResetTokens   time.Duration
}

type RateLimitHeaderHandler func(headers RateLimitHeaders)

// RateLimitHeaderAwareClient is an optional interface for clients that expose
// parsed provider rate-limit headers.
type RateLimitHeaderAwareClient interface {
	SetRateLimitHeaderHandler(handler RateLimitHeaderHandler)
	LastRateLimitHeaders() (RateLimitHeaders, bool)
}

// RateLimitControlAdapter converts provider rate-limit signals to a wait duration.
type RateLimitControlAdapter interface {
	NextWait(headers RateLimitHeaders) time.Duration
}

// HeaderRateLimitControlAdapter waits out an exhausted budget and never
// longer than Max when Max is set.
type HeaderRateLimitControlAdapter struct {
	Max time.Duration
}

func (a HeaderRateLimitControlAdapter) NextWait(headers RateLimitHeaders) time.Duration {
	var wait time.Duration
	switch {
	case headers.RetryAfter > 0:
		wait = headers.RetryAfter
	case headers.HasRemainingTokens && headers.RemainingTokens == 0 && headers.ResetTokens > 0:
		wait = headers.ResetTokens
	case headers.HasRemainingRequests && headers.RemainingRequests == 0 && headers.ResetRequests > 0:
		wait = headers.ResetRequests
	}
	if a.Max > 0 && wait > a.Max {
		wait = a.Max
	}
	return wait
}

// parseRateLimitHeaders reads the x-ratelimit-* family shared by Groq and
// OpenAI. Groq reports requests per day and tokens per minute; OpenAI per
// minute for both. Reset values are Go-style durations ("2m59.56s", "20ms").
func parseRateLimitHeaders(h http.Header) (RateLimitHeaders, bool) {
	out := RateLimitHeaders{}
	found := false

	readInt := func(key string) (int, bool) {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			return 0, false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	readDur := func(key string) (time.Duration, bool) {
		v := strings.TrimSpace(h.Get(key))
		if v == "" {
			return 0, false
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, true
	}

	if v := strings.TrimSpace(h.Get("retry-after")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			out.RetryAfter = time.Duration(secs * float64(time.Second))
			found = true
		} else if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				out.RetryAfter = d
			}
			found = true
		}
	}
	if v, ok := readInt("x-ratelimit-limit-requests"); ok {
		out.LimitRequests = v
		found = true
	}
	if v, ok := readInt("x-ratelimit-limit-tokens"); ok {
		out.LimitTokens = v
		found = true
	}
	if v, ok := readInt("x-ratelimit-remaining-requests"); ok {
		out.RemainingRequests = v
		out.HasRemainingRequests = true
		found = true
	}
	if v, ok := readInt("x-ratelimit-remaining-tokens"); ok {
		out.RemainingTokens = v
		out.HasRemainingTokens = true
		found = true
	}
	if v, ok := readDur("x-ratelimit-reset-requests"); ok {
		out.ResetRequests = v
		found = true
	}
	if v, ok := readDur("x-ratelimit-reset-tokens"); ok {
		out.ResetTokens = v
		found = true
	}

	return out, found
}
