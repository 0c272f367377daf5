// Package llmclient talks to the text generation providers used to write
// summaries. Clients only make the API call; rate limiting, retries and
// logging are layered on by the llm middleware package.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredentials is returned before any network call when no API
	// key was supplied.
	ErrMissingCredentials = errors.New("API key is required")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrEmptyCompletion    = errors.New("empty completion from LLM")
)

type Provider string

const (
	ProviderGroq   Provider = "groq"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// ParseProvider accepts a provider name case-insensitively; empty selects groq.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ProviderGroq, nil
	case ProviderGroq, ProviderOpenAI, ProviderGemini:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// DisplayName is used in user-facing messages such as "Groq API key is required".
func (p Provider) DisplayName() string {
	switch p {
	case ProviderGroq:
		return "Groq"
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderGemini:
		return "Gemini"
	}
	return string(p)
}

// DefaultModel is the model each provider is called with unless overridden.
func (p Provider) DefaultModel() string {
	switch p {
	case ProviderGroq:
		return "llama-3.3-70b-versatile"
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderGemini:
		return "gemini-2.5-flash"
	}
	return ""
}

type CompletionOptions struct {
	Temperature float32
	MaxTokens   int
}

// LLMClient produces one completion for a system and user prompt pair.
type LLMClient interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompletionOptions) (string, error)
	Close() error
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// APIError is a non-2xx provider response. Message is the provider's own
// error message when the body parsed, otherwise the raw body.
type APIError struct {
	Provider Provider
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider.DisplayName(), e.Status, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// CountTokens is a rough token estimate used for logging and budgets.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	words := strings.Fields(text)
	if len(words) > 0 {
		return len(words)
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
