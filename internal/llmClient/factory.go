package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// KeyValidator is implemented by clients that can check their API key
// without generating anything.
type KeyValidator interface {
	ValidateKey(ctx context.Context) error
}

// Options overrides per-provider defaults. BaseURLs is keyed by provider and
// mostly exists for tests and self-hosted gateways.
type Options struct {
	Models     map[Provider]string
	BaseURLs   map[Provider]string
	HTTPClient *http.Client
}

// Factory builds a client for one request's provider and key.
type Factory func(ctx context.Context, provider Provider, apiKey string) (LLMClient, error)

// NewFactory returns a Factory bound to opts.
func NewFactory(opts Options) Factory {
	return func(ctx context.Context, provider Provider, apiKey string) (LLMClient, error) {
		return NewClient(ctx, provider, apiKey, opts)
	}
}

// NewClient fails with ErrMissingCredentials for an empty key, before any
// network activity.
func NewClient(ctx context.Context, provider Provider, apiKey string, opts Options) (LLMClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s %w", provider.DisplayName(), ErrMissingCredentials)
	}
	switch provider {
	case ProviderGroq, ProviderOpenAI:
		return NewChatClient(provider, apiKey, ChatOptions{
			Model:      opts.Models[provider],
			BaseURL:    opts.BaseURLs[provider],
			HTTPClient: opts.HTTPClient,
		})
	case ProviderGemini:
		return NewGeminiClient(ctx, apiKey, opts.Models[provider])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}
