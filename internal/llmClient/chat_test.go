package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChat(t *testing.T, h http.HandlerFunc) *ChatClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewChatClient(ProviderGroq, "gsk_test", ChatOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestChatCompleteSendsPromptAndOptions(t *testing.T) {
	var got chatReq
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("x-ratelimit-remaining-requests", "99")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"A tiny CLI."}}]}`))
	})

	out, err := c.Complete(context.Background(), "sys", "user", CompletionOptions{Temperature: 0.5, MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, "A tiny CLI.", out)
	assert.Equal(t, "llama-3.3-70b-versatile", got.Model)
	assert.Equal(t, []chatMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "user"}}, got.Messages)
	assert.Equal(t, float32(0.5), got.Temperature)
	assert.Equal(t, 500, got.MaxTokens)

	rl, ok := c.LastRateLimitHeaders()
	require.True(t, ok)
	assert.Equal(t, 99, rl.RemainingRequests)
}

func TestChatCompleteParsesProviderMessage(t *testing.T) {
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API Key","code":"invalid_api_key"}}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", CompletionOptions{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid API Key", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestChatCompleteFallsBackToRawBody(t *testing.T) {
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})
	_, err := c.Complete(context.Background(), "s", "u", CompletionOptions{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.True(t, apiErr.Retryable())
}

func TestChatContextLengthIsPermanent(t *testing.T) {
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"too long","code":"context_length_exceeded"}}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", CompletionOptions{})
	var perm *PermanentError
	assert.True(t, errors.As(err, &perm))
}

func TestChatEmptyCompletion(t *testing.T) {
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", CompletionOptions{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestValidateKey(t *testing.T) {
	c := newTestChat(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer gsk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	assert.NoError(t, c.ValidateKey(context.Background()))
}

func TestNewClientRequiresKey(t *testing.T) {
	for _, p := range []Provider{ProviderGroq, ProviderOpenAI, ProviderGemini} {
		_, err := NewClient(context.Background(), p, "  ", Options{})
		assert.ErrorIs(t, err, ErrMissingCredentials, string(p))
		assert.Contains(t, err.Error(), p.DisplayName())
	}
	_, err := NewClient(context.Background(), Provider("mystery"), "k", Options{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewClientOpenAIDefaults(t *testing.T) {
	c, err := NewClient(context.Background(), ProviderOpenAI, "sk", Options{})
	require.NoError(t, err)
	assert.Equal(t, "OpenAI:gpt-4o", c.Name())
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("")
	require.NoError(t, err)
	assert.Equal(t, ProviderGroq, p)
	p, err = ParseProvider("OpenAI")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p)
	_, err = ParseProvider("claude")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
