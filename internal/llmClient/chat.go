package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	openAIBaseURL = "https://api.openai.com/v1"
)

// ChatClient calls an OpenAI-compatible Chat Completions API. Groq and
// OpenAI share the wire format and differ only in base URL and model.
type ChatClient struct {
	http     *http.Client
	provider Provider
	apiKey   string
	model    string
	baseURL  string

	rlMu      sync.RWMutex
	rlLast    RateLimitHeaders
	rlHasLast bool
	rlHandler RateLimitHeaderHandler
}

type ChatOptions struct {
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewChatClient(provider Provider, apiKey string, opts ChatOptions) (*ChatClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s %w", provider.DisplayName(), ErrMissingCredentials)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		switch provider {
		case ProviderGroq:
			baseURL = groqBaseURL
		case ProviderOpenAI:
			baseURL = openAIBaseURL
		default:
			return nil, fmt.Errorf("%w: %q has no chat completions endpoint", ErrUnknownProvider, provider)
		}
	}
	model := opts.Model
	if model == "" {
		model = provider.DefaultModel()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &ChatClient{
		http:     hc,
		provider: provider,
		apiKey:   apiKey,
		model:    model,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

func (c *ChatClient) Name() string       { return c.provider.DisplayName() + ":" + c.model }
func (c *ChatClient) Provider() Provider { return c.provider }
func (c *ChatClient) Close() error       { return nil }

func (c *ChatClient) SetRateLimitHeaderHandler(handler RateLimitHeaderHandler) {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	c.rlHandler = handler
}

func (c *ChatClient) LastRateLimitHeaders() (RateLimitHeaders, bool) {
	c.rlMu.RLock()
	defer c.rlMu.RUnlock()
	return c.rlLast, c.rlHasLast
}

type chatReq struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *ChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompletionOptions) (string, error) {
	body := chatReq{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	c.recordRateLimit(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.apiError(resp)
	}
	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", c.provider, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}

// ValidateKey lists models, which every valid key may do.
func (c *ChatClient) ValidateKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *ChatClient) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Provider: c.provider, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var parsed errorResp
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		if code, ok := parsed.Error.Code.(string); ok {
			apiErr.Code = code
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	if resp.StatusCode == http.StatusBadRequest &&
		(apiErr.Code == "context_length_exceeded" || strings.Contains(string(raw), `"code":"context_length_exceeded"`)) {
		return NewPermanentError(apiErr)
	}
	return apiErr
}

func (c *ChatClient) recordRateLimit(h http.Header) {
	parsed, ok := parseRateLimitHeaders(h)
	if !ok {
		return
	}
	c.rlMu.Lock()
	c.rlLast = parsed
	c.rlHasLast = true
	handler := c.rlHandler
	c.rlMu.Unlock()
	if handler != nil {
		handler(parsed)
	}
}
