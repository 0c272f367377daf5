package summarize

import (
	"errors"
	"fmt"

	llmclient "repoviz/internal/llmClient"
)

var (
	// ErrUnsummarizable rejects file types the classifier denies.
	ErrUnsummarizable = errors.New("this file type cannot be summarized. Only code and text files are supported")
	// ErrMissingCredentials is returned before any provider call.
	ErrMissingCredentials = llmclient.ErrMissingCredentials
	// ErrGenerationFailed matches every *GenerationError.
	ErrGenerationFailed = errors.New("summary generation failed")
	// ErrNoChildSummaries rejects a directory request with nothing to roll up.
	ErrNoChildSummaries = errors.New("directory has no summarized children")
	// ErrNoSummaries rejects a question when nothing has been summarized yet.
	ErrNoSummaries = errors.New("no file summaries available. Please summarize some files first")

	ErrEmptyQuestion = errors.New("question is empty")
)

// GenerationError carries the provider's own message when it could be
// parsed, otherwise the raw response body.
type GenerationError struct {
	Provider llmclient.Provider
	Message  string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider.DisplayName(), e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGenerationFailed }

func generationError(provider llmclient.Provider, err error) error {
	msg := err.Error()
	var apiErr *llmclient.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	return &GenerationError{Provider: provider, Message: msg, Err: err}
}

// MissingCredentials names the provider whose key is absent.
func MissingCredentials(provider llmclient.Provider) error {
	return fmt.Errorf("%s %w", provider.DisplayName(), ErrMissingCredentials)
}
