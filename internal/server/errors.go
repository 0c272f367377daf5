package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"repoviz/internal/cachekey"
	"repoviz/internal/github"
	"repoviz/internal/gitsource"
	llmclient "repoviz/internal/llmClient"
	"repoviz/internal/reconcile"
	"repoviz/internal/summarize"
)

var errMissingField = errors.New("missing required field")

// toConnectError maps domain errors onto connect codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	var fetchErr *github.ContentFetchError
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, summarize.ErrUnsummarizable),
		errors.Is(err, cachekey.ErrInvalidRepoReference),
		errors.Is(err, cachekey.ErrInvalidPath),
		errors.Is(err, cachekey.ErrMalformedKey),
		errors.Is(err, summarize.ErrNoChildSummaries),
		errors.Is(err, summarize.ErrNoSummaries),
		errors.Is(err, summarize.ErrEmptyQuestion),
		errors.Is(err, reconcile.ErrMissingRoot),
		errors.Is(err, llmclient.ErrUnknownProvider),
		errors.Is(err, errMissingField):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, summarize.ErrMissingCredentials):
		return connect.NewError(connect.CodeUnauthenticated, err)
	case errors.As(err, &fetchErr):
		switch {
		case fetchErr.NotFound():
			return connect.NewError(connect.CodeNotFound, err)
		case fetchErr.RateLimited:
			return connect.NewError(connect.CodeResourceExhausted, err)
		}
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, gitsource.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, summarize.ErrGenerationFailed):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
