package vcs

import (
	"context"
	"errors"
	"net"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/arturoeanton/repolens/internal/port"
)

// classifyRemote maps errors from remote-facing operations (clone, fetch)
// onto the retryability taxonomy. Unknown remote failures are treated as
// network errors so they stay retryable with backoff.
func classifyRemote(op, url string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &port.GitTimeoutError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return &port.GitNetworkError{URL: url, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &port.GitTimeoutError{Op: op, Err: err}
		}
		return &port.GitNetworkError{URL: url, Err: err}
	}

	return &port.GitNetworkError{URL: url, Err: err}
}

// classifyLocal maps errors from working-copy operations (open, ref and
// object reads) onto the taxonomy. These point at corruption or a missing
// clone and are never retried automatically.
func classifyLocal(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, plumbing.ErrObjectNotFound) || errors.Is(err, plumbing.ErrReferenceNotFound) {
		return &port.GitRepositoryError{Path: path, Err: err}
	}
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return &port.GitRepositoryError{Path: path, Err: err}
	}
	return &port.GitRepositoryError{Path: path, Err: err}
}
