package port

import (
	"errors"
	"fmt"
)

// Sentinel errors used across ports.
var (
	ErrLockTimeout    = errors.New("lock acquisition timed out")
	ErrSchemaVersion  = errors.New("unsupported schema version")
	ErrRepoNotFound   = errors.New("repository not found")
	ErrCommitNotFound = errors.New("commit not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrBreakerOpen    = errors.New("circuit breaker open")
)

// GitNetworkError signals a network or authentication failure talking to a
// remote. Retryable with backoff.
type GitNetworkError struct {
	URL string
	Err error
}

func (e *GitNetworkError) Error() string {
	return fmt.Sprintf("git network error for %s: %v", e.URL, e.Err)
}

func (e *GitNetworkError) Unwrap() error { return e.Err }

// GitTimeoutError signals a git operation exceeded its deadline. Retryable.
type GitTimeoutError struct {
	Op  string
	Err error
}

func (e *GitTimeoutError) Error() string {
	return fmt.Sprintf("git %s timed out: %v", e.Op, e.Err)
}

func (e *GitTimeoutError) Unwrap() error { return e.Err }

// GitRepositoryError signals working-copy corruption or a missing object.
// Never retried automatically; surfaced for manual remediation.
type GitRepositoryError struct {
	Path string
	Err  error
}

func (e *GitRepositoryError) Error() string {
	return fmt.Sprintf("git repository error at %s: %v", e.Path, e.Err)
}

func (e *GitRepositoryError) Unwrap() error { return e.Err }

// ValidationError signals malformed configuration or patterns. Fatal for the
// affected repository's operation only; never aborts a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Retryable reports whether an error class may be retried with backoff.
func Retryable(err error) bool {
	var netErr *GitNetworkError
	var tmoErr *GitTimeoutError
	return errors.As(err, &netErr) || errors.As(err, &tmoErr)
}
