package port

import (
	"context"
	"time"

	"github.com/arturoeanton/repolens/internal/domain"
)

// ProgressFunc receives progress updates from a long-running git operation.
// Implementations must not block: updates are delivered from a bridge queue,
// never from the git worker itself.
type ProgressFunc func(domain.TaskProgress)

// GitProvider abstracts git operations against a remote and a local working copy.
// Implementations must be safe for concurrent callers even when the underlying
// library requires single-threaded use per repository handle.
type GitProvider interface {
	// Clone clones url into dest.
	Clone(ctx context.Context, url string, dest string, progress ProgressFunc) error

	// Fetch updates the working copy at dest from its origin remote.
	// refspecs defaults to all branches and tags when empty.
	Fetch(ctx context.Context, dest string, refspecs []string, prune bool, progress ProgressFunc) error

	// ListRefs returns the branches and tags known to the working copy.
	ListRefs(ctx context.Context, dest string) ([]domain.Ref, error)

	// CommitsForRef walks history from ref. Commits older than since are
	// skipped when since is non-zero.
	CommitsForRef(ctx context.Context, dest string, ref domain.Ref, since time.Time) ([]domain.CommitRecord, error)

	// CommitBySHA reads a single commit from the working copy.
	CommitBySHA(ctx context.Context, dest string, sha string) (*domain.CommitRecord, error)
}
