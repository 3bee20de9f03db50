package port

import (
	"context"
	"time"
)

// LockKind distinguishes the two per-repository locks. Syncs and analyses of
// the same repository never run concurrently; different repositories are
// independent.
type LockKind string

// Lock kinds. By convention the sync lock is always acquired before any
// nested analysis lock, and no caller holds locks for two repositories at once.
const (
	LockSync     LockKind = "sync"
	LockAnalysis LockKind = "analysis"
)

// LockHandle represents a held lock. Release is idempotent and safe to defer.
type LockHandle interface {
	Release() error
}

// Locker provides per-repository, per-kind mutual exclusion that holds across
// OS processes, not just goroutines.
type Locker interface {
	// Acquire blocks with polling backoff until the lock is obtained or
	// timeout elapses, in which case it fails with ErrLockTimeout.
	// A timeout of zero attempts exactly once and never blocks.
	Acquire(ctx context.Context, repoID string, kind LockKind, timeout time.Duration) (LockHandle, error)
}
