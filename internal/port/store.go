package port

import (
	"context"
	"time"

	"github.com/arturoeanton/repolens/internal/domain"
)

// SyncUpdate is the unit of work a successful sync applies atomically.
// Either all of it is persisted or none of it is.
type SyncUpdate struct {
	RepoID       string
	Commits      []domain.CommitRecord
	Refs         []domain.Ref
	PruneDeleted bool
	SyncedAt     time.Time
	ConfigHash   string
	DiskSize     int64
}

// SyncHistoryRecord is one row of the per-repository sync audit trail.
type SyncHistoryRecord struct {
	RepoID     string    `json:"repo_id"`
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"` // succeeded, failed
	Error      string    `json:"error,omitempty"`
	Commits    int       `json:"commits"`
	Branches   int       `json:"branches"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the durable relational store for registry entries, commit
// metadata, and sync history.
type Store interface {
	// Registry.
	CreateRepo(ctx context.Context, entry *domain.RepositoryEntry) (*domain.RepositoryEntry, error)
	GetRepo(ctx context.Context, id string) (*domain.RepositoryEntry, error)
	GetRepoByCanonicalPath(ctx context.Context, canonical string) (*domain.RepositoryEntry, error)
	ListRepos(ctx context.Context) ([]domain.RepositoryEntry, error)
	DeleteRepo(ctx context.Context, id string) error
	UpdateRepoStatus(ctx context.Context, id string, status string, errDetail string) error
	TouchAnalyzed(ctx context.Context, id string, at time.Time) error

	// Sync transaction boundary.
	ApplySync(ctx context.Context, update SyncUpdate) error

	// Commits.
	GetCommit(ctx context.Context, repoID string, sha string) (*domain.CommitRecord, error)
	ListCommits(ctx context.Context, repoID string, limit int) ([]domain.CommitRecord, error)
	SearchCommits(ctx context.Context, pattern string, repoIDs []string, limit int) ([]domain.CommitRecord, error)
	AnnotateCommit(ctx context.Context, repoID string, sha string, classification string, impact float64) error

	// Branches.
	ListBranches(ctx context.Context, repoID string) ([]string, error)

	// Sync history.
	AppendSyncHistory(ctx context.Context, rec SyncHistoryRecord) error
	ListSyncHistory(ctx context.Context, repoID string, limit int) ([]SyncHistoryRecord, error)
}
