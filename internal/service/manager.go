// Package service implements the application façade: every consumer-facing
// operation on the repository registry goes through the RepositoryManager,
// which coordinates the store, the cache, the locks, the scheduler, and the
// synchronization engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/arturoeanton/repolens/internal/adapter/cache"
	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/arturoeanton/repolens/internal/scheduler"
	"github.com/arturoeanton/repolens/internal/syncer"
	"github.com/arturoeanton/repolens/pkg/config"
)

const defaultSearchLimit = 50

// ManagerOptions bundles the manager's tunables.
type ManagerOptions struct {
	CloneBasePath string
	CacheTTL      time.Duration
	LockTimeout   time.Duration
	BatchTimeout  time.Duration
}

// RepositoryManager is the single entry point for registry operations:
// registration, sync scheduling, analysis, queries, and removal.
type RepositoryManager struct {
	store  port.Store
	cache  port.Cache
	locks  port.Locker
	sched  *scheduler.Scheduler
	syncer *syncer.Syncer
	opts   ManagerOptions
	logger *slog.Logger
	events *RepoEventBus

	mu          sync.RWMutex
	repoConfigs map[string]config.RepoConfig // keyed by canonical path
}

// NewRepositoryManager creates the manager.
func NewRepositoryManager(store port.Store, c port.Cache, locks port.Locker, sched *scheduler.Scheduler, sy *syncer.Syncer, opts ManagerOptions, logger *slog.Logger) *RepositoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = time.Hour
	}
	return &RepositoryManager{
		store:       store,
		cache:       c,
		locks:       locks,
		sched:       sched,
		syncer:      sy,
		opts:        opts,
		logger:      logger,
		events:      NewRepoEventBus(),
		repoConfigs: make(map[string]config.RepoConfig),
	}
}

// Events exposes the repository status event bus for streaming subscriptions.
func (m *RepositoryManager) Events() *RepoEventBus { return m.events }

// LoadConfigs registers every repository from the YAML list, creating missing
// registry entries. Entries already present keep their state; only their
// configuration is refreshed.
func (m *RepositoryManager) LoadConfigs(ctx context.Context, rf *config.ReposFile) error {
	for i := range rf.Repos {
		if _, err := m.Register(ctx, rf.Repos[i]); err != nil {
			return fmt.Errorf("register %s: %w", rf.Repos[i].Name, err)
		}
	}
	return nil
}

// Register adds a repository to the registry. Registration is idempotent on
// the canonical path: re-registering an existing repository refreshes its
// configuration and returns the existing entry.
func (m *RepositoryManager) Register(ctx context.Context, cfg config.RepoConfig) (*domain.RepositoryEntry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	canonical, err := domain.CanonicalPath(cfg.URL)
	if err != nil {
		return nil, &port.ValidationError{Field: "url", Reason: err.Error()}
	}

	m.mu.Lock()
	m.repoConfigs[canonical] = cfg
	m.mu.Unlock()

	existing, err := m.store.GetRepoByCanonicalPath(ctx, canonical)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, port.ErrRepoNotFound) {
		return nil, err
	}

	// The store assigns the id on insert.
	entry := &domain.RepositoryEntry{
		CanonicalPath: canonical,
		URL:           cfg.URL,
		LocalPath:     filepath.Join(m.opts.CloneBasePath, canonical),
		Status:        domain.RepoStatusNotSynced,
	}
	created, err := m.store.CreateRepo(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("create repository entry: %w", err)
	}
	m.logger.Info("repository registered", "repo_id", created.ID, "canonical_path", canonical)
	m.events.Publish(RepoEvent{RepoID: created.ID, CanonicalPath: canonical, Status: created.Status})
	return created, nil
}

// Get returns one registry entry.
func (m *RepositoryManager) Get(ctx context.Context, id string) (*domain.RepositoryEntry, error) {
	return m.store.GetRepo(ctx, id)
}

// List returns every registry entry.
func (m *RepositoryManager) List(ctx context.Context) ([]domain.RepositoryEntry, error) {
	return m.store.ListRepos(ctx)
}

// Remove deletes a repository from the registry under both of its locks, so a
// running sync or analysis finishes or the removal waits. removeArtifacts
// additionally deletes the local working copy.
func (m *RepositoryManager) Remove(ctx context.Context, id string, removeArtifacts bool) error {
	entry, err := m.store.GetRepo(ctx, id)
	if err != nil {
		return err
	}

	// Sync before analysis, matching the lock ordering everywhere else.
	syncHandle, err := m.locks.Acquire(ctx, id, port.LockSync, m.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire sync lock for removal: %w", err)
	}
	defer syncHandle.Release()

	analysisHandle, err := m.locks.Acquire(ctx, id, port.LockAnalysis, m.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire analysis lock for removal: %w", err)
	}
	defer analysisHandle.Release()

	if err := m.store.DeleteRepo(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.repoConfigs, entry.CanonicalPath)
	m.mu.Unlock()

	if removeArtifacts && entry.LocalPath != "" {
		if err := os.RemoveAll(entry.LocalPath); err != nil {
			m.logger.Warn("failed to remove working copy", "repo_id", id, "path", entry.LocalPath, "error", err)
		}
	}
	m.invalidateRepo(context.WithoutCancel(ctx), id)
	m.logger.Info("repository removed", "repo_id", id, "canonical_path", entry.CanonicalPath, "artifacts_removed", removeArtifacts)
	m.events.Publish(RepoEvent{RepoID: id, CanonicalPath: entry.CanonicalPath, Status: "removed"})
	return nil
}

// Sync schedules one sync and returns the pending task without waiting for
// it. manual marks an operator-initiated run, which resets a tripped circuit
// breaker.
func (m *RepositoryManager) Sync(ctx context.Context, id string, manual bool) (*domain.SyncTask, error) {
	entry, err := m.store.GetRepo(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg := m.configFor(entry)

	// The task outlives the request that scheduled it.
	return m.sched.Submit(context.WithoutCancel(ctx), scheduler.Spec{
		RepoID: entry.ID,
		Kind:   domain.TaskSync,
		Run: func(taskCtx context.Context, taskID string, report port.ProgressFunc) error {
			return m.runSync(taskCtx, entry, cfg, taskID, manual, report)
		},
	})
}

// SyncAll syncs every auto-syncable repository as one bounded batch and
// reports per-repository outcomes. Manual-strategy and paused repositories
// are skipped; one failing repository never aborts its siblings.
func (m *RepositoryManager) SyncAll(ctx context.Context) (domain.BatchResult, error) {
	entries, err := m.store.ListRepos(ctx)
	if err != nil {
		return domain.BatchResult{}, err
	}

	var specs []scheduler.Spec
	for i := range entries {
		entry := entries[i]
		cfg := m.configFor(&entry)
		if !syncer.ShouldAutoSync(&entry, cfg) {
			m.logger.Debug("skipping repository in sync-all", "repo_id", entry.ID, "strategy", cfg.Strategy, "status", entry.Status)
			continue
		}
		specs = append(specs, scheduler.Spec{
			RepoID: entry.ID,
			Kind:   domain.TaskSync,
			Run: func(taskCtx context.Context, taskID string, report port.ProgressFunc) error {
				return m.runSync(taskCtx, &entry, cfg, taskID, false, report)
			},
		})
	}

	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.BatchTimeout)
	defer cancel()

	result := m.sched.RunBatch(batchCtx, specs)
	m.logger.Info("sync-all finished", "total", len(result.Outcomes), "succeeded", result.Succeeded(), "failed", result.Failed())
	return result, nil
}

// runSync wraps the engine so status changes reach live event subscribers.
func (m *RepositoryManager) runSync(ctx context.Context, entry *domain.RepositoryEntry, cfg config.RepoConfig, taskID string, manual bool, report port.ProgressFunc) error {
	m.events.Publish(RepoEvent{RepoID: entry.ID, CanonicalPath: entry.CanonicalPath, Status: domain.RepoStatusSyncing})
	err := m.syncer.Sync(ctx, entry, cfg, taskID, manual, report)
	if err != nil {
		m.events.Publish(RepoEvent{RepoID: entry.ID, CanonicalPath: entry.CanonicalPath, Status: domain.RepoStatusError, Error: err.Error()})
		return err
	}
	m.events.Publish(RepoEvent{RepoID: entry.ID, CanonicalPath: entry.CanonicalPath, Status: domain.RepoStatusActive})
	return nil
}

// Analyze schedules a metadata analysis pass over the repository's stored
// commits and returns the pending task.
func (m *RepositoryManager) Analyze(ctx context.Context, id string) (*domain.SyncTask, error) {
	entry, err := m.store.GetRepo(ctx, id)
	if err != nil {
		return nil, err
	}

	return m.sched.Submit(context.WithoutCancel(ctx), scheduler.Spec{
		RepoID: entry.ID,
		Kind:   domain.TaskAnalyze,
		Run: func(taskCtx context.Context, taskID string, report port.ProgressFunc) error {
			return m.runAnalysis(taskCtx, entry, report)
		},
	})
}

func (m *RepositoryManager) runAnalysis(ctx context.Context, entry *domain.RepositoryEntry, report port.ProgressFunc) error {
	handle, err := m.locks.Acquire(ctx, entry.ID, port.LockAnalysis, m.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire analysis lock: %w", err)
	}
	defer handle.Release()

	commits, err := m.store.ListCommits(ctx, entry.ID, 0)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}

	for i, c := range commits {
		if err := ctx.Err(); err != nil {
			return err
		}
		class, impact := Classify(c)
		if err := m.store.AnnotateCommit(ctx, entry.ID, c.SHA, class, impact); err != nil {
			return fmt.Errorf("annotate %s: %w", c.SHA, err)
		}
		if (i+1)%100 == 0 {
			report(domain.TaskProgress{Commits: int64(i + 1), Message: "classifying commits"})
		}
	}

	bg := context.WithoutCancel(ctx)
	if err := m.store.TouchAnalyzed(bg, entry.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record analysis time: %w", err)
	}
	m.invalidateRepo(bg, entry.ID)
	m.logger.Info("analysis finished", "repo_id", entry.ID, "commits", len(commits))
	return nil
}

// Search finds commits by message pattern, optionally scoped to a repository
// set. Results are cached; any sync drops the whole search cache.
func (m *RepositoryManager) Search(ctx context.Context, pattern string, repoIDs []string, limit int) ([]domain.CommitRecord, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	key := cache.Key("search", append(append([]string{}, repoIDs...), pattern, strconv.Itoa(limit))...)

	if payload, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var commits []domain.CommitRecord
		if jerr := json.Unmarshal(payload, &commits); jerr == nil {
			return commits, nil
		}
	}

	commits, err := m.store.SearchCommits(ctx, pattern, repoIDs, limit)
	if err != nil {
		return nil, err
	}
	if payload, jerr := json.Marshal(commits); jerr == nil {
		if cerr := m.cache.Set(ctx, key, payload, m.opts.CacheTTL); cerr != nil {
			m.logger.Warn("failed to cache search result", "error", cerr)
		}
	}
	return commits, nil
}

// Branches returns the repository's branch names, cached until the next sync.
func (m *RepositoryManager) Branches(ctx context.Context, repoID string) ([]string, error) {
	key := cache.RepoKey("branches", repoID)

	if payload, ok, err := m.cache.Get(ctx, key); err == nil && ok {
		var names []string
		if jerr := json.Unmarshal(payload, &names); jerr == nil {
			return names, nil
		}
	}

	names, err := m.store.ListBranches(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if payload, jerr := json.Marshal(names); jerr == nil {
		if cerr := m.cache.Set(ctx, key, payload, m.opts.CacheTTL); cerr != nil {
			m.logger.Warn("failed to cache branches", "repo_id", repoID, "error", cerr)
		}
	}
	return names, nil
}

// GetCommit reads one commit by hash.
func (m *RepositoryManager) GetCommit(ctx context.Context, repoID, sha string) (*domain.CommitRecord, error) {
	return m.store.GetCommit(ctx, repoID, sha)
}

// ListCommits returns the newest stored commits of a repository.
func (m *RepositoryManager) ListCommits(ctx context.Context, repoID string, limit int) ([]domain.CommitRecord, error) {
	return m.store.ListCommits(ctx, repoID, limit)
}

// SyncHistory returns the repository's sync audit trail, newest first.
func (m *RepositoryManager) SyncHistory(ctx context.Context, repoID string, limit int) ([]port.SyncHistoryRecord, error) {
	return m.store.ListSyncHistory(ctx, repoID, limit)
}

// TaskStatus returns a snapshot of a scheduled task.
func (m *RepositoryManager) TaskStatus(id string) (*domain.SyncTask, error) {
	return m.sched.Status(id)
}

// AwaitTask blocks until the task finishes or ctx is done.
func (m *RepositoryManager) AwaitTask(ctx context.Context, id string) (*domain.SyncTask, error) {
	return m.sched.Await(ctx, id)
}

// CancelTask requests cooperative cancellation of a task.
func (m *RepositoryManager) CancelTask(id string) error {
	return m.sched.Cancel(id)
}

// Tracker exposes the task tracker for streaming subscriptions.
func (m *RepositoryManager) Tracker() *scheduler.Tracker {
	return m.sched.Tracker()
}

// configFor resolves the repository's configuration, falling back to a
// default full-sync configuration for entries registered without one.
func (m *RepositoryManager) configFor(entry *domain.RepositoryEntry) config.RepoConfig {
	m.mu.RLock()
	cfg, ok := m.repoConfigs[entry.CanonicalPath]
	m.mu.RUnlock()
	if ok {
		return cfg
	}
	cfg = config.RepoConfig{URL: entry.URL, Strategy: domain.StrategyFull}
	_ = cfg.Validate()
	return cfg
}

func (m *RepositoryManager) invalidateRepo(ctx context.Context, repoID string) {
	for _, prefix := range []string{
		cache.RepoPrefix("branches", repoID),
		cache.RepoPrefix("commits", repoID),
		"search:",
	} {
		if err := m.cache.Invalidate(ctx, prefix); err != nil {
			m.logger.Warn("cache invalidation failed", "prefix", prefix, "error", err)
		}
	}
}
