// Package syncer implements the repository synchronization engine: it brings
// a working copy up to date, extracts commit metadata for the configured
// branches, and persists the result as one atomic update.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arturoeanton/repolens/internal/adapter/cache"
	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/arturoeanton/repolens/pkg/config"
)

// Options bundles the tunables of the engine.
type Options struct {
	LockTimeout      time.Duration
	GitTimeout       time.Duration
	RetryMaxAttempts int
}

// Syncer coordinates one repository sync end to end: lock, clone or fetch,
// history walk, atomic persistence, cache invalidation, audit trail.
type Syncer struct {
	store    port.Store
	git      port.GitProvider
	locks    port.Locker
	cache    port.Cache
	breakers *BreakerRegistry
	opts     Options
	logger   *slog.Logger
}

// New creates a Syncer.
func New(store port.Store, git port.GitProvider, locks port.Locker, c port.Cache, breakers *BreakerRegistry, opts Options, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 3
	}
	return &Syncer{
		store:    store,
		git:      git,
		locks:    locks,
		cache:    c,
		breakers: breakers,
		opts:     opts,
		logger:   logger,
	}
}

// ShouldAutoSync reports whether a sync-all batch includes this repository.
// Manual-strategy and paused repositories sync only on explicit request.
func ShouldAutoSync(entry *domain.RepositoryEntry, cfg config.RepoConfig) bool {
	if cfg.Strategy == domain.StrategyManual {
		return false
	}
	return entry.Status != domain.RepoStatusPaused
}

// Sync runs one sync of entry under its per-repository sync lock. manual marks
// an operator-initiated run, which resets a tripped circuit breaker first.
// On failure the durable store keeps its last successful state; only the
// registry entry's status and error detail change.
func (s *Syncer) Sync(ctx context.Context, entry *domain.RepositoryEntry, cfg config.RepoConfig, taskID string, manual bool, report port.ProgressFunc) error {
	if report == nil {
		report = func(domain.TaskProgress) {}
	}
	if manual {
		s.breakers.Reset(entry.ID)
	}

	handle, err := s.locks.Acquire(ctx, entry.ID, port.LockSync, s.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire sync lock for %s: %w", entry.CanonicalPath, err)
	}
	defer handle.Release()

	started := time.Now().UTC()
	if err := s.store.UpdateRepoStatus(ctx, entry.ID, domain.RepoStatusSyncing, ""); err != nil {
		return fmt.Errorf("mark repository syncing: %w", err)
	}

	cb := s.breakers.Get(entry.ID)
	res, err := cb.Execute(func() (interface{}, error) {
		return s.syncOnce(ctx, entry, cfg, report)
	})
	finished := time.Now().UTC()

	// Bookkeeping writes must land even when ctx was canceled mid-sync.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%s: %w", entry.CanonicalPath, port.ErrBreakerOpen)
		}
		s.logger.Error("sync failed", "repo_id", entry.ID, "canonical_path", entry.CanonicalPath, "error", err)
		if uerr := s.store.UpdateRepoStatus(bg, entry.ID, domain.RepoStatusError, err.Error()); uerr != nil {
			s.logger.Error("failed to record sync error", "repo_id", entry.ID, "error", uerr)
		}
		s.appendHistory(bg, port.SyncHistoryRecord{
			RepoID:     entry.ID,
			TaskID:     taskID,
			Kind:       string(domain.TaskSync),
			Outcome:    "failed",
			Error:      err.Error(),
			StartedAt:  started,
			FinishedAt: finished,
		})
		return err
	}

	stats := res.(*syncStats)
	s.appendHistory(bg, port.SyncHistoryRecord{
		RepoID:     entry.ID,
		TaskID:     taskID,
		Kind:       string(domain.TaskSync),
		Outcome:    "succeeded",
		Commits:    stats.commits,
		Branches:   stats.branches,
		StartedAt:  started,
		FinishedAt: finished,
	})
	s.invalidateCaches(bg, entry.ID)
	s.logger.Info("sync succeeded",
		"repo_id", entry.ID,
		"canonical_path", entry.CanonicalPath,
		"commits", stats.commits,
		"branches", stats.branches,
		"duration", finished.Sub(started),
	)
	return nil
}

type syncStats struct {
	commits  int
	branches int
}

func (s *Syncer) syncOnce(ctx context.Context, entry *domain.RepositoryEntry, cfg config.RepoConfig, report port.ProgressFunc) (*syncStats, error) {
	if _, err := os.Stat(filepath.Join(entry.LocalPath, ".git")); err != nil {
		report(domain.TaskProgress{Message: "cloning"})
		err := s.gitOp(ctx, func(opCtx context.Context) error {
			return s.git.Clone(opCtx, entry.URL, entry.LocalPath, report)
		})
		if err != nil {
			return nil, fmt.Errorf("clone %s: %w", entry.URL, err)
		}
	} else {
		report(domain.TaskProgress{Message: "fetching"})
		err := s.gitOp(ctx, func(opCtx context.Context) error {
			return s.git.Fetch(opCtx, entry.LocalPath, nil, cfg.PruneDeleted, report)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", entry.CanonicalPath, err)
		}
	}

	refs, err := s.git.ListRefs(ctx, entry.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	selected, err := FilterRefs(refs, cfg.Branches)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if cfg.Strategy == domain.StrategyRecent {
		since = time.Now().UTC().AddDate(0, 0, -cfg.RecentWindowDays)
	}

	// Merge per-branch walks: a commit reachable from several branches is
	// recorded once with every branch name attached.
	merged := make(map[string]*domain.CommitRecord)
	var order []string
	branches := 0
	for _, ref := range selected {
		if ref.IsTag {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		branches++
		commits, err := s.git.CommitsForRef(ctx, entry.LocalPath, ref, since)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", ref.Name, err)
		}
		for _, c := range commits {
			if existing, ok := merged[c.SHA]; ok {
				existing.Branches = append(existing.Branches, ref.Name)
				continue
			}
			cc := c
			merged[c.SHA] = &cc
			order = append(order, c.SHA)
		}
		report(domain.TaskProgress{Commits: int64(len(merged)), Message: "walked " + ref.Name})
	}

	all := make([]domain.CommitRecord, 0, len(order))
	for _, sha := range order {
		all = append(all, *merged[sha])
	}

	update := port.SyncUpdate{
		RepoID:       entry.ID,
		Commits:      all,
		Refs:         selected,
		PruneDeleted: cfg.PruneDeleted,
		SyncedAt:     time.Now().UTC(),
		ConfigHash:   cfg.Hash(),
		DiskSize:     dirSize(entry.LocalPath),
	}
	if err := s.store.ApplySync(ctx, update); err != nil {
		return nil, fmt.Errorf("persist sync: %w", err)
	}
	return &syncStats{commits: len(all), branches: branches}, nil
}

// gitOp wraps a network-facing git call with the per-operation timeout and
// the retry policy for transient failures.
func (s *Syncer) gitOp(ctx context.Context, fn func(context.Context) error) error {
	return retryOp(ctx, s.opts.RetryMaxAttempts, func() error {
		opCtx := ctx
		if s.opts.GitTimeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, s.opts.GitTimeout)
			defer cancel()
		}
		return fn(opCtx)
	})
}

func (s *Syncer) invalidateCaches(ctx context.Context, repoID string) {
	prefixes := []string{
		cache.RepoPrefix("branches", repoID),
		cache.RepoPrefix("commits", repoID),
		"search:",
	}
	for _, p := range prefixes {
		if err := s.cache.Invalidate(ctx, p); err != nil {
			s.logger.Warn("cache invalidation failed", "prefix", p, "error", err)
		}
	}
}

func (s *Syncer) appendHistory(ctx context.Context, rec port.SyncHistoryRecord) {
	if err := s.store.AppendSyncHistory(ctx, rec); err != nil {
		s.logger.Error("failed to append sync history", "repo_id", rec.RepoID, "error", err)
	}
}

// dirSize sums file sizes under root. Unreadable entries are skipped; the
// figure is informational.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
