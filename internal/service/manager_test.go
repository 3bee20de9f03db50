package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/repolens/internal/adapter/cache"
	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/arturoeanton/repolens/internal/scheduler"
	"github.com/arturoeanton/repolens/internal/syncer"
	"github.com/arturoeanton/repolens/pkg/config"
)

// memStore is an in-memory port.Store good enough for façade tests.
type memStore struct {
	mu          sync.Mutex
	repos       map[string]*domain.RepositoryEntry
	commits     map[string][]domain.CommitRecord
	history     map[string][]port.SyncHistoryRecord
	searchCalls int
	branchCalls int
}

func newMemStore() *memStore {
	return &memStore{
		repos:   make(map[string]*domain.RepositoryEntry),
		commits: make(map[string][]domain.CommitRecord),
		history: make(map[string][]port.SyncHistoryRecord),
	}
}

func (s *memStore) CreateRepo(ctx context.Context, e *domain.RepositoryEntry) (*domain.RepositoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	// Like the real store, the id is assigned on insert.
	cp.ID = uuid.NewString()
	cp.CreatedAt = time.Now().UTC()
	s.repos[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) GetRepo(ctx context.Context, id string) (*domain.RepositoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.repos[id]
	if !ok {
		return nil, port.ErrRepoNotFound
	}
	out := *e
	return &out, nil
}

func (s *memStore) GetRepoByCanonicalPath(ctx context.Context, canonical string) (*domain.RepositoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.repos {
		if e.CanonicalPath == canonical {
			out := *e
			return &out, nil
		}
	}
	return nil, port.ErrRepoNotFound
}

func (s *memStore) ListRepos(ctx context.Context) ([]domain.RepositoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RepositoryEntry
	for _, e := range s.repos {
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) DeleteRepo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[id]; !ok {
		return port.ErrRepoNotFound
	}
	delete(s.repos, id)
	return nil
}

func (s *memStore) UpdateRepoStatus(ctx context.Context, id, status, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.repos[id]
	if !ok {
		return port.ErrRepoNotFound
	}
	e.Status = status
	e.LastError = errDetail
	return nil
}

func (s *memStore) TouchAnalyzed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.repos[id]
	if !ok {
		return port.ErrRepoNotFound
	}
	e.LastAnalyzedAt = &at
	return nil
}

func (s *memStore) ApplySync(ctx context.Context, update port.SyncUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.repos[update.RepoID]
	if !ok {
		return port.ErrRepoNotFound
	}
	s.commits[update.RepoID] = append([]domain.CommitRecord(nil), update.Commits...)
	e.Status = domain.RepoStatusActive
	e.LastSyncedAt = &update.SyncedAt
	e.CommitCount = len(update.Commits)
	e.ConfigHash = update.ConfigHash
	e.LastError = ""
	return nil
}

func (s *memStore) GetCommit(ctx context.Context, repoID, sha string) (*domain.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commits[repoID] {
		if c.SHA == sha {
			out := c
			return &out, nil
		}
	}
	return nil, port.ErrCommitNotFound
}

func (s *memStore) ListCommits(ctx context.Context, repoID string, limit int) ([]domain.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.CommitRecord(nil), s.commits[repoID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchCommits(ctx context.Context, pattern string, repoIDs []string, limit int) ([]domain.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	var out []domain.CommitRecord
	for _, commits := range s.commits {
		out = append(out, commits...)
	}
	return out, nil
}

func (s *memStore) AnnotateCommit(ctx context.Context, repoID, sha, classification string, impact float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.commits[repoID] {
		if s.commits[repoID][i].SHA == sha {
			s.commits[repoID][i].Classification = classification
			s.commits[repoID][i].Impact = impact
			return nil
		}
	}
	return port.ErrCommitNotFound
}

func (s *memStore) ListBranches(ctx context.Context, repoID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchCalls++
	return []string{"master", "stable/juno"}, nil
}

func (s *memStore) AppendSyncHistory(ctx context.Context, rec port.SyncHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[rec.RepoID] = append(s.history[rec.RepoID], rec)
	return nil
}

func (s *memStore) ListSyncHistory(ctx context.Context, repoID string, limit int) ([]port.SyncHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]port.SyncHistoryRecord(nil), s.history[repoID]...), nil
}

// memGit serves canned refs and commits and counts per-repo clone calls.
type memGit struct {
	mu     sync.Mutex
	clones map[string]int
}

func newMemGit() *memGit { return &memGit{clones: make(map[string]int)} }

func (g *memGit) Clone(ctx context.Context, url, dest string, progress port.ProgressFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clones[url]++
	return nil
}

func (g *memGit) Fetch(ctx context.Context, dest string, refspecs []string, prune bool, progress port.ProgressFunc) error {
	return nil
}

func (g *memGit) ListRefs(ctx context.Context, dest string) ([]domain.Ref, error) {
	return []domain.Ref{{Name: "master", SHA: "aaa"}}, nil
}

func (g *memGit) CommitsForRef(ctx context.Context, dest string, ref domain.Ref, since time.Time) ([]domain.CommitRecord, error) {
	return []domain.CommitRecord{{SHA: "aaa", Message: "init", Parents: []string{}, Branches: []string{ref.Name}}}, nil
}

func (g *memGit) CommitBySHA(ctx context.Context, dest, sha string) (*domain.CommitRecord, error) {
	return nil, port.ErrCommitNotFound
}

type nopHandle struct{}

func (nopHandle) Release() error { return nil }

type nopLocker struct{}

func (nopLocker) Acquire(ctx context.Context, repoID string, kind port.LockKind, timeout time.Duration) (port.LockHandle, error) {
	return nopHandle{}, nil
}

// recordingLocker tracks the order in which lock kinds were acquired.
type recordingLocker struct {
	mu    sync.Mutex
	kinds []port.LockKind
}

func (l *recordingLocker) Acquire(ctx context.Context, repoID string, kind port.LockKind, timeout time.Duration) (port.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, kind)
	return nopHandle{}, nil
}

func newTestManager(t *testing.T, store port.Store, git port.GitProvider) (*RepositoryManager, *scheduler.Scheduler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sched := scheduler.New(4, time.Minute, logger)
	t.Cleanup(sched.Close)

	breakers := syncer.NewBreakerRegistry(5, time.Minute, logger)
	sy := syncer.New(store, git, nopLocker{}, cache.NewMemory(), breakers, syncer.Options{
		LockTimeout:      time.Second,
		RetryMaxAttempts: 1,
	}, logger)

	m := NewRepositoryManager(store, cache.NewMemory(), nopLocker{}, sched, sy, ManagerOptions{
		CloneBasePath: t.TempDir(),
		CacheTTL:      time.Minute,
		LockTimeout:   time.Second,
		BatchTimeout:  30 * time.Second,
	}, logger)
	return m, sched
}

func TestRegisterIsIdempotentAcrossSchemes(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	first, err := m.Register(ctx, config.RepoConfig{URL: "https://github.com/openstack/nova.git", Strategy: "full"})
	require.NoError(t, err)
	second, err := m.Register(ctx, config.RepoConfig{URL: "git@github.com:openstack/nova.git", Strategy: "full"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "github.com/openstack/nova", first.CanonicalPath)
	repos, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestRegisterRejectsInvalidURL(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), newMemGit())
	_, err := m.Register(context.Background(), config.RepoConfig{URL: "not-a-url"})
	var verr *port.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSyncRunsToCompletion(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	entry, err := m.Register(ctx, config.RepoConfig{URL: "https://github.com/openstack/nova.git", Strategy: "full"})
	require.NoError(t, err)

	task, err := m.Sync(ctx, entry.ID, false)
	require.NoError(t, err)
	done, err := m.AwaitTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskSucceeded, done.Status)
	got, err := m.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RepoStatusActive, got.Status)
	assert.Equal(t, 1, got.CommitCount)
}

func TestSyncAllSkipsManualAndPaused(t *testing.T) {
	store := newMemStore()
	git := newMemGit()
	m, _ := newTestManager(t, store, git)
	ctx := context.Background()

	_, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/auto.git", Strategy: "full"})
	require.NoError(t, err)
	_, err = m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/manual.git", Strategy: "manual"})
	require.NoError(t, err)
	paused, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/paused.git", Strategy: "full"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRepoStatus(ctx, paused.ID, domain.RepoStatusPaused, ""))

	result, err := m.SyncAll(ctx)
	require.NoError(t, err)

	assert.Len(t, result.Outcomes, 1)
	assert.Equal(t, 1, result.Succeeded())
	assert.Equal(t, 1, git.clones["https://example.com/a/auto.git"])
	assert.Zero(t, git.clones["https://example.com/a/manual.git"])
	assert.Zero(t, git.clones["https://example.com/a/paused.git"])
}

func TestManualRepoSyncsOnExplicitRequest(t *testing.T) {
	store := newMemStore()
	git := newMemGit()
	m, _ := newTestManager(t, store, git)
	ctx := context.Background()

	entry, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/manual.git", Strategy: "manual"})
	require.NoError(t, err)

	task, err := m.Sync(ctx, entry.ID, true)
	require.NoError(t, err)
	done, err := m.AwaitTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskSucceeded, done.Status)
	assert.Equal(t, 1, git.clones["https://example.com/a/manual.git"])
}

func TestAnalyzeAnnotatesCommits(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	entry, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/b.git", Strategy: "full"})
	require.NoError(t, err)
	store.commits[entry.ID] = []domain.CommitRecord{
		{SHA: "1", Message: "fix crash on empty refs", Parents: []string{"0"}},
		{SHA: "2", Message: "Merge branch 'dev'", Parents: []string{"0", "1"}},
	}

	task, err := m.Analyze(ctx, entry.ID)
	require.NoError(t, err)
	done, err := m.AwaitTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSucceeded, done.Status)

	c1, err := m.GetCommit(ctx, entry.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassFix, c1.Classification)
	assert.Greater(t, c1.Impact, 0.0)

	c2, err := m.GetCommit(ctx, entry.ID, "2")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassMerge, c2.Classification)

	got, err := m.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastAnalyzedAt)
}

func TestSearchServesSecondCallFromCache(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	_, err := m.Search(ctx, "fix", nil, 10)
	require.NoError(t, err)
	_, err = m.Search(ctx, "fix", nil, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, store.searchCalls)
}

func TestBranchesServedFromCache(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	first, err := m.Branches(ctx, "repo-1")
	require.NoError(t, err)
	second, err := m.Branches(ctx, "repo-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.branchCalls)
}

func TestRemoveDeletesEntryAndArtifacts(t *testing.T) {
	store := newMemStore()
	m, _ := newTestManager(t, store, newMemGit())
	ctx := context.Background()

	entry, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/b.git", Strategy: "full"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(entry.LocalPath, ".git"), 0o755))

	require.NoError(t, m.Remove(ctx, entry.ID, true))

	_, err = m.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, port.ErrRepoNotFound)
	_, statErr := os.Stat(entry.LocalPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveTakesBothLocksInOrder(t *testing.T) {
	store := newMemStore()
	locker := &recordingLocker{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sched := scheduler.New(4, time.Minute, logger)
	t.Cleanup(sched.Close)
	breakers := syncer.NewBreakerRegistry(5, time.Minute, logger)
	sy := syncer.New(store, newMemGit(), locker, cache.NewMemory(), breakers, syncer.Options{
		LockTimeout:      time.Second,
		RetryMaxAttempts: 1,
	}, logger)
	m := NewRepositoryManager(store, cache.NewMemory(), locker, sched, sy, ManagerOptions{
		CloneBasePath: t.TempDir(),
		LockTimeout:   time.Second,
	}, logger)
	ctx := context.Background()

	entry, err := m.Register(ctx, config.RepoConfig{URL: "https://example.com/a/b.git", Strategy: "full"})
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, entry.ID, false))

	// Removal must exclude a running analysis as well, sync lock first.
	assert.Equal(t, []port.LockKind{port.LockSync, port.LockAnalysis}, locker.kinds)
}

func TestRemoveUnknownRepo(t *testing.T) {
	m, _ := newTestManager(t, newMemStore(), newMemGit())
	err := m.Remove(context.Background(), "nope", false)
	assert.ErrorIs(t, err, port.ErrRepoNotFound)
}
