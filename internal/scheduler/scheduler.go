package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

// awaitPollInterval bounds how long Await can miss a terminal transition
// whose subscriber notification was dropped.
const awaitPollInterval = 200 * time.Millisecond

// Spec describes one operation to schedule. Run receives a cancellable
// context and a progress reporter; it must observe ctx between atomic steps.
type Spec struct {
	RepoID string
	Kind   domain.TaskKind
	Run    func(ctx context.Context, taskID string, report port.ProgressFunc) error
}

// Scheduler executes operations bounded by a counting semaphore. Excess
// submissions queue instead of spawning unbounded workers.
type Scheduler struct {
	tracker   *Tracker
	sem       *semaphore.Weighted
	retention time.Duration
	logger    *slog.Logger

	stopJanitor context.CancelFunc
}

// New creates a scheduler running at most limit operations concurrently and
// retaining finished tasks for retention before garbage collection.
func New(limit int, retention time.Duration, logger *slog.Logger) *Scheduler {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	janitorCtx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		tracker:     NewTracker(),
		sem:         semaphore.NewWeighted(int64(limit)),
		retention:   retention,
		logger:      logger,
		stopJanitor: stop,
	}
	go s.janitor(janitorCtx)
	return s
}

// Tracker exposes the task tracker for status queries and subscriptions.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Close stops the retention janitor.
func (s *Scheduler) Close() { s.stopJanitor() }

// Submit enqueues spec and returns its pending task immediately.
func (s *Scheduler) Submit(ctx context.Context, spec Spec) (*domain.SyncTask, error) {
	id := uuid.NewString()
	taskCtx, cancel := context.WithCancel(ctx)
	s.tracker.Create(id, spec.RepoID, spec.Kind, cancel)

	go func() {
		defer cancel()

		if err := s.sem.Acquire(taskCtx, 1); err != nil {
			// Cancelled or deadline reached while queued.
			s.tracker.Transition(id, domain.TaskCanceled, err.Error())
			return
		}
		defer s.sem.Release(1)

		s.tracker.Transition(id, domain.TaskRunning, "")
		err := spec.Run(taskCtx, id, func(p domain.TaskProgress) {
			s.tracker.Progress(id, p)
		})

		switch {
		case err == nil:
			s.tracker.Transition(id, domain.TaskSucceeded, "")
		case taskCtx.Err() != nil:
			s.tracker.Transition(id, domain.TaskCanceled, taskCtx.Err().Error())
		default:
			s.logger.Error("task failed", "task_id", id, "repo_id", spec.RepoID, "kind", spec.Kind, "error", err)
			s.tracker.Transition(id, domain.TaskFailed, err.Error())
		}
	}()

	return s.tracker.Get(id)
}

// Await blocks until the task reaches a terminal state or ctx is done.
func (s *Scheduler) Await(ctx context.Context, id string) (*domain.SyncTask, error) {
	task, err := s.tracker.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Terminal() {
		return task, nil
	}

	ch := s.tracker.Subscribe(id)
	defer s.tracker.Unsubscribe(id, ch)

	// Re-check after subscribing: the task may have finished in between.
	task, err = s.tracker.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Terminal() {
		return task, nil
	}

	// Subscriber delivery is best-effort: a full buffer drops updates,
	// including the terminal one. Poll the tracker as a fallback so a
	// dropped terminal snapshot cannot strand the waiter.
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case update := <-ch:
			if update.Terminal() {
				return &update, nil
			}
		case <-ticker.C:
			task, err = s.tracker.Get(id)
			if err != nil {
				return nil, err
			}
			if task.Terminal() {
				return task, nil
			}
		}
	}
}

// Cancel requests cooperative cancellation of a task.
func (s *Scheduler) Cancel(id string) error { return s.tracker.Cancel(id) }

// Status returns a snapshot of a task.
func (s *Scheduler) Status(id string) (*domain.SyncTask, error) { return s.tracker.Get(id) }

// RunBatch submits every spec and waits for all of them, preserving
// per-repository outcomes. A failure in one repository never aborts its
// siblings; ctx bounds the whole batch so one hung repository cannot starve
// the rest indefinitely.
func (s *Scheduler) RunBatch(ctx context.Context, specs []Spec) domain.BatchResult {
	outcomes := make([]domain.RepoOutcome, len(specs))

	type submitted struct {
		index  int
		taskID string
	}
	var pending []submitted

	for i, spec := range specs {
		task, err := s.Submit(ctx, spec)
		if err != nil {
			outcomes[i] = domain.RepoOutcome{RepoID: spec.RepoID, Error: err.Error()}
			continue
		}
		outcomes[i] = domain.RepoOutcome{RepoID: spec.RepoID, TaskID: task.ID}
		pending = append(pending, submitted{index: i, taskID: task.ID})
	}

	for _, p := range pending {
		task, err := s.Await(ctx, p.taskID)
		if err != nil {
			outcomes[p.index].Error = err.Error()
			continue
		}
		if task.Status != domain.TaskSucceeded {
			detail := task.Error
			if detail == "" {
				detail = task.Status
			}
			outcomes[p.index].Error = detail
		}
	}

	return domain.BatchResult{Outcomes: outcomes}
}

// janitor garbage-collects finished tasks past the retention window.
func (s *Scheduler) janitor(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(s.retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.tracker.Sweep(s.retention); n > 0 {
				s.logger.Debug("swept finished tasks", "removed", n)
			}
		}
	}
}
