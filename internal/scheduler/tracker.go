// Package scheduler bounds how many sync and analyze operations run at once,
// tracks task lifecycle, and fans progress events out to subscribers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

// taskEntry pairs a task snapshot with its cancellation hook.
type taskEntry struct {
	task   domain.SyncTask
	cancel context.CancelFunc
}

// Tracker manages task state in memory. It is the sole owner of task
// mutation; transitions are monotonic and backward transitions are refused.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	subs  map[string][]chan domain.SyncTask
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*taskEntry),
		subs:  make(map[string][]chan domain.SyncTask),
	}
}

// rank orders statuses so transitions can only move forward.
func rank(status string) int {
	switch status {
	case domain.TaskPending:
		return 0
	case domain.TaskRunning:
		return 1
	default:
		return 2
	}
}

// Create registers a new pending task.
func (t *Tracker) Create(id, repoID string, kind domain.TaskKind, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[id] = &taskEntry{
		task: domain.SyncTask{
			ID:        id,
			RepoID:    repoID,
			Kind:      kind,
			Status:    domain.TaskPending,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
}

// Transition moves a task to status, recording errDetail on failure. A
// backward transition is ignored: the first terminal state wins.
func (t *Tracker) Transition(id, status, errDetail string) {
	t.mu.Lock()
	entry, ok := t.tasks[id]
	if !ok || rank(status) <= rank(entry.task.Status) && status != entry.task.Status {
		t.mu.Unlock()
		return
	}
	if entry.task.Terminal() {
		t.mu.Unlock()
		return
	}
	entry.task.Status = status
	if errDetail != "" {
		entry.task.Error = errDetail
	}
	if entry.task.Terminal() {
		entry.task.FinishedAt = time.Now()
	}
	t.notify(t.subs[id], entry.task)
	t.mu.Unlock()
}

// Progress updates a task's progress counters and notifies subscribers.
func (t *Tracker) Progress(id string, p domain.TaskProgress) {
	t.mu.Lock()
	entry, ok := t.tasks[id]
	if !ok || entry.task.Terminal() {
		t.mu.Unlock()
		return
	}
	entry.task.Progress = p
	t.notify(t.subs[id], entry.task)
	t.mu.Unlock()
}

// notify delivers a snapshot to subscribers without blocking; a slow
// subscriber with a full buffer misses the update and must poll Get.
// Callers hold t.mu, so a concurrent Unsubscribe cannot close a channel
// mid-send.
func (t *Tracker) notify(subs []chan domain.SyncTask, snapshot domain.SyncTask) {
	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Get returns a snapshot of a task.
func (t *Tracker) Get(id string) (*domain.SyncTask, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.tasks[id]
	if !ok {
		return nil, port.ErrTaskNotFound
	}
	snapshot := entry.task
	return &snapshot, nil
}

// Subscribe returns a channel receiving task updates.
func (t *Tracker) Subscribe(id string) chan domain.SyncTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan domain.SyncTask, 16)
	t.subs[id] = append(t.subs[id], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tracker) Unsubscribe(id string, ch chan domain.SyncTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[id]
	for i, s := range subs {
		if s == ch {
			t.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(ch)
}

// Cancel requests cooperative cancellation. The in-flight git step finishes
// before the worker observes it; the working copy is never left half-fetched.
func (t *Tracker) Cancel(id string) error {
	t.mu.RLock()
	entry, ok := t.tasks[id]
	t.mu.RUnlock()
	if !ok {
		return port.ErrTaskNotFound
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	return nil
}

// Sweep deletes finished tasks older than retention and returns how many
// were removed.
func (t *Tracker) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, entry := range t.tasks {
		if entry.task.Terminal() && entry.task.FinishedAt.Before(cutoff) {
			delete(t.tasks, id)
			removed++
		}
	}
	return removed
}
