package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
)

func newTestScheduler(t *testing.T, limit int) *Scheduler {
	t.Helper()
	s := New(limit, time.Hour, nil)
	t.Cleanup(s.Close)
	return s
}

func TestSubmitAndAwaitSuccess(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	task, err := s.Submit(ctx, Spec{
		RepoID: "repo-1",
		Kind:   domain.TaskSync,
		Run: func(ctx context.Context, taskID string, report port.ProgressFunc) error {
			report(domain.TaskProgress{Commits: 10})
			return nil
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)

	final, err := s.Await(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, final.Status)
	assert.False(t, final.FinishedAt.IsZero())
}

func TestSubmitFailureRecordsError(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx := context.Background()

	task, err := s.Submit(ctx, Spec{
		RepoID: "repo-1",
		Kind:   domain.TaskSync,
		Run: func(context.Context, string, port.ProgressFunc) error {
			return errors.New("remote unreachable")
		},
	})
	require.NoError(t, err)

	final, err := s.Await(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, final.Status)
	assert.Contains(t, final.Error, "remote unreachable")
}

func TestConcurrencyLimitIsEnforced(t *testing.T) {
	const limit = 3
	s := newTestScheduler(t, limit)
	ctx := context.Background()

	var running, peak int64
	release := make(chan struct{})
	var ids []string

	for i := 0; i < 10; i++ {
		task, err := s.Submit(ctx, Spec{
			RepoID: fmt.Sprintf("repo-%d", i),
			Kind:   domain.TaskSync,
			Run: func(context.Context, string, port.ProgressFunc) error {
				n := atomic.AddInt64(&running, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&running, -1)
				return nil
			},
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
	close(release)

	for _, id := range ids {
		final, err := s.Await(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskSucceeded, final.Status)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(limit))
}

func TestMonotonicTransitions(t *testing.T) {
	tr := NewTracker()
	tr.Create("t1", "repo", domain.TaskSync, nil)

	tr.Transition("t1", domain.TaskRunning, "")
	tr.Transition("t1", domain.TaskSucceeded, "")

	// Terminal state wins; later transitions are refused.
	tr.Transition("t1", domain.TaskFailed, "late error")
	tr.Transition("t1", domain.TaskRunning, "")

	task, err := tr.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, task.Status)
	assert.Empty(t, task.Error)
}

func TestBackwardTransitionIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Create("t1", "repo", domain.TaskSync, nil)
	tr.Transition("t1", domain.TaskRunning, "")
	tr.Transition("t1", domain.TaskPending, "")

	task, err := tr.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, task.Status)
}

func TestCancelWhileQueued(t *testing.T) {
	s := newTestScheduler(t, 1)
	ctx := context.Background()

	release := make(chan struct{})
	blocker, err := s.Submit(ctx, Spec{
		RepoID: "repo-a",
		Kind:   domain.TaskSync,
		Run: func(context.Context, string, port.ProgressFunc) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	queued, err := s.Submit(ctx, Spec{
		RepoID: "repo-b",
		Kind:   domain.TaskSync,
		Run: func(context.Context, string, port.ProgressFunc) error {
			return nil
		},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(queued.ID))

	final, err := s.Await(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCanceled, final.Status)

	close(release)
	final, err = s.Await(ctx, blocker.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, final.Status)
}

func TestCancelIsCooperative(t *testing.T) {
	s := newTestScheduler(t, 1)
	ctx := context.Background()

	var finishedStep atomic.Bool
	task, err := s.Submit(ctx, Spec{
		RepoID: "repo",
		Kind:   domain.TaskSync,
		Run: func(ctx context.Context, _ string, _ port.ProgressFunc) error {
			// Current atomic step always completes.
			time.Sleep(100 * time.Millisecond)
			finishedStep.Store(true)
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Cancel(task.ID))

	final, err := s.Await(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCanceled, final.Status)
	assert.True(t, finishedStep.Load(), "in-flight step must finish before cancellation is observed")
}

func TestProgressFanOut(t *testing.T) {
	s := newTestScheduler(t, 1)
	ctx := context.Background()

	started := make(chan string, 1)
	proceed := make(chan struct{})
	task, err := s.Submit(ctx, Spec{
		RepoID: "repo",
		Kind:   domain.TaskSync,
		Run: func(_ context.Context, taskID string, report port.ProgressFunc) error {
			started <- taskID
			<-proceed
			report(domain.TaskProgress{Objects: 7, Bytes: 1024})
			return nil
		},
	})
	require.NoError(t, err)

	<-started
	ch := s.Tracker().Subscribe(task.ID)
	defer s.Tracker().Unsubscribe(task.ID, ch)
	close(proceed)

	var sawProgress bool
	for update := range ch {
		if update.Progress.Objects == 7 {
			sawProgress = true
		}
		if update.Terminal() {
			break
		}
	}
	assert.True(t, sawProgress)
}

func TestAwaitRecoversFromDroppedTerminalUpdate(t *testing.T) {
	s := newTestScheduler(t, 1)
	tr := s.Tracker()
	tr.Create("t1", "repo", domain.TaskSync, nil)
	tr.Transition("t1", domain.TaskRunning, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Let the waiter subscribe, then outpace it so its buffer fills
		// and drops updates, including the terminal one.
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 10000; i++ {
			tr.Progress("t1", domain.TaskProgress{Commits: int64(i)})
		}
		tr.Transition("t1", domain.TaskSucceeded, "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := s.Await(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, final.Status)
	<-done
}

func TestUnsubscribeDuringProgressDoesNotPanic(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("t%d", i)
		tr.Create(id, "repo", domain.TaskSync, nil)
		tr.Transition(id, domain.TaskRunning, "")
		ch := tr.Subscribe(id)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Progress(id, domain.TaskProgress{Commits: int64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			tr.Unsubscribe(id, ch)
		}()
		wg.Wait()
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	s := newTestScheduler(t, 5)
	ctx := context.Background()

	specs := make([]Spec, 5)
	for i := range specs {
		i := i
		specs[i] = Spec{
			RepoID: fmt.Sprintf("repo-%d", i+1),
			Kind:   domain.TaskSync,
			Run: func(context.Context, string, port.ProgressFunc) error {
				if i == 2 {
					return &port.GitNetworkError{URL: "https://unreachable", Err: errors.New("no route to host")}
				}
				return nil
			},
		}
	}

	result := s.RunBatch(ctx, specs)
	require.Len(t, result.Outcomes, 5)
	assert.Equal(t, 4, result.Succeeded())
	assert.Equal(t, 1, result.Failed())

	// Exactly repository #3 failed, with its error preserved.
	assert.False(t, result.Outcomes[2].OK())
	assert.Contains(t, result.Outcomes[2].Error, "git network error")
	for _, i := range []int{0, 1, 3, 4} {
		assert.True(t, result.Outcomes[i].OK(), "repo %d", i+1)
	}
}

func TestRunBatchHonorsDeadline(t *testing.T) {
	s := newTestScheduler(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	hang := make(chan struct{})
	defer close(hang)

	result := s.RunBatch(ctx, []Spec{
		{RepoID: "ok", Kind: domain.TaskSync, Run: func(context.Context, string, port.ProgressFunc) error { return nil }},
		{RepoID: "hung", Kind: domain.TaskSync, Run: func(context.Context, string, port.ProgressFunc) error {
			<-hang
			return nil
		}},
	})

	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.Outcomes[0].OK())
	assert.False(t, result.Outcomes[1].OK(), "hung repository must not stall the batch result")
}

func TestSweepRemovesOldTasks(t *testing.T) {
	tr := NewTracker()
	tr.Create("old", "repo", domain.TaskSync, nil)
	tr.Transition("old", domain.TaskRunning, "")
	tr.Transition("old", domain.TaskSucceeded, "")

	tr.Create("fresh", "repo", domain.TaskSync, nil)

	time.Sleep(20 * time.Millisecond)
	removed := tr.Sweep(10 * time.Millisecond)
	assert.Equal(t, 1, removed)

	_, err := tr.Get("old")
	assert.ErrorIs(t, err, port.ErrTaskNotFound)
	_, err = tr.Get("fresh")
	assert.NoError(t, err)
}

func TestStatusUnknownTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	_, err := s.Status("nope")
	assert.ErrorIs(t, err, port.ErrTaskNotFound)
}
