package domain

import "time"

// TaskKind identifies the operation a task performs.
type TaskKind string

// Task kinds.
const (
	TaskSync    TaskKind = "sync"
	TaskAnalyze TaskKind = "analyze"
)

// Task status constants. Transitions are monotonic:
// pending -> running -> {succeeded, failed, canceled}.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// TaskProgress carries the progress counters of a running operation.
type TaskProgress struct {
	Objects int64  `json:"objects"`
	Bytes   int64  `json:"bytes"`
	Commits int64  `json:"commits"`
	Message string `json:"message,omitempty"`
}

// SyncTask tracks the lifecycle of a scheduled sync or analyze operation.
type SyncTask struct {
	ID          string       `json:"id"`
	RepoID      string       `json:"repo_id"`
	Kind        TaskKind     `json:"kind"`
	Status      string       `json:"status"`
	Progress    TaskProgress `json:"progress"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *SyncTask) Terminal() bool {
	return t.Status == TaskSucceeded || t.Status == TaskFailed || t.Status == TaskCanceled
}

// RepoOutcome is the per-repository result of a batch operation.
type RepoOutcome struct {
	RepoID string `json:"repo_id"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the repository's operation succeeded.
func (o RepoOutcome) OK() bool { return o.Error == "" }

// BatchResult holds per-repository outcomes of a multi-repository request.
// Partial failure is preserved: successes and failures are reported side by side.
type BatchResult struct {
	Outcomes []RepoOutcome `json:"outcomes"`
}

// Succeeded returns the number of successful outcomes.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed outcomes.
func (b BatchResult) Failed() int { return len(b.Outcomes) - b.Succeeded() }
