// Package vcs implements port.GitProvider on top of go-git. The library is
// not safe for concurrent use of a single repository handle, so every call
// for a given working copy is funneled onto that copy's lane and executed by
// at most one goroutine at a time, with a weighted semaphore bounding the
// total number of in-flight git operations across all repositories.
package vcs

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

const laneBuffer = 16

// Provider executes git operations on a bounded worker pool.
type Provider struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes operations against one working copy.
type lane struct {
	jobs chan func()
}

// NewProvider creates a provider running at most workers git operations
// concurrently across all repositories.
func NewProvider(workers int, logger *slog.Logger) *Provider {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
		lanes:  make(map[string]*lane),
	}
}

func (p *Provider) lane(dest string) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[dest]
	if !ok {
		l = &lane{jobs: make(chan func(), laneBuffer)}
		go func() {
			for job := range l.jobs {
				job()
			}
		}()
		p.lanes[dest] = l
	}
	return l
}

// run enqueues fn on the working copy's lane and waits for it. When ctx is
// done before completion the caller stops waiting, but the worker finishes
// its current step rather than being killed mid-operation.
func (p *Provider) run(ctx context.Context, dest string, fn func() error) error {
	done := make(chan error, 1)
	job := func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			done <- err
			return
		}
		defer p.sem.Release(1)
		done <- fn()
	}

	select {
	case p.lane(dest).jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
