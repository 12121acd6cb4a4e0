// Package background runs fire-and-forget side effects (profile refreshes,
// instance metadata fetches) off the request path, bounded and logged.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

const taskTimeout = 2 * time.Minute

type Executor struct {
	ctx context.Context
	sem *semaphore.Weighted
	wg  sync.WaitGroup
	log *log.Logger
}

// New returns an executor running at most limit tasks at once. Tasks
// inherit ctx, not the submitter's context.
func New(ctx context.Context, limit int64, logger *log.Logger) *Executor {
	if limit <= 0 {
		limit = 8
	}
	return &Executor{
		ctx: ctx,
		sem: semaphore.NewWeighted(limit),
		log: logger.With("component", "background"),
	}
}

// Submit schedules fn and returns immediately. Failures are logged.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		ctx, cancel := context.WithTimeout(e.ctx, taskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.log.Warn("background task failed", "task", name, "err", err)
		}
	}()
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}
