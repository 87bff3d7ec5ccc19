package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run drives the engine until ctx is cancelled: it scans the task
// store for due work on every poll interval (or sooner, when nudged by
// StartMaterialization) and executes each due task on its own
// goroutine. On startup the first scan naturally recovers tasks a
// previous process left behind, including ones interrupted mid-step.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("materialization scheduler started",
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Duration("retention", e.cfg.Retention))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Concurrency)

	var mu sync.Mutex
	inFlight := make(map[string]struct{})

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.dispatchDue(ctx, group, &mu, inFlight)

		select {
		case <-ctx.Done():
			group.Wait()
			e.logger.Info("materialization scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) dispatchDue(ctx context.Context, group *errgroup.Group, mu *sync.Mutex, inFlight map[string]struct{}) {
	tasks, err := e.tasks.ListRecoverable(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("task scan failed", zap.Error(err))
		}
		return
	}

	now := time.Now()
	for _, task := range tasks {
		if task.ResumeAt.After(now) {
			continue
		}

		mu.Lock()
		if _, busy := inFlight[task.ID]; busy {
			mu.Unlock()
			continue
		}
		inFlight[task.ID] = struct{}{}
		mu.Unlock()

		task := task
		group.Go(func() error {
			defer func() {
				mu.Lock()
				delete(inFlight, task.ID)
				mu.Unlock()
			}()
			e.execute(ctx, task)
			return nil
		})
	}
}

// RecoverOnce runs a single scan synchronously. Intended for tests and
// for callers that want deterministic recovery before serving traffic.
func (e *Engine) RecoverOnce(ctx context.Context) error {
	tasks, err := e.tasks.ListRecoverable(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, task := range tasks {
		if task.ResumeAt.After(now) {
			continue
		}
		e.execute(ctx, task)
	}
	return nil
}
