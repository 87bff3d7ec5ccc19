// Package workflow implements the durable asset-materialization
// workflow: copy a transient provider artifact into blob storage,
// update the owning entity, and retire the transient reference after a
// retention window. Tasks are persisted with a step cursor and a
// resume timestamp so the sequence survives process restarts.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/driftlab/easel/agent/persistence"
	"github.com/driftlab/easel/internal/metrics"
	"github.com/driftlab/easel/internal/retry"
	"github.com/driftlab/easel/storage"
	"github.com/driftlab/easel/types"
)

// EntityMutator is the agent-side callback surface. Both calls are
// ordinary guarded mutations, idempotent on the agent side.
type EntityMutator interface {
	MarkMaterialized(ctx context.Context, entityID, transientRef, durableKey string) error
	CleanupTransientRef(ctx context.Context, entityID, transientRef string) error
}

// Config tunes the materialization engine.
type Config struct {
	// Retention is how long the transient reference stays citable after
	// the durable copy exists.
	Retention time.Duration

	// PollInterval is how often the scheduler scans for due tasks.
	PollInterval time.Duration

	// MaxAttempts bounds executions of a required step before the task
	// parks in failed state.
	MaxAttempts int

	// FetchTimeout bounds a single transient-reference download.
	FetchTimeout time.Duration

	// Concurrency bounds tasks executing at once.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Engine persists and executes materialization tasks.
type Engine struct {
	cfg      Config
	tasks    persistence.TaskStore
	blobs    storage.BlobStore
	entities EntityMutator
	client   *http.Client
	metrics  *metrics.Collector
	logger   *zap.Logger
	tracer   trace.Tracer

	wake chan struct{}

	// retryDelay seeds the per-step backoff; tests shrink it.
	retryDelay time.Duration
}

// NewEngine creates a materialization engine. Run must be called for
// tasks to execute.
func NewEngine(cfg Config, tasks persistence.TaskStore, blobs storage.BlobStore, entities EntityMutator, m *metrics.Collector, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		tasks:    tasks,
		blobs:    blobs,
		entities: entities,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		metrics:  m,
		logger:   logger.With(zap.String("component", "materializer")),
		tracer:     otel.Tracer("easel/workflow"),
		wake:       make(chan struct{}, 1),
		retryDelay: 500 * time.Millisecond,
	}
}

// TaskID derives the stable task id for (entityID, transientRef), so a
// retried start reuses the existing task instead of forking a second
// one.
func TaskID(entityID, transientRef string) string {
	sum := sha256.Sum256([]byte(transientRef))
	return entityID + ":" + hex.EncodeToString(sum[:8])
}

// StartMaterialization persists a new task and nudges the scheduler.
// Starting the same (entity, ref) twice is a no-op.
func (e *Engine) StartMaterialization(ctx context.Context, entityID, transientRef, durableKey, contentType string) error {
	if entityID == "" || transientRef == "" || durableKey == "" {
		return types.NewError(types.ErrWorkflow, "materialization needs entity, transient ref and durable key")
	}

	id := TaskID(entityID, transientRef)
	if existing, err := e.tasks.GetTask(ctx, id); err == nil && existing != nil {
		return nil
	}

	now := time.Now()
	task := &persistence.MaterializeTask{
		ID:           id,
		EntityID:     entityID,
		TransientRef: transientRef,
		DurableKey:   durableKey,
		ContentType:  contentType,
		Step:         persistence.StepFetch,
		Status:       persistence.TaskStatusPending,
		ResumeAt:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		return types.NewError(types.ErrWorkflow, "persist materialization task").WithCause(err)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// execute drives one task from its persisted cursor as far as it can
// go right now. It returns when the task reaches a terminal state or
// suspends for its retention delay.
func (e *Engine) execute(ctx context.Context, task *persistence.MaterializeTask) {
	ctx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.step", string(task.Step)),
		))
	defer span.End()

	logger := e.logger.With(zap.String("task_id", task.ID), zap.String("entity_id", task.EntityID))

	task.Status = persistence.TaskStatusRunning
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		logger.Error("task claim failed", zap.Error(err))
		return
	}

	for {
		switch task.Step {
		case persistence.StepFetch:
			if !e.runRequired(ctx, task, logger, e.fetchAndStore) {
				return
			}
			task.Step = persistence.StepNotify

		case persistence.StepNotify:
			if !e.runRequired(ctx, task, logger, func(ctx context.Context, t *persistence.MaterializeTask) error {
				return e.entities.MarkMaterialized(ctx, t.EntityID, t.TransientRef, t.DurableKey)
			}) {
				return
			}
			task.Step = persistence.StepDelay
			task.ResumeAt = time.Now().Add(e.cfg.Retention)
			task.Status = persistence.TaskStatusSleeping
			if err := e.tasks.SaveTask(ctx, task); err != nil {
				logger.Error("task suspend failed", zap.Error(err))
			}
			logger.Info("materialized, suspended until expiry",
				zap.Time("resume_at", task.ResumeAt))
			return

		case persistence.StepDelay:
			if time.Now().Before(task.ResumeAt) {
				task.Status = persistence.TaskStatusSleeping
				if err := e.tasks.SaveTask(ctx, task); err != nil {
					logger.Error("task suspend failed", zap.Error(err))
				}
				return
			}
			task.Step = persistence.StepExpire
			e.recordStep(persistence.StepDelay, "ok")

		case persistence.StepExpire:
			// Best effort; a failure here never un-materializes anything.
			if err := e.entities.CleanupTransientRef(ctx, task.EntityID, task.TransientRef); err != nil {
				e.recordStep(persistence.StepExpire, "error")
				logger.Warn("transient cleanup failed", zap.Error(err))
			} else {
				e.recordStep(persistence.StepExpire, "ok")
			}
			task.Status = persistence.TaskStatusCompleted
			task.LastError = ""
			if err := e.tasks.SaveTask(ctx, task); err != nil {
				logger.Error("task completion persist failed", zap.Error(err))
			}
			logger.Info("materialization complete")
			return

		default:
			logger.Error("unknown step, parking task", zap.String("step", string(task.Step)))
			task.Status = persistence.TaskStatusFailed
			e.tasks.SaveTask(ctx, task)
			return
		}

		if err := e.tasks.SaveTask(ctx, task); err != nil {
			logger.Error("task cursor persist failed", zap.Error(err))
			return
		}
	}
}

// runRequired executes one required step with bounded retries. A false
// return means the task is parked failed and execution must stop.
func (e *Engine) runRequired(ctx context.Context, task *persistence.MaterializeTask, logger *zap.Logger, fn func(context.Context, *persistence.MaterializeTask) error) bool {
	policy := &retry.Policy{
		MaxRetries:   e.cfg.MaxAttempts - 1,
		InitialDelay: e.retryDelay,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry: func(err error) bool {
			// A ref the entity never issued will not appear on retry.
			if types.IsCode(err, types.ErrRefNotFound) {
				return false
			}
			e.recordRetry()
			return true
		},
	}

	err := retry.NewRetryer(policy, logger).Do(ctx, func() error {
		task.Attempts++
		return fn(ctx, task)
	})
	if err != nil {
		// The entity stays on its transient reference: degraded but
		// functional.
		e.recordStep(task.Step, "failed")
		task.Status = persistence.TaskStatusFailed
		task.LastError = err.Error()
		if saveErr := e.tasks.SaveTask(ctx, task); saveErr != nil {
			logger.Error("failed-task persist failed", zap.Error(saveErr))
		}
		logger.Error("required step exhausted retries",
			zap.String("step", string(task.Step)), zap.Error(err))
		return false
	}
	e.recordStep(task.Step, "ok")
	task.LastError = ""
	return true
}

// fetchAndStore downloads the transient artifact and writes it under
// the durable key. Idempotent: a rerun overwrites identical content.
func (e *Engine) fetchAndStore(ctx context.Context, task *persistence.MaterializeTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.TransientRef, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch transient artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch transient artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read transient artifact: %w", err)
	}

	contentType := task.ContentType
	if ct := resp.Header.Get("Content-Type"); contentType == "" && ct != "" {
		contentType = ct
	}
	if contentType == "" {
		contentType = "image/png"
	}

	if err := e.blobs.Put(ctx, task.DurableKey, data, contentType); err != nil {
		return fmt.Errorf("store durable copy: %w", err)
	}
	return nil
}

func (e *Engine) recordStep(step persistence.TaskStep, status string) {
	if e.metrics != nil {
		e.metrics.RecordWorkflowStep(string(step), status)
	}
}

func (e *Engine) recordRetry() {
	if e.metrics != nil {
		e.metrics.RecordWorkflowRetry()
	}
}
