// Package persistence provides durable storage for image entities and
// materialization tasks.
//
// Two concerns live here:
// 1. Entity state survival across restarts (EntityStore)
// 2. Workflow task recovery after restart (TaskStore)
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQL via GORM (sqlite, postgres, mysql): entity state
// - Redis: distributed task state
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/driftlab/easel/agent/entity"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// EntityStore persists image entity snapshots keyed by entity id.
type EntityStore interface {
	// SaveEntity persists the full entity state (create or update).
	SaveEntity(ctx context.Context, state entity.State) error

	// GetEntity retrieves an entity by id. Returns ErrNotFound when absent.
	GetEntity(ctx context.Context, id string) (entity.State, error)

	// ListEntityIDs returns all stored entity ids.
	ListEntityIDs(ctx context.Context) ([]string, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// TaskStatus is the lifecycle state of one materialization task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been claimed yet.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates a scheduler is executing a step.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSleeping indicates the task is suspended until ResumeAt.
	TaskStatusSleeping TaskStatus = "sleeping"

	// TaskStatusCompleted indicates all steps finished.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates retries were exhausted on a required step.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsRecoverable returns true if the task should be resumed after restart.
// A task found in running status was interrupted mid-step; its steps are
// idempotent, so it is safe to re-run.
func (s TaskStatus) IsRecoverable() bool {
	return s == TaskStatusPending || s == TaskStatusRunning || s == TaskStatusSleeping
}

// TaskStep is the persisted step cursor of a materialization task.
type TaskStep string

const (
	StepFetch  TaskStep = "fetch"
	StepNotify TaskStep = "notify"
	StepDelay  TaskStep = "delay"
	StepExpire TaskStep = "expire"
)

// MaterializeTask is one durable materialization workflow instance,
// addressed by (entity id, transient ref).
type MaterializeTask struct {
	ID           string     `json:"id"`
	EntityID     string     `json:"entity_id"`
	TransientRef string     `json:"transient_ref"`
	DurableKey   string     `json:"durable_key"`
	ContentType  string     `json:"content_type"`
	Step         TaskStep   `json:"step"`
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ResumeAt     time.Time  `json:"resume_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskStore persists materialization tasks with recovery support.
type TaskStore interface {
	// SaveTask persists a task (create or update).
	SaveTask(ctx context.Context, task *MaterializeTask) error

	// GetTask retrieves a task by id. Returns ErrNotFound when absent.
	GetTask(ctx context.Context, id string) (*MaterializeTask, error)

	// ListRecoverable returns all non-terminal tasks.
	ListRecoverable(ctx context.Context) ([]*MaterializeTask, error)

	// DeleteTask removes a task.
	DeleteTask(ctx context.Context, id string) error

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
