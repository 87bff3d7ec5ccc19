// Package agent implements the per-image stateful edit agent: the
// addressable entity that owns an image's edit history, serializes
// edits through the single-writer guard, and hands finished artifacts
// to the materialization workflow.
package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftlab/easel/agent/entity"
	"github.com/driftlab/easel/agent/persistence"
	"github.com/driftlab/easel/internal/ids"
	"github.com/driftlab/easel/internal/metrics"
	"github.com/driftlab/easel/llm/speech"
	"github.com/driftlab/easel/types"
)

// MaterializeStarter launches the durable materialization workflow for
// a freshly issued transient reference.
type MaterializeStarter interface {
	StartMaterialization(ctx context.Context, entityID, transientRef, durableKey, contentType string) error
}

// Deps are the collaborators an agent needs. Store and Dispatcher are
// required; the rest degrade gracefully when nil.
type Deps struct {
	Store      persistence.EntityStore
	Dispatcher *EditDispatcher
	Publisher  Publisher
	Workflows  MaterializeStarter
	Speech     speech.LiveProvider
	SpeechOpts speech.StreamOptions
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// ImageAgent owns one image entity. All mutations funnel through the
// entity reducer under the agent's mutex; provider calls run outside
// the lock with the ActiveEdit guard standing in for it.
type ImageAgent struct {
	id     string
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	state    entity.State
	creating bool
	session  *TranscriptionSession
}

// NewImageAgent creates an agent for a not-yet-generated entity.
func NewImageAgent(id string, deps Deps) *ImageAgent {
	return newAgent(id, entity.State{}, deps)
}

// NewImageAgentFromState rehydrates an agent from a persisted
// snapshot. Any persisted ActiveEdit belonged to a previous process
// and is discarded so the entity is never left wedged.
func NewImageAgentFromState(state entity.State, deps Deps) *ImageAgent {
	state = state.Clone()
	state.ActiveEdit = nil
	return newAgent(state.ID, state, deps)
}

func newAgent(id string, state entity.State, deps Deps) *ImageAgent {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageAgent{
		id:     id,
		deps:   deps,
		state:  state,
		logger: logger.With(zap.String("component", "image_agent"), zap.String("entity_id", id)),
	}
}

// ID returns the entity id.
func (a *ImageAgent) ID() string { return a.id }

// Snapshot returns the current entity state.
func (a *ImageAgent) Snapshot() entity.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// CreateImage generates the first image for this entity. It runs at
// most once; concurrent callers past the first fail AlreadyCreated.
func (a *ImageAgent) CreateImage(ctx context.Context, prompt string) (entity.State, error) {
	if strings.TrimSpace(prompt) == "" {
		return entity.State{}, types.NewError(types.ErrEmptyPrompt, "prompt must not be empty")
	}

	a.mu.Lock()
	if a.creating || a.state.Created() {
		a.mu.Unlock()
		return entity.State{}, types.NewError(types.ErrAlreadyCreated, "image already created for this entity")
	}
	a.creating = true
	a.mu.Unlock()

	transientRef, err := a.deps.Dispatcher.Generate(ctx, prompt)
	if err != nil {
		a.mu.Lock()
		a.creating = false
		a.mu.Unlock()
		a.recordCreate("error")
		return entity.State{}, err
	}

	a.mu.Lock()
	next, applyErr := entity.Apply(a.state, entity.Create{
		ID:           a.id,
		Prompt:       prompt,
		TransientRef: transientRef,
		Now:          time.Now(),
	})
	if applyErr != nil {
		a.creating = false
		a.mu.Unlock()
		a.recordCreate("error")
		return entity.State{}, applyErr
	}
	a.state = next
	a.creating = false
	a.persistLocked(ctx)
	snapshot := a.state.Clone()
	a.mu.Unlock()

	a.publish(ctx, snapshot)
	a.startMaterialization(ctx, transientRef, ids.InitialBlobKey(a.id))
	a.recordCreate("ok")
	a.logger.Info("image created", zap.String("prompt", prompt))
	return snapshot, nil
}

// EditCurrentImage applies one edit to the current image. At most one
// edit runs at a time; overlapping calls fail EditInProgress and are
// never queued.
func (a *ImageAgent) EditCurrentImage(ctx context.Context, prompt string) (entity.State, error) {
	return a.editCurrentImage(ctx, prompt, "http")
}

func (a *ImageAgent) editCurrentImage(ctx context.Context, prompt string, source string) (entity.State, error) {
	start := time.Now()

	a.mu.Lock()
	next, err := entity.Apply(a.state, entity.BeginEdit{Prompt: prompt, Now: start})
	if err != nil {
		a.mu.Unlock()
		a.recordEdit(source, "rejected", start)
		return entity.State{}, err
	}
	a.state = next
	snapshot := a.state.Clone()
	a.mu.Unlock()

	a.publish(ctx, snapshot)

	result, dispatchErr := a.deps.Dispatcher.Dispatch(ctx, snapshot, prompt)
	if dispatchErr != nil {
		a.mu.Lock()
		a.state, _ = entity.Apply(a.state, entity.FailEdit{})
		a.persistLocked(ctx)
		failed := a.state.Clone()
		a.mu.Unlock()
		a.publish(ctx, failed)
		a.recordEdit(source, "error", start)
		return entity.State{}, dispatchErr
	}

	a.mu.Lock()
	next, err = entity.Apply(a.state, entity.CommitEdit{
		Prompt:          prompt,
		GeneratedPrompt: result.GeneratedPrompt,
		TransientRef:    result.TransientRef,
		BasedOnImageRef: result.BasedOnImageRef,
		Now:             time.Now(),
	})
	if err != nil {
		a.state, _ = entity.Apply(a.state, entity.FailEdit{})
		a.persistLocked(ctx)
		a.mu.Unlock()
		a.recordEdit(source, "error", start)
		return entity.State{}, err
	}
	a.state = next
	a.persistLocked(ctx)
	snapshot = a.state.Clone()
	a.mu.Unlock()

	a.publish(ctx, snapshot)
	a.startMaterialization(ctx, result.TransientRef, ids.EditBlobKey(a.id, prompt))
	a.recordEdit(source, "ok", start)
	a.logger.Info("edit committed",
		zap.String("prompt", prompt),
		zap.String("generated_prompt", result.GeneratedPrompt))
	return snapshot, nil
}

// MarkMaterialized flips the edit holding transientRef to its durable
// key. Idempotent; repeated calls with the same arguments are no-ops.
func (a *ImageAgent) MarkMaterialized(ctx context.Context, transientRef, durableKey string) error {
	return a.mutate(ctx, entity.MarkMaterialized{TransientRef: transientRef, DurableKey: durableKey})
}

// CleanupTransientRef retires an expired transient reference.
// Idempotent for refs that were issued; unknown refs fail RefNotFound.
func (a *ImageAgent) CleanupTransientRef(ctx context.Context, transientRef string) error {
	return a.mutate(ctx, entity.CleanupTransient{TransientRef: transientRef})
}

func (a *ImageAgent) mutate(ctx context.Context, cmd entity.Command) error {
	a.mu.Lock()
	next, err := entity.Apply(a.state, cmd)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = next
	a.persistLocked(ctx)
	snapshot := a.state.Clone()
	a.mu.Unlock()

	a.publish(ctx, snapshot)
	return nil
}

// Transcription returns this agent's shared transcription session,
// creating it on first use.
func (a *ImageAgent) Transcription() *TranscriptionSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		a.session = newTranscriptionSession(a, a.deps.Speech, a.deps.SpeechOpts, a.deps.Metrics, a.logger)
	}
	return a.session
}

// persistLocked writes the current state through the entity store.
// Persistence failure degrades durability, not the in-memory entity;
// the provider call already succeeded and its result must not be lost.
func (a *ImageAgent) persistLocked(ctx context.Context) {
	if a.deps.Store == nil {
		return
	}
	if err := a.deps.Store.SaveEntity(ctx, a.state); err != nil {
		a.logger.Error("entity persist failed", zap.Error(err))
	}
}

func (a *ImageAgent) publish(ctx context.Context, state entity.State) {
	if a.deps.Publisher == nil {
		return
	}
	if err := a.deps.Publisher.PublishSnapshot(ctx, state); err != nil {
		a.logger.Warn("snapshot publish failed", zap.Error(err))
	}
}

func (a *ImageAgent) startMaterialization(ctx context.Context, transientRef, durableKey string) {
	if a.deps.Workflows == nil {
		return
	}
	err := a.deps.Workflows.StartMaterialization(ctx, a.id, transientRef, durableKey, "image/png")
	if err != nil {
		// Materialization is decoupled from the user-facing call; the
		// entity stays on its transient reference.
		a.logger.Error("failed to start materialization", zap.Error(err),
			zap.String("transient_ref", transientRef))
	}
}

func (a *ImageAgent) recordCreate(status string) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordImageCreate(status)
	}
}

func (a *ImageAgent) recordEdit(source, status string, start time.Time) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordEdit(source, status, time.Since(start))
	}
}
