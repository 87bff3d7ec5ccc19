package agent

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/driftlab/easel/agent/persistence"
	"github.com/driftlab/easel/internal/ids"
	"github.com/driftlab/easel/types"
)

// Registry addresses agents by entity id. Agents are created on the
// first image generation and rehydrated from the entity store when a
// known id is requested after a restart.
type Registry struct {
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	agents map[string]*ImageAgent
}

// NewRegistry creates a registry; all agents share deps.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		deps:   deps,
		logger: logger.With(zap.String("component", "agent_registry")),
		agents: make(map[string]*ImageAgent),
	}
}

// CreateImage mints a new entity id from the prompt, creates its
// agent, and generates the first image. The agent is registered only
// once generation succeeds; a failed create leaves no trace.
func (r *Registry) CreateImage(ctx context.Context, prompt string) (*ImageAgent, error) {
	a := NewImageAgent(ids.NewImageID(prompt), r.deps)
	if _, err := a.CreateImage(ctx, prompt); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[a.ID()] = a
	r.mu.Unlock()
	return a, nil
}

// Get returns the agent for an entity id, rehydrating it from the
// entity store if this process has not seen it yet.
func (r *Registry) Get(ctx context.Context, id string) (*ImageAgent, error) {
	r.mu.Lock()
	if a, ok := r.agents[id]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	if r.deps.Store == nil {
		return nil, types.NewError(types.ErrImageNotFound, "unknown image id: "+id)
	}
	state, err := r.deps.Store.GetEntity(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, types.NewError(types.ErrImageNotFound, "unknown image id: "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "entity load failed").WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have rehydrated while we read the store.
	if a, ok := r.agents[id]; ok {
		return a, nil
	}
	a := NewImageAgentFromState(state, r.deps)
	r.agents[id] = a
	r.logger.Info("agent rehydrated", zap.String("entity_id", id))
	return a, nil
}

// MarkMaterialized routes a workflow notify callback to its agent.
func (r *Registry) MarkMaterialized(ctx context.Context, entityID, transientRef, durableKey string) error {
	a, err := r.Get(ctx, entityID)
	if err != nil {
		return err
	}
	return a.MarkMaterialized(ctx, transientRef, durableKey)
}

// CleanupTransientRef routes a workflow expiry callback to its agent.
func (r *Registry) CleanupTransientRef(ctx context.Context, entityID, transientRef string) error {
	a, err := r.Get(ctx, entityID)
	if err != nil {
		return err
	}
	return a.CleanupTransientRef(ctx, transientRef)
}
