package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/driftlab/easel/agent/entity"
	"github.com/driftlab/easel/llm/image"
	"github.com/driftlab/easel/llm/prompt"
	"github.com/driftlab/easel/storage"
	"github.com/driftlab/easel/types"
)

// EditDispatcher turns a raw edit request into an image provider call:
// contextualize the prompt, resolve the current image, invoke the
// provider. Admission control (the single in-flight edit) is the
// caller's job; the dispatcher assumes the guard is already held.
type EditDispatcher struct {
	images      image.Provider
	prompts     prompt.Provider
	blobs       storage.BlobStore
	aspectRatio string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// DispatchResult is the outcome of one successful edit dispatch.
type DispatchResult struct {
	TransientRef    string
	GeneratedPrompt string
	BasedOnImageRef string
}

// NewEditDispatcher creates a dispatcher. prompts may be nil, in which
// case edits always run with the raw prompt.
func NewEditDispatcher(images image.Provider, prompts prompt.Provider, blobs storage.BlobStore, aspectRatio string, logger *zap.Logger) *EditDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}
	return &EditDispatcher{
		images:      images,
		prompts:     prompts,
		blobs:       blobs,
		aspectRatio: aspectRatio,
		logger:      logger.With(zap.String("component", "edit_dispatcher")),
		tracer:      otel.Tracer("easel/agent"),
	}
}

// Generate produces the entity's first image and returns the
// provider-hosted transient reference.
func (d *EditDispatcher) Generate(ctx context.Context, rawPrompt string) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Generate")
	defer span.End()

	res, err := d.images.Generate(ctx, &image.GenerateRequest{
		Prompt:      rawPrompt,
		AspectRatio: d.aspectRatio,
	})
	if err != nil {
		return "", types.NewError(types.ErrProvider, "image generation failed").WithCause(err).WithRetryable(true)
	}
	return res.URL, nil
}

// Dispatch executes one edit against the given state.
func (d *EditDispatcher) Dispatch(ctx context.Context, state entity.State, rawPrompt string) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch",
		trace.WithAttributes(attribute.String("entity.id", state.ID)))
	defer span.End()

	generated := d.contextualize(ctx, state, rawPrompt)

	current, ok := state.CurrentEdit()
	if !ok {
		return nil, types.NewError(types.ErrNoActiveImage, "no image to edit")
	}

	req := &image.EditRequest{
		Prompt:      generated,
		AspectRatio: d.aspectRatio,
	}
	switch {
	case current.TransientRef != "" && !current.Expired:
		req.SourceURL = current.TransientRef
	case current.Materialized:
		blob, err := d.blobs.Get(ctx, current.ImageRef)
		if err != nil {
			return nil, types.NewError(types.ErrImageNotFound, "current image unavailable").WithCause(err)
		}
		req.SourceData = blob.Data
	default:
		return nil, types.NewError(types.ErrImageNotFound, "current image has no resolvable reference")
	}

	res, err := d.images.Edit(ctx, req)
	if err != nil {
		return nil, types.NewError(types.ErrProvider, "image edit failed").WithCause(err).WithRetryable(true)
	}

	return &DispatchResult{
		TransientRef:    res.URL,
		GeneratedPrompt: generated,
		BasedOnImageRef: current.ImageRef,
	}, nil
}

// contextualize rewrites the prompt against the edit history. Failure
// falls back to the raw prompt; contextualization never blocks an edit.
func (d *EditDispatcher) contextualize(ctx context.Context, state entity.State, rawPrompt string) string {
	if d.prompts == nil {
		return rawPrompt
	}
	out, err := d.prompts.Contextualize(ctx, &prompt.ContextualizeRequest{
		Prompt:        rawPrompt,
		InitialPrompt: state.InitialPrompt,
		History:       state.PromptHistory(),
	})
	if err != nil {
		d.logger.Warn("contextualization failed, using raw prompt",
			zap.String("entity_id", state.ID), zap.Error(err))
		return rawPrompt
	}
	return out
}
