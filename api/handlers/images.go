package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/driftlab/easel/agent"
	"github.com/driftlab/easel/api"
	"github.com/driftlab/easel/types"
)

// ImagesHandler serves image creation, editing and retrieval.
type ImagesHandler struct {
	registry *agent.Registry
	logger   *zap.Logger
}

// NewImagesHandler creates the images handler.
func NewImagesHandler(registry *agent.Registry, logger *zap.Logger) *ImagesHandler {
	return &ImagesHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "images_handler")),
	}
}

// Create handles POST /api/images.
func (h *ImagesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, types.NewError(types.ErrEmptyPrompt, "invalid request body").WithCause(err), h.logger)
		return
	}

	a, err := h.registry.CreateImage(r.Context(), req.Prompt)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteCreated(w, api.NewImageView(a.Snapshot()))
}

// Edit handles POST /api/images/{id}/edits.
func (h *ImagesHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req api.EditImageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, types.NewError(types.ErrEmptyPrompt, "invalid request body").WithCause(err), h.logger)
		return
	}

	a, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	state, err := a.EditCurrentImage(r.Context(), req.Prompt)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewImageView(state))
}

// Get handles GET /api/images/{id}.
func (h *ImagesHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.NewImageView(a.Snapshot()))
}
