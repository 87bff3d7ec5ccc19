package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/driftlab/easel/api"
	"github.com/driftlab/easel/llm/prompt"
	"github.com/driftlab/easel/types"
)

// PromptsHandler generates example prompts for the create form.
type PromptsHandler struct {
	prompts prompt.Provider
	logger  *zap.Logger
}

// NewPromptsHandler creates the prompts handler.
func NewPromptsHandler(prompts prompt.Provider, logger *zap.Logger) *PromptsHandler {
	return &PromptsHandler{
		prompts: prompts,
		logger:  logger.With(zap.String("component", "prompts_handler")),
	}
}

// Suggest handles POST /api/prompts.
func (h *PromptsHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	if h.prompts == nil {
		WriteError(w, types.NewError(types.ErrProvider, "no prompt provider configured"), h.logger)
		return
	}
	out, err := h.prompts.Suggest(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrProvider, "prompt suggestion failed").WithCause(err).WithRetryable(true), h.logger)
		return
	}
	WriteSuccess(w, api.SuggestResponse{Prompt: out})
}
