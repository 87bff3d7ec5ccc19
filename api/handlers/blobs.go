package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/driftlab/easel/storage"
	"github.com/driftlab/easel/types"
)

// BlobsHandler serves materialized image bytes from the blob store.
type BlobsHandler struct {
	blobs  storage.BlobStore
	logger *zap.Logger
}

// NewBlobsHandler creates the blob-serving handler.
func NewBlobsHandler(blobs storage.BlobStore, logger *zap.Logger) *BlobsHandler {
	return &BlobsHandler{
		blobs:  blobs,
		logger: logger.With(zap.String("component", "blobs_handler")),
	}
}

// Get handles GET /api/blobs/{key...}.
func (h *BlobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		WriteError(w, types.NewError(types.ErrImageNotFound, "missing blob key"), h.logger)
		return
	}

	blob, err := h.blobs.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrImageNotFound, "no blob at "+key), h.logger)
		return
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrStore, "blob read failed").WithCause(err), h.logger)
		return
	}

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(blob.Data)
}
