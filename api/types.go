// Package api defines the request and response types of the HTTP
// front door.
package api

import (
	"time"

	"github.com/driftlab/easel/agent/entity"
)

// BlobURLPrefix is where materialized images are served from.
const BlobURLPrefix = "/api/blobs/"

// CreateImageRequest asks for a brand-new image.
type CreateImageRequest struct {
	Prompt string `json:"prompt"`
}

// EditImageRequest asks for one edit against the current image.
type EditImageRequest struct {
	Prompt string `json:"prompt"`
}

// SuggestResponse carries a generated example prompt.
type SuggestResponse struct {
	Prompt string `json:"prompt"`
}

// EditView is one row of the refinement history.
type EditView struct {
	Prompt          string    `json:"prompt"`
	GeneratedPrompt string    `json:"generated_prompt"`
	ImageURL        string    `json:"image_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// ImageView is the externally visible entity snapshot.
type ImageView struct {
	ID              string     `json:"id"`
	InitialPrompt   string     `json:"initial_prompt"`
	CreatedAt       time.Time  `json:"created_at"`
	Busy            bool       `json:"busy"`
	ActivePrompt    string     `json:"active_prompt,omitempty"`
	CurrentImageURL string     `json:"current_image_url,omitempty"`
	Edits           []EditView `json:"edits"`
}

// NewImageView converts an entity snapshot into its API shape.
// Transient references are exposed verbatim; durable keys are exposed
// as blob-serving URLs.
func NewImageView(state entity.State) ImageView {
	view := ImageView{
		ID:            state.ID,
		InitialPrompt: state.InitialPrompt,
		CreatedAt:     state.CreatedAt,
		Edits:         make([]EditView, 0, len(state.Edits)),
	}
	if state.ActiveEdit != nil {
		view.Busy = true
		view.ActivePrompt = state.ActiveEdit.Prompt
	}
	for _, e := range state.Edits {
		view.Edits = append(view.Edits, EditView{
			Prompt:          e.Prompt,
			GeneratedPrompt: e.GeneratedPrompt,
			ImageURL:        refURL(e),
			CreatedAt:       e.CreatedAt,
		})
	}
	if len(view.Edits) > 0 {
		view.CurrentImageURL = view.Edits[len(view.Edits)-1].ImageURL
	}
	return view
}

func refURL(e entity.Edit) string {
	if e.TransientRef != "" && !e.Expired {
		return e.TransientRef
	}
	if e.Materialized {
		return BlobURLPrefix + e.ImageRef
	}
	return e.ImageRef
}

// Stream message types accepted from and sent to websocket viewers.
const (
	StreamTypeAudioStart    = "audio-start"
	StreamTypeAudioChunk    = "audio-chunk"
	StreamTypeAudioComplete = "audio-complete"
	StreamTypeSnapshot      = "snapshot"
	StreamTypeError         = "error"
)

// StreamInbound is a client-to-server websocket message.
type StreamInbound struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
	// Data carries one base64-encoded audio chunk.
	Data string `json:"data,omitempty"`
}

// StreamOutbound is a server-to-client websocket message.
type StreamOutbound struct {
	Type  string     `json:"type"`
	Image *ImageView `json:"image,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the wire form of a service error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
