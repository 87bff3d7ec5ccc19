// Package image provides the image generation provider interface used
// to create and edit images.
package image

import (
	"context"
	"time"
)

// GenerateRequest asks for a fresh image from a text prompt.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"` // e.g. "1:1", "16:9"
}

// EditRequest asks for a modification of an existing image. Exactly one
// of SourceURL or SourceData must be set.
type EditRequest struct {
	Prompt      string `json:"prompt"`
	SourceURL   string `json:"-"`
	SourceData  []byte `json:"-"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Result is the primary output of a generation or edit call. URL is a
// short-lived provider-hosted reference; the materialization workflow
// copies it into durable storage.
type Result struct {
	URL       string    `json:"url"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider generates and edits images. Implementations must return an
// error rather than an empty result; callers rely on Result.URL being
// populated.
type Provider interface {
	Generate(ctx context.Context, req *GenerateRequest) (*Result, error)
	Edit(ctx context.Context, req *EditRequest) (*Result, error)
	Name() string
}
