// Package prompt provides the prompt contextualization provider: it
// rewrites a raw edit request into a prompt that targets the current
// image, using the entity's edit history as context.
package prompt

import "context"

// ContextualizeRequest carries the raw edit prompt plus the ordered
// prior edit prompts (oldest first).
type ContextualizeRequest struct {
	Prompt        string   `json:"prompt"`
	InitialPrompt string   `json:"initial_prompt"`
	History       []string `json:"history"`
}

// Provider turns a raw edit request into the prompt actually sent to
// the image provider. A failure here must never block an edit; callers
// fall back to the raw prompt.
type Provider interface {
	// Contextualize returns the bare rewritten prompt with no
	// commentary. An empty result is an error.
	Contextualize(ctx context.Context, req *ContextualizeRequest) (string, error)

	// Suggest produces a one-sentence prompt for a fresh image.
	Suggest(ctx context.Context) (string, error)

	Name() string
}
