// Package ids derives the identifiers used to address image entities
// and their stored blobs.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxSlugLen = 32
	fallback   = "image"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SlugifyPrompt reduces a prompt to a short, URL-safe slug.
// Empty or fully non-alphanumeric prompts slug to "image".
func SlugifyPrompt(prompt string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(prompt), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		return fallback
	}
	return s
}

// NewImageID builds a stable entity id from the initial prompt: the
// prompt slug plus a random suffix so identical prompts stay distinct.
func NewImageID(prompt string) string {
	parts := strings.Split(uuid.NewString(), "-")
	suffix := parts[len(parts)-1]
	return SlugifyPrompt(prompt) + "-" + suffix
}

// EditID derives a deterministic id for an edit from its prompt text.
// Identical prompts against the same entity map to the same id, which
// keeps blob writes idempotent across workflow retries.
func EditID(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:8])
}

// InitialBlobKey returns the object-store key for the entity's first image.
func InitialBlobKey(entityID string) string {
	return entityID
}

// EditBlobKey returns the object-store key for an edit's image.
func EditBlobKey(entityID, prompt string) string {
	return entityID + "/edits/" + EditID(prompt)
}
