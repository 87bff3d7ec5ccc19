// Package entity holds the image entity state and the pure reducer
// that applies every mutation to it. The reducer is the single place
// where the edit-history invariants are enforced; callers hold no
// locks beyond the ActiveEdit guard the reducer itself checks.
package entity

import (
	"strings"
	"time"

	"github.com/driftlab/easel/types"
)

// Edit is one element of the refinement history. ImageRef starts as
// the transient provider URL and flips to the durable blob key exactly
// once, on materialization. TransientRef keeps the provider URL around
// until the expiry step retires it.
type Edit struct {
	Prompt          string    `json:"prompt"`
	GeneratedPrompt string    `json:"generated_prompt"`
	ImageRef        string    `json:"image_ref"`
	TransientRef    string    `json:"transient_ref,omitempty"`
	BasedOnImageRef string    `json:"based_on_image_ref,omitempty"`
	Materialized    bool      `json:"materialized"`
	Expired         bool      `json:"expired"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActiveEdit marks the single in-flight edit. Its presence is the
// entity's write lock.
type ActiveEdit struct {
	Prompt    string    `json:"prompt"`
	StartedAt time.Time `json:"started_at"`
}

// State is the full entity state. It is treated as an immutable value:
// the reducer returns a fresh copy and never mutates its input.
type State struct {
	ID            string      `json:"id"`
	InitialPrompt string      `json:"initial_prompt"`
	Edits         []Edit      `json:"edits"`
	ActiveEdit    *ActiveEdit `json:"active_edit,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Created reports whether the entity has produced its first image.
func (s State) Created() bool { return len(s.Edits) > 0 }

// CurrentEdit returns the newest edit, whose image is the one every
// operation acts on.
func (s State) CurrentEdit() (Edit, bool) {
	if len(s.Edits) == 0 {
		return Edit{}, false
	}
	return s.Edits[len(s.Edits)-1], true
}

// CurrentRef returns the citable reference of the current image:
// the transient URL while it is still live, else the durable key.
func (s State) CurrentRef() (string, bool) {
	edit, ok := s.CurrentEdit()
	if !ok {
		return "", false
	}
	if edit.TransientRef != "" && !edit.Expired {
		return edit.TransientRef, true
	}
	if edit.Materialized {
		return edit.ImageRef, true
	}
	return edit.ImageRef, edit.ImageRef != ""
}

// PromptHistory returns the raw prompts of all edits, oldest first.
func (s State) PromptHistory() []string {
	out := make([]string, len(s.Edits))
	for i, e := range s.Edits {
		out[i] = e.Prompt
	}
	return out
}

// Clone deep-copies the state so snapshots can be published without
// sharing the edits slice with the live value.
func (s State) Clone() State {
	out := s
	out.Edits = append([]Edit(nil), s.Edits...)
	if s.ActiveEdit != nil {
		active := *s.ActiveEdit
		out.ActiveEdit = &active
	}
	return out
}

// Command is one requested mutation against the entity.
type Command interface{ isCommand() }

// Create records the first generated image. Allowed exactly once.
type Create struct {
	ID           string
	Prompt       string
	TransientRef string
	Now          time.Time
}

// BeginEdit acquires the single-writer guard for a new edit.
type BeginEdit struct {
	Prompt string
	Now    time.Time
}

// CommitEdit appends the finished edit and releases the guard.
type CommitEdit struct {
	Prompt          string
	GeneratedPrompt string
	TransientRef    string
	BasedOnImageRef string
	Now             time.Time
}

// FailEdit releases the guard without appending anything.
type FailEdit struct{}

// MarkMaterialized flips an edit's ImageRef from the transient URL to
// the durable blob key. Idempotent.
type MarkMaterialized struct {
	TransientRef string
	DurableKey   string
}

// CleanupTransient retires a transient reference after its retention
// window. Idempotent for refs that were issued; an unknown ref is an
// upstream bug and is rejected.
type CleanupTransient struct {
	TransientRef string
}

func (Create) isCommand()           {}
func (BeginEdit) isCommand()        {}
func (CommitEdit) isCommand()       {}
func (FailEdit) isCommand()         {}
func (MarkMaterialized) isCommand() {}
func (CleanupTransient) isCommand() {}

// Apply runs one command against the state and returns the new state.
// On error the returned state is the input, unchanged.
func Apply(s State, cmd Command) (State, error) {
	switch c := cmd.(type) {
	case Create:
		return applyCreate(s, c)
	case BeginEdit:
		return applyBeginEdit(s, c)
	case CommitEdit:
		return applyCommitEdit(s, c)
	case FailEdit:
		return applyFailEdit(s)
	case MarkMaterialized:
		return applyMarkMaterialized(s, c)
	case CleanupTransient:
		return applyCleanupTransient(s, c)
	default:
		return s, types.NewError(types.ErrStore, "unknown entity command")
	}
}

func applyCreate(s State, c Create) (State, error) {
	if strings.TrimSpace(c.Prompt) == "" {
		return s, types.NewError(types.ErrEmptyPrompt, "prompt must not be empty")
	}
	if s.Created() {
		return s, types.NewError(types.ErrAlreadyCreated, "image already created for this entity")
	}
	out := s.Clone()
	out.ID = c.ID
	out.InitialPrompt = c.Prompt
	out.CreatedAt = c.Now
	out.Edits = append(out.Edits, Edit{
		Prompt:          c.Prompt,
		GeneratedPrompt: c.Prompt,
		ImageRef:        c.TransientRef,
		TransientRef:    c.TransientRef,
		CreatedAt:       c.Now,
	})
	return out, nil
}

func applyBeginEdit(s State, c BeginEdit) (State, error) {
	if strings.TrimSpace(c.Prompt) == "" {
		return s, types.NewError(types.ErrEmptyPrompt, "prompt must not be empty")
	}
	if !s.Created() {
		return s, types.NewError(types.ErrNoActiveImage, "no image to edit; create one first")
	}
	if s.ActiveEdit != nil {
		return s, types.NewError(types.ErrEditInProgress, "an edit is already in progress")
	}
	out := s.Clone()
	out.ActiveEdit = &ActiveEdit{Prompt: c.Prompt, StartedAt: c.Now}
	return out, nil
}

func applyCommitEdit(s State, c CommitEdit) (State, error) {
	if s.ActiveEdit == nil {
		return s, types.NewError(types.ErrStore, "commit without an active edit")
	}
	out := s.Clone()
	out.ActiveEdit = nil
	out.Edits = append(out.Edits, Edit{
		Prompt:          c.Prompt,
		GeneratedPrompt: c.GeneratedPrompt,
		ImageRef:        c.TransientRef,
		TransientRef:    c.TransientRef,
		BasedOnImageRef: c.BasedOnImageRef,
		CreatedAt:       c.Now,
	})
	return out, nil
}

func applyFailEdit(s State) (State, error) {
	if s.ActiveEdit == nil {
		return s, nil
	}
	out := s.Clone()
	out.ActiveEdit = nil
	return out, nil
}

func applyMarkMaterialized(s State, c MarkMaterialized) (State, error) {
	for i, e := range s.Edits {
		if e.TransientRef != c.TransientRef {
			continue
		}
		if e.Materialized {
			// Retried notify; nothing left to do.
			return s, nil
		}
		out := s.Clone()
		out.Edits[i].ImageRef = c.DurableKey
		out.Edits[i].Materialized = true
		return out, nil
	}
	return s, types.NewError(types.ErrRefNotFound, "no edit references "+c.TransientRef)
}

func applyCleanupTransient(s State, c CleanupTransient) (State, error) {
	for i, e := range s.Edits {
		if e.TransientRef != c.TransientRef {
			continue
		}
		if e.Expired {
			return s, nil
		}
		out := s.Clone()
		out.Edits[i].Expired = true
		return out, nil
	}
	return s, types.NewError(types.ErrRefNotFound, "no edit ever referenced "+c.TransientRef)
}
