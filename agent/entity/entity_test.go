package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/driftlab/easel/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func created(t *testing.T) State {
	t.Helper()
	s, err := Apply(State{}, Create{ID: "sunset-abc123", Prompt: "sunset", TransientRef: "https://img.example/1", Now: now})
	require.NoError(t, err)
	return s
}

func TestCreateRecordsFirstEdit(t *testing.T) {
	s := created(t)

	assert.Equal(t, "sunset-abc123", s.ID)
	assert.Equal(t, "sunset", s.InitialPrompt)
	require.Len(t, s.Edits, 1)
	assert.Nil(t, s.ActiveEdit)

	edit := s.Edits[0]
	assert.Equal(t, "sunset", edit.Prompt)
	assert.Equal(t, "sunset", edit.GeneratedPrompt)
	assert.Equal(t, "https://img.example/1", edit.ImageRef)
	assert.False(t, edit.Materialized)

	ref, ok := s.CurrentRef()
	require.True(t, ok)
	assert.Equal(t, "https://img.example/1", ref)
}

func TestCreateValidation(t *testing.T) {
	_, err := Apply(State{}, Create{Prompt: "   ", Now: now})
	assert.Equal(t, types.ErrEmptyPrompt, types.GetErrorCode(err))

	s := created(t)
	_, err = Apply(s, Create{ID: s.ID, Prompt: "again", Now: now})
	assert.Equal(t, types.ErrAlreadyCreated, types.GetErrorCode(err))
}

func TestBeginEditGuard(t *testing.T) {
	_, err := Apply(State{}, BeginEdit{Prompt: "add birds", Now: now})
	assert.Equal(t, types.ErrNoActiveImage, types.GetErrorCode(err))

	s := created(t)
	s, err = Apply(s, BeginEdit{Prompt: "add birds", Now: now})
	require.NoError(t, err)
	require.NotNil(t, s.ActiveEdit)
	assert.Equal(t, "add birds", s.ActiveEdit.Prompt)

	_, err = Apply(s, BeginEdit{Prompt: "also clouds", Now: now})
	assert.Equal(t, types.ErrEditInProgress, types.GetErrorCode(err))
}

func TestCommitAppendsAndReleases(t *testing.T) {
	s := created(t)
	s, err := Apply(s, BeginEdit{Prompt: "add birds", Now: now})
	require.NoError(t, err)

	s, err = Apply(s, CommitEdit{
		Prompt:          "add birds",
		GeneratedPrompt: "add birds to the existing sunset",
		TransientRef:    "https://img.example/2",
		BasedOnImageRef: "https://img.example/1",
		Now:             now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Nil(t, s.ActiveEdit)
	require.Len(t, s.Edits, 2)
	assert.Equal(t, "https://img.example/1", s.Edits[1].BasedOnImageRef)

	ref, ok := s.CurrentRef()
	require.True(t, ok)
	assert.Equal(t, "https://img.example/2", ref)
}

func TestFailEditReleasesWithoutAppending(t *testing.T) {
	s := created(t)
	s, err := Apply(s, BeginEdit{Prompt: "add birds", Now: now})
	require.NoError(t, err)

	s, err = Apply(s, FailEdit{})
	require.NoError(t, err)
	assert.Nil(t, s.ActiveEdit)
	assert.Len(t, s.Edits, 1)

	// Failing with no active edit is harmless.
	s2, err := Apply(s, FailEdit{})
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}

func TestMarkMaterializedTransition(t *testing.T) {
	s := created(t)

	s, err := Apply(s, MarkMaterialized{TransientRef: "https://img.example/1", DurableKey: "sunset-abc123"})
	require.NoError(t, err)
	edit := s.Edits[0]
	assert.Equal(t, "sunset-abc123", edit.ImageRef)
	assert.True(t, edit.Materialized)
	assert.Equal(t, "https://img.example/1", edit.TransientRef, "transient value retained for expiry")

	// The transient URL stays citable until expiry.
	ref, ok := s.CurrentRef()
	require.True(t, ok)
	assert.Equal(t, "https://img.example/1", ref)

	again, err := Apply(s, MarkMaterialized{TransientRef: "https://img.example/1", DurableKey: "sunset-abc123"})
	require.NoError(t, err)
	assert.Equal(t, s, again, "second notify is a no-op")

	_, err = Apply(s, MarkMaterialized{TransientRef: "https://never.issued", DurableKey: "x"})
	assert.Equal(t, types.ErrRefNotFound, types.GetErrorCode(err))
}

func TestCleanupTransient(t *testing.T) {
	s := created(t)
	s, err := Apply(s, MarkMaterialized{TransientRef: "https://img.example/1", DurableKey: "sunset-abc123"})
	require.NoError(t, err)

	s, err = Apply(s, CleanupTransient{TransientRef: "https://img.example/1"})
	require.NoError(t, err)
	assert.True(t, s.Edits[0].Expired)

	ref, ok := s.CurrentRef()
	require.True(t, ok)
	assert.Equal(t, "sunset-abc123", ref, "current ref falls through to the durable key")

	again, err := Apply(s, CleanupTransient{TransientRef: "https://img.example/1"})
	require.NoError(t, err)
	assert.Equal(t, s, again, "repeat cleanup is a no-op")

	_, err = Apply(s, CleanupTransient{TransientRef: "https://never.issued"})
	assert.Equal(t, types.ErrRefNotFound, types.GetErrorCode(err))
}

func TestApplyNeverMutatesInput(t *testing.T) {
	s := created(t)
	snapshot := s.Clone()

	_, err := Apply(s, BeginEdit{Prompt: "add birds", Now: now})
	require.NoError(t, err)
	assert.Equal(t, snapshot, s)

	_, err = Apply(s, MarkMaterialized{TransientRef: "https://img.example/1", DurableKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, snapshot, s)
}

// TestEditHistoryProperties drives the reducer with random command
// sequences and checks the structural invariants the rest of the
// system leans on.
func TestEditHistoryProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := State{}
		refSeq := 0
		var issued []string

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			prevLen := len(s.Edits)
			prevEdits := append([]Edit(nil), s.Edits...)

			var err error
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0:
				refSeq++
				ref := "https://img.example/" + string(rune('a'+refSeq%26)) + "-create"
				var next State
				next, err = Apply(s, Create{ID: "e", Prompt: "p", TransientRef: ref, Now: now})
				if err == nil {
					issued = append(issued, ref)
					s = next
				}
			case 1:
				s, err = Apply(s, BeginEdit{Prompt: "edit", Now: now})
			case 2:
				if s.ActiveEdit != nil {
					refSeq++
					ref := "https://img.example/" + string(rune('a'+refSeq%26)) + "-edit"
					s, err = Apply(s, CommitEdit{Prompt: "edit", GeneratedPrompt: "edit", TransientRef: ref, Now: now})
					if err == nil {
						issued = append(issued, ref)
					}
				}
			case 3:
				s, err = Apply(s, FailEdit{})
			case 4:
				if len(issued) > 0 {
					ref := issued[rapid.IntRange(0, len(issued)-1).Draw(t, "mark")]
					s, err = Apply(s, MarkMaterialized{TransientRef: ref, DurableKey: "durable/" + ref})
				}
			case 5:
				if len(issued) > 0 {
					ref := issued[rapid.IntRange(0, len(issued)-1).Draw(t, "clean")]
					s, err = Apply(s, CleanupTransient{TransientRef: ref})
				}
			}
			_ = err // rejected commands must leave state untouched, checked below

			if len(s.Edits) < prevLen {
				t.Fatalf("edits shrank from %d to %d", prevLen, len(s.Edits))
			}
			for j, prev := range prevEdits {
				cur := s.Edits[j]
				if cur.Prompt != prev.Prompt || cur.GeneratedPrompt != prev.GeneratedPrompt ||
					cur.BasedOnImageRef != prev.BasedOnImageRef || cur.TransientRef != prev.TransientRef {
					t.Fatalf("edit %d immutable fields changed", j)
				}
				if prev.Materialized && !cur.Materialized {
					t.Fatalf("edit %d reverted to transient", j)
				}
				if prev.Expired && !cur.Expired {
					t.Fatalf("edit %d un-expired", j)
				}
			}
		}
	})
}
