package prompt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, reply string, capture *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": reply}},
			},
		})
	}))
}

func TestContextualizeBuildsHistoryContext(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, "make the existing birds twice as large", &got)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	out, err := p.Contextualize(context.Background(), &ContextualizeRequest{
		Prompt:        "make them bigger",
		InitialPrompt: "a sunset over the sea",
		History:       []string{"add birds", "warmer colors"},
	})
	require.NoError(t, err)
	assert.Equal(t, "make the existing birds twice as large", out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "CURRENT image")
	user := got.Messages[1].Content
	assert.Contains(t, user, "a sunset over the sea")
	assert.Contains(t, user, "- add birds")
	assert.Contains(t, user, "- warmer colors")
	assert.Contains(t, user, "New edit request: make them bigger")
}

func TestContextualizeRejectsEmptyOutput(t *testing.T) {
	srv := chatServer(t, "   ", nil)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	_, err := p.Contextualize(context.Background(), &ContextualizeRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestContextualizeSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	_, err := p.Contextualize(context.Background(), &ContextualizeRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestSuggestReturnsBarePrompt(t *testing.T) {
	srv := chatServer(t, "a lighthouse surrounded by floating umbrellas", nil)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	out, err := p.Suggest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a lighthouse surrounded by floating umbrellas", out)
}

func TestTrimHistoryDropsOldestFirst(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", HistoryTokenBudget: 20})

	long := strings.Repeat("very detailed edit description ", 10)
	history := []string{long, "add birds", "warmer colors"}

	trimmed := p.trimHistory(history)
	require.NotEmpty(t, trimmed)
	assert.Equal(t, "warmer colors", trimmed[len(trimmed)-1], "newest entry must survive")
	assert.NotContains(t, trimmed, long, "oldest oversized entry must be dropped")
}

func TestTrimHistoryKeepsSmallHistories(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	history := []string{"add birds", "warmer colors"}
	assert.Equal(t, history, p.trimHistory(history))
}
