package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Rules for rewriting an edit prompt against the current image. The
// output must be usable verbatim as an image-edit prompt.
const contextualizeSystem = `You rewrite user requests into prompts for an image EDITING model.
Rules:
- The output must describe an edit to the CURRENT image, never a regeneration from scratch.
- Reference earlier edits only when the new request depends on them (for example comparatives like "bigger").
- Requests to remove or alter something must be carried through literally, never rephrased away.
- Resolve ambiguous pronouns to concrete nouns from the context when that helps.
- Output only the bare prompt text, with no commentary.`

const suggestSystem = `Create a one sentence prompt for an image generation model that will produce a nice image.
Add some weird, strange, or a few out of context items that don't belong in that photo.
Return only the prompt.`

// OpenAIProvider implements prompt contextualization against an
// OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// HistoryTokenBudget bounds the edit history included as context;
	// oldest entries are dropped first. 0 uses a sane default.
	HistoryTokenBudget int
}

// NewOpenAIProvider creates a new chat-based prompt provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = 2048
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return "openai-chat" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Contextualize rewrites the raw prompt against the edit history.
func (p *OpenAIProvider) Contextualize(ctx context.Context, req *ContextualizeRequest) (string, error) {
	var sb strings.Builder
	if req.InitialPrompt != "" {
		fmt.Fprintf(&sb, "Original image prompt: %s\n", req.InitialPrompt)
	}
	history := p.trimHistory(req.History)
	if len(history) > 0 {
		sb.WriteString("Edits applied so far, oldest first:\n")
		for _, h := range history {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	fmt.Fprintf(&sb, "New edit request: %s", req.Prompt)

	out, err := p.complete(ctx, contextualizeSystem, sb.String())
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("contextualization produced empty prompt")
	}
	return out, nil
}

// Suggest produces a one-sentence surprise prompt.
func (p *OpenAIProvider) Suggest(ctx context.Context) (string, error) {
	out, err := p.complete(ctx, suggestSystem, "Give me one prompt.")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("suggestion produced empty prompt")
	}
	return out, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, system, user string) (string, error) {
	body := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
	}
	payload, _ := json.Marshal(body)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	var cResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cResp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cResp.Choices) == 0 {
		return "", fmt.Errorf("chat returned no choices")
	}
	return strings.TrimSpace(cResp.Choices[0].Message.Content), nil
}

// trimHistory drops oldest entries until the history fits the token
// budget. Falls back to a rough byte heuristic if the tokenizer is
// unavailable (for example no encoding data for the model).
func (p *OpenAIProvider) trimHistory(history []string) []string {
	budget := p.cfg.HistoryTokenBudget

	enc, err := tiktoken.GetEncoding("cl100k_base")
	count := func(s string) int {
		if err != nil {
			return len(s) / 4
		}
		return len(enc.Encode(s, nil, nil))
	}

	total := 0
	counts := make([]int, len(history))
	for i, h := range history {
		counts[i] = count(h)
		total += counts[i]
	}

	start := 0
	for total > budget && start < len(history) {
		total -= counts[start]
		start++
	}
	return history[start:]
}
