package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FluxProvider implements image generation and editing using Black
// Forest Labs Flux. Generation uses the configured base model; edits go
// through the Kontext models with the source image inlined.
// API Docs: https://docs.bfl.ai/quick_start/generating_images
type FluxProvider struct {
	cfg    FluxConfig
	client *http.Client
}

// FluxConfig configures the Flux provider.
type FluxConfig struct {
	APIKey    string
	BaseURL   string
	Model     string // generation model, e.g. flux-2-pro
	EditModel string // edit model, e.g. flux-kontext-pro
	Timeout   time.Duration
}

// NewFluxProvider creates a new Flux image provider.
func NewFluxProvider(cfg FluxConfig) *FluxProvider {
	if cfg.BaseURL == "" {
		// Primary global endpoint; regional: api.eu.bfl.ai, api.us.bfl.ai
		cfg.BaseURL = "https://api.bfl.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "flux-2-pro"
	}
	if cfg.EditModel == "" {
		cfg.EditModel = "flux-kontext-pro"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &FluxProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *FluxProvider) Name() string { return "flux" }

type fluxRequest struct {
	Prompt       string `json:"prompt"`
	AspectRatio  string `json:"aspect_ratio,omitempty"` // e.g. "1:1", "16:9"
	InputImage   string `json:"input_image,omitempty"`  // base64, Kontext edits
	OutputFormat string `json:"output_format,omitempty"`
}

type fluxResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PollingURL string `json:"polling_url,omitempty"` // must be used for polling
	Result     struct {
		Sample string `json:"sample"` // signed URL, valid ~10 minutes
	} `json:"result,omitempty"`
}

// Generate creates an image from a text prompt.
// Endpoint: POST /v1/{model}, auth via x-key header.
func (p *FluxProvider) Generate(ctx context.Context, req *GenerateRequest) (*Result, error) {
	body := fluxRequest{
		Prompt:       req.Prompt,
		AspectRatio:  req.AspectRatio,
		OutputFormat: "png",
	}
	if body.AspectRatio == "" {
		body.AspectRatio = "1:1"
	}
	return p.submit(ctx, p.cfg.Model, body)
}

// Edit modifies an existing image through a Kontext model. The aspect
// ratio is locked to the source by the caller; output format stays png.
func (p *FluxProvider) Edit(ctx context.Context, req *EditRequest) (*Result, error) {
	if req.SourceURL == "" && len(req.SourceData) == 0 {
		return nil, fmt.Errorf("edit requires a source image")
	}

	source := req.SourceData
	if source == nil {
		fetched, err := p.fetchSource(ctx, req.SourceURL)
		if err != nil {
			return nil, fmt.Errorf("fetch source image: %w", err)
		}
		source = fetched
	}

	body := fluxRequest{
		Prompt:       req.Prompt,
		AspectRatio:  req.AspectRatio,
		InputImage:   base64.StdEncoding.EncodeToString(source),
		OutputFormat: "png",
	}
	return p.submit(ctx, p.cfg.EditModel, body)
}

func (p *FluxProvider) submit(ctx context.Context, model string, body fluxRequest) (*Result, error) {
	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flux request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("flux error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	var fResp fluxResponse
	if err := json.NewDecoder(resp.Body).Decode(&fResp); err != nil {
		return nil, err
	}

	if fResp.Status != "Ready" {
		pollingURL := fResp.PollingURL
		if pollingURL == "" {
			// Fallback for legacy endpoints.
			pollingURL = fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(p.cfg.BaseURL, "/"), fResp.ID)
		}
		result, err := p.pollResult(ctx, pollingURL)
		if err != nil {
			return nil, err
		}
		fResp = *result
	}

	if fResp.Result.Sample == "" {
		return nil, fmt.Errorf("flux returned no image")
	}

	return &Result{
		URL:       fResp.Result.Sample,
		Provider:  p.Name(),
		Model:     model,
		CreatedAt: time.Now(),
	}, nil
}

// pollResult polls the async result using the polling URL.
// Signed URLs in result.sample are only valid for about 10 minutes.
func (p *FluxProvider) pollResult(ctx context.Context, pollingURL string) (*fluxResponse, error) {
	for i := 0; i < 120; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}

		httpReq, err := http.NewRequestWithContext(ctx, "GET", pollingURL, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("x-key", p.cfg.APIKey)
		httpReq.Header.Set("accept", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			continue
		}

		var fResp fluxResponse
		json.NewDecoder(resp.Body).Decode(&fResp)
		resp.Body.Close()

		switch fResp.Status {
		case "Ready":
			return &fResp, nil
		case "Error", "Failed":
			return nil, fmt.Errorf("flux generation failed")
		}
	}

	return nil, fmt.Errorf("flux generation timeout")
}

func (p *FluxProvider) fetchSource(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source fetch status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
