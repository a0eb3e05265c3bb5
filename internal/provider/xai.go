package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
)

const (
	xaiBaseURL           = "https://api.x.ai/v1"
	xaiVideoModel        = "grok-imagine-video"
	xaiMinDuration       = 1
	xaiMaxDuration       = 15
	xaiDefaultResolution = "720p"
)

// XAIGateway generates segments with xAI Grok Imagine Video over REST.
type XAIGateway struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	downloadClient *http.Client
	log            zerolog.Logger
}

func NewXAIGateway(apiKey string, log zerolog.Logger) *XAIGateway {
	return &XAIGateway{
		apiKey:         apiKey,
		baseURL:        xaiBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		downloadClient: &http.Client{Timeout: 120 * time.Second},
		log:            logging.Component(log, "xai"),
	}
}

// WithBaseURL points the gateway at another API root.
func (g *XAIGateway) WithBaseURL(u string) *XAIGateway {
	g.baseURL = u
	return g
}

func (g *XAIGateway) Name() string { return "xai" }

// POST /v1/videos/generations
type xaiGenerationRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model"`
	Image       *xaiImageInput `json:"image,omitempty"`
	Duration    int            `json:"duration,omitempty"`
	AspectRatio string         `json:"aspect_ratio,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
}

type xaiImageInput struct {
	URL string `json:"url"`
}

type xaiGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// GET /v1/videos/{request_id}
//
//   - Pending:   {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"..."} (no status)
//   - Failed:    {"status":"failed","error":"..."}
type xaiVideoResult struct {
	Status string          `json:"status"`
	Video  *xaiVideoOutput `json:"video,omitempty"`
	Error  string          `json:"error"`
}

type xaiVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func (g *XAIGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	duration := req.DurationSec
	if duration < xaiMinDuration {
		duration = xaiMinDuration
	}
	if duration > xaiMaxDuration {
		duration = xaiMaxDuration
	}

	model := xaiVideoModel
	if req.Model != "" {
		model = req.Model
	}

	body := xaiGenerationRequest{
		Prompt:      req.Prompt,
		Model:       model,
		Duration:    duration,
		AspectRatio: req.AspectRatio,
		Resolution:  xaiDefaultResolution,
	}
	// xAI takes a single source image by URL.
	if len(req.Images) > 0 && req.Images[0].URL != "" {
		body.Image = &xaiImageInput{URL: req.Images[0].URL}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	g.log.Info().Int("prompt_len", len(req.Prompt)).Int("duration", duration).Bool("has_image", body.Image != nil).Msg("starting video generation")

	respBody, status, err := g.do(g.httpClient, httpReq)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", status, string(respBody))
	}

	var genResp xaiGenerationResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w", err)
	}
	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", string(respBody))
	}
	return genResp.RequestID, nil
}

func (g *XAIGateway) Poll(ctx context.Context, handle string) (PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/videos/%s", g.baseURL, handle), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	respBody, status, err := g.do(g.httpClient, httpReq)
	if err != nil {
		return PollResult{}, err
	}
	// 202 means still processing.
	if status != http.StatusOK && status != http.StatusAccepted {
		return PollResult{}, fmt.Errorf("xAI returned status %d: %s", status, string(respBody))
	}

	var result xaiVideoResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return PollResult{}, fmt.Errorf("failed to parse video result: %w", err)
	}

	if result.Video != nil && result.Video.URL != "" {
		return PollResult{Done: true, MediaURI: result.Video.URL}, nil
	}
	if result.Status == "failed" {
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return PollResult{Done: true, Error: msg}, nil
	}
	return PollResult{}, nil
}

func (g *XAIGateway) Download(ctx context.Context, mediaURI string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	data, status, err := g.do(g.downloadClient, httpReq)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("video download returned status %d", status)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}
	return data, nil
}

func (g *XAIGateway) do(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
