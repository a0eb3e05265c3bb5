package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
)

const defaultVeoModel = "veo-3.1-generate-preview"

// Veo only renders these clip lengths.
var veoDurations = []int32{4, 6, 8}

// VeoGateway generates segments with Google's Veo models through the Gen AI SDK.
type VeoGateway struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

func NewVeoGateway(ctx context.Context, apiKey, model string, log zerolog.Logger) (*VeoGateway, error) {
	if model == "" {
		model = defaultVeoModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoGateway{client: client, model: model, log: logging.Component(log, "veo")}, nil
}

func (g *VeoGateway) Name() string { return "veo" }

func (g *VeoGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	generateAudio := req.GenerateAudio
	duration := veoDuration(req.DurationSec)
	config := &genai.GenerateVideosConfig{
		AspectRatio:     req.AspectRatio,
		NumberOfVideos:  1,
		DurationSeconds: &duration,
		GenerateAudio:   &generateAudio,
		NegativePrompt:  req.NegativePrompt,
	}

	var firstFrame *genai.Image
	switch req.ImageMode {
	case models.ImageModeStartFrame:
		if len(req.Images) > 0 {
			firstFrame = veoImage(req.Images[0])
		}
	case models.ImageModeReference:
		for _, img := range req.Images {
			config.ReferenceImages = append(config.ReferenceImages, &genai.VideoGenerationReferenceImage{
				Image:         veoImage(img),
				ReferenceType: genai.VideoGenerationReferenceTypeAsset,
			})
		}
	}

	g.log.Info().
		Str("model", model).
		Int("prompt_len", len(req.Prompt)).
		Int32("duration", duration).
		Str("image_mode", string(req.ImageMode)).
		Msg("starting video generation")

	operation, err := g.client.Models.GenerateVideos(ctx, model, req.Prompt, firstFrame, config)
	if err != nil {
		return "", fmt.Errorf("failed to start video generation: %w", err)
	}
	return operation.Name, nil
}

func (g *VeoGateway) Poll(ctx context.Context, handle string) (PollResult, error) {
	operation, err := g.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to poll operation: %w", err)
	}
	if !operation.Done {
		return PollResult{}, nil
	}

	// Operation-level errors carry quota rejections among others.
	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return PollResult{Done: true, Error: string(errJSON)}, nil
	}
	if operation.Response == nil {
		return PollResult{Done: true, Error: "no response in completed operation"}, nil
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return PollResult{Done: true, Error: "blocked by safety filters: " + reasons}, nil
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return PollResult{Done: true, Error: "no videos in response"}, nil
	}

	return PollResult{Done: true, MediaURI: operation.Response.GeneratedVideos[0].Video.URI}, nil
}

func (g *VeoGateway) Download(ctx context.Context, mediaURI string) ([]byte, error) {
	data, err := g.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(&genai.Video{URI: mediaURI}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}
	return data, nil
}

// veoDuration rounds up to the nearest length Veo accepts, capped at the longest.
func veoDuration(sec int) int32 {
	for _, d := range veoDurations {
		if int32(sec) <= d {
			return d
		}
	}
	return veoDurations[len(veoDurations)-1]
}

func veoImage(ref ImageRef) *genai.Image {
	return &genai.Image{ImageBytes: ref.Data, MIMEType: ref.MIMEType}
}
